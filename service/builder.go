package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/grishy/pontem-node/backend"
	"github.com/grishy/pontem-node/client"
	"github.com/grishy/pontem-node/executor"
	"github.com/grishy/pontem-node/keystore"
	"github.com/grishy/pontem-node/taskmanager"
	"github.com/grishy/pontem-node/telemetry"
)

var ErrNoChainSpec = errors.New("configuration has no chain spec")

// FullParts are the client side parts of a full node.
type FullParts struct {
	Client      *client.Client
	Backend     *backend.Backend
	Keystore    *keystore.Container
	TaskManager *taskmanager.TaskManager
}

// NewFullParts opens the database, the client over exec and the keystore. The
// returned task manager owns the database and the executor: both are closed
// after its tasks stopped.
func NewFullParts(ctx context.Context, cfg *Configuration, tel *telemetry.Handle, exec *executor.Executor) (*FullParts, error) {
	if cfg.ChainSpec == nil {
		return nil, ErrNoChainSpec
	}
	genesis, err := cfg.ChainSpec.Genesis()
	if err != nil {
		return nil, fmt.Errorf("chain spec genesis: %w", err)
	}

	b, err := backend.Open(backend.Options{Path: cfg.Database.Path, InMemory: cfg.Database.InMemory})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	c, err := client.New(b, exec, genesis, tel)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("create client: %w", err)
	}
	if len(cfg.ChainSpec.Code) > 0 {
		if err = exec.SetRuntimeCode(ctx, cfg.ChainSpec.Code); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("load runtime code: %w", err)
		}
	}

	ks, err := keystore.NewContainer(cfg.KeystorePath)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("open keystore: %w", err)
	}

	tm := taskmanager.New(ctx)
	tm.KeepAlive("database", b.Close)
	tm.KeepAlive("executor", func() error { return exec.Close(context.Background()) })

	log.Info("full parts ready",
		zap.String("chain", cfg.ChainSpec.Name),
		zap.String("genesis", c.GenesisHash().String()),
		zap.Stringer("role", cfg.Role),
		zap.String("database", cfg.Database.Path),
		zap.Bool("in_memory", cfg.Database.InMemory))
	return &FullParts{Client: c, Backend: b, Keystore: ks, TaskManager: tm}, nil
}
