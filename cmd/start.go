package cmd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/anyproto/any-sync/app"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	nodeCfg "github.com/grishy/pontem-node/config"
	"github.com/grishy/pontem-node/nimbus"
	"github.com/grishy/pontem-node/node"
	"github.com/grishy/pontem-node/parachain"
)

// Command-scoped flags for start commands.
const (
	flagStartParaID   = "para-id"
	flagStartFullNode = "full-node"
	flagDevSealing    = "sealing"
	flagDevAuthor     = "author"
	flagDevChain      = "chain"
)

const closeTimeout = 30 * time.Second

var errInvalidParaID = errors.New("invalid parachain id")

// paraIDFlag reads a parachain id flag, rejecting values that do not fit in 32 bits.
func paraIDFlag(cCtx *cli.Context, name string) (uint32, error) {
	v := cCtx.Uint64(name)
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("%w: --%s %d exceeds %d", errInvalidParaID, name, v, uint32(math.MaxUint32))
	}
	return uint32(v), nil
}

func cmdStart(ctx context.Context) *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Start the parachain node with an embedded relay chain node",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:    flagStartParaID,
				Usage:   "Parachain id, overrides the config and the chain spec",
				EnvVars: []string{"PONTEM_NODE_PARA_ID"},
			},
			&cli.BoolFlag{
				Name:    flagStartFullNode,
				Usage:   "Follow the parachain without collating, whatever the configured role",
				EnvVars: []string{"PONTEM_NODE_FULL_NODE"},
			},
		},
		Action: func(cCtx *cli.Context) error {
			cfg := loadOrCreateConfig(cCtx.String(flagConfigPath))

			paraID, err := paraIDFlag(cCtx, flagStartParaID)
			if err != nil {
				return err
			}
			if paraID != 0 {
				cfg.ParaID = paraID
			}

			var mode node.Mode = node.Collator{ParaID: parachain.ParaID(cfg.ParaID)}
			if cCtx.Bool(flagStartFullNode) {
				mode = node.FullNode{ParaID: parachain.ParaID(cfg.ParaID)}
			}

			return runNode(ctx, cfg, mode)
		},
	}
}

func cmdDev(ctx context.Context) *cli.Command {
	return &cli.Command{
		Name:  "dev",
		Usage: "Start a standalone development chain sealed without a relay chain",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagDevSealing,
				Value:   "instant",
				Usage:   "Block sealing: \"instant\" or a period in milliseconds",
				EnvVars: []string{"PONTEM_NODE_SEALING"},
			},
			&cli.StringFlag{
				Name:    flagDevAuthor,
				Usage:   "Author id of sealed blocks (hex), defaults to the config account",
				EnvVars: []string{"PONTEM_NODE_AUTHOR"},
			},
			&cli.StringFlag{
				Name:    flagDevChain,
				Value:   "dev",
				Usage:   "Chain spec id or path of the development chain",
				EnvVars: []string{"PONTEM_NODE_DEV_CHAIN"},
			},
		},
		Action: func(cCtx *cli.Context) error {
			sealing, err := node.ParseSealing(cCtx.String(flagDevSealing))
			if err != nil {
				return err
			}

			cfg := loadOrCreateConfig(cCtx.String(flagConfigPath))
			cfg.Parachain.Chain = cCtx.String(flagDevChain)

			author, err := devAuthor(cfg, cCtx.String(flagDevAuthor))
			if err != nil {
				return err
			}

			log.Info("dev chain sealing",
				zap.String("sealing", sealing.String()),
				zap.String("author", author.String()))

			return runNode(ctx, cfg, node.Dev{Sealing: sealing, Author: author})
		},
	}
}

func devAuthor(cfg *nodeCfg.Config, flagValue string) (nimbus.ID, error) {
	if flagValue != "" {
		author, err := nimbus.ParseID(flagValue)
		if err != nil {
			return nimbus.ID{}, fmt.Errorf("invalid --%s: %w", flagDevAuthor, err)
		}
		return author, nil
	}
	author, err := cfg.AuthorID()
	if err != nil {
		return nimbus.ID{}, fmt.Errorf("invalid config account author: %w", err)
	}
	return author, nil
}

// loadOrCreateConfig loads the node config, creating a fresh one next to the
// default storage when none exists yet.
func loadOrCreateConfig(cfgPath string) *nodeCfg.Config {
	if _, err := os.Stat(cfgPath); err == nil {
		log.Info("loading existing config", zap.String("path", cfgPath))
		return nodeCfg.Load(cfgPath)
	}

	log.Info("config not found, creating a new one", zap.String("path", cfgPath))
	return nodeCfg.CreateWrite(&nodeCfg.CreateOptions{
		CfgPath:     cfgPath,
		StoragePath: defaultStoragePath,
	})
}

// runNode runs the node app until ctx is done or an essential task fails.
func runNode(ctx context.Context, cfg *nodeCfg.Config, mode node.Mode) error {
	a := new(app.App)
	srv := node.New(mode)
	a.Register(cfg).
		Register(srv)

	log.Info("▶️ starting node", zap.String("name", cfg.NodeName), zap.String("chain", cfg.Parachain.Chain))
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("node startup failed: %w", err)
	}
	log.Info("🚀 node started")

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- srv.Wait()
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-waitErr:
		if runErr != nil {
			log.Error("❌ essential task failed", zap.Error(runErr))
		}
	}

	ctxClose, cancelClose := context.WithTimeout(context.Background(), closeTimeout)
	defer cancelClose()
	if err := a.Close(ctxClose); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("close error", zap.Error(err))
	}

	log.Info("goodbye!")
	return runErr
}
