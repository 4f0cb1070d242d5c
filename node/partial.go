// Package node assembles a running parachain node from its configuration in
// one of three modes: collator, full node or standalone dev chain.
package node

import (
	"context"
	"fmt"

	"github.com/anyproto/any-sync/app/logger"
	"go.uber.org/zap"

	"github.com/grishy/pontem-node/backend"
	"github.com/grishy/pontem-node/client"
	"github.com/grishy/pontem-node/importqueue"
	"github.com/grishy/pontem-node/keystore"
	"github.com/grishy/pontem-node/longestchain"
	"github.com/grishy/pontem-node/manualseal"
	"github.com/grishy/pontem-node/nimbus"
	"github.com/grishy/pontem-node/service"
	"github.com/grishy/pontem-node/taskmanager"
	"github.com/grishy/pontem-node/telemetry"
	"github.com/grishy/pontem-node/txpool"
)

var log = logger.NewNamed(CName)

// TelemetryBufferSize is the send buffer depth of the telemetry worker.
const TelemetryBufferSize = 16

// TelemetryPair is the telemetry worker and the node session it serves.
type TelemetryPair struct {
	Worker    *telemetry.Worker
	Telemetry *telemetry.Telemetry
}

// PartialComponents are the parts every mode shares.
type PartialComponents struct {
	Client      *client.Client
	Backend     *backend.Backend
	Keystore    *keystore.Container
	TaskManager *taskmanager.TaskManager
	Pool        *txpool.Pool
	ImportQueue importqueue.ImportQueue
	// SelectChain is set in dev mode only.
	SelectChain *longestchain.LongestChain
	// Telemetry is nil without telemetry endpoints.
	Telemetry *TelemetryPair
}

func (p *PartialComponents) telemetryHandle() *telemetry.Handle {
	if p.Telemetry == nil {
		return nil
	}
	return p.Telemetry.Telemetry.Handle()
}

func (p *PartialComponents) telemetrySession() *telemetry.Telemetry {
	if p.Telemetry == nil {
		return nil
	}
	return p.Telemetry.Telemetry
}

func (p *PartialComponents) workerHandle() *telemetry.WorkerHandle {
	if p.Telemetry == nil {
		return nil
	}
	h := p.Telemetry.Worker.Handle()
	return &h
}

// NewPartial builds the executor, the client with its storage and keystore,
// telemetry, the transaction pool and the import queue. dev selects the
// manual seal import queue and a longest chain selector, otherwise blocks
// are verified by nimbus.
func NewPartial(ctx context.Context, cfg *service.Configuration, dev bool) (*PartialComponents, error) {
	if cfg.ChainSpec == nil {
		return nil, assemblyError(StageConfiguration, service.ErrNoChainSpec)
	}
	genesis, err := cfg.ChainSpec.Genesis()
	if err != nil {
		return nil, assemblyError(StageConfiguration, err)
	}

	var tel *TelemetryPair
	if len(cfg.TelemetryEndpoints) > 0 {
		if err = cfg.TelemetryEndpoints.Validate(); err != nil {
			return nil, assemblyError(StageTelemetry, err)
		}
		worker, err := telemetry.NewWorker(TelemetryBufferSize)
		if err != nil {
			return nil, assemblyError(StageTelemetry, err)
		}
		tel = &TelemetryPair{Worker: worker, Telemetry: worker.Handle().NewTelemetry(cfg.TelemetryEndpoints)}
	}

	exec, err := cfg.NewExecutor(genesis)
	if err != nil {
		return nil, assemblyError(StageExecutor, err)
	}

	var telHandle *telemetry.Handle
	if tel != nil {
		telHandle = tel.Telemetry.Handle()
	}
	parts, err := service.NewFullParts(ctx, cfg, telHandle, exec)
	if err != nil {
		_ = exec.Close(ctx)
		return nil, assemblyError(StageClient, err)
	}
	tm := parts.TaskManager

	if tel != nil {
		tm.SpawnHandle().Spawn("telemetry", tel.Worker.Run)
	}

	registry := cfg.PrometheusRegistry()
	pool := txpool.NewFull(cfg.TransactionPool, cfg.Role.IsAuthority(), registry, tm.SpawnEssentialHandle(), parts.Client)

	partial := &PartialComponents{
		Client:      parts.Client,
		Backend:     parts.Backend,
		Keystore:    parts.Keystore,
		TaskManager: tm,
		Pool:        pool,
		Telemetry:   tel,
	}
	if dev {
		partial.ImportQueue = manualseal.ImportQueue(parts.Client, tm.SpawnEssentialHandle(), registry)
		partial.SelectChain = longestchain.New(parts.Backend)
	} else {
		queue, err := nimbus.ImportQueue(parts.Client, parts.Client, timestampInherents{}, tm.SpawnEssentialHandle(), registry)
		if err != nil {
			closeTaskManager(tm)
			return nil, assemblyError(StageImportQueue, err)
		}
		partial.ImportQueue = queue
	}

	log.Debug("partial components ready",
		zap.Bool("dev", dev),
		zap.Bool("telemetry", tel != nil),
		zap.String("chain", cfg.ChainSpec.Name))
	return partial, nil
}

func closeTaskManager(tm *taskmanager.TaskManager) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := tm.Close(ctx); err != nil {
		log.Warn("close task manager", zap.Error(fmt.Errorf("after failed assembly: %w", err)))
	}
}
