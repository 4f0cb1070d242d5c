// Package relaychain builds the relay chain full node a parachain node
// follows.
package relaychain

import (
	"context"
	"errors"

	"github.com/anyproto/any-sync/app/logger"
	"go.uber.org/zap"

	"github.com/grishy/pontem-node/backend"
	"github.com/grishy/pontem-node/client"
	"github.com/grishy/pontem-node/importqueue"
	"github.com/grishy/pontem-node/network"
	"github.com/grishy/pontem-node/service"
	"github.com/grishy/pontem-node/taskmanager"
	"github.com/grishy/pontem-node/telemetry"
	"github.com/grishy/pontem-node/txpool"
)

const CName = "relaychain"

var log = logger.NewNamed(CName)

// Error is a relay chain node construction failure.
type Error interface {
	error
	relayChainError()
}

// SubError wraps a failure of the shared node service layer. It is surfaced
// unchanged by the parachain assembly.
type SubError struct {
	Err error
}

func (e *SubError) Error() string { return e.Err.Error() }
func (e *SubError) Unwrap() error { return e.Err }
func (*SubError) relayChainError() {}

// ConfigError is an invalid relay chain configuration.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "invalid relay chain configuration: " + e.Reason }
func (*ConfigError) relayChainError() {}

// NetworkError is a failure to build or start the relay chain network.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "relay chain network: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }
func (*NetworkError) relayChainError() {}

// FullNode is a running relay chain node.
type FullNode struct {
	Client      *client.Client
	Backend     *backend.Backend
	Network     *network.Service
	TaskManager *taskmanager.TaskManager
}

// BuildFullNode builds and starts a relay chain full node. workerHandle may be
// nil; with it and configured endpoints the relay node reports to the same
// telemetry worker as the parachain node.
func BuildFullNode(ctx context.Context, cfg *service.Configuration, workerHandle *telemetry.WorkerHandle) (*FullNode, error) {
	if cfg.Role == service.RoleLight {
		return nil, &ConfigError{Reason: "light relay chain nodes are not supported"}
	}
	if cfg.ChainSpec == nil {
		return nil, &ConfigError{Reason: "no relay chain spec"}
	}
	genesis, err := cfg.ChainSpec.Genesis()
	if err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}

	var tel *telemetry.Telemetry
	if workerHandle != nil && len(cfg.TelemetryEndpoints) > 0 {
		tel = workerHandle.NewTelemetry(cfg.TelemetryEndpoints)
	}
	var telHandle *telemetry.Handle
	if tel != nil {
		telHandle = tel.Handle()
	}

	exec, err := cfg.NewExecutor(genesis)
	if err != nil {
		return nil, &SubError{Err: err}
	}
	parts, err := service.NewFullParts(ctx, cfg, telHandle, exec)
	if err != nil {
		_ = exec.Close(ctx)
		return nil, &SubError{Err: err}
	}
	tm := parts.TaskManager

	pool := txpool.NewFull(cfg.TransactionPool, false, cfg.PrometheusRegistry(), tm.SpawnEssentialHandle(), parts.Client)
	// Relay chain consensus is not run in process: blocks are imported as
	// announced and checked by the client only.
	queue := importqueue.NewBasicQueue(importqueue.VerifierFunc(func(_ context.Context, p *client.BlockImportParams) (*client.BlockImportParams, error) {
		return p, nil
	}), parts.Client, tm.SpawnEssentialHandle(), nil)

	netCfg := cfg.Network
	if netCfg.ProtocolID == "" {
		netCfg.ProtocolID = cfg.ChainSpec.ProtocolID
	}
	if len(netCfg.Bootnodes) == 0 {
		netCfg.Bootnodes = cfg.ChainSpec.Bootnodes
	}
	svc, starter, err := network.BuildNetwork(tm.Context(), network.BuildNetworkParams{
		Config:          netCfg,
		Client:          parts.Client,
		TransactionPool: pool,
		ImportQueue:     queue,
		Spawner:         tm.SpawnEssentialHandle(),
	})
	if err != nil {
		_ = tm.Close(context.Background())
		return nil, &NetworkError{Err: err}
	}
	if tel != nil {
		if err = tel.Start(telemetry.ConnectionMessage{
			Name:           cfg.NodeName,
			Implementation: cfg.ImplName,
			Version:        cfg.ImplVersion,
			Chain:          cfg.ChainSpec.Name,
			GenesisHash:    parts.Client.GenesisHash().String(),
			NetworkID:      svc.LocalPeerIDString(),
		}); err != nil {
			_ = tm.Close(context.Background())
			return nil, &SubError{Err: err}
		}
	}
	if err = starter.StartNetwork(); err != nil {
		_ = tm.Close(context.Background())
		return nil, &NetworkError{Err: err}
	}

	log.Info("relay chain full node started",
		zap.String("chain", cfg.ChainSpec.Name),
		zap.String("peer_id", svc.LocalPeerIDString()),
		zap.Strings("listen", svc.ListenAddrs()))
	return &FullNode{Client: parts.Client, Backend: parts.Backend, Network: svc, TaskManager: tm}, nil
}

// IntoServiceError maps a relay chain error for the parachain assembly: a
// SubError passes through as its cause, every other error keeps only its
// message.
func IntoServiceError(err error) error {
	if err == nil {
		return nil
	}
	var sub *SubError
	if errors.As(err, &sub) {
		return sub.Err
	}
	return errors.New(err.Error())
}
