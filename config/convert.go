package config

import (
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/grishy/pontem-node/chainspec"
	"github.com/grishy/pontem-node/executor"
	"github.com/grishy/pontem-node/nimbus"
	"github.com/grishy/pontem-node/parachain"
	"github.com/grishy/pontem-node/rpc"
	"github.com/grishy/pontem-node/service"
	"github.com/grishy/pontem-node/txpool"
)

const (
	implName = "pontem-node"

	parachainDir  = "parachain"
	relayChainDir = "relaychain"
)

// ParachainConfiguration is the runtime configuration of the parachain node.
func (c *Config) ParachainConfiguration() (*service.Configuration, error) {
	cfg, err := c.convertChain(c.Parachain, parachainDir)
	if err != nil {
		return nil, fmt.Errorf("parachain: %w", err)
	}
	cfg.KeystorePath = c.KeystorePath()
	return cfg, nil
}

// RelayChainConfiguration is the runtime configuration of the embedded relay
// chain node. It has no keystore and never authors.
func (c *Config) RelayChainConfiguration() (*service.Configuration, error) {
	chain := c.RelayChain
	if chain.Chain == "" {
		spec, err := chainspec.Load(c.Parachain.Chain)
		if err != nil {
			return nil, fmt.Errorf("relay chain: %w", err)
		}
		chain.Chain = spec.RelayChain
	}
	cfg, err := c.convertChain(chain, relayChainDir)
	if err != nil {
		return nil, fmt.Errorf("relay chain: %w", err)
	}
	cfg.NodeName = c.NodeName + " (relay chain)"
	return cfg, nil
}

// ParachainID is the configured para id, or the one of the parachain spec.
func (c *Config) ParachainID() parachain.ParaID {
	if c.ParaID != 0 {
		return parachain.ParaID(c.ParaID)
	}
	spec, err := chainspec.Load(c.Parachain.Chain)
	if err != nil {
		return 0
	}
	return parachain.ParaID(spec.ParaID)
}

// AuthorID is the nimbus id dev blocks are authored with.
func (c *Config) AuthorID() (nimbus.ID, error) {
	return nimbus.ParseID(c.Account.Author)
}

func (c *Config) KeystorePath() string {
	if c.StoragePath == "" {
		return ""
	}
	return filepath.Join(c.StoragePath, "keystore.yml")
}

// DatabasePath is where the chain of the given spec id is stored.
func (c *Config) DatabasePath(dir, specID string) string {
	return filepath.Join(c.StoragePath, dir, specID, "db")
}

func (c *Config) convertChain(chain ChainConfig, dir string) (*service.Configuration, error) {
	spec, err := chainspec.Load(chain.Chain)
	if err != nil {
		return nil, err
	}
	role, err := service.ParseRole(chain.Role)
	if err != nil {
		return nil, err
	}
	method, err := executor.ParseWasmExecutionMethod(chain.Execution.WasmMethod)
	if err != nil {
		return nil, err
	}
	methods, err := rpc.ParseMethods(chain.RPC.Methods)
	if err != nil {
		return nil, err
	}
	if err = chain.TelemetryEndpoints.Validate(); err != nil {
		return nil, err
	}

	cfg := &service.Configuration{
		Role:                role,
		NodeName:            c.NodeName,
		ImplName:            implName,
		ImplVersion:         c.NodeVersion,
		ChainSpec:           spec,
		TelemetryEndpoints:  chain.TelemetryEndpoints,
		TransactionPool:     chain.TransactionPool,
		WasmMethod:          method,
		DefaultHeapPages:    chain.Execution.DefaultHeapPages,
		MaxRuntimeInstances: chain.Execution.MaxRuntimeInstances,
		OffchainWorker:      service.OffchainWorkerConfig{Enabled: chain.OffchainWorker},
		ForceAuthoring:      chain.ForceAuthoring,
		Network:             chain.Network,
		RPC: service.RPCConfig{
			Listen:  chain.RPC.Listen,
			Methods: methods,
		},
		Database: service.DatabaseConfig{
			Path:     c.DatabasePath(dir, spec.ID),
			InMemory: chain.InMemory || c.StoragePath == "",
		},
	}
	if cfg.TransactionPool.ReadyCount == 0 {
		cfg.TransactionPool = txpool.DefaultOptions()
	}
	if chain.Prometheus.Listen != "" {
		cfg.Prometheus = &service.PrometheusConfig{
			Listen:   chain.Prometheus.Listen,
			Registry: prometheus.NewRegistry(),
		}
	}
	return cfg, nil
}
