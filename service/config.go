// Package service builds the parts every node shares: the client and its
// storage, the keystore, the task manager and the common service tasks.
package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/anyproto/any-sync/app/logger"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grishy/pontem-node/chainspec"
	"github.com/grishy/pontem-node/executor"
	"github.com/grishy/pontem-node/nativeruntime"
	"github.com/grishy/pontem-node/network"
	"github.com/grishy/pontem-node/rpc"
	"github.com/grishy/pontem-node/telemetry"
	"github.com/grishy/pontem-node/txpool"
)

const CName = "node.service"

var log = logger.NewNamed(CName)

// Role is what the node does on its chain.
type Role uint8

const (
	RoleFull Role = iota
	RoleAuthority
	RoleLight
)

func (r Role) String() string {
	switch r {
	case RoleFull:
		return "Full"
	case RoleAuthority:
		return "Authority"
	case RoleLight:
		return "Light"
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

func (r Role) IsAuthority() bool {
	return r == RoleAuthority
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "full", "":
		return RoleFull, nil
	case "authority", "validator", "collator":
		return RoleAuthority, nil
	case "light":
		return RoleLight, nil
	}
	return RoleFull, fmt.Errorf("unknown role %q", s)
}

type OffchainWorkerConfig struct {
	Enabled bool
}

type DatabaseConfig struct {
	Path     string
	InMemory bool
}

type RPCConfig struct {
	// Listen is the rpc server address; empty disables the server.
	Listen  string
	Methods rpc.Methods
}

// PrometheusConfig enables metrics. A nil config disables them and every
// subsystem receives a nil registry.
type PrometheusConfig struct {
	Listen   string
	Registry *prometheus.Registry
}

// Configuration is the runtime configuration of one node.
type Configuration struct {
	Role        Role
	NodeName    string
	ImplName    string
	ImplVersion string
	ChainSpec   *chainspec.ChainSpec

	TelemetryEndpoints telemetry.Endpoints
	TransactionPool    txpool.Options
	Prometheus         *PrometheusConfig

	WasmMethod          executor.WasmExecutionMethod
	DefaultHeapPages    uint64
	MaxRuntimeInstances int

	OffchainWorker OffchainWorkerConfig
	ForceAuthoring bool

	Network      network.Config
	RPC          RPCConfig
	Database     DatabaseConfig
	KeystorePath string

	// InformantInterval is the period of the status log line and the
	// telemetry system.interval message.
	InformantInterval time.Duration
}

// PrometheusRegistry returns nil when metrics are disabled.
func (c *Configuration) PrometheusRegistry() *prometheus.Registry {
	if c.Prometheus == nil {
		return nil
	}
	return c.Prometheus.Registry
}

func (c *Configuration) informantInterval() time.Duration {
	if c.InformantInterval <= 0 {
		return 5 * time.Second
	}
	return c.InformantInterval
}

// NewExecutor builds the native-else-wasm executor of the configured runtime.
// An empty method means compiled wasm and at least one runtime instance runs.
func (c *Configuration) NewExecutor(genesis nativeruntime.Genesis) (*executor.Executor, error) {
	method := c.WasmMethod
	if method == "" {
		method = executor.Compiled
	}
	instances := c.MaxRuntimeInstances
	if instances <= 0 {
		instances = 1
	}
	return executor.New(nativeruntime.New(genesis), method, c.DefaultHeapPages, instances)
}
