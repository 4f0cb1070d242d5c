package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/grishy/pontem-node/client"
	"github.com/grishy/pontem-node/keystore"
	"github.com/grishy/pontem-node/network"
	"github.com/grishy/pontem-node/rpc"
	"github.com/grishy/pontem-node/taskmanager"
	"github.com/grishy/pontem-node/telemetry"
	"github.com/grishy/pontem-node/txpool"
)

// RPCBuilder returns the node specific RPC methods for the given policy.
type RPCBuilder func(deny rpc.DenyUnsafe) (*rpc.Module, error)

// SpawnTasksParams are the parts the common service tasks run on.
type SpawnTasksParams struct {
	Config          *Configuration
	Client          *client.Client
	TaskManager     *taskmanager.TaskManager
	Keystore        *keystore.Store
	TransactionPool *txpool.Pool
	RPCBuilder      RPCBuilder
	Network         *network.Service
	// Telemetry is optional.
	Telemetry *telemetry.Telemetry
	// RotateKeyType is the key type author_rotateKeys generates.
	RotateKeyType keystore.KeyType
}

// SpawnTasks starts telemetry reporting, the informant, the prometheus
// endpoint and the RPC server. Listeners are bound before their tasks are
// spawned, so an unavailable address fails the call.
func SpawnTasks(p SpawnTasksParams) error {
	if p.Network == nil {
		return errors.New("spawn tasks: network is required")
	}
	cfg := p.Config
	spawner := p.TaskManager.SpawnHandle()

	if p.Telemetry != nil {
		if err := p.Telemetry.Start(connectionMessage(cfg, p.Client, p.Network)); err != nil {
			return fmt.Errorf("start telemetry: %w", err)
		}
		handle := p.Telemetry.Handle()
		spawner.Spawn("telemetry-periodic-send", func(ctx context.Context) error {
			return periodic(ctx, cfg.informantInterval(), func() {
				handle.Send(telemetry.SubstrateInfo, "system.interval", intervalFields(p.Client, p.Network, p.TransactionPool))
			})
		})
	}

	spawner.Spawn("informant", func(ctx context.Context) error {
		return periodic(ctx, cfg.informantInterval(), func() {
			informant(p.Client, p.Network, p.TransactionPool)
		})
	})

	if registry := cfg.PrometheusRegistry(); registry != nil && cfg.Prometheus.Listen != "" {
		registerProcessCollectors(registry)
		ln, err := net.Listen("tcp", cfg.Prometheus.Listen)
		if err != nil {
			return fmt.Errorf("prometheus endpoint: %w", err)
		}
		spawner.Spawn("prometheus-endpoint", func(ctx context.Context) error {
			return servePrometheus(ctx, ln, registry)
		})
	}

	if cfg.RPC.Listen == "" {
		log.Info("rpc server disabled")
		return nil
	}
	module, err := buildRPCModule(p, cfg.RPC.Methods.DenyUnsafe(cfg.RPC.Listen))
	if err != nil {
		return err
	}
	server := rpc.NewServer(cfg.RPC.Listen, module)
	ln, err := server.Listen()
	if err != nil {
		return fmt.Errorf("rpc server: %w", err)
	}
	spawner.Spawn("rpc-server", func(ctx context.Context) error {
		return server.Serve(ctx, ln)
	})
	return nil
}

func buildRPCModule(p SpawnTasksParams, deny rpc.DenyUnsafe) (*rpc.Module, error) {
	module := rpc.ChainModule(p.Client)
	info := rpc.SystemInfo{
		ImplName:    p.Config.ImplName,
		ImplVersion: p.Config.ImplVersion,
		Role:        p.Config.Role.String(),
	}
	if p.Config.ChainSpec != nil {
		info.ChainName = p.Config.ChainSpec.Name
	}
	if err := module.Merge(rpc.SystemModule(info, p.Network, deny)); err != nil {
		return nil, err
	}
	if p.Keystore != nil && p.RotateKeyType != "" {
		if err := module.Merge(rpc.KeystoreModule(p.Keystore, deny, p.RotateKeyType)); err != nil {
			return nil, err
		}
	}
	if p.RPCBuilder != nil {
		extra, err := p.RPCBuilder(deny)
		if err != nil {
			return nil, fmt.Errorf("build rpc: %w", err)
		}
		if err = module.Merge(extra); err != nil {
			return nil, fmt.Errorf("build rpc: %w", err)
		}
	}
	return rpc.WithMethodList(module), nil
}

// BuildOffchainWorkers runs the runtime offchain worker on every new best
// block when enabled. It reports whether workers were started.
func BuildOffchainWorkers(cfg *Configuration, spawner taskmanager.Spawner, c *client.Client) bool {
	if !cfg.OffchainWorker.Enabled {
		return false
	}
	notifications, unsubscribe := c.ImportNotificationStream()
	spawner.Spawn("offchain-notifications", func(ctx context.Context) error {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return nil
			case n, ok := <-notifications:
				if !ok {
					return nil
				}
				if !n.IsNewBest {
					continue
				}
				if err := c.OffchainWorker(ctx, n.Header); err != nil {
					log.Warn("offchain worker failed", zap.Uint64("number", n.Header.Number), zap.Error(err))
				}
			}
		}
	})
	return true
}

func periodic(ctx context.Context, every time.Duration, fn func()) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

func informant(c *client.Client, n *network.Service, pool *txpool.Pool) {
	info, err := c.Info()
	if err != nil {
		log.Warn("informant: chain info", zap.Error(err))
		return
	}
	fields := []zap.Field{
		zap.Uint64("best", info.BestNumber),
		zap.String("best_hash", info.BestHash.String()),
		zap.Uint64("finalized", info.FinalizedNumber),
	}
	fields = append(fields, zap.Int("peers", len(n.Peers())), zap.Bool("syncing", n.IsMajorSyncing()))
	if pool != nil {
		fields = append(fields, zap.Int("txpool_ready", pool.Status().Ready))
	}
	log.Info("idle", fields...)
}

func intervalFields(c *client.Client, n *network.Service, pool *txpool.Pool) map[string]any {
	fields := map[string]any{}
	if info, err := c.Info(); err == nil {
		fields["best"] = info.BestHash.String()
		fields["height"] = info.BestNumber
		fields["finalized_hash"] = info.FinalizedHash.String()
		fields["finalized_height"] = info.FinalizedNumber
	}
	fields["peers"] = len(n.Peers())
	if pool != nil {
		fields["txcount"] = pool.Status().Ready
	}
	return fields
}

func connectionMessage(cfg *Configuration, c *client.Client, n *network.Service) telemetry.ConnectionMessage {
	msg := telemetry.ConnectionMessage{
		Name:           cfg.NodeName,
		Implementation: cfg.ImplName,
		Version:        cfg.ImplVersion,
		GenesisHash:    c.GenesisHash().String(),
		Authority:      cfg.Role.IsAuthority(),
		StartupTime:    fmt.Sprint(time.Now().UnixMilli()),
	}
	if cfg.ChainSpec != nil {
		msg.Chain = cfg.ChainSpec.Name
	}
	msg.NetworkID = n.LocalPeerIDString()
	return msg
}

func registerProcessCollectors(registry *prometheus.Registry) {
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: "pontem"}),
	} {
		if err := registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				log.Warn("register collector", zap.Error(err))
			}
		}
	}
}

func servePrometheus(ctx context.Context, ln net.Listener, registry *prometheus.Registry) error {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))

	srv := &http.Server{Handler: engine, ReadHeaderTimeout: 10 * time.Second}
	log.Info("prometheus endpoint listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	var err error
	select {
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
