package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/anyproto/any-sync/app"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grishy/pontem-node/chainspec"
	"github.com/grishy/pontem-node/executor"
	"github.com/grishy/pontem-node/importqueue"
	"github.com/grishy/pontem-node/nativeruntime"
	"github.com/grishy/pontem-node/network"
	"github.com/grishy/pontem-node/nimbus"
	"github.com/grishy/pontem-node/parachain"
	"github.com/grishy/pontem-node/relaychain"
	"github.com/grishy/pontem-node/service"
	"github.com/grishy/pontem-node/taskmanager"
	"github.com/grishy/pontem-node/telemetry"
	"github.com/grishy/pontem-node/txpool"
)

const testParaID parachain.ParaID = 2000

var testAuthor = nimbus.ID{1, 2, 3}

// relayValidatorType is the block announce validator parachain networks use.
const relayValidatorType = "*parachain.blockAnnounceValidator"

func nodeConfig(spec *chainspec.ChainSpec, role service.Role) *service.Configuration {
	return &service.Configuration{
		Role:                role,
		NodeName:            "test",
		ImplName:            "pontem-node",
		ImplVersion:         "test",
		ChainSpec:           spec,
		TransactionPool:     txpool.DefaultOptions(),
		WasmMethod:          executor.Interpreted,
		MaxRuntimeInstances: 1,
		Network:             network.Config{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}},
		Database:            service.DatabaseConfig{InMemory: true},
	}
}

func devConfig(role service.Role) *service.Configuration {
	return nodeConfig(chainspec.Dev(), role)
}

func paraConfig(role service.Role) *service.Configuration {
	return nodeConfig(chainspec.Local(), role)
}

func relayConfig() *service.Configuration {
	return nodeConfig(chainspec.RelayLocal(), service.RoleFull)
}

func closeOnCleanup(t *testing.T, tm *taskmanager.TaskManager) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tm.Close(ctx)
	})
}

func taskKinds(tm *taskmanager.TaskManager) map[string][]taskmanager.Kind {
	out := map[string][]taskmanager.Kind{}
	for _, task := range tm.Tasks() {
		out[task.Name] = append(out[task.Name], task.Kind)
	}
	return out
}

// recorder wraps the observable assembly steps and restores them on cleanup.
type recorder struct {
	mu           sync.Mutex
	calls        []string
	tasksAtSpawn map[string][]taskmanager.Kind
	consensus    *nimbus.Consensus
	networkBuilt bool
	validator    network.BlockAnnounceValidator
}

func recordAssembly(t *testing.T) *recorder {
	t.Helper()
	saved := assembly
	t.Cleanup(func() { assembly = saved })

	r := &recorder{}
	assembly.buildRelayChain = func(ctx context.Context, cfg *service.Configuration, wh *telemetry.WorkerHandle) (*relaychain.FullNode, error) {
		r.add("build_relay_chain")
		return saved.buildRelayChain(ctx, cfg, wh)
	}
	assembly.buildConsensus = func(cfg *service.Configuration, partial *PartialComponents, relay *relaychain.FullNode, paraID parachain.ParaID) *nimbus.Consensus {
		r.add("build_consensus")
		c := saved.buildConsensus(cfg, partial, relay, paraID)
		r.mu.Lock()
		r.consensus = c
		r.mu.Unlock()
		return c
	}
	assembly.startCollator = func(p parachain.StartCollatorParams) error {
		r.add("start_collator")
		return saved.startCollator(p)
	}
	assembly.startFullNode = func(p parachain.StartFullNodeParams) error {
		r.add("start_full_node")
		return saved.startFullNode(p)
	}
	assembly.buildNetwork = func(ctx context.Context, p network.BuildNetworkParams) (*network.Service, *network.NetworkStarter, error) {
		r.mu.Lock()
		r.networkBuilt = true
		r.mu.Unlock()
		if builder := p.BlockAnnounceValidatorBuilder; builder != nil {
			p.BlockAnnounceValidatorBuilder = func(s *network.Service) network.BlockAnnounceValidator {
				v := builder(s)
				r.mu.Lock()
				r.validator = v
				r.mu.Unlock()
				return v
			}
		}
		return saved.buildNetwork(ctx, p)
	}
	assembly.spawnTasks = func(p service.SpawnTasksParams) error {
		r.add("spawn_tasks")
		r.mu.Lock()
		r.tasksAtSpawn = taskKinds(p.TaskManager)
		r.mu.Unlock()
		return saved.spawnTasks(p)
	}
	assembly.startNetwork = func(s *network.NetworkStarter) error {
		r.add("start_network")
		return saved.startNetwork(s)
	}
	return r
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

// announceValidator reports whether the network was built and the type of
// the block announce validator it got.
func (r *recorder) announceValidator() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.validator == nil {
		return r.networkBuilt, ""
	}
	return r.networkBuilt, fmt.Sprintf("%T", r.validator)
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestLightClientRejected(t *testing.T) {
	modes := []Mode{
		Collator{RelayChain: relayConfig(), ParaID: testParaID},
		FullNode{RelayChain: relayConfig(), ParaID: testParaID},
		Dev{Sealing: Instant, Author: testAuthor},
	}
	for _, mode := range modes {
		t.Run(mode.mode(), func(t *testing.T) {
			rec := recordAssembly(t)

			n, err := Start(context.Background(), devConfig(service.RoleLight), mode)
			require.Error(t, err)
			assert.Nil(t, n)
			assert.Contains(t, err.Error(), "Light client not supported")
			assert.ErrorIs(t, err, ErrLightClientNotSupported)

			var asmErr *AssemblyError
			require.ErrorAs(t, err, &asmErr)
			assert.Equal(t, StageConfiguration, asmErr.Stage)
			assert.Empty(t, rec.Calls(), "nothing is built for a light client")
		})
	}

	t.Run("start node", func(t *testing.T) {
		_, err := StartNode(context.Background(), paraConfig(service.RoleLight), relayConfig(), testParaID)
		assert.EqualError(t, err, "configuration: Light client not supported!")
	})
}

func TestNewPartial(t *testing.T) {
	ctx := context.Background()

	t.Run("dev", func(t *testing.T) {
		partial, err := NewPartial(ctx, devConfig(service.RoleAuthority), true)
		require.NoError(t, err)
		closeOnCleanup(t, partial.TaskManager)

		assert.NotNil(t, partial.SelectChain)
		assert.NotNil(t, partial.Client)
		assert.NotNil(t, partial.Backend)
		assert.NotNil(t, partial.Keystore)
		assert.NotNil(t, partial.Pool)
		assert.IsType(t, &importqueue.BasicQueue{}, partial.ImportQueue)
		assert.Nil(t, partial.Telemetry)
		assert.NotContains(t, taskKinds(partial.TaskManager), "telemetry")

		best, err := partial.SelectChain.BestChain()
		require.NoError(t, err)
		assert.Equal(t, partial.Client.GenesisHash(), best.Hash())
	})

	t.Run("non dev", func(t *testing.T) {
		partial, err := NewPartial(ctx, paraConfig(service.RoleFull), false)
		require.NoError(t, err)
		closeOnCleanup(t, partial.TaskManager)

		assert.Nil(t, partial.SelectChain)
		assert.NotNil(t, partial.ImportQueue)
		assert.Contains(t, taskKinds(partial.TaskManager), "basic-block-import-worker")
	})

	t.Run("telemetry", func(t *testing.T) {
		cfg := devConfig(service.RoleFull)
		cfg.TelemetryEndpoints = telemetry.Endpoints{{URL: "ws://127.0.0.1:1/submit", Verbosity: 1}}

		partial, err := NewPartial(ctx, cfg, true)
		require.NoError(t, err)
		closeOnCleanup(t, partial.TaskManager)

		require.NotNil(t, partial.Telemetry)
		assert.NotNil(t, partial.Telemetry.Worker)
		assert.Equal(t, cfg.TelemetryEndpoints, partial.Telemetry.Telemetry.Endpoints())
		assert.Equal(t, []taskmanager.Kind{taskmanager.Ordinary}, taskKinds(partial.TaskManager)["telemetry"])
	})

	t.Run("errors", func(t *testing.T) {
		tests := []struct {
			name  string
			edit  func(cfg *service.Configuration)
			stage Stage
			is    error
		}{
			{
				name:  "no chain spec",
				edit:  func(cfg *service.Configuration) { cfg.ChainSpec = nil },
				stage: StageConfiguration,
				is:    service.ErrNoChainSpec,
			},
			{
				name: "bad telemetry endpoint",
				edit: func(cfg *service.Configuration) {
					cfg.TelemetryEndpoints = telemetry.Endpoints{{URL: "http://127.0.0.1/submit"}}
				},
				stage: StageTelemetry,
				is:    telemetry.ErrInvalidEndpoint,
			},
			{
				name:  "executor",
				edit:  func(cfg *service.Configuration) { cfg.WasmMethod = "jit" },
				stage: StageExecutor,
				is:    executor.ErrInvalidMethod,
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				cfg := devConfig(service.RoleFull)
				tt.edit(cfg)
				_, err := NewPartial(ctx, cfg, false)
				var asmErr *AssemblyError
				require.ErrorAs(t, err, &asmErr)
				assert.Equal(t, tt.stage, asmErr.Stage)
				assert.ErrorIs(t, err, tt.is)
			})
		}
	})
}

func TestNewDevAuthority(t *testing.T) {
	rec := recordAssembly(t)

	n, err := Start(context.Background(), devConfig(service.RoleAuthority), Dev{Sealing: Instant, Author: testAuthor})
	require.NoError(t, err)
	closeOnCleanup(t, n.TaskManager)

	assert.Equal(t, []string{"spawn_tasks", "start_network"}, rec.Calls())
	assert.Equal(t, []taskmanager.Kind{taskmanager.EssentialBlocking}, rec.tasksAtSpawn["authorship_task"],
		"authorship is running before service tasks and the network start")
	assert.Nil(t, n.RelayChain)
	assert.NotEmpty(t, n.Network.ListenAddrs())

	built, validator := rec.announceValidator()
	assert.True(t, built)
	assert.Empty(t, validator, "dev networks accept every well formed announcement")
}

func TestNewDevInstantSealing(t *testing.T) {
	n, err := NewDev(context.Background(), devConfig(service.RoleAuthority), testAuthor, Instant)
	require.NoError(t, err)
	closeOnCleanup(t, n.TaskManager)

	time.Sleep(500 * time.Millisecond)
	info, err := n.Client.Info()
	require.NoError(t, err)
	assert.Zero(t, info.BestNumber, "no block without transactions")

	_, err = n.Pool.SubmitOne(context.Background(), info.BestHash, nativeruntime.SourceExternal, []byte("transfer"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, err := n.Client.Info()
		return err == nil && info.BestNumber == 1
	}, 5*time.Second, 20*time.Millisecond)

	block, err := n.Client.BestHeader()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), block.Number)
}

func TestNewDevIntervalSealing(t *testing.T) {
	n, err := NewDev(context.Background(), devConfig(service.RoleAuthority), testAuthor, Interval(200))
	require.NoError(t, err)
	closeOnCleanup(t, n.TaskManager)

	time.Sleep(time.Second + 50*time.Millisecond)
	info, err := n.Client.Info()
	require.NoError(t, err)
	assert.InDelta(t, 5, float64(info.BestNumber), 2, "about one block every 200ms")
	assert.NoError(t, n.TaskManager.Context().Err(), "empty blocks do not stop the node")
}

func TestServiceTaskAddressInUse(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = taken.Close() })

	for _, tt := range []struct {
		name string
		edit func(cfg *service.Configuration)
	}{
		{name: "rpc", edit: func(cfg *service.Configuration) {
			cfg.RPC = service.RPCConfig{Listen: taken.Addr().String()}
		}},
		{name: "prometheus", edit: func(cfg *service.Configuration) {
			cfg.Prometheus = &service.PrometheusConfig{Listen: taken.Addr().String(), Registry: prometheus.NewRegistry()}
		}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			rec := recordAssembly(t)
			cfg := devConfig(service.RoleAuthority)
			tt.edit(cfg)

			n, err := NewDev(context.Background(), cfg, testAuthor, Instant)
			assert.Nil(t, n)
			var asmErr *AssemblyError
			require.ErrorAs(t, err, &asmErr)
			assert.Equal(t, StageServiceTasks, asmErr.Stage)
			assert.Contains(t, err.Error(), "address already in use")
			assert.Equal(t, []string{"spawn_tasks"}, rec.Calls(), "the network is not started")
		})
	}
}

func TestNewDevNonAuthority(t *testing.T) {
	rec := recordAssembly(t)

	n, err := NewDev(context.Background(), devConfig(service.RoleFull), testAuthor, Interval(50))
	require.NoError(t, err)
	closeOnCleanup(t, n.TaskManager)

	tasks := taskKinds(n.TaskManager)
	assert.NotContains(t, tasks, "authorship_task")
	assert.Contains(t, tasks, "network-worker")
	assert.Contains(t, tasks, "informant")
	assert.Equal(t, []string{"spawn_tasks", "start_network"}, rec.Calls())
	assert.NotEmpty(t, n.Network.ListenAddrs())
	_, validator := rec.announceValidator()
	assert.Empty(t, validator)

	time.Sleep(200 * time.Millisecond)
	info, err := n.Client.Info()
	require.NoError(t, err)
	assert.Zero(t, info.BestNumber)
}

func TestStartCollatorForceAuthoring(t *testing.T) {
	rec := recordAssembly(t)

	cfg := paraConfig(service.RoleAuthority)
	cfg.ForceAuthoring = true
	cfg.Network.AnnounceBlocks = true

	n, err := Start(context.Background(), cfg, Collator{RelayChain: relayConfig(), ParaID: testParaID})
	require.NoError(t, err)
	closeOnCleanup(t, n.TaskManager)

	assert.Equal(t, []string{
		"build_relay_chain",
		"spawn_tasks",
		"build_consensus",
		"start_collator",
		"start_network",
	}, rec.Calls())
	require.NotNil(t, rec.consensus)
	assert.True(t, rec.consensus.SkipPrediction())

	built, validator := rec.announceValidator()
	assert.True(t, built)
	assert.Equal(t, relayValidatorType, validator)

	require.NotNil(t, n.RelayChain)
	tasks := taskKinds(n.TaskManager)
	assert.Contains(t, tasks, "cumulus-collator")
	assert.Contains(t, tasks, "cumulus-consensus")
	assert.Equal(t, []taskmanager.Kind{taskmanager.Essential}, tasks["child-task-manager"])
	assert.True(t, cfg.Network.AnnounceBlocks, "the caller's configuration is left untouched")
}

func TestStartCollatorWithoutForceAuthoring(t *testing.T) {
	rec := recordAssembly(t)

	n, err := StartNode(context.Background(), paraConfig(service.RoleAuthority), relayConfig(), testParaID)
	require.NoError(t, err)
	closeOnCleanup(t, n.TaskManager)

	require.NotNil(t, rec.consensus)
	assert.False(t, rec.consensus.SkipPrediction())
}

func TestStartFullNode(t *testing.T) {
	for _, mode := range []Mode{
		FullNode{RelayChain: relayConfig(), ParaID: testParaID},
		// A collator without the authority role only follows.
		Collator{RelayChain: relayConfig(), ParaID: testParaID},
	} {
		t.Run(mode.mode(), func(t *testing.T) {
			rec := recordAssembly(t)

			n, err := Start(context.Background(), paraConfig(service.RoleFull), mode)
			require.NoError(t, err)
			closeOnCleanup(t, n.TaskManager)

			assert.Equal(t, []string{
				"build_relay_chain",
				"spawn_tasks",
				"start_full_node",
				"start_network",
			}, rec.Calls())
			assert.Nil(t, rec.consensus)
			_, validator := rec.announceValidator()
			assert.Equal(t, relayValidatorType, validator)
			require.NotNil(t, n.RelayChain)
			assert.NotContains(t, taskKinds(n.TaskManager), "cumulus-collator")
			assert.Contains(t, taskKinds(n.TaskManager), "cumulus-consensus")
		})
	}
}

func TestStartNodeRelayChainErrors(t *testing.T) {
	errCause := errors.New("database locked")
	tests := []struct {
		name     string
		relayErr error
		check    func(t *testing.T, err error)
	}{
		{
			name:     "sub error passes through",
			relayErr: &relaychain.SubError{Err: errCause},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, errCause)
				assert.EqualError(t, err, "relay chain: database locked")
			},
		},
		{
			name:     "other errors are stringified",
			relayErr: &relaychain.NetworkError{Err: errCause},
			check: func(t *testing.T, err error) {
				var netErr *relaychain.NetworkError
				assert.False(t, errors.As(err, &netErr))
				assert.NotErrorIs(t, err, errCause)
				assert.EqualError(t, err, "relay chain: relay chain network: database locked")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := recordAssembly(t)
			assembly.buildRelayChain = func(context.Context, *service.Configuration, *telemetry.WorkerHandle) (*relaychain.FullNode, error) {
				rec.add("build_relay_chain")
				return nil, tt.relayErr
			}

			_, err := StartNode(context.Background(), paraConfig(service.RoleAuthority), relayConfig(), testParaID)
			var asmErr *AssemblyError
			require.ErrorAs(t, err, &asmErr)
			assert.Equal(t, StageRelayChain, asmErr.Stage)
			tt.check(t, err)
			assert.Equal(t, []string{"build_relay_chain"}, rec.Calls())
		})
	}

	t.Run("missing relay configuration", func(t *testing.T) {
		_, err := Start(context.Background(), paraConfig(service.RoleFull), FullNode{ParaID: testParaID})
		var asmErr *AssemblyError
		require.ErrorAs(t, err, &asmErr)
		assert.Equal(t, StageRelayChain, asmErr.Stage)
	})
}

type fakeConfig struct {
	para    *service.Configuration
	relay   *service.Configuration
	paraID  parachain.ParaID
	initErr error
}

func (f *fakeConfig) Init(*app.App) error { return f.initErr }
func (f *fakeConfig) Name() string        { return "node.config" }

func (f *fakeConfig) ParachainConfiguration() (*service.Configuration, error) {
	return f.para, nil
}

func (f *fakeConfig) RelayChainConfiguration() (*service.Configuration, error) {
	return f.relay, nil
}

func (f *fakeConfig) ParachainID() parachain.ParaID { return f.paraID }

func TestComponentInit(t *testing.T) {
	cfg := &fakeConfig{para: paraConfig(service.RoleFull), relay: relayConfig(), paraID: 3000}
	a := new(app.App)
	a.Register(cfg)

	t.Run("fills relay chain from config", func(t *testing.T) {
		c := New(Collator{}).(*component)
		require.NoError(t, c.Init(a))
		assert.Equal(t, CName, c.Name())
		assert.Equal(t, Collator{RelayChain: cfg.relay, ParaID: 3000}, c.mode)
		assert.Same(t, cfg.para, c.cfg)
	})

	t.Run("keeps explicit values", func(t *testing.T) {
		relay := relayConfig()
		c := New(FullNode{RelayChain: relay, ParaID: testParaID}).(*component)
		require.NoError(t, c.Init(a))
		assert.Equal(t, FullNode{RelayChain: relay, ParaID: testParaID}, c.mode)
	})

	t.Run("wait before run", func(t *testing.T) {
		c := New(Dev{Sealing: Instant})
		assert.ErrorIs(t, c.Wait(), ErrNotRunning)
		assert.Nil(t, c.Node())
		assert.NoError(t, c.Close(context.Background()))
	})
}

func TestComponentRun(t *testing.T) {
	a := new(app.App)
	a.Register(&fakeConfig{para: devConfig(service.RoleAuthority)}).
		Register(New(Dev{Sealing: Interval(100), Author: testAuthor}))
	require.NoError(t, a.Start(context.Background()))

	srv := app.MustComponent[Service](a)
	require.NotNil(t, srv.Node())
	require.Eventually(t, func() bool {
		info, err := srv.Node().Client.Info()
		return err == nil && info.BestNumber >= 2
	}, 5*time.Second, 20*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- srv.Wait() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not return after close")
	}
}
