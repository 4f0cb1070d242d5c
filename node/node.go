package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/grishy/pontem-node/authorship"
	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/client"
	"github.com/grishy/pontem-node/importqueue"
	"github.com/grishy/pontem-node/manualseal"
	"github.com/grishy/pontem-node/network"
	"github.com/grishy/pontem-node/nimbus"
	"github.com/grishy/pontem-node/parachain"
	"github.com/grishy/pontem-node/relaychain"
	"github.com/grishy/pontem-node/rpc"
	"github.com/grishy/pontem-node/service"
	"github.com/grishy/pontem-node/taskmanager"
	"github.com/grishy/pontem-node/telemetry"
	"github.com/grishy/pontem-node/txpool"
)

const (
	CName = "node"

	shutdownTimeout = 10 * time.Second
)

// Node is an assembled and running node. Closing its task manager stops it.
type Node struct {
	TaskManager *taskmanager.TaskManager
	Client      *client.Client
	Pool        *txpool.Pool
	Network     *network.Service
	// RelayChain is nil in dev mode.
	RelayChain *relaychain.FullNode
}

// assembly holds the steps tests observe.
var assembly = struct {
	buildRelayChain func(ctx context.Context, cfg *service.Configuration, wh *telemetry.WorkerHandle) (*relaychain.FullNode, error)
	buildConsensus  func(cfg *service.Configuration, partial *PartialComponents, relay *relaychain.FullNode, paraID parachain.ParaID) *nimbus.Consensus
	startCollator   func(p parachain.StartCollatorParams) error
	startFullNode   func(p parachain.StartFullNodeParams) error
	buildNetwork    func(ctx context.Context, p network.BuildNetworkParams) (*network.Service, *network.NetworkStarter, error)
	spawnTasks      func(p service.SpawnTasksParams) error
	startNetwork    func(s *network.NetworkStarter) error
}{
	buildRelayChain: relaychain.BuildFullNode,
	buildConsensus:  buildConsensus,
	startCollator:   parachain.StartCollator,
	startFullNode:   parachain.StartFullNode,
	buildNetwork:    network.BuildNetwork,
	spawnTasks:      service.SpawnTasks,
	startNetwork:    (*network.NetworkStarter).StartNetwork,
}

// Start assembles the node for mode.
func Start(ctx context.Context, cfg *service.Configuration, mode Mode) (*Node, error) {
	log.Info("starting node", zap.String("mode", mode.mode()), zap.Stringer("role", cfg.Role))
	switch m := mode.(type) {
	case Collator:
		return StartNode(ctx, cfg, m.RelayChain, m.ParaID)
	case FullNode:
		return startParachain(ctx, cfg, m.RelayChain, m.ParaID, false)
	case Dev:
		return NewDev(ctx, cfg, m.Author, m.Sealing)
	}
	return nil, assemblyError(StageConfiguration, fmt.Errorf("unknown mode %T", mode))
}

// StartNode starts a parachain node following relayCfg's relay chain. An
// authority collates, any other role follows.
func StartNode(ctx context.Context, cfg, relayCfg *service.Configuration, paraID parachain.ParaID) (*Node, error) {
	return startParachain(ctx, cfg, relayCfg, paraID, cfg.Role.IsAuthority())
}

func startParachain(ctx context.Context, cfg, relayCfg *service.Configuration, paraID parachain.ParaID, collate bool) (*Node, error) {
	if cfg.Role == service.RoleLight {
		return nil, assemblyError(StageConfiguration, ErrLightClientNotSupported)
	}
	if relayCfg == nil {
		return nil, assemblyError(StageRelayChain, errors.New("no relay chain configuration"))
	}
	paraCfg := parachain.PrepareNodeConfig(*cfg)
	cfg = &paraCfg

	partial, err := NewPartial(ctx, cfg, false)
	if err != nil {
		return nil, err
	}
	tm := partial.TaskManager
	fail := func(stage Stage, err error) (*Node, error) {
		closeTaskManager(tm)
		return nil, assemblyError(stage, err)
	}

	relay, err := assembly.buildRelayChain(ctx, relayCfg, partial.workerHandle())
	if err != nil {
		return fail(StageRelayChain, relaychain.IntoServiceError(err))
	}
	tm.AddChild(relay.TaskManager)

	validator := parachain.BuildBlockAnnounceValidator(relay.Client, relay.Backend, relay.Network, paraID)
	queue := parachain.NewSharedImportQueue(partial.ImportQueue)

	svc, starter, err := buildNetwork(cfg, partial, queue, func(*network.Service) network.BlockAnnounceValidator {
		return validator
	})
	if err != nil {
		return fail(StageNetwork, err)
	}

	err = assembly.spawnTasks(service.SpawnTasksParams{
		Config:          cfg,
		Client:          partial.Client,
		TaskManager:     tm,
		Keystore:        partial.Keystore.SyncKeystore(),
		TransactionPool: partial.Pool,
		RPCBuilder:      rpcBuilder(partial),
		Network:         svc,
		Telemetry:       partial.telemetrySession(),
		RotateKeyType:   nimbus.KeyType,
	})
	if err != nil {
		return fail(StageServiceTasks, err)
	}

	announce := func(hash chain.Hash, data []byte) {
		if err := svc.AnnounceBlock(hash, data); err != nil {
			log.Warn("announce block", zap.String("hash", hash.String()), zap.Error(err))
		}
	}

	if collate {
		consensus := assembly.buildConsensus(cfg, partial, relay, paraID)
		err = assembly.startCollator(parachain.StartCollatorParams{
			ParaID:             paraID,
			Client:             partial.Client,
			AnnounceBlock:      announce,
			Spawner:            tm.SpawnEssentialHandle(),
			RelayChainClient:   relay.Client,
			RelayChainBackend:  relay.Backend,
			RelayChainNetwork:  relay.Network,
			ParachainConsensus: consensus,
			ImportQueue:        queue,
		})
	} else {
		err = assembly.startFullNode(parachain.StartFullNodeParams{
			ParaID:            paraID,
			Client:            partial.Client,
			Spawner:           tm.SpawnEssentialHandle(),
			RelayChainClient:  relay.Client,
			RelayChainBackend: relay.Backend,
			ImportQueue:       queue,
		})
	}
	if err != nil {
		return fail(StageConsensus, err)
	}

	if err = assembly.startNetwork(starter); err != nil {
		return fail(StageNetwork, err)
	}

	log.Info("parachain node started",
		zap.Uint32("para_id", uint32(paraID)),
		zap.Bool("collator", collate),
		zap.String("peer_id", svc.LocalPeerIDString()),
		zap.Strings("listen", svc.ListenAddrs()))
	return &Node{TaskManager: tm, Client: partial.Client, Pool: partial.Pool, Network: svc, RelayChain: relay}, nil
}

// buildConsensus builds nimbus with a proof recording proposer, the relay
// chain as inherent source and prediction skipped when authoring is forced.
func buildConsensus(cfg *service.Configuration, partial *PartialComponents, relay *relaychain.FullNode, paraID parachain.ParaID) *nimbus.Consensus {
	proposer := authorship.NewProposerFactoryWithProofRecording(
		partial.TaskManager.SpawnHandle(),
		partial.Client,
		partial.Pool,
		cfg.PrometheusRegistry(),
		partial.telemetryHandle(),
	)
	return nimbus.BuildNimbusConsensus(nimbus.BuildNimbusConsensusParams{
		ParaID:          paraID,
		ProposerFactory: proposer,
		CreateInherentDataProviders: collatorInherents{
			relayClient:  relay.Client,
			relayBackend: relay.Backend,
			paraID:       paraID,
		},
		BlockImport:       partial.Client,
		RelayChainClient:  relay.Client,
		RelayChainBackend: relay.Backend,
		ParachainClient:   partial.Client,
		Keystore:          partial.Keystore.SyncKeystore(),
		SkipPrediction:    cfg.ForceAuthoring,
	})
}

// NewDev starts a standalone dev chain. An authority seals blocks as sealing
// dictates and signs them as author.
func NewDev(ctx context.Context, cfg *service.Configuration, author nimbus.ID, sealing Sealing) (*Node, error) {
	if cfg.Role == service.RoleLight {
		return nil, assemblyError(StageConfiguration, ErrLightClientNotSupported)
	}
	partial, err := NewPartial(ctx, cfg, true)
	if err != nil {
		return nil, err
	}
	tm := partial.TaskManager
	fail := func(stage Stage, err error) (*Node, error) {
		closeTaskManager(tm)
		return nil, assemblyError(stage, err)
	}

	svc, starter, err := buildNetwork(cfg, partial, partial.ImportQueue, nil)
	if err != nil {
		return fail(StageNetwork, err)
	}

	if service.BuildOffchainWorkers(cfg, tm.SpawnHandle(), partial.Client) {
		log.Info("offchain workers enabled")
	}

	if cfg.Role.IsAuthority() {
		if partial.SelectChain == nil {
			return fail(StageAuthorship, errors.New("dev authorship requires a select chain"))
		}
		proposer := authorship.NewProposerFactory(
			tm.SpawnHandle(),
			partial.Client,
			partial.Pool,
			cfg.PrometheusRegistry(),
			partial.telemetryHandle(),
		)
		params := manualseal.Params{
			BlockImport: partial.Client,
			Env:         proposer,
			Client:      partial.Client,
			Pool:        partial.Pool,
			Commands:    sealing.Commands(tm.Context(), partial.Pool),
			SelectChain: partial.SelectChain,
			CreateInherentDataProviders: devInherents{
				client: partial.Client,
				author: author,
			},
		}
		tm.SpawnEssentialHandle().SpawnBlocking("authorship_task", func(ctx context.Context) error {
			return manualseal.Run(ctx, params)
		})
		log.Info("dev authorship started", zap.Stringer("sealing", sealing), zap.String("author", author.String()))
	}

	err = assembly.spawnTasks(service.SpawnTasksParams{
		Config:          cfg,
		Client:          partial.Client,
		TaskManager:     tm,
		Keystore:        partial.Keystore.SyncKeystore(),
		TransactionPool: partial.Pool,
		RPCBuilder:      rpcBuilder(partial),
		Network:         svc,
		RotateKeyType:   nimbus.KeyType,
	})
	if err != nil {
		return fail(StageServiceTasks, err)
	}

	if err = assembly.startNetwork(starter); err != nil {
		return fail(StageNetwork, err)
	}

	log.Info("Development Service Ready")
	return &Node{TaskManager: tm, Client: partial.Client, Pool: partial.Pool, Network: svc}, nil
}

func buildNetwork(
	cfg *service.Configuration,
	partial *PartialComponents,
	queue importqueue.ImportQueue,
	validator func(*network.Service) network.BlockAnnounceValidator,
) (*network.Service, *network.NetworkStarter, error) {
	netCfg := cfg.Network
	if netCfg.ProtocolID == "" {
		netCfg.ProtocolID = cfg.ChainSpec.ProtocolID
	}
	if len(netCfg.Bootnodes) == 0 {
		netCfg.Bootnodes = cfg.ChainSpec.Bootnodes
	}
	tm := partial.TaskManager
	return assembly.buildNetwork(tm.Context(), network.BuildNetworkParams{
		Config:                        netCfg,
		Client:                        partial.Client,
		TransactionPool:               partial.Pool,
		ImportQueue:                   queue,
		Spawner:                       tm.SpawnEssentialHandle(),
		BlockAnnounceValidatorBuilder: validator,
	})
}

func rpcBuilder(partial *PartialComponents) service.RPCBuilder {
	c, pool := partial.Client, partial.Pool
	return func(deny rpc.DenyUnsafe) (*rpc.Module, error) {
		return rpc.CreateFull(rpc.FullDeps{
			Client:     c,
			Pool:       pool,
			DenyUnsafe: deny,
		})
	}
}
