package parachain

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/grishy/pontem-node/backend"
	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/client"
	"github.com/grishy/pontem-node/importqueue"
	"github.com/grishy/pontem-node/taskmanager"
)

// Client is the parachain chain access of the follower and the collator.
type Client interface {
	Info() (backend.Info, error)
	BestHeader() (*chain.Header, error)
	Number(h chain.Hash) (uint64, bool, error)
	FinalizeBlock(h chain.Hash) error
	ImportNotificationStream() (<-chan client.BlockImportNotification, func())
}

type StartFullNodeParams struct {
	ParaID            ParaID
	Client            Client
	Spawner           taskmanager.Spawner
	RelayChainClient  RelayChainClient
	RelayChainBackend RelayChainBackend
	ImportQueue       importqueue.ImportQueue
}

func (p StartFullNodeParams) validate() error {
	if p.Client == nil || p.Spawner == nil || p.RelayChainClient == nil || p.RelayChainBackend == nil || p.ImportQueue == nil {
		return errors.New("parachain: client, spawner, relay chain and import queue are required")
	}
	return nil
}

// StartFullNode follows the relay chain: every parachain head the relay chain
// includes is finalized, or imported first when only the relay chain knows it.
func StartFullNode(p StartFullNodeParams) error {
	if err := p.validate(); err != nil {
		return err
	}
	f := newFollower(p)
	p.Spawner.Spawn("cumulus-consensus", f.run)
	log.Info("parachain follower started", zap.Uint32("para_id", uint32(p.ParaID)))
	return nil
}

type follower struct {
	paraID       ParaID
	client       Client
	relayClient  RelayChainClient
	relayBackend RelayChainBackend
	queue        importqueue.ImportQueue
	// included wakes the follower after a local collation was included.
	included chan struct{}

	// pending is an included head that is not imported locally yet.
	pending chain.Hash
}

func newFollower(p StartFullNodeParams) *follower {
	return &follower{
		paraID:       p.ParaID,
		client:       p.Client,
		relayClient:  p.RelayChainClient,
		relayBackend: p.RelayChainBackend,
		queue:        p.ImportQueue,
		included:     make(chan struct{}, 1),
	}
}

func (f *follower) notifyIncluded() {
	select {
	case f.included <- struct{}{}:
	default:
	}
}

func (f *follower) run(ctx context.Context) error {
	relayNotifications, unsubscribeRelay := f.relayClient.ImportNotificationStream()
	defer unsubscribeRelay()
	paraNotifications, unsubscribePara := f.client.ImportNotificationStream()
	defer unsubscribePara()

	f.followIncluded()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.included:
			f.followIncluded()
		case n, ok := <-relayNotifications:
			if !ok {
				return nil
			}
			if n.IsNewBest {
				f.onRelayBest(n.Header)
			}
		case n, ok := <-paraNotifications:
			if !ok {
				return nil
			}
			if !f.pending.IsZero() && n.Hash == f.pending {
				f.pending = chain.Hash{}
				f.finalize(n.Hash, n.Header.Number)
			}
		}
	}
}

func (f *follower) onRelayBest(relayHeader *chain.Header) {
	if head, ok := HeadFromDigest(relayHeader, f.paraID); ok {
		if err := f.relayBackend.PutAux(IncludedHeadKey(f.paraID), chain.EncodeHeader(head)); err != nil {
			log.Warn("store included head", zap.Error(err))
		}
	}
	f.followIncluded()
}

func (f *follower) followIncluded() {
	head, ok, err := IncludedHead(f.relayBackend, f.paraID)
	if err != nil {
		log.Warn("read included head", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	hash := head.Hash()
	_, known, err := f.client.Number(hash)
	if err != nil {
		log.Warn("look up included head", zap.String("hash", hash.String()), zap.Error(err))
		return
	}
	if known {
		f.finalize(hash, head.Number)
		return
	}
	f.pending = hash
	f.importCollation(hash)
}

func (f *follower) importCollation(hash chain.Hash) {
	raw, err := f.relayBackend.GetAux(CollationKey(f.paraID, hash))
	if errors.Is(err, backend.ErrNotFound) {
		log.Debug("included block not available yet", zap.String("hash", hash.String()))
		return
	}
	if err != nil {
		log.Warn("read collation", zap.String("hash", hash.String()), zap.Error(err))
		return
	}
	block, err := chain.DecodeBlock(raw)
	if err != nil {
		log.Warn("decode collation", zap.String("hash", hash.String()), zap.Error(err))
		return
	}
	f.queue.ImportBlocks(client.OriginConsensusBroadcast, []importqueue.IncomingBlock{{
		Header: block.Header,
		Body:   block.Extrinsics,
	}})
}

func (f *follower) finalize(hash chain.Hash, number uint64) {
	info, err := f.client.Info()
	if err != nil {
		log.Warn("chain info", zap.Error(err))
		return
	}
	if info.FinalizedHash == hash || number <= info.FinalizedNumber {
		return
	}
	if err = f.client.FinalizeBlock(hash); err != nil {
		if errors.Is(err, backend.ErrNotCanonical) {
			log.Debug("included block is not canonical", zap.String("hash", hash.String()))
			return
		}
		log.Warn("finalize included block", zap.String("hash", hash.String()), zap.Error(err))
		return
	}
	log.Info("finalized included block", zap.Uint64("number", number), zap.String("hash", hash.String()))
}
