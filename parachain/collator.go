package parachain

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/importqueue"
	"github.com/grishy/pontem-node/inherents"
	"github.com/grishy/pontem-node/taskmanager"
)

// MaxPovSize caps the proof of validity of a candidate.
const MaxPovSize = 5 << 20

// AnnounceBlockFunc gossips a parachain block with opaque announce data.
type AnnounceBlockFunc func(hash chain.Hash, data []byte)

type StartCollatorParams struct {
	ParaID             ParaID
	Client             Client
	AnnounceBlock      AnnounceBlockFunc
	Spawner            taskmanager.Spawner
	RelayChainClient   RelayChainClient
	RelayChainBackend  RelayChainBackend
	RelayChainNetwork  RelayChainNetwork
	ParachainConsensus ParachainConsensus
	ImportQueue        importqueue.ImportQueue
}

// StartCollator starts the relay chain follower and the collation loop. A
// candidate is built on the parachain best block for every new relay chain
// best block, recorded as included and announced with its relay parent.
func StartCollator(p StartCollatorParams) error {
	followerParams := StartFullNodeParams{
		ParaID:            p.ParaID,
		Client:            p.Client,
		Spawner:           p.Spawner,
		RelayChainClient:  p.RelayChainClient,
		RelayChainBackend: p.RelayChainBackend,
		ImportQueue:       p.ImportQueue,
	}
	if err := followerParams.validate(); err != nil {
		return err
	}
	if p.ParachainConsensus == nil || p.AnnounceBlock == nil || p.RelayChainNetwork == nil {
		return errors.New("parachain: consensus, announce and relay chain network are required to collate")
	}

	f := newFollower(followerParams)
	c := &collator{
		paraID:       p.ParaID,
		client:       p.Client,
		announce:     p.AnnounceBlock,
		relayClient:  p.RelayChainClient,
		relayBackend: p.RelayChainBackend,
		relayNetwork: p.RelayChainNetwork,
		consensus:    p.ParachainConsensus,
		follower:     f,
	}
	p.Spawner.Spawn("cumulus-consensus", f.run)
	p.Spawner.Spawn("cumulus-collator", c.run)
	log.Info("collator started", zap.Uint32("para_id", uint32(p.ParaID)))
	return nil
}

type collator struct {
	paraID       ParaID
	client       Client
	announce     AnnounceBlockFunc
	relayClient  RelayChainClient
	relayBackend RelayChainBackend
	relayNetwork RelayChainNetwork
	consensus    ParachainConsensus
	follower     *follower
}

func (c *collator) run(ctx context.Context) error {
	notifications, unsubscribe := c.relayClient.ImportNotificationStream()
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
			if c.relayNetwork.IsMajorSyncing() {
				log.Debug("relay chain is syncing, skipping collation", zap.Uint64("relay_number", n.Header.Number))
				continue
			}
			if err := c.collate(ctx, n.Hash, n.Header); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Warn("collation failed",
					zap.String("relay_parent", n.Hash.String()),
					zap.Error(err))
			}
		}
	}
}

func (c *collator) collate(ctx context.Context, relayParent chain.Hash, relayHeader *chain.Header) error {
	parent, err := c.client.BestHeader()
	if err != nil {
		return fmt.Errorf("parachain best header: %w", err)
	}
	validationData := &inherents.PersistedValidationData{
		ParentHead:             chain.EncodeHeader(parent),
		RelayParentNumber:      uint32(relayHeader.Number),
		RelayParentStorageRoot: relayHeader.StateRoot.Bytes(),
		MaxPovSize:             MaxPovSize,
	}
	candidate, err := c.consensus.ProduceCandidate(ctx, parent, relayParent, validationData)
	if err != nil {
		return fmt.Errorf("produce candidate: %w", err)
	}
	if candidate == nil {
		return nil
	}

	header := candidate.Block.Header
	hash := header.Hash()
	if err = c.relayBackend.PutAux(CollationKey(c.paraID, hash), chain.EncodeBlock(candidate.Block)); err != nil {
		return fmt.Errorf("store collation: %w", err)
	}
	if err = c.relayBackend.PutAux(IncludedHeadKey(c.paraID), chain.EncodeHeader(header)); err != nil {
		return fmt.Errorf("store included head: %w", err)
	}
	c.follower.notifyIncluded()
	c.announce(hash, BlockAnnounceData{RelayParent: relayParent, ParaID: c.paraID}.Encode())

	log.Info("collated",
		zap.Uint64("number", header.Number),
		zap.String("hash", hash.String()),
		zap.Uint32("relay_parent_number", validationData.RelayParentNumber))
	return nil
}
