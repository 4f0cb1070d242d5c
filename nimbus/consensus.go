package nimbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/grishy/pontem-node/authorship"
	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/client"
	"github.com/grishy/pontem-node/inherents"
	"github.com/grishy/pontem-node/keystore"
	"github.com/grishy/pontem-node/parachain"
)

// ProposalDuration bounds block building inside one collation slot.
const ProposalDuration = 500 * time.Millisecond

var ErrCreateInherentData = errors.New("failed to create inherent data")

// CollationExtra is the collation context handed to the inherent data
// providers factory.
type CollationExtra struct {
	RelayParent    chain.Hash
	ValidationData inherents.PersistedValidationData
	Author         ID
}

// ParachainClient is the parachain view of the consensus.
type ParachainClient interface {
	CanAuthor(ctx context.Context, parent chain.Hash, author []byte, relayParentNumber uint32) (bool, error)
}

type BuildNimbusConsensusParams struct {
	ParaID                      parachain.ParaID
	ProposerFactory             *authorship.ProposerFactory
	CreateInherentDataProviders inherents.CreateInherentDataProviders[CollationExtra]
	BlockImport                 client.BlockImport
	RelayChainClient            inherents.RelayClient
	RelayChainBackend           inherents.RelayBackend
	ParachainClient             ParachainClient
	Keystore                    *keystore.Store
	// SkipPrediction authors with the first local key without asking the
	// runtime whether it is eligible.
	SkipPrediction bool
}

// Consensus implements parachain.ParachainConsensus.
type Consensus struct {
	params BuildNimbusConsensusParams
}

func BuildNimbusConsensus(params BuildNimbusConsensusParams) *Consensus {
	log.Info("nimbus consensus built",
		zap.Uint32("para_id", uint32(params.ParaID)),
		zap.Bool("skip_prediction", params.SkipPrediction))
	return &Consensus{params: params}
}

func (c *Consensus) SkipPrediction() bool {
	return c.params.SkipPrediction
}

// ProduceCandidate authors, seals and imports a block on parent. It returns
// nil without error when no local key may author or the inherents cannot be
// created; the round is skipped then.
func (c *Consensus) ProduceCandidate(
	ctx context.Context,
	parent *chain.Header,
	relayParent chain.Hash,
	validationData *inherents.PersistedValidationData,
) (*parachain.ParachainCandidate, error) {
	parentHash := parent.Hash()

	author, ok, err := c.selectAuthor(ctx, parentHash, validationData.RelayParentNumber)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Debug("no eligible author key", zap.String("parent", parentHash.String()))
		return nil, nil
	}

	providers, err := c.params.CreateInherentDataProviders.CreateInherentDataProviders(ctx, parentHash, CollationExtra{
		RelayParent:    relayParent,
		ValidationData: *validationData,
		Author:         author,
	})
	if err != nil {
		log.Warn("skipping collation", zap.String("relay_parent", relayParent.String()), zap.Error(err))
		return nil, nil
	}
	data, err := providers.CreateInherentData(ctx)
	if err != nil {
		log.Warn("skipping collation", zap.Error(fmt.Errorf("%w: %w", ErrCreateInherentData, err)))
		return nil, nil
	}

	proposer, err := c.params.ProposerFactory.Init(parent)
	if err != nil {
		return nil, fmt.Errorf("init proposer: %w", err)
	}
	proposal, err := proposer.Propose(ctx, data, []chain.DigestItem{PreRuntimeDigest(author)}, ProposalDuration, int(validationData.MaxPovSize))
	if err != nil {
		return nil, fmt.Errorf("propose: %w", err)
	}

	header := proposal.Block.Header
	preHash := header.Hash()
	signature, err := c.params.Keystore.Sign(KeyType, author.Bytes(), preHash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("seal block: %w", err)
	}

	params := &client.BlockImportParams{
		Origin:      client.OriginOwn,
		Header:      header,
		Body:        proposal.Block.Extrinsics,
		PostDigests: []chain.DigestItem{SealDigest(signature)},
		ForkChoice:  client.ForkChoiceLongestChain,
	}
	sealed := params.PostHeader()
	if _, err = c.params.BlockImport.ImportBlock(ctx, params); err != nil {
		return nil, fmt.Errorf("import own block: %w", err)
	}

	log.Info("produced candidate",
		zap.Uint64("number", sealed.Number),
		zap.String("hash", sealed.Hash().String()),
		zap.String("author", author.String()),
		zap.Uint32("relay_parent_number", validationData.RelayParentNumber))
	return &parachain.ParachainCandidate{
		Block: &chain.Block{Header: sealed, Extrinsics: proposal.Block.Extrinsics},
		Proof: proposal.Proof,
	}, nil
}

func (c *Consensus) selectAuthor(ctx context.Context, parent chain.Hash, relayParentNumber uint32) (ID, bool, error) {
	keys, err := c.params.Keystore.Keys(KeyType)
	if err != nil {
		return ID{}, false, fmt.Errorf("read author keys: %w", err)
	}
	for _, key := range keys {
		id, err := IDFromBytes(key)
		if err != nil {
			continue
		}
		if c.params.SkipPrediction {
			return id, true, nil
		}
		eligible, err := c.params.ParachainClient.CanAuthor(ctx, parent, key, relayParentNumber)
		if err != nil {
			return ID{}, false, fmt.Errorf("author eligibility: %w", err)
		}
		if eligible {
			return id, true, nil
		}
	}
	return ID{}, false, nil
}
