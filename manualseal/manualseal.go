// Package manualseal authors blocks on command. It backs development chains
// where blocks are sealed per transaction or per timer tick.
package manualseal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anyproto/any-sync/app/logger"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/grishy/pontem-node/authorship"
	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/client"
	"github.com/grishy/pontem-node/importqueue"
	"github.com/grishy/pontem-node/inherents"
	"github.com/grishy/pontem-node/nativeruntime"
	"github.com/grishy/pontem-node/taskmanager"
	"github.com/grishy/pontem-node/txpool"
)

const CName = "node.manualseal"

var log = logger.NewNamed(CName)

// MaxProposalDuration bounds the time spent building one block.
const MaxProposalDuration = 10 * time.Second

var (
	ErrEmptyTransactionPool = errors.New("transaction pool is empty, set create_empty to true to create empty blocks")
	ErrBlockImport          = errors.New("block import failed")
)

// EngineCommand is either SealNewBlock or FinalizeBlock.
type EngineCommand interface {
	isEngineCommand()
}

// SealNewBlock asks the engine to author a block. ParentHash forces the parent;
// nil builds on the best block. Sender, when set, receives the outcome.
type SealNewBlock struct {
	CreateEmpty bool
	Finalize    bool
	ParentHash  *chain.Hash
	Sender      chan<- CreatedBlockResult
}

// FinalizeBlock finalizes an already imported block.
type FinalizeBlock struct {
	Hash   chain.Hash
	Sender chan<- error
}

func (SealNewBlock) isEngineCommand()  {}
func (FinalizeBlock) isEngineCommand() {}

// CreatedBlock describes a sealed and imported block.
type CreatedBlock struct {
	Hash   chain.Hash
	Number uint64
	Result client.ImportResult
}

type CreatedBlockResult struct {
	Block *CreatedBlock
	Err   error
}

// Client is what the seal loop needs from the chain.
type Client interface {
	Header(h chain.Hash) (*chain.Header, error)
	FinalizeBlock(h chain.Hash) error
}

type TransactionPool interface {
	Status() txpool.Status
}

type SelectChain interface {
	BestChain() (*chain.Header, error)
}

// ConsensusDataProvider adds consensus digests to manually sealed blocks.
type ConsensusDataProvider interface {
	CreateDigest(parent *chain.Header, data *inherents.Data) ([]chain.DigestItem, error)
}

// Params configure Run. ConsensusDataProvider is optional.
type Params struct {
	BlockImport                 client.BlockImport
	Env                         *authorship.ProposerFactory
	Client                      Client
	Pool                        TransactionPool
	Commands                    <-chan EngineCommand
	SelectChain                 SelectChain
	ConsensusDataProvider       ConsensusDataProvider
	CreateInherentDataProviders inherents.CreateInherentDataProviders[struct{}]
}

// Run executes commands until ctx is done or the command stream ends.
func Run(ctx context.Context, p Params) error {
	for {
		var cmd EngineCommand
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-p.Commands:
			if !ok {
				log.Info("manual seal command stream closed")
				return nil
			}
			cmd = c
		}

		switch c := cmd.(type) {
		case SealNewBlock:
			block, err := sealBlock(ctx, p, c)
			if c.Sender != nil {
				select {
				case c.Sender <- CreatedBlockResult{Block: block, Err: err}:
				case <-ctx.Done():
					return nil
				}
			} else if err != nil {
				logSealError(err)
			}
		case FinalizeBlock:
			err := p.Client.FinalizeBlock(c.Hash)
			if err != nil {
				err = fmt.Errorf("finalize block %s: %w", c.Hash, err)
			}
			if c.Sender != nil {
				select {
				case c.Sender <- err:
				case <-ctx.Done():
					return nil
				}
			} else if err != nil {
				log.Warn("finalize failed", zap.Error(err))
			}
		default:
			log.Warn("unknown engine command", zap.String("type", fmt.Sprintf("%T", cmd)))
		}
	}
}

func logSealError(err error) {
	if errors.Is(err, ErrEmptyTransactionPool) {
		log.Debug("nothing to seal", zap.Error(err))
		return
	}
	log.Warn("seal block failed", zap.Error(err))
}

func sealBlock(ctx context.Context, p Params, cmd SealNewBlock) (*CreatedBlock, error) {
	if !cmd.CreateEmpty && p.Pool.Status().Ready == 0 {
		return nil, ErrEmptyTransactionPool
	}

	var (
		parent *chain.Header
		err    error
	)
	if cmd.ParentHash != nil {
		parent, err = p.Client.Header(*cmd.ParentHash)
	} else {
		parent, err = p.SelectChain.BestChain()
	}
	if err != nil {
		return nil, fmt.Errorf("select parent: %w", err)
	}
	parentHash := parent.Hash()

	providers, err := p.CreateInherentDataProviders.CreateInherentDataProviders(ctx, parentHash, struct{}{})
	if err != nil {
		return nil, fmt.Errorf("create inherent data providers: %w", err)
	}
	data, err := providers.CreateInherentData(ctx)
	if err != nil {
		return nil, fmt.Errorf("create inherent data: %w", err)
	}

	var digest []chain.DigestItem
	if p.ConsensusDataProvider != nil {
		if digest, err = p.ConsensusDataProvider.CreateDigest(parent, data); err != nil {
			return nil, fmt.Errorf("create digest: %w", err)
		}
	}

	proposer, err := p.Env.Init(parent)
	if err != nil {
		return nil, err
	}
	proposal, err := proposer.Propose(ctx, data, digest, MaxProposalDuration, 0)
	if err != nil {
		return nil, fmt.Errorf("propose: %w", err)
	}
	block := proposal.Block
	if !cmd.CreateEmpty && onlyInherents(block.Extrinsics) {
		return nil, ErrEmptyTransactionPool
	}

	res, err := p.BlockImport.ImportBlock(ctx, &client.BlockImportParams{
		Origin:     client.OriginOwn,
		Header:     block.Header,
		Body:       block.Extrinsics,
		Finalized:  cmd.Finalize,
		ForkChoice: client.ForkChoiceLongestChain,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBlockImport, err)
	}
	if res != client.ImportedNew && res != client.ImportedNewBest {
		return nil, fmt.Errorf("%w: %s", ErrBlockImport, res)
	}

	hash := block.Hash()
	log.Info("sealed block",
		zap.Uint64("number", block.Header.Number),
		zap.String("hash", hash.String()),
		zap.Int("extrinsics", len(block.Extrinsics)))
	return &CreatedBlock{Hash: hash, Number: block.Header.Number, Result: res}, nil
}

func onlyInherents(xts []chain.Extrinsic) bool {
	for _, x := range xts {
		if !nativeruntime.IsInherent(x) {
			return false
		}
	}
	return true
}

// ImportQueue builds the import queue of a manually sealed chain. It accepts
// every block without checking inherents.
func ImportQueue(blockImport client.BlockImport, spawner taskmanager.Spawner, registry *prometheus.Registry) *importqueue.BasicQueue {
	verifier := importqueue.VerifierFunc(func(_ context.Context, params *client.BlockImportParams) (*client.BlockImportParams, error) {
		params.Finalized = false
		params.ForkChoice = client.ForkChoiceLongestChain
		return params, nil
	})
	return importqueue.NewBasicQueue(verifier, blockImport, spawner, registry)
}
