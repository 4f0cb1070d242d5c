package client

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/nativeruntime"
	"github.com/grishy/pontem-node/telemetry"
)

// BlockOrigin tells where a block came from.
type BlockOrigin uint8

const (
	OriginGenesis BlockOrigin = iota
	OriginNetworkInitialSync
	OriginNetworkBroadcast
	OriginConsensusBroadcast
	OriginOwn
	OriginFile
)

func (o BlockOrigin) String() string {
	switch o {
	case OriginGenesis:
		return "genesis"
	case OriginNetworkInitialSync:
		return "network-initial-sync"
	case OriginNetworkBroadcast:
		return "network-broadcast"
	case OriginConsensusBroadcast:
		return "consensus-broadcast"
	case OriginOwn:
		return "own"
	case OriginFile:
		return "file"
	}
	return fmt.Sprintf("origin(%d)", uint8(o))
}

// ForkChoice decides whether an imported block becomes the new best.
type ForkChoice uint8

const (
	// ForkChoiceLongestChain makes a block best when it is higher than the current best.
	ForkChoiceLongestChain ForkChoice = iota
	ForkChoiceAlwaysBest
	ForkChoiceNeverBest
)

// BlockImportParams is a block ready for import. PostDigests (the seal) are
// appended to the header after execution.
type BlockImportParams struct {
	Origin      BlockOrigin
	Header      *chain.Header
	Body        []chain.Extrinsic
	PostDigests []chain.DigestItem
	Finalized   bool
	ForkChoice  ForkChoice
}

// PostHeader returns the header with post digests applied.
func (p *BlockImportParams) PostHeader() *chain.Header {
	h := p.Header.Clone()
	h.Digest = append(h.Digest, p.PostDigests...)
	return h
}

// ImportResult is the outcome of a block import.
type ImportResult uint8

const (
	ImportedKnown ImportResult = iota
	ImportedNew
	ImportedNewBest
	UnknownParent
)

func (r ImportResult) String() string {
	switch r {
	case ImportedKnown:
		return "known"
	case ImportedNew:
		return "imported"
	case ImportedNewBest:
		return "imported-best"
	case UnknownParent:
		return "unknown-parent"
	}
	return fmt.Sprintf("result(%d)", uint8(r))
}

// ImportBlock executes and stores a block.
func (c *Client) ImportBlock(ctx context.Context, params *BlockImportParams) (ImportResult, error) {
	c.importMu.Lock()
	defer c.importMu.Unlock()

	header := params.PostHeader()
	hash := header.Hash()

	if _, known, err := c.backend.Number(hash); err != nil {
		return 0, err
	} else if known {
		return ImportedKnown, nil
	}

	parent, err := c.backend.Header(header.ParentHash)
	if err != nil {
		log.Debug("import with unknown parent", zap.String("hash", hash.String()), zap.String("parent", header.ParentHash.String()))
		return UnknownParent, nil
	}
	if header.Number != parent.Number+1 {
		return 0, fmt.Errorf("block %s: number %d does not follow parent %d", hash, header.Number, parent.Number)
	}

	if root := chain.ExtrinsicsRoot(params.Body); root != header.ExtrinsicsRoot {
		return 0, fmt.Errorf("%w: block %s", ErrBadExtrinsicRoot, hash)
	}
	for i, x := range params.Body {
		if err = c.ApplyExtrinsic(ctx, header.ParentHash, x); err != nil {
			return 0, fmt.Errorf("block %s extrinsic %d: %w", hash, i, err)
		}
	}
	if root := nativeruntime.NextStateRoot(parent.StateRoot, header.ExtrinsicsRoot); root != header.StateRoot {
		return 0, fmt.Errorf("%w: block %s", ErrBadStateRoot, hash)
	}

	info, err := c.backend.Info()
	if err != nil {
		return 0, err
	}
	var best bool
	switch params.ForkChoice {
	case ForkChoiceAlwaysBest:
		best = true
	case ForkChoiceNeverBest:
		best = false
	default:
		best = header.Number > info.BestNumber
	}

	block := &chain.Block{Header: header, Extrinsics: params.Body}
	if err = c.backend.InsertBlock(block, best); err != nil {
		return 0, fmt.Errorf("store block %s: %w", hash, err)
	}
	if params.Finalized {
		if err = c.backend.SetFinalized(hash); err != nil {
			return 0, fmt.Errorf("finalize block %s: %w", hash, err)
		}
	}

	log.Debug("block imported",
		zap.Uint64("number", header.Number),
		zap.String("hash", hash.String()),
		zap.Stringer("origin", params.Origin),
		zap.Bool("best", best))

	if best {
		c.telemetry.Send(telemetry.SubstrateInfo, "block.import", map[string]any{
			"height": header.Number,
			"best":   hash.String(),
			"origin": params.Origin.String(),
		})
	}

	c.notifyImport(BlockImportNotification{Hash: hash, Header: header, Origin: params.Origin, IsNewBest: best})
	if params.Finalized {
		c.notifyFinality(FinalityNotification{Hash: hash, Header: header})
	}

	if best {
		return ImportedNewBest, nil
	}
	return ImportedNew, nil
}
