// Package client is the chain client: chain head queries, block import and
// runtime API calls.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/anyproto/any-sync/app/logger"
	"go.uber.org/zap"

	"github.com/grishy/pontem-node/backend"
	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/executor"
	"github.com/grishy/pontem-node/nativeruntime"
	"github.com/grishy/pontem-node/telemetry"
)

const CName = "node.client"

var log = logger.NewNamed(CName)

var (
	ErrGenesisMismatch  = errors.New("database genesis does not match the chain spec")
	ErrBadExtrinsicRoot = errors.New("extrinsics root mismatch")
	ErrBadStateRoot     = errors.New("state root mismatch")
	ErrApplyExtrinsic   = errors.New("apply extrinsic")
)

const notificationBuffer = 256

// BlockImport imports verified blocks.
type BlockImport interface {
	ImportBlock(ctx context.Context, params *BlockImportParams) (ImportResult, error)
}

// Client is shared by every subsystem of a node.
type Client struct {
	backend   *backend.Backend
	executor  *executor.Executor
	telemetry *telemetry.Handle
	genesis   chain.Hash

	importMu sync.Mutex

	subsMu       sync.Mutex
	nextSub      uint64
	importSubs   map[uint64]chan BlockImportNotification
	finalitySubs map[uint64]chan FinalityNotification
}

// New opens the client over b, writing the genesis block on first start.
func New(b *backend.Backend, exec *executor.Executor, genesis nativeruntime.Genesis, tel *telemetry.Handle) (*Client, error) {
	genesisBlock := GenesisBlock(genesis)

	empty, err := b.IsEmpty()
	if err != nil {
		return nil, fmt.Errorf("check database: %w", err)
	}
	if empty {
		if err = b.InitGenesis(genesisBlock); err != nil {
			return nil, fmt.Errorf("write genesis: %w", err)
		}
		log.Info("genesis block written", zap.String("hash", genesisBlock.Hash().String()))
	} else {
		info, err := b.Info()
		if err != nil {
			return nil, fmt.Errorf("read chain info: %w", err)
		}
		if info.GenesisHash != genesisBlock.Hash() {
			return nil, fmt.Errorf("%w: stored %s, expected %s", ErrGenesisMismatch, info.GenesisHash, genesisBlock.Hash())
		}
	}

	return &Client{
		backend:      b,
		executor:     exec,
		telemetry:    tel,
		genesis:      genesisBlock.Hash(),
		importSubs:   make(map[uint64]chan BlockImportNotification),
		finalitySubs: make(map[uint64]chan FinalityNotification),
	}, nil
}

// GenesisBlock is the block at height zero of a chain with the given genesis.
func GenesisBlock(genesis nativeruntime.Genesis) *chain.Block {
	return &chain.Block{Header: &chain.Header{
		StateRoot:      genesis.StateRoot(),
		ExtrinsicsRoot: chain.ExtrinsicsRoot(nil),
	}}
}

func (c *Client) Backend() *backend.Backend {
	return c.backend
}

func (c *Client) GenesisHash() chain.Hash {
	return c.genesis
}

func (c *Client) Info() (backend.Info, error) {
	return c.backend.Info()
}

func (c *Client) Header(h chain.Hash) (*chain.Header, error) {
	return c.backend.Header(h)
}

// Number returns the number of a known block; ok is false for unknown blocks.
func (c *Client) Number(h chain.Hash) (uint64, bool, error) {
	return c.backend.Number(h)
}

// Hash returns the canonical hash at height n.
func (c *Client) Hash(n uint64) (chain.Hash, bool, error) {
	return c.backend.Hash(n)
}

func (c *Client) Block(h chain.Hash) (*chain.Block, error) {
	header, err := c.backend.Header(h)
	if err != nil {
		return nil, err
	}
	body, err := c.backend.Body(h)
	if err != nil {
		return nil, err
	}
	return &chain.Block{Header: header, Extrinsics: body}, nil
}

func (c *Client) BestHeader() (*chain.Header, error) {
	info, err := c.backend.Info()
	if err != nil {
		return nil, err
	}
	return c.backend.Header(info.BestHash)
}

// FinalizeBlock marks a canonical block as final.
func (c *Client) FinalizeBlock(h chain.Hash) error {
	header, err := c.backend.Header(h)
	if err != nil {
		return err
	}
	if err = c.backend.SetFinalized(h); err != nil {
		return err
	}
	log.Debug("block finalized", zap.Uint64("number", header.Number), zap.String("hash", h.String()))
	c.notifyFinality(FinalityNotification{Hash: h, Header: header})
	return nil
}
