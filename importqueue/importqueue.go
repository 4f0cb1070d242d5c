// Package importqueue verifies and imports blocks in the background.
package importqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anyproto/any-sync/app/logger"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/client"
	"github.com/grishy/pontem-node/taskmanager"
)

const CName = "node.importqueue"

var log = logger.NewNamed(CName)

const queueSize = 256

// IncomingBlock is a block received from a peer, a file or the local author.
type IncomingBlock struct {
	Header *chain.Header
	Body   []chain.Extrinsic
	// Who is the peer that sent the block, empty for local blocks.
	Who string
}

func (b IncomingBlock) Hash() chain.Hash {
	return b.Header.Hash()
}

// Verifier turns an incoming block into import params. It strips and checks
// the consensus seal and may reject the block.
type Verifier interface {
	Verify(ctx context.Context, params *client.BlockImportParams) (*client.BlockImportParams, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, params *client.BlockImportParams) (*client.BlockImportParams, error)

func (f VerifierFunc) Verify(ctx context.Context, params *client.BlockImportParams) (*client.BlockImportParams, error) {
	return f(ctx, params)
}

// BlockResult is the outcome of importing one block.
type BlockResult struct {
	Hash   chain.Hash
	Number uint64
	Origin client.BlockOrigin
	Who    string
	Result client.ImportResult
	Err    error
}

// Link receives import results. Sync uses it to request missing parents and
// punish peers that sent bad blocks.
type Link interface {
	BlocksProcessed(imported int, results []BlockResult)
}

// ImportQueue is the block import pipeline handed to the network.
type ImportQueue interface {
	ImportBlocks(origin client.BlockOrigin, blocks []IncomingBlock)
	SetLink(link Link)
}

type batch struct {
	origin client.BlockOrigin
	blocks []IncomingBlock
}

// BasicQueue runs verification and import on a single worker task.
type BasicQueue struct {
	verifier    Verifier
	blockImport client.BlockImport
	metrics     *metrics

	incoming chan batch
	done     chan struct{}

	mu   sync.Mutex
	link Link
}

// NewBasicQueue spawns the import worker on spawner. Pass an essential spawn
// handle: a dead import worker leaves the node unable to follow the chain.
func NewBasicQueue(verifier Verifier, blockImport client.BlockImport, spawner taskmanager.Spawner, registry *prometheus.Registry) *BasicQueue {
	q := &BasicQueue{
		verifier:    verifier,
		blockImport: blockImport,
		metrics:     newMetrics(registry),
		incoming:    make(chan batch, queueSize),
		done:        make(chan struct{}),
	}
	spawner.Spawn("basic-block-import-worker", q.run)
	return q
}

func (q *BasicQueue) SetLink(link Link) {
	q.mu.Lock()
	q.link = link
	q.mu.Unlock()
}

// ImportBlocks enqueues blocks for import. Blocks are dropped once the worker stopped.
func (q *BasicQueue) ImportBlocks(origin client.BlockOrigin, blocks []IncomingBlock) {
	if len(blocks) == 0 {
		return
	}
	log.Debug("scheduling blocks for import", zap.Int("count", len(blocks)), zap.Stringer("origin", origin))
	select {
	case q.incoming <- batch{origin: origin, blocks: blocks}:
	case <-q.done:
		log.Warn("import queue stopped, blocks dropped", zap.Int("count", len(blocks)))
	}
}

func (q *BasicQueue) run(ctx context.Context) error {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-q.incoming:
			imported, results := q.importBatch(ctx, b)
			q.mu.Lock()
			link := q.link
			q.mu.Unlock()
			if link != nil {
				link.BlocksProcessed(imported, results)
			}
		}
	}
}

func (q *BasicQueue) importBatch(ctx context.Context, b batch) (int, []BlockResult) {
	var imported int
	results := make([]BlockResult, 0, len(b.blocks))
	for _, block := range b.blocks {
		res := q.importOne(ctx, b.origin, block)
		if res.Err == nil && (res.Result == client.ImportedNew || res.Result == client.ImportedNewBest) {
			imported++
		}
		results = append(results, res)
		if res.Err != nil || res.Result == client.UnknownParent {
			// The rest of the batch builds on this block.
			break
		}
	}
	return imported, results
}

func (q *BasicQueue) importOne(ctx context.Context, origin client.BlockOrigin, block IncomingBlock) BlockResult {
	res := BlockResult{Hash: block.Hash(), Number: block.Header.Number, Origin: origin, Who: block.Who}

	started := time.Now()
	params, err := q.verifier.Verify(ctx, &client.BlockImportParams{
		Origin: origin,
		Header: block.Header.Clone(),
		Body:   block.Body,
	})
	q.metrics.verification.Observe(time.Since(started).Seconds())
	if err != nil {
		log.Warn("block verification failed",
			zap.String("hash", res.Hash.String()),
			zap.Uint64("number", res.Number),
			zap.String("who", block.Who),
			zap.Error(err))
		res.Err = fmt.Errorf("verification failed: %w", err)
		q.metrics.processed.WithLabelValues("verification_failed").Inc()
		return res
	}

	res.Result, err = q.blockImport.ImportBlock(ctx, params)
	if err != nil {
		log.Warn("block import failed", zap.String("hash", res.Hash.String()), zap.Error(err))
		res.Err = fmt.Errorf("import failed: %w", err)
		q.metrics.processed.WithLabelValues("import_failed").Inc()
		return res
	}
	q.metrics.processed.WithLabelValues(res.Result.String()).Inc()
	return res
}

// Shared lets the network and the collator drive one queue.
type Shared struct {
	mu    sync.Mutex
	inner ImportQueue
}

func NewShared(inner ImportQueue) *Shared {
	return &Shared{inner: inner}
}

func (s *Shared) ImportBlocks(origin client.BlockOrigin, blocks []IncomingBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inner.ImportBlocks(origin, blocks)
}

func (s *Shared) SetLink(link Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inner.SetLink(link)
}
