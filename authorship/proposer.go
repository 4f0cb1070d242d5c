// Package authorship builds new blocks out of inherents and pool transactions.
package authorship

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anyproto/any-sync/app/logger"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/inherents"
	"github.com/grishy/pontem-node/nativeruntime"
	"github.com/grishy/pontem-node/taskmanager"
	"github.com/grishy/pontem-node/telemetry"
	"github.com/grishy/pontem-node/txpool"
)

const CName = "node.authorship"

var log = logger.NewNamed(CName)

const (
	// DefaultBlockSizeLimit bounds the encoded body when the caller sets no limit.
	DefaultBlockSizeLimit = 4 << 20
	// Skipped transactions tolerated after the block is full before giving up.
	maxSkippedTransactions = 8
)

var ErrProposerStopped = errors.New("proposer worker stopped")

// Client is the chain access a proposer needs.
type Client interface {
	InherentExtrinsics(ctx context.Context, parent chain.Hash, data *inherents.Data) ([]chain.Extrinsic, error)
	ApplyExtrinsic(ctx context.Context, at chain.Hash, x chain.Extrinsic) error
}

// TransactionPool supplies ready transactions.
type TransactionPool interface {
	Ready() []*txpool.Transaction
	Remove(hashes []chain.Hash)
}

// StorageProof records what a block execution touched so the relay chain can
// re-execute it.
type StorageProof struct {
	Nodes [][]byte
}

// Proposal is a built, unsealed block.
type Proposal struct {
	Block *chain.Block
	// Proof is nil unless the factory records proofs.
	Proof *StorageProof
}

// ProposerFactory creates one proposer per parent block. Block building runs on
// the factory's own blocking task.
type ProposerFactory struct {
	client      Client
	pool        TransactionPool
	telemetry   *telemetry.Handle
	metrics     *metrics
	recordProof bool

	requests chan proposeRequest
	done     chan struct{}
}

// NewProposerFactory builds a factory that does not record proofs.
func NewProposerFactory(spawner taskmanager.Spawner, c Client, pool TransactionPool, registry *prometheus.Registry, tel *telemetry.Handle) *ProposerFactory {
	return newProposerFactory(spawner, c, pool, registry, tel, false)
}

// NewProposerFactoryWithProofRecording builds a factory whose proposals carry a
// StorageProof.
func NewProposerFactoryWithProofRecording(spawner taskmanager.Spawner, c Client, pool TransactionPool, registry *prometheus.Registry, tel *telemetry.Handle) *ProposerFactory {
	return newProposerFactory(spawner, c, pool, registry, tel, true)
}

func newProposerFactory(spawner taskmanager.Spawner, c Client, pool TransactionPool, registry *prometheus.Registry, tel *telemetry.Handle, recordProof bool) *ProposerFactory {
	f := &ProposerFactory{
		client:      c,
		pool:        pool,
		telemetry:   tel,
		metrics:     newMetrics(registry),
		recordProof: recordProof,
		requests:    make(chan proposeRequest),
		done:        make(chan struct{}),
	}
	spawner.SpawnBlocking("basic-authorship-proposer", f.run)
	return f
}

func (f *ProposerFactory) RecordsProof() bool {
	return f.recordProof
}

// Init returns a proposer building on parent.
func (f *ProposerFactory) Init(parent *chain.Header) (*Proposer, error) {
	if parent == nil {
		return nil, fmt.Errorf("init proposer: nil parent")
	}
	log.Debug("starting consensus session", zap.Uint64("parent_number", parent.Number), zap.String("parent", parent.Hash().String()))
	return &Proposer{factory: f, parent: parent.Clone(), parentHash: parent.Hash()}, nil
}

type proposeRequest struct {
	ctx      context.Context
	proposer *Proposer
	args     proposeArgs
	result   chan proposeResult
}

type proposeArgs struct {
	data      *inherents.Data
	digest    []chain.DigestItem
	deadline  time.Time
	sizeLimit int
}

type proposeResult struct {
	proposal *Proposal
	err      error
}

func (f *ProposerFactory) run(ctx context.Context) error {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-f.requests:
			p, err := req.proposer.build(req.ctx, req.args)
			req.result <- proposeResult{proposal: p, err: err}
		}
	}
}

// Proposer builds exactly one block on its parent.
type Proposer struct {
	factory    *ProposerFactory
	parent     *chain.Header
	parentHash chain.Hash

	mu   sync.Mutex
	used bool
}

// Propose builds a block from the inherent data and as many ready transactions
// as fit in maxDuration and sizeLimit. A zero sizeLimit means DefaultBlockSizeLimit.
func (p *Proposer) Propose(ctx context.Context, data *inherents.Data, digest []chain.DigestItem, maxDuration time.Duration, sizeLimit int) (*Proposal, error) {
	p.mu.Lock()
	if p.used {
		p.mu.Unlock()
		return nil, fmt.Errorf("proposer for %s already used", p.parentHash)
	}
	p.used = true
	p.mu.Unlock()

	if sizeLimit <= 0 {
		sizeLimit = DefaultBlockSizeLimit
	}
	req := proposeRequest{
		ctx:      ctx,
		proposer: p,
		args: proposeArgs{
			data:      data,
			digest:    digest,
			deadline:  time.Now().Add(maxDuration),
			sizeLimit: sizeLimit,
		},
		result: make(chan proposeResult, 1),
	}

	select {
	case p.factory.requests <- req:
	case <-p.factory.done:
		return nil, ErrProposerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.result:
		return res.proposal, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Proposer) build(ctx context.Context, args proposeArgs) (*Proposal, error) {
	f := p.factory
	started := time.Now()

	var proof *StorageProof
	if f.recordProof {
		proof = &StorageProof{Nodes: [][]byte{p.parent.StateRoot.Bytes()}}
	}

	inherentXts, err := f.client.InherentExtrinsics(ctx, p.parentHash, args.data)
	if err != nil {
		return nil, fmt.Errorf("create inherent extrinsics: %w", err)
	}

	body := make([]chain.Extrinsic, 0, len(inherentXts))
	size := 0
	for _, x := range inherentXts {
		if err = f.client.ApplyExtrinsic(ctx, p.parentHash, x); err != nil {
			return nil, fmt.Errorf("apply inherent extrinsic: %w", err)
		}
		body = append(body, x)
		size += len(x)
		if proof != nil {
			proof.Nodes = append(proof.Nodes, x)
		}
	}

	var (
		invalid []chain.Hash
		skipped int
		reason  = "all ready transactions included"
	)
	for _, tx := range f.pool.Ready() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(args.deadline) {
			reason = "deadline reached"
			break
		}
		x := tx.Data()
		if size+len(x) > args.sizeLimit {
			if skipped < maxSkippedTransactions {
				skipped++
				log.Debug("transaction would overflow the block, trying the next one", zap.String("hash", tx.Hash.String()))
				continue
			}
			reason = "block size limit reached"
			break
		}
		if err = f.client.ApplyExtrinsic(ctx, p.parentHash, x); err != nil {
			log.Debug("invalid transaction", zap.String("hash", tx.Hash.String()), zap.Error(err))
			invalid = append(invalid, tx.Hash)
			continue
		}
		body = append(body, x)
		size += len(x)
		if proof != nil {
			proof.Nodes = append(proof.Nodes, x)
		}
	}
	if len(invalid) > 0 {
		f.pool.Remove(invalid)
	}

	extrinsicsRoot := chain.ExtrinsicsRoot(body)
	header := &chain.Header{
		ParentHash:     p.parentHash,
		Number:         p.parent.Number + 1,
		ExtrinsicsRoot: extrinsicsRoot,
		StateRoot:      nativeruntime.NextStateRoot(p.parent.StateRoot, extrinsicsRoot),
		Digest:         args.digest,
	}
	block := &chain.Block{Header: header, Extrinsics: body}

	f.metrics.constructed.Observe(time.Since(started).Seconds())
	f.metrics.transactions.Set(float64(len(body) - len(inherentXts)))

	log.Info("prepared block for proposing",
		zap.Uint64("number", header.Number),
		zap.String("hash", header.Hash().String()),
		zap.String("parent", p.parentHash.String()),
		zap.Int("extrinsics", len(body)),
		zap.String("end_reason", reason))
	f.telemetry.Send(telemetry.ConsensusInfo, "prepared_block_for_proposing", map[string]any{
		"number": header.Number,
		"hash":   header.Hash().String(),
	})

	return &Proposal{Block: block, Proof: proof}, nil
}
