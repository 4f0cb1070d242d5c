// Package txpool is the validated transaction pool of a full node.
package txpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/anyproto/any-sync/app/logger"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/grishy/pontem-node/backend"
	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/client"
	"github.com/grishy/pontem-node/nativeruntime"
	"github.com/grishy/pontem-node/taskmanager"
)

const CName = "node.txpool"

var log = logger.NewNamed(CName)

var (
	ErrAlreadyImported    = errors.New("transaction already imported")
	ErrTemporarilyBanned  = errors.New("transaction temporarily banned")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrImmediatelyDropped = errors.New("transaction dropped: pool is full")
)

const notificationBuffer = 64

// Options limit the pool.
type Options struct {
	ReadyCount int           `yaml:"readyCount"`
	ReadyBytes int           `yaml:"readyBytes"`
	BanTime    time.Duration `yaml:"banTime"`
}

func DefaultOptions() Options {
	return Options{ReadyCount: 8192, ReadyBytes: 20 << 20, BanTime: 30 * time.Minute}
}

// Client is the chain access the pool needs.
type Client interface {
	Info() (backend.Info, error)
	Block(h chain.Hash) (*chain.Block, error)
	ValidateTransaction(ctx context.Context, at chain.Hash, source nativeruntime.TransactionSource, tx chain.Extrinsic) (nativeruntime.TransactionValidity, error)
	ImportNotificationStream() (<-chan client.BlockImportNotification, func())
}

// Transaction is a validated pool entry. Its payload is content addressed.
type Transaction struct {
	Block      blocks.Block
	Hash       chain.Hash
	Priority   uint64
	Provides   [][]byte
	ValidTill  uint64
	Propagate  bool
	Source     nativeruntime.TransactionSource
	insertedAt uint64
}

func (tx *Transaction) CID() cid.Cid {
	return tx.Block.Cid()
}

func (tx *Transaction) Data() chain.Extrinsic {
	return tx.Block.RawData()
}

// Status is the pool size.
type Status struct {
	Ready      int
	ReadyBytes int
}

// Pool is safe for concurrent use.
type Pool struct {
	opts        Options
	isValidator bool
	client      Client
	metrics     *metrics

	mu       sync.RWMutex
	ready    map[cid.Cid]*Transaction
	bytes    int
	banned   map[cid.Cid]time.Time
	inserted uint64

	subsMu  sync.Mutex
	nextSub uint64
	subs    map[uint64]chan chain.Hash
}

// NewFull builds a full-node pool and spawns its maintenance task on spawner.
// Validators revalidate after every block; other nodes only prune.
func NewFull(opts Options, isValidator bool, registry *prometheus.Registry, spawner taskmanager.Spawner, c Client) *Pool {
	p := &Pool{
		opts:        opts,
		isValidator: isValidator,
		client:      c,
		metrics:     newMetrics(registry),
		ready:       make(map[cid.Cid]*Transaction),
		banned:      make(map[cid.Cid]time.Time),
		subs:        make(map[uint64]chan chain.Hash),
	}

	notifications, unsubscribe := c.ImportNotificationStream()
	spawner.Spawn("txpool-background", func(ctx context.Context) error {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return nil
			case n, ok := <-notifications:
				if !ok {
					return nil
				}
				if n.IsNewBest {
					p.Maintain(ctx, n)
				}
			}
		}
	})
	return p
}

// TxID is the content id of a transaction payload.
func TxID(xt chain.Extrinsic) cid.Cid {
	return cid.NewCidV1(cid.Raw, xt.Hash().Multihash())
}

// SubmitOne validates xt at block at and adds it to the ready set.
func (p *Pool) SubmitOne(ctx context.Context, at chain.Hash, source nativeruntime.TransactionSource, xt chain.Extrinsic) (chain.Hash, error) {
	p.metrics.submitted.Inc()

	id := TxID(xt)
	hash := xt.Hash()

	p.mu.RLock()
	_, known := p.ready[id]
	bannedAt, banned := p.banned[id]
	p.mu.RUnlock()
	if known {
		return hash, fmt.Errorf("%w: %s", ErrAlreadyImported, hash)
	}
	if banned && time.Since(bannedAt) < p.opts.BanTime {
		return hash, fmt.Errorf("%w: %s", ErrTemporarilyBanned, hash)
	}

	validity, err := p.client.ValidateTransaction(ctx, at, source, xt)
	if err != nil {
		return hash, fmt.Errorf("validate transaction: %w", err)
	}
	if validity.Valid == nil {
		p.metrics.invalid.Inc()
		return hash, fmt.Errorf("%w: %s", ErrInvalidTransaction, validity.Invalid)
	}

	number, err := p.bestNumber()
	if err != nil {
		return hash, err
	}

	block, err := blocks.NewBlockWithCid(xt, id)
	if err != nil {
		return hash, fmt.Errorf("wrap transaction payload: %w", err)
	}
	tx := &Transaction{
		Block:     block,
		Hash:      hash,
		Priority:  validity.Valid.Priority,
		Provides:  validity.Valid.Provides,
		ValidTill: number + validity.Valid.Longevity,
		Propagate: validity.Valid.Propagate,
		Source:    source,
	}

	if err = p.insert(tx); err != nil {
		return hash, err
	}
	log.Debug("transaction imported", zap.String("hash", hash.String()), zap.Uint64("priority", tx.Priority))
	p.notify(hash)
	return hash, nil
}

// SubmitAt submits several transactions, returning one error slot per transaction.
func (p *Pool) SubmitAt(ctx context.Context, at chain.Hash, source nativeruntime.TransactionSource, xts []chain.Extrinsic) ([]chain.Hash, []error) {
	hashes := make([]chain.Hash, len(xts))
	errs := make([]error, len(xts))
	for i, xt := range xts {
		hashes[i], errs[i] = p.SubmitOne(ctx, at, source, xt)
	}
	return hashes, errs
}

func (p *Pool) insert(tx *Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.ready[tx.CID()]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyImported, tx.Hash)
	}

	size := len(tx.Data())
	for len(p.ready) >= p.opts.ReadyCount || p.bytes+size > p.opts.ReadyBytes {
		worst := p.worstLocked()
		if worst == nil || worst.Priority >= tx.Priority {
			return ErrImmediatelyDropped
		}
		p.removeLocked(worst.CID())
	}

	p.inserted++
	tx.insertedAt = p.inserted
	p.ready[tx.CID()] = tx
	p.bytes += size
	p.metrics.ready.Set(float64(len(p.ready)))
	return nil
}

func (p *Pool) worstLocked() *Transaction {
	var worst *Transaction
	for _, tx := range p.ready {
		if worst == nil || tx.Priority < worst.Priority ||
			(tx.Priority == worst.Priority && tx.insertedAt > worst.insertedAt) {
			worst = tx
		}
	}
	return worst
}

func (p *Pool) removeLocked(id cid.Cid) {
	if tx, ok := p.ready[id]; ok {
		delete(p.ready, id)
		p.bytes -= len(tx.Data())
	}
	p.metrics.ready.Set(float64(len(p.ready)))
}

// Ready returns the ready transactions, highest priority first and FIFO
// within a priority.
func (p *Pool) Ready() []*Transaction {
	p.mu.RLock()
	out := make([]*Transaction, 0, len(p.ready))
	for _, tx := range p.ready {
		out = append(out, tx)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].insertedAt < out[j].insertedAt
	})
	return out
}

// Get returns the ready transaction with the given hash.
func (p *Pool) Get(h chain.Hash) (*Transaction, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tx, ok := p.ready[cid.NewCidV1(cid.Raw, h.Multihash())]
	return tx, ok
}

func (p *Pool) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Status{Ready: len(p.ready), ReadyBytes: p.bytes}
}

// Remove drops transactions without banning them.
func (p *Pool) Remove(hashes []chain.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hashes {
		p.removeLocked(cid.NewCidV1(cid.Raw, h.Multihash()))
	}
}

func (p *Pool) bestNumber() (uint64, error) {
	info, err := p.client.Info()
	if err != nil {
		return 0, fmt.Errorf("chain info: %w", err)
	}
	return info.BestNumber, nil
}
