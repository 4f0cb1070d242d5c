package txpool

import (
	"context"
	"time"

	"github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/client"
	"github.com/grishy/pontem-node/nativeruntime"
)

// Maintain prunes transactions included in a new best block, drops stale
// ones and, on validators, revalidates the rest.
func (p *Pool) Maintain(ctx context.Context, n client.BlockImportNotification) {
	block, err := p.client.Block(n.Hash)
	if err != nil {
		log.Warn("maintain: read block", zap.String("hash", n.Hash.String()), zap.Error(err))
		return
	}

	now := time.Now()
	p.mu.Lock()
	var pruned int
	for _, xt := range block.Extrinsics {
		id := TxID(xt)
		if _, ok := p.ready[id]; ok {
			p.removeLocked(id)
			pruned++
		}
		// Included transactions must not come back through gossip.
		p.banned[id] = now
	}
	for id, tx := range p.ready {
		if tx.ValidTill < n.Header.Number {
			p.removeLocked(id)
			pruned++
		}
	}
	for id, at := range p.banned {
		if now.Sub(at) >= p.opts.BanTime {
			delete(p.banned, id)
		}
	}
	p.mu.Unlock()

	p.metrics.pruned.Add(float64(pruned))
	if pruned > 0 {
		log.Debug("pool pruned", zap.Int("count", pruned), zap.Uint64("number", n.Header.Number))
	}

	if p.isValidator {
		p.revalidate(ctx, n.Hash)
	}
}

func (p *Pool) revalidate(ctx context.Context, at chain.Hash) {
	for _, tx := range p.Ready() {
		if ctx.Err() != nil {
			return
		}
		validity, err := p.client.ValidateTransaction(ctx, at, nativeruntime.SourceInBlock, tx.Data())
		if err != nil {
			log.Warn("revalidate transaction", zap.String("hash", tx.Hash.String()), zap.Error(err))
			continue
		}
		if validity.Valid == nil {
			p.metrics.invalid.Inc()
			p.mu.Lock()
			p.removeLocked(tx.CID())
			p.banned[tx.CID()] = time.Now()
			p.mu.Unlock()
		}
	}
}

// ImportNotificationStream yields the hash of every transaction that enters the
// ready set. Slow subscribers miss notifications.
func (p *Pool) ImportNotificationStream() (<-chan chain.Hash, func()) {
	ch := make(chan chain.Hash, notificationBuffer)

	p.subsMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	p.subsMu.Unlock()

	return ch, func() {
		p.subsMu.Lock()
		defer p.subsMu.Unlock()
		if _, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(ch)
		}
	}
}

func (p *Pool) notify(h chain.Hash) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- h:
		default:
		}
	}
}

// Contains reports whether a transaction with the given payload id is ready.
func (p *Pool) Contains(id cid.Cid) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.ready[id]
	return ok
}
