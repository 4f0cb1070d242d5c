package client

import (
	"go.uber.org/zap"

	"github.com/grishy/pontem-node/chain"
)

// BlockImportNotification is published for every newly imported block.
type BlockImportNotification struct {
	Hash      chain.Hash
	Header    *chain.Header
	Origin    BlockOrigin
	IsNewBest bool
}

// FinalityNotification is published when a block is finalized.
type FinalityNotification struct {
	Hash   chain.Hash
	Header *chain.Header
}

// ImportNotificationStream subscribes to block imports. The returned function
// unsubscribes and closes the channel. Slow subscribers miss notifications.
func (c *Client) ImportNotificationStream() (<-chan BlockImportNotification, func()) {
	ch := make(chan BlockImportNotification, notificationBuffer)

	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.importSubs[id] = ch
	c.subsMu.Unlock()

	return ch, func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if _, ok := c.importSubs[id]; ok {
			delete(c.importSubs, id)
			close(ch)
		}
	}
}

// FinalityNotificationStream subscribes to finalized blocks.
func (c *Client) FinalityNotificationStream() (<-chan FinalityNotification, func()) {
	ch := make(chan FinalityNotification, notificationBuffer)

	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.finalitySubs[id] = ch
	c.subsMu.Unlock()

	return ch, func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if _, ok := c.finalitySubs[id]; ok {
			delete(c.finalitySubs, id)
			close(ch)
		}
	}
}

func (c *Client) notifyImport(n BlockImportNotification) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.importSubs {
		select {
		case ch <- n:
		default:
			log.Warn("import notification dropped", zap.String("hash", n.Hash.String()))
		}
	}
}

func (c *Client) notifyFinality(n FinalityNotification) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.finalitySubs {
		select {
		case ch <- n:
		default:
			log.Warn("finality notification dropped", zap.String("hash", n.Hash.String()))
		}
	}
}
