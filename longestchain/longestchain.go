// Package longestchain selects the best chain by height.
package longestchain

import (
	"fmt"

	"github.com/grishy/pontem-node/backend"
	"github.com/grishy/pontem-node/chain"
)

// LongestChain picks the highest block as the chain head.
type LongestChain struct {
	backend *backend.Backend
}

func New(b *backend.Backend) *LongestChain {
	return &LongestChain{backend: b}
}

// BestChain returns the header of the current best block.
func (l *LongestChain) BestChain() (*chain.Header, error) {
	info, err := l.backend.Info()
	if err != nil {
		return nil, fmt.Errorf("chain info: %w", err)
	}
	return l.backend.Header(info.BestHash)
}

// Leaves returns the chain leaves, best block first.
func (l *LongestChain) Leaves() ([]chain.Hash, error) {
	info, err := l.backend.Info()
	if err != nil {
		return nil, err
	}
	leaves, err := l.backend.Leaves()
	if err != nil {
		return nil, err
	}

	out := []chain.Hash{info.BestHash}
	for _, h := range leaves {
		if h != info.BestHash {
			out = append(out, h)
		}
	}
	return out, nil
}
