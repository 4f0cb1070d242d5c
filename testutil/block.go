// Package testutil builds random chain data for tests.
package testutil

import (
	"crypto/rand"
	"io"

	"github.com/grishy/pontem-node/chain"
)

func NewRandExtrinsic(size int) chain.Extrinsic {
	p := make([]byte, size)
	_, err := io.ReadFull(rand.Reader, p)
	if err != nil {
		panic("can't fill testdata from random: " + err.Error())
	}
	return p
}

// NewRandExtrinsics returns l distinct extrinsics of growing size, so a pool
// prioritizing by length orders them last to first.
func NewRandExtrinsics(l int) []chain.Extrinsic {
	xts := make([]chain.Extrinsic, l)
	for i := range xts {
		xts[i] = NewRandExtrinsic(16 + i)
	}

	return xts
}

func ExtrinsicHashes(xts []chain.Extrinsic) (hashes []chain.Hash) {
	hashes = make([]chain.Hash, len(xts))
	for i, xt := range xts {
		hashes[i] = xt.Hash()
	}

	return
}

func NewRandHash() chain.Hash {
	return NewRandExtrinsic(64).Hash()
}
