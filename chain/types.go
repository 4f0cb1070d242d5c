// Package chain holds the block primitives shared by every node subsystem.
package chain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/multiformats/go-multihash"
	_ "github.com/multiformats/go-multihash/register/blake2"
)

// HashSize is the size of a blake2b-256 digest.
const HashSize = 32

// hashCode is the multihash code of blake2b-256.
const hashCode = multihash.BLAKE2B_MIN + HashSize - 1

var ErrInvalidHash = errors.New("invalid hash")

// Hash identifies blocks and extrinsics.
type Hash [HashSize]byte

func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

// ParseHash decodes a 0x-prefixed (or bare) hex string.
func ParseHash(s string) (Hash, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Hash{}, fmt.Errorf("%w: %w", ErrInvalidHash, err)
	}
	return HashFromBytes(raw)
}

func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidHash, HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// HashBytes returns the blake2b-256 digest of data.
func HashBytes(data []byte) Hash {
	mh, err := multihash.Sum(data, hashCode, HashSize)
	if err != nil {
		// Only reachable if the blake2 hasher is not registered.
		panic(fmt.Sprintf("blake2b-256 unavailable: %v", err))
	}
	decoded, err := multihash.Decode(mh)
	if err != nil {
		panic(fmt.Sprintf("decode multihash: %v", err))
	}

	var h Hash
	copy(h[:], decoded.Digest)
	return h
}

// Multihash returns the multihash form of a digest produced by HashBytes.
func (h Hash) Multihash() multihash.Multihash {
	mh, err := multihash.Encode(h[:], hashCode)
	if err != nil {
		panic(fmt.Sprintf("encode multihash: %v", err))
	}
	return mh
}

// DigestKind distinguishes digest items.
type DigestKind uint8

const (
	DigestPreRuntime DigestKind = iota + 1
	DigestSeal
	DigestOther
)

// DigestItem is a consensus engine log attached to a header.
type DigestItem struct {
	Kind   DigestKind
	Engine string
	Data   []byte
}

// Header is a block header.
type Header struct {
	ParentHash     Hash
	Number         uint64
	StateRoot      Hash
	ExtrinsicsRoot Hash
	Digest         []DigestItem
}

// Hash returns the header hash, seal included.
func (h *Header) Hash() Hash {
	return HashBytes(EncodeHeader(h))
}

// PreRuntime returns the pre-runtime digest data of the given engine.
func (h *Header) PreRuntime(engine string) ([]byte, bool) {
	for _, d := range h.Digest {
		if d.Kind == DigestPreRuntime && d.Engine == engine {
			return d.Data, true
		}
	}
	return nil, false
}

// Seal returns the seal of the given engine. The seal must be the last digest item.
func (h *Header) Seal(engine string) ([]byte, bool) {
	if len(h.Digest) == 0 {
		return nil, false
	}
	last := h.Digest[len(h.Digest)-1]
	if last.Kind != DigestSeal || last.Engine != engine {
		return nil, false
	}
	return last.Data, true
}

// WithoutSeal returns a copy of the header with a trailing seal removed.
func (h *Header) WithoutSeal() *Header {
	c := h.Clone()
	if n := len(c.Digest); n > 0 && c.Digest[n-1].Kind == DigestSeal {
		c.Digest = c.Digest[:n-1]
	}
	return c
}

func (h *Header) Clone() *Header {
	c := *h
	c.Digest = make([]DigestItem, len(h.Digest))
	for i, d := range h.Digest {
		c.Digest[i] = DigestItem{Kind: d.Kind, Engine: d.Engine, Data: append([]byte(nil), d.Data...)}
	}
	return &c
}

// Extrinsic is an opaque encoded transaction or inherent.
type Extrinsic []byte

func (x Extrinsic) Hash() Hash {
	return HashBytes(x)
}

// Block is a header and its body.
type Block struct {
	Header     *Header
	Extrinsics []Extrinsic
}

func (b *Block) Hash() Hash {
	return b.Header.Hash()
}

// ExtrinsicsRoot commits to the ordered list of extrinsics.
func ExtrinsicsRoot(xts []Extrinsic) Hash {
	buf := make([]byte, 0, len(xts)*HashSize)
	for _, x := range xts {
		h := x.Hash()
		buf = append(buf, h[:]...)
	}
	return HashBytes(buf)
}
