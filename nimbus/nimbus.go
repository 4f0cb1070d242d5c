// Package nimbus is the parachain consensus: an eligible author from the
// runtime's authority filter seals each block with its ed25519 key.
package nimbus

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/anyproto/any-sync/app/logger"

	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/inherents"
	"github.com/grishy/pontem-node/keystore"
)

const CName = "node.nimbus"

var log = logger.NewNamed(CName)

const (
	// KeyType is the keystore type of author keys.
	KeyType keystore.KeyType = "nmbs"
	// EngineID tags nimbus digests.
	EngineID = "nmbs"
)

var AuthorIdentifier = inherents.NewIdentifier("author__")

var ErrInvalidID = errors.New("invalid nimbus id")

// ID is the public key of an author.
type ID [32]byte

func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != len(id) {
		return id, fmt.Errorf("%w: %d bytes", ErrInvalidID, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseID parses a hex public key with an optional 0x prefix.
func ParseID(s string) (ID, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return ID{}, fmt.Errorf("%w: %w", ErrInvalidID, err)
	}
	return IDFromBytes(b)
}

func (id ID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id ID) Bytes() []byte {
	return append([]byte(nil), id[:]...)
}

// AuthorProvider supplies the author inherent.
type AuthorProvider struct {
	ID ID
}

func (p AuthorProvider) ProvideInherentData(_ context.Context, data *inherents.Data) error {
	return data.Put(AuthorIdentifier, p.ID.Bytes())
}

// AuthorOf reads the author inherent.
func AuthorOf(data *inherents.Data) (ID, bool, error) {
	var raw []byte
	ok, err := data.Get(AuthorIdentifier, &raw)
	if err != nil || !ok {
		return ID{}, ok, err
	}
	id, err := IDFromBytes(raw)
	return id, true, err
}

// PreRuntimeDigest names the author of a block before execution.
func PreRuntimeDigest(author ID) chain.DigestItem {
	return chain.DigestItem{Kind: chain.DigestPreRuntime, Engine: EngineID, Data: author.Bytes()}
}

// SealDigest carries the author signature over the unsealed header hash.
func SealDigest(signature []byte) chain.DigestItem {
	return chain.DigestItem{Kind: chain.DigestSeal, Engine: EngineID, Data: signature}
}

// AuthorOfHeader returns the author from the pre-runtime digest.
func AuthorOfHeader(h *chain.Header) (ID, bool) {
	raw, ok := h.PreRuntime(EngineID)
	if !ok {
		return ID{}, false
	}
	id, err := IDFromBytes(raw)
	return id, err == nil
}
