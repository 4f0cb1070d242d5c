package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHeader() *Header {
	return &Header{
		ParentHash:     HashBytes([]byte("parent")),
		Number:         7,
		StateRoot:      HashBytes([]byte("state")),
		ExtrinsicsRoot: ExtrinsicsRoot([]Extrinsic{[]byte("a"), []byte("b")}),
		Digest: []DigestItem{
			{Kind: DigestPreRuntime, Engine: "nmbs", Data: []byte("author")},
			{Kind: DigestSeal, Engine: "nmbs", Data: []byte("signature")},
		},
	}
}

func TestParseHash(t *testing.T) {
	h := HashBytes([]byte("hello"))

	t.Run("prefixed", func(t *testing.T) {
		parsed, err := ParseHash(h.String())
		require.NoError(t, err)
		assert.Equal(t, h, parsed)
	})

	t.Run("bare", func(t *testing.T) {
		parsed, err := ParseHash(h.String()[2:])
		require.NoError(t, err)
		assert.Equal(t, h, parsed)
	})

	t.Run("short", func(t *testing.T) {
		_, err := ParseHash("0x0102")
		assert.ErrorIs(t, err, ErrInvalidHash)
	})

	t.Run("not hex", func(t *testing.T) {
		_, err := ParseHash("0xzz")
		assert.ErrorIs(t, err, ErrInvalidHash)
	})
}

func TestHashBytesDeterministic(t *testing.T) {
	assert.Equal(t, HashBytes([]byte("x")), HashBytes([]byte("x")))
	assert.NotEqual(t, HashBytes([]byte("x")), HashBytes([]byte("y")))
	assert.False(t, HashBytes(nil).IsZero())
	assert.Len(t, HashBytes(nil).Multihash(), HashSize+4)
}

func TestHeaderHashSurvivesDecode(t *testing.T) {
	h := testHeader()

	decoded, err := DecodeHeader(EncodeHeader(h))
	require.NoError(t, err)
	assert.Equal(t, h.Hash(), decoded.Hash())

	h.Digest = append(h.Digest, DigestItem{Kind: DigestOther, Engine: "test", Data: []byte{}})
	decoded, err = DecodeHeader(EncodeHeader(h))
	require.NoError(t, err)
	assert.Equal(t, h.Hash(), decoded.Hash(), "empty digest payload must not change the hash")
}

func TestHeaderSeal(t *testing.T) {
	h := testHeader()

	seal, ok := h.Seal("nmbs")
	require.True(t, ok)
	assert.Equal(t, []byte("signature"), seal)

	_, ok = h.Seal("aura")
	assert.False(t, ok)

	author, ok := h.PreRuntime("nmbs")
	require.True(t, ok)
	assert.Equal(t, []byte("author"), author)

	unsealed := h.WithoutSeal()
	_, ok = unsealed.Seal("nmbs")
	assert.False(t, ok)
	assert.Len(t, unsealed.Digest, 1)
	assert.Len(t, h.Digest, 2, "original header must stay untouched")
	assert.NotEqual(t, h.Hash(), unsealed.Hash())
}

func TestBlockCodec(t *testing.T) {
	b := &Block{Header: testHeader(), Extrinsics: []Extrinsic{[]byte("a"), []byte("b")}}

	decoded, err := DecodeBlock(EncodeBlock(b))
	require.NoError(t, err)
	assert.Equal(t, b.Hash(), decoded.Hash())
	assert.Equal(t, b.Extrinsics, decoded.Extrinsics)

	body, err := DecodeExtrinsics(EncodeExtrinsics(b.Extrinsics))
	require.NoError(t, err)
	assert.Equal(t, b.Extrinsics, body)

	_, err = DecodeBlock([]byte{0x01})
	assert.Error(t, err)
}
