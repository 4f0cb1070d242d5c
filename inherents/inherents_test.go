package inherents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grishy/pontem-node/backend"
	"github.com/grishy/pontem-node/chain"
)

type fakeRelay struct {
	headers map[chain.Hash]*chain.Header
	aux     map[string][]byte
}

func (f *fakeRelay) Header(h chain.Hash) (*chain.Header, error) {
	if header, ok := f.headers[h]; ok {
		return header, nil
	}
	return nil, backend.ErrNotFound
}

func (f *fakeRelay) GetAux(key []byte) ([]byte, error) {
	if v, ok := f.aux[string(key)]; ok {
		return v, nil
	}
	return nil, backend.ErrNotFound
}

func TestDataEncode(t *testing.T) {
	data, err := Providers{Timestamp{Millis: 1_700_000_000_000}}.CreateInherentData(context.Background())
	require.NoError(t, err)

	decoded, err := DecodeData(data.Encode())
	require.NoError(t, err)
	assert.Equal(t, []Identifier{TimestampIdentifier}, decoded.Identifiers())

	ms, ok, err := TimestampOf(decoded)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1_700_000_000_000, ms)

	_, err = DecodeData([]byte{0x05})
	assert.ErrorIs(t, err, ErrDecode)
}

func TestProvidersStopOnError(t *testing.T) {
	failing := providerFunc(func(context.Context, *Data) error { return errors.New("no clock") })
	_, err := Providers{FromSystemTime(), failing}.CreateInherentData(context.Background())
	assert.EqualError(t, err, "no clock")
}

type providerFunc func(context.Context, *Data) error

func (f providerFunc) ProvideInherentData(ctx context.Context, d *Data) error { return f(ctx, d) }

func TestMockValidationDataProvider(t *testing.T) {
	for _, n := range []uint64{0, 1, 7, 1000} {
		mock := MockValidationDataProvider{CurrentParaBlock: n, RelayOffset: 1000, RelayBlocksPerParaBlock: 2}

		data := NewData()
		require.NoError(t, mock.ProvideInherentData(context.Background(), data))

		p, ok, err := ParachainInherentOf(data)
		require.NoError(t, err)
		require.True(t, ok)
		assert.EqualValues(t, 1000+2*n, p.ValidationData.RelayParentNumber)
	}
}

func TestCreateAtWithClient(t *testing.T) {
	relayParent := &chain.Header{Number: 42, StateRoot: chain.HashBytes([]byte("relay state"))}
	relay := &fakeRelay{
		headers: map[chain.Hash]*chain.Header{relayParent.Hash(): relayParent},
		aux: map[string][]byte{
			string(DownwardQueueKey(2000, relayParent.Hash())): chain.EncodeExtrinsics([]chain.Extrinsic{[]byte("dmp")}),
		},
	}
	vd := PersistedValidationData{RelayParentNumber: 42, MaxPovSize: 5 << 20}

	t.Run("known relay parent", func(t *testing.T) {
		p := CreateAtWithClient(context.Background(), relay, relay, relayParent.Hash(), vd, 2000)
		require.NotNil(t, p)
		assert.Equal(t, vd, p.ValidationData)
		assert.Equal(t, [][]byte{[]byte("dmp")}, p.DownwardMessages)
		require.Len(t, p.RelayChainState, 1)

		data := NewData()
		require.NoError(t, p.ProvideInherentData(context.Background(), data))
		decoded, ok, err := ParachainInherentOf(data)
		require.NoError(t, err)
		require.True(t, ok)
		assert.EqualValues(t, 42, decoded.ValidationData.RelayParentNumber)
	})

	t.Run("no downward messages", func(t *testing.T) {
		p := CreateAtWithClient(context.Background(), relay, relay, relayParent.Hash(), vd, 2001)
		require.NotNil(t, p)
		assert.Empty(t, p.DownwardMessages)
	})

	t.Run("unknown relay parent", func(t *testing.T) {
		p := CreateAtWithClient(context.Background(), relay, relay, chain.HashBytes([]byte("?")), vd, 2000)
		assert.Nil(t, p)
	})
}

func TestFuncAdapter(t *testing.T) {
	var seen uint64
	var cidp CreateInherentDataProviders[uint64] = Func[uint64](
		func(_ context.Context, _ chain.Hash, extra uint64) (Providers, error) {
			seen = extra
			return Providers{Timestamp{Millis: 1}}, nil
		})

	providers, err := cidp.CreateInherentDataProviders(context.Background(), chain.Hash{}, 9)
	require.NoError(t, err)
	assert.Len(t, providers, 1)
	assert.EqualValues(t, 9, seen)
}
