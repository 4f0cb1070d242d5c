package node

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grishy/pontem-node/backend"
	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/inherents"
	"github.com/grishy/pontem-node/nimbus"
)

type fakeNumbers map[chain.Hash]uint64

func (f fakeNumbers) Number(h chain.Hash) (uint64, bool, error) {
	n, ok := f[h]
	return n, ok, nil
}

type failingNumbers struct{}

func (failingNumbers) Number(chain.Hash) (uint64, bool, error) {
	return 0, false, errors.New("disk failure")
}

func provide(t *testing.T, providers inherents.Providers) *inherents.Data {
	t.Helper()
	data, err := providers.CreateInherentData(context.Background())
	require.NoError(t, err)
	return data
}

func TestDevInherents(t *testing.T) {
	parent := chain.HashBytes([]byte("parent"))
	cidp := devInherents{client: fakeNumbers{parent: 7}, author: testAuthor}

	providers, err := cidp.CreateInherentDataProviders(context.Background(), parent, struct{}{})
	require.NoError(t, err)
	require.Len(t, providers, 3)
	assert.Equal(t, inherents.MockValidationDataProvider{
		CurrentParaBlock:        7,
		RelayOffset:             1000,
		RelayBlocksPerParaBlock: 2,
	}, providers[1])

	data := provide(t, providers)
	_, ok, err := inherents.TimestampOf(data)
	require.NoError(t, err)
	assert.True(t, ok)

	para, ok, err := inherents.ParachainInherentOf(data)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(1000+2*7), para.ValidationData.RelayParentNumber)

	author, ok, err := nimbus.AuthorOf(data)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testAuthor, author)
}

func TestDevInherentsRelayHeightAdvances(t *testing.T) {
	numbers := fakeNumbers{}
	for n := uint64(0); n < 4; n++ {
		numbers[chain.HashBytes([]byte{byte(n)})] = n
	}
	cidp := devInherents{client: numbers, author: testAuthor}

	for n := uint64(0); n < 4; n++ {
		providers, err := cidp.CreateInherentDataProviders(context.Background(), chain.HashBytes([]byte{byte(n)}), struct{}{})
		require.NoError(t, err)
		para, _, err := inherents.ParachainInherentOf(provide(t, providers))
		require.NoError(t, err)
		assert.Equal(t, uint32(devRelayOffset+devRelayBlocksPerParaBlock*n), para.ValidationData.RelayParentNumber)
	}
}

func TestDevInherentsUnknownParentPanics(t *testing.T) {
	assert.Panics(t, func() {
		_, _ = devInherents{client: fakeNumbers{}}.CreateInherentDataProviders(context.Background(), chain.Hash{}, struct{}{})
	})
	assert.Panics(t, func() {
		_, _ = devInherents{client: failingNumbers{}}.CreateInherentDataProviders(context.Background(), chain.Hash{}, struct{}{})
	})
}

type fakeRelayClient map[chain.Hash]*chain.Header

func (f fakeRelayClient) Header(h chain.Hash) (*chain.Header, error) {
	header, ok := f[h]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return header, nil
}

type emptyAux struct{}

func (emptyAux) GetAux([]byte) ([]byte, error) { return nil, backend.ErrNotFound }

func TestCollatorInherents(t *testing.T) {
	relayHeader := &chain.Header{Number: 12}
	relayParent := relayHeader.Hash()
	cidp := collatorInherents{
		relayClient:  fakeRelayClient{relayParent: relayHeader},
		relayBackend: emptyAux{},
		paraID:       testParaID,
	}
	extra := nimbus.CollationExtra{
		RelayParent:    relayParent,
		ValidationData: inherents.PersistedValidationData{RelayParentNumber: 12, MaxPovSize: 1024},
		Author:         testAuthor,
	}

	t.Run("known relay parent", func(t *testing.T) {
		providers, err := cidp.CreateInherentDataProviders(context.Background(), chain.Hash{}, extra)
		require.NoError(t, err)
		require.Len(t, providers, 3)

		data := provide(t, providers)
		para, ok, err := inherents.ParachainInherentOf(data)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, extra.ValidationData, para.ValidationData)
		assert.Len(t, para.RelayChainState, 1)

		author, ok, err := nimbus.AuthorOf(data)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, testAuthor, author)
	})

	t.Run("unknown relay parent", func(t *testing.T) {
		extra := extra
		extra.RelayParent = chain.HashBytes([]byte("unknown"))
		providers, err := cidp.CreateInherentDataProviders(context.Background(), chain.Hash{}, extra)
		assert.Nil(t, providers)
		assert.ErrorIs(t, err, ErrCreateParachainInherent)
		assert.EqualError(t, err, "Failed to create parachain inherent")
	})
}

func TestTimestampInherents(t *testing.T) {
	providers, err := timestampInherents{}.CreateInherentDataProviders(context.Background(), chain.Hash{}, struct{}{})
	require.NoError(t, err)
	data := provide(t, providers)
	assert.Equal(t, 1, data.Len())
	assert.True(t, data.Has(inherents.TimestampIdentifier))
}
