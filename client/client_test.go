package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grishy/pontem-node/backend"
	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/executor"
	"github.com/grishy/pontem-node/inherents"
	"github.com/grishy/pontem-node/nativeruntime"
)

type testFixture struct {
	client  *Client
	backend *backend.Backend
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	b, err := backend.Open(backend.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	exec, err := executor.New(nativeruntime.New(nativeruntime.Genesis{}), executor.Interpreted, 0, 1)
	require.NoError(t, err)

	c, err := New(b, exec, nativeruntime.Genesis{}, nil)
	require.NoError(t, err)
	return &testFixture{client: c, backend: b}
}

func (fx *testFixture) child(t *testing.T, parent chain.Hash, xts ...chain.Extrinsic) *BlockImportParams {
	t.Helper()
	parentHeader, err := fx.client.Header(parent)
	require.NoError(t, err)

	root := chain.ExtrinsicsRoot(xts)
	return &BlockImportParams{
		Origin: OriginOwn,
		Header: &chain.Header{
			ParentHash:     parent,
			Number:         parentHeader.Number + 1,
			ExtrinsicsRoot: root,
			StateRoot:      nativeruntime.NextStateRoot(parentHeader.StateRoot, root),
		},
		Body: xts,
	}
}

func TestGenesis(t *testing.T) {
	fx := newTestFixture(t)

	info, err := fx.client.Info()
	require.NoError(t, err)
	assert.Equal(t, GenesisBlock(nativeruntime.Genesis{}).Hash(), info.GenesisHash)
	assert.Equal(t, info.GenesisHash, fx.client.GenesisHash())

	t.Run("reopen with other genesis", func(t *testing.T) {
		exec, err := executor.New(nativeruntime.New(nativeruntime.Genesis{}), executor.Interpreted, 0, 1)
		require.NoError(t, err)
		_, err = New(fx.backend, exec, nativeruntime.Genesis{ParaID: 7}, nil)
		assert.ErrorIs(t, err, ErrGenesisMismatch)
	})
}

func TestImportBlock(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()

	notifications, unsubscribe := fx.client.ImportNotificationStream()
	defer unsubscribe()

	genesis := fx.client.GenesisHash()
	b1 := fx.child(t, genesis, []byte("tx1"))
	b1.PostDigests = []chain.DigestItem{{Kind: chain.DigestSeal, Engine: "test", Data: []byte("sig")}}

	res, err := fx.client.ImportBlock(ctx, b1)
	require.NoError(t, err)
	assert.Equal(t, ImportedNewBest, res)

	hash := b1.PostHeader().Hash()
	select {
	case n := <-notifications:
		assert.Equal(t, hash, n.Hash)
		assert.True(t, n.IsNewBest)
		assert.Equal(t, OriginOwn, n.Origin)
	case <-time.After(time.Second):
		t.Fatal("no import notification")
	}

	block, err := fx.client.Block(hash)
	require.NoError(t, err)
	seal, ok := block.Header.Seal("test")
	require.True(t, ok)
	assert.Equal(t, []byte("sig"), seal)

	res, err = fx.client.ImportBlock(ctx, b1)
	require.NoError(t, err)
	assert.Equal(t, ImportedKnown, res)

	t.Run("fork is not best", func(t *testing.T) {
		fork := fx.child(t, genesis, []byte("other"))
		res, err := fx.client.ImportBlock(ctx, fork)
		require.NoError(t, err)
		assert.Equal(t, ImportedNew, res)

		best, err := fx.client.BestHeader()
		require.NoError(t, err)
		assert.Equal(t, hash, best.Hash())
	})

	t.Run("unknown parent", func(t *testing.T) {
		orphan := fx.child(t, genesis)
		orphan.Header.ParentHash = chain.HashBytes([]byte("nowhere"))
		res, err := fx.client.ImportBlock(ctx, orphan)
		require.NoError(t, err)
		assert.Equal(t, UnknownParent, res)
	})

	t.Run("bad roots", func(t *testing.T) {
		bad := fx.child(t, hash, []byte("tx2"))
		bad.Body = []chain.Extrinsic{[]byte("tampered")}
		_, err := fx.client.ImportBlock(ctx, bad)
		assert.ErrorIs(t, err, ErrBadExtrinsicRoot)

		bad = fx.child(t, hash, []byte("tx2"))
		bad.Header.StateRoot = chain.Hash{}
		_, err = fx.client.ImportBlock(ctx, bad)
		assert.ErrorIs(t, err, ErrBadStateRoot)
	})

	t.Run("finalize", func(t *testing.T) {
		finality, unsubscribe := fx.client.FinalityNotificationStream()
		defer unsubscribe()

		require.NoError(t, fx.client.FinalizeBlock(hash))
		select {
		case n := <-finality:
			assert.Equal(t, hash, n.Hash)
		case <-time.After(time.Second):
			t.Fatal("no finality notification")
		}
	})
}

func TestUnsubscribeClosesStream(t *testing.T) {
	fx := newTestFixture(t)
	ch, unsubscribe := fx.client.ImportNotificationStream()
	unsubscribe()
	unsubscribe()

	_, open := <-ch
	assert.False(t, open)
}

func TestRuntimeCalls(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()
	genesis := fx.client.GenesisHash()

	v, err := fx.client.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, nativeruntime.Version, v)

	validity, err := fx.client.ValidateTransaction(ctx, genesis, nativeruntime.SourceExternal, []byte("tx"))
	require.NoError(t, err)
	assert.NotNil(t, validity.Valid)

	assert.ErrorIs(t, fx.client.ApplyExtrinsic(ctx, genesis, nil), ErrApplyExtrinsic)

	data, err := inherents.Providers{inherents.FromSystemTime()}.CreateInherentData(ctx)
	require.NoError(t, err)
	xts, err := fx.client.InherentExtrinsics(ctx, genesis, data)
	require.NoError(t, err)
	assert.Len(t, xts, 1)

	res, err := fx.client.CheckInherents(ctx, &chain.Block{Header: &chain.Header{}, Extrinsics: xts}, data)
	require.NoError(t, err)
	assert.True(t, res.Ok)

	ok, err := fx.client.CanAuthor(ctx, genesis, []byte("anyone"), 1)
	require.NoError(t, err)
	assert.True(t, ok)

	header, err := fx.client.Header(genesis)
	require.NoError(t, err)
	assert.NoError(t, fx.client.OffchainWorker(ctx, header))
}
