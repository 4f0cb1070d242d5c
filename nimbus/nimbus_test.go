package nimbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grishy/pontem-node/authorship"
	"github.com/grishy/pontem-node/backend"
	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/client"
	"github.com/grishy/pontem-node/executor"
	"github.com/grishy/pontem-node/importqueue"
	"github.com/grishy/pontem-node/inherents"
	"github.com/grishy/pontem-node/keystore"
	"github.com/grishy/pontem-node/nativeruntime"
	"github.com/grishy/pontem-node/taskmanager"
	"github.com/grishy/pontem-node/txpool"
)

func newClient(t *testing.T, genesis nativeruntime.Genesis) *client.Client {
	t.Helper()
	b, err := backend.Open(backend.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	exec, err := executor.New(nativeruntime.New(genesis), executor.Interpreted, 0, 1)
	require.NoError(t, err)
	c, err := client.New(b, exec, genesis, nil)
	require.NoError(t, err)
	return c
}

type testFixture struct {
	client   *client.Client
	keystore *keystore.Store
	author   ID
	other    ID
	tm       *taskmanager.TaskManager
	genesis  nativeruntime.Genesis
}

// newTestFixture sets up a chain with two authorities, only the first of
// which has its key in the local keystore.
func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	container, err := keystore.NewContainer("")
	require.NoError(t, err)
	ks := container.SyncKeystore()
	pub, err := ks.Generate(KeyType)
	require.NoError(t, err)
	author, err := IDFromBytes(pub)
	require.NoError(t, err)

	other := ID{0x42}
	genesis := nativeruntime.Genesis{Authorities: [][]byte{author.Bytes(), other.Bytes()}, ParaID: 2000}

	tm := taskmanager.New(context.Background())
	t.Cleanup(func() { _ = tm.Close(context.Background()) })

	return &testFixture{
		client:   newClient(t, genesis),
		keystore: ks,
		author:   author,
		other:    other,
		tm:       tm,
		genesis:  genesis,
	}
}

func (fx *testFixture) consensus(skipPrediction bool, cidp inherents.CreateInherentDataProviders[CollationExtra]) *Consensus {
	pool := txpool.NewFull(txpool.DefaultOptions(), true, nil, fx.tm.SpawnEssentialHandle(), fx.client)
	if cidp == nil {
		cidp = inherents.Func[CollationExtra](func(_ context.Context, _ chain.Hash, extra CollationExtra) (inherents.Providers, error) {
			return inherents.Providers{
				inherents.FromSystemTime(),
				&inherents.ParachainInherentData{ValidationData: extra.ValidationData},
				AuthorProvider{ID: extra.Author},
			}, nil
		})
	}
	return BuildNimbusConsensus(BuildNimbusConsensusParams{
		ParaID:                      2000,
		ProposerFactory:             authorship.NewProposerFactoryWithProofRecording(fx.tm.SpawnHandle(), fx.client, pool, nil, nil),
		CreateInherentDataProviders: cidp,
		BlockImport:                 fx.client,
		ParachainClient:             fx.client,
		Keystore:                    fx.keystore,
		SkipPrediction:              skipPrediction,
	})
}

func timestampOnly() inherents.CreateInherentDataProviders[struct{}] {
	return inherents.Func[struct{}](func(context.Context, chain.Hash, struct{}) (inherents.Providers, error) {
		return inherents.Providers{inherents.FromSystemTime()}, nil
	})
}

func TestID(t *testing.T) {
	id := ID{1, 2, 3}
	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseID("0x1234")
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = ParseID("zz")
	assert.ErrorIs(t, err, ErrInvalidID)

	data := inherents.NewData()
	require.NoError(t, AuthorProvider{ID: id}.ProvideInherentData(context.Background(), data))
	got, ok, err := AuthorOf(data)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, got)
}

func TestProduceCandidate(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()
	parent, err := fx.client.BestHeader()
	require.NoError(t, err)

	t.Run("not eligible", func(t *testing.T) {
		// Relay parent 1 belongs to the second authority.
		candidate, err := fx.consensus(false, nil).ProduceCandidate(ctx, parent, chain.Hash{1}, &inherents.PersistedValidationData{RelayParentNumber: 1})
		require.NoError(t, err)
		assert.Nil(t, candidate)
	})

	t.Run("skip prediction", func(t *testing.T) {
		consensus := fx.consensus(true, nil)
		assert.True(t, consensus.SkipPrediction())
		candidate, err := consensus.ProduceCandidate(ctx, parent, chain.Hash{1}, &inherents.PersistedValidationData{RelayParentNumber: 1})
		require.NoError(t, err)
		require.NotNil(t, candidate)
		assert.NotNil(t, candidate.Proof)
	})

	t.Run("eligible", func(t *testing.T) {
		candidate, err := fx.consensus(false, nil).ProduceCandidate(ctx, parent, chain.Hash{2}, &inherents.PersistedValidationData{RelayParentNumber: 2})
		require.NoError(t, err)
		require.NotNil(t, candidate)

		header := candidate.Block.Header
		author, ok := AuthorOfHeader(header)
		require.True(t, ok)
		assert.Equal(t, fx.author, author)
		_, sealed := header.Seal(EngineID)
		assert.True(t, sealed)

		stored, err := fx.client.Header(header.Hash())
		require.NoError(t, err)
		assert.Equal(t, header.Hash(), stored.Hash())
	})

	t.Run("inherent providers fail", func(t *testing.T) {
		failing := inherents.Func[CollationExtra](func(context.Context, chain.Hash, CollationExtra) (inherents.Providers, error) {
			return nil, errors.New("Failed to create parachain inherent")
		})
		candidate, err := fx.consensus(true, failing).ProduceCandidate(ctx, parent, chain.Hash{3}, &inherents.PersistedValidationData{})
		require.NoError(t, err)
		assert.Nil(t, candidate)
	})
}

func TestVerifier(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()
	parent, err := fx.client.BestHeader()
	require.NoError(t, err)

	candidate, err := fx.consensus(true, nil).ProduceCandidate(ctx, parent, chain.Hash{1}, &inherents.PersistedValidationData{})
	require.NoError(t, err)
	require.NotNil(t, candidate)

	peer := newClient(t, fx.genesis)
	v := &verifier{client: peer, cidp: timestampOnly()}

	params := func(header *chain.Header) *client.BlockImportParams {
		return &client.BlockImportParams{Origin: client.OriginNetworkBroadcast, Header: header.Clone(), Body: candidate.Block.Extrinsics}
	}

	t.Run("valid", func(t *testing.T) {
		verified, err := v.Verify(ctx, params(candidate.Block.Header))
		require.NoError(t, err)
		_, sealed := verified.Header.Seal(EngineID)
		assert.False(t, sealed, "seal moves to post digests")
		assert.Equal(t, candidate.Block.Header.Hash(), verified.PostHeader().Hash())

		res, err := peer.ImportBlock(ctx, verified)
		require.NoError(t, err)
		assert.Equal(t, client.ImportedNewBest, res)
	})

	t.Run("no seal", func(t *testing.T) {
		_, err := v.Verify(ctx, params(candidate.Block.Header.WithoutSeal()))
		assert.ErrorIs(t, err, ErrNoSeal)
	})

	t.Run("forged seal", func(t *testing.T) {
		forged := candidate.Block.Header.Clone()
		forged.Digest[len(forged.Digest)-1].Data[0] ^= 0xff
		_, err := v.Verify(ctx, params(forged))
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("timestamp from the future", func(t *testing.T) {
		past := &verifier{client: peer, cidp: inherents.Func[struct{}](func(context.Context, chain.Hash, struct{}) (inherents.Providers, error) {
			return inherents.Providers{inherents.Timestamp{Millis: uint64(time.Now().Add(-time.Hour).UnixMilli())}}, nil
		})}
		_, err := past.Verify(ctx, params(candidate.Block.Header))
		assert.ErrorIs(t, err, ErrInherentsCheck)
	})
}

type resultLink chan []importqueue.BlockResult

func (l resultLink) BlocksProcessed(_ int, results []importqueue.BlockResult) {
	l <- results
}

func TestImportQueue(t *testing.T) {
	fx := newTestFixture(t)

	_, err := ImportQueue(nil, fx.client, timestampOnly(), fx.tm.SpawnEssentialHandle(), nil)
	assert.Error(t, err)

	queue, err := ImportQueue(fx.client, fx.client, timestampOnly(), fx.tm.SpawnEssentialHandle(), nil)
	require.NoError(t, err)
	link := make(resultLink, 1)
	queue.SetLink(link)

	unsealed := &chain.Header{Number: 1, ParentHash: fx.client.GenesisHash()}
	queue.ImportBlocks(client.OriginNetworkBroadcast, []importqueue.IncomingBlock{{Header: unsealed}})
	select {
	case results := <-link:
		require.Len(t, results, 1)
		assert.ErrorIs(t, results[0].Err, ErrNoSeal)
	case <-time.After(2 * time.Second):
		t.Fatal("no import result")
	}
}
