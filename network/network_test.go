package network

import (
	"context"
	"errors"
	"testing"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grishy/pontem-node/backend"
	"github.com/grishy/pontem-node/chain"
	"github.com/grishy/pontem-node/client"
	"github.com/grishy/pontem-node/executor"
	"github.com/grishy/pontem-node/importqueue"
	"github.com/grishy/pontem-node/nativeruntime"
	"github.com/grishy/pontem-node/taskmanager"
	"github.com/grishy/pontem-node/txpool"
)

type testNode struct {
	client  *client.Client
	pool    *txpool.Pool
	service *Service
	starter *NetworkStarter
}

func newTestNode(t *testing.T, validator BlockAnnounceValidator) *testNode {
	t.Helper()

	b, err := backend.Open(backend.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	exec, err := executor.New(nativeruntime.New(nativeruntime.Genesis{}), executor.Interpreted, 0, 1)
	require.NoError(t, err)
	c, err := client.New(b, exec, nativeruntime.Genesis{}, nil)
	require.NoError(t, err)

	tm := taskmanager.New(context.Background())
	t.Cleanup(func() { _ = tm.Close(context.Background()) })

	pool := txpool.NewFull(txpool.DefaultOptions(), false, nil, tm.SpawnEssentialHandle(), c)
	queue := importqueue.NewBasicQueue(importqueue.VerifierFunc(func(_ context.Context, p *client.BlockImportParams) (*client.BlockImportParams, error) {
		return p, nil
	}), c, tm.SpawnEssentialHandle(), nil)

	params := BuildNetworkParams{
		Config: Config{
			ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
			ProtocolID:  "pontem-test",
		},
		Client:          c,
		TransactionPool: pool,
		ImportQueue:     queue,
		Spawner:         tm.SpawnEssentialHandle(),
	}
	if validator != nil {
		params.BlockAnnounceValidatorBuilder = func(*Service) BlockAnnounceValidator { return validator }
	}
	service, starter, err := BuildNetwork(tm.Context(), params)
	require.NoError(t, err)
	assert.Contains(t, tm.Tasks(), taskmanager.Task{Name: "network-worker", Kind: taskmanager.Essential})

	return &testNode{client: c, pool: pool, service: service, starter: starter}
}

func (n *testNode) author(t *testing.T, count int) chain.Hash {
	t.Helper()
	best, err := n.client.BestHeader()
	require.NoError(t, err)
	for i := 0; i < count; i++ {
		xts := []chain.Extrinsic{[]byte{byte(i + 1)}}
		root := chain.ExtrinsicsRoot(xts)
		header := &chain.Header{
			ParentHash:     best.Hash(),
			Number:         best.Number + 1,
			ExtrinsicsRoot: root,
			StateRoot:      nativeruntime.NextStateRoot(best.StateRoot, root),
		}
		_, err = n.client.ImportBlock(context.Background(), &client.BlockImportParams{Origin: client.OriginOwn, Header: header, Body: xts})
		require.NoError(t, err)
		best = header
	}
	return best.Hash()
}

func connected(t *testing.T, a, b *testNode) {
	t.Helper()
	require.NoError(t, a.starter.StartNetwork())
	require.NoError(t, b.starter.StartNetwork())
	require.NoError(t, b.service.Connect(context.Background(), a.service.ListenAddrs()[0]))

	require.Eventually(t, func() bool {
		return len(a.service.ps.ListPeers(a.service.cfg.announceTopic())) == 1 &&
			len(a.service.ps.ListPeers(a.service.cfg.transactionsTopic())) == 1 &&
			len(b.service.ps.ListPeers(b.service.cfg.announceTopic())) == 1
	}, 10*time.Second, 50*time.Millisecond)
}

func TestStartNetwork(t *testing.T) {
	n := newTestNode(t, nil)

	assert.ErrorIs(t, n.service.AnnounceBlock(n.client.GenesisHash(), nil), ErrNotStarted)
	assert.Empty(t, n.service.host.Addrs(), "no listener before start")

	require.NoError(t, n.starter.StartNetwork())
	assert.ErrorIs(t, n.starter.StartNetwork(), ErrAlreadyStarted)
	assert.NotEmpty(t, n.service.ListenAddrs())
	assert.False(t, n.service.IsMajorSyncing())
}

func TestAnnounceAndSync(t *testing.T) {
	a := newTestNode(t, nil)
	b := newTestNode(t, nil)
	connected(t, a, b)

	head := a.author(t, 3)
	require.NoError(t, a.service.AnnounceBlock(head, []byte("candidate")))

	require.Eventually(t, func() bool {
		info, err := b.client.Info()
		return err == nil && info.BestHash == head
	}, 15*time.Second, 50*time.Millisecond)
	assert.Len(t, a.service.Peers(), 1)
}

func TestTransactionGossip(t *testing.T) {
	a := newTestNode(t, nil)
	b := newTestNode(t, nil)
	connected(t, a, b)

	hash, err := a.pool.SubmitOne(context.Background(), a.client.GenesisHash(), nativeruntime.SourceLocal, []byte("gossip me"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := b.pool.Get(hash)
		return ok
	}, 10*time.Second, 50*time.Millisecond)
}

type verdictValidator struct {
	verdict Validation
	err     error
}

func (v verdictValidator) Validate(context.Context, *chain.Header, []byte) (Validation, error) {
	return v.verdict, v.err
}

func TestCheckAnnouncement(t *testing.T) {
	block := &chain.Block{Header: &chain.Header{Number: 5}}
	raw, err := encodeAnnouncement(block, []byte("relay-parent"))
	require.NoError(t, err)

	decoded, data, err := decodeAnnouncement(raw)
	require.NoError(t, err)
	assert.Equal(t, block.Hash(), decoded.Hash())
	assert.Equal(t, []byte("relay-parent"), data)

	ctx := context.Background()
	for _, tc := range []struct {
		name      string
		validator BlockAnnounceValidator
		raw       []byte
		want      pubsub.ValidationResult
	}{
		{name: "no validator", raw: raw, want: pubsub.ValidationAccept},
		{name: "malformed", raw: []byte("garbage"), want: pubsub.ValidationReject},
		{name: "success", validator: verdictValidator{verdict: ValidationSuccess}, raw: raw, want: pubsub.ValidationAccept},
		{name: "failure", validator: verdictValidator{verdict: ValidationFailure}, raw: raw, want: pubsub.ValidationReject},
		{name: "error", validator: verdictValidator{err: errors.New("relay chain unavailable")}, raw: raw, want: pubsub.ValidationIgnore},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := &Service{validator: tc.validator}
			assert.Equal(t, tc.want, s.checkAnnouncement(ctx, "", tc.raw))
		})
	}
}

func TestNodeKey(t *testing.T) {
	key, err := GenerateNodeKey()
	require.NoError(t, err)

	first, err := decodeNodeKey(key)
	require.NoError(t, err)
	second, err := decodeNodeKey(key)
	require.NoError(t, err)
	assert.True(t, first.Equals(second))

	_, err = decodeNodeKey("not base64!")
	assert.Error(t, err)
}
