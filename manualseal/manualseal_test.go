package manualseal

import (
	"context"
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
	"github.com/grishy/pontem-node/longestchain"
	"github.com/grishy/pontem-node/nativeruntime"
	"github.com/grishy/pontem-node/taskmanager"
	"github.com/grishy/pontem-node/txpool"
)

type testFixture struct {
	client   *client.Client
	pool     *txpool.Pool
	tm       *taskmanager.TaskManager
	commands chan EngineCommand
}

func newTestFixture(t *testing.T) *testFixture {
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

	fx := &testFixture{
		client:   c,
		pool:     txpool.NewFull(txpool.DefaultOptions(), true, nil, tm.SpawnEssentialHandle(), c),
		tm:       tm,
		commands: make(chan EngineCommand),
	}

	params := Params{
		BlockImport: c,
		Env:         authorship.NewProposerFactory(tm.SpawnHandle(), c, fx.pool, nil, nil),
		Client:      c,
		Pool:        fx.pool,
		Commands:    fx.commands,
		SelectChain: longestchain.New(b),
		CreateInherentDataProviders: inherents.Func[struct{}](func(context.Context, chain.Hash, struct{}) (inherents.Providers, error) {
			return inherents.Providers{inherents.FromSystemTime()}, nil
		}),
	}
	tm.SpawnEssentialHandle().SpawnBlocking("authorship_task", func(ctx context.Context) error {
		return Run(ctx, params)
	})
	return fx
}

func (fx *testFixture) seal(t *testing.T, cmd SealNewBlock) CreatedBlockResult {
	t.Helper()
	reply := make(chan CreatedBlockResult, 1)
	cmd.Sender = reply
	fx.commands <- cmd
	select {
	case res := <-reply:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("no reply from the seal loop")
	}
	return CreatedBlockResult{}
}

func TestSealNewBlock(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()

	t.Run("empty pool without create empty", func(t *testing.T) {
		res := fx.seal(t, SealNewBlock{})
		assert.ErrorIs(t, res.Err, ErrEmptyTransactionPool)
	})

	t.Run("empty block", func(t *testing.T) {
		res := fx.seal(t, SealNewBlock{CreateEmpty: true})
		require.NoError(t, res.Err)
		assert.Equal(t, uint64(1), res.Block.Number)
		assert.Equal(t, client.ImportedNewBest, res.Block.Result)

		block, err := fx.client.Block(res.Block.Hash)
		require.NoError(t, err)
		require.Len(t, block.Extrinsics, 1)
		assert.True(t, nativeruntime.IsInherent(block.Extrinsics[0]))
	})

	t.Run("transactions and finalize", func(t *testing.T) {
		_, err := fx.pool.SubmitOne(ctx, fx.client.GenesisHash(), nativeruntime.SourceExternal, []byte("transfer"))
		require.NoError(t, err)

		res := fx.seal(t, SealNewBlock{Finalize: true})
		require.NoError(t, res.Err)
		assert.Equal(t, uint64(2), res.Block.Number)

		info, err := fx.client.Info()
		require.NoError(t, err)
		assert.Equal(t, res.Block.Hash, info.BestHash)
		assert.Equal(t, res.Block.Hash, info.FinalizedHash)

		block, err := fx.client.Block(res.Block.Hash)
		require.NoError(t, err)
		assert.Contains(t, block.Extrinsics, chain.Extrinsic("transfer"))
	})

	t.Run("forced parent", func(t *testing.T) {
		_, err := fx.pool.SubmitOne(ctx, fx.client.GenesisHash(), nativeruntime.SourceExternal, []byte("fork"))
		require.NoError(t, err)

		genesis := fx.client.GenesisHash()
		res := fx.seal(t, SealNewBlock{ParentHash: &genesis})
		require.NoError(t, res.Err)
		assert.Equal(t, uint64(1), res.Block.Number)
		assert.Equal(t, client.ImportedNew, res.Block.Result)
	})
}

func TestFinalizeBlock(t *testing.T) {
	fx := newTestFixture(t)

	res := fx.seal(t, SealNewBlock{CreateEmpty: true})
	require.NoError(t, res.Err)

	reply := make(chan error, 1)
	fx.commands <- FinalizeBlock{Hash: res.Block.Hash, Sender: reply}
	require.NoError(t, <-reply)

	info, err := fx.client.Info()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.FinalizedNumber)

	fx.commands <- FinalizeBlock{Hash: chain.Hash{0xff}, Sender: reply}
	assert.Error(t, <-reply)
}

func TestRunStopsOnClosedStream(t *testing.T) {
	commands := make(chan EngineCommand)
	close(commands)
	assert.NoError(t, Run(context.Background(), Params{Commands: commands}))
}

type finalizeOnly struct{}

func (finalizeOnly) Header(chain.Hash) (*chain.Header, error) { return nil, nil }
func (finalizeOnly) FinalizeBlock(chain.Hash) error         { return nil }

func TestRunStopsWithUnreadReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	commands := make(chan EngineCommand)
	done := make(chan error, 1)
	go func() { done <- Run(ctx, Params{Client: finalizeOnly{}, Commands: commands}) }()

	commands <- FinalizeBlock{Hash: chain.Hash{1}, Sender: make(chan error)}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("seal loop blocked on an unread reply")
	}
}

type recordingImport struct {
	params chan *client.BlockImportParams
}

func (r recordingImport) ImportBlock(_ context.Context, params *client.BlockImportParams) (client.ImportResult, error) {
	r.params <- params
	return client.ImportedNew, nil
}

func TestImportQueueSkipsInherentChecks(t *testing.T) {
	tm := taskmanager.New(context.Background())
	t.Cleanup(func() { _ = tm.Close(context.Background()) })

	target := recordingImport{params: make(chan *client.BlockImportParams, 1)}
	queue := ImportQueue(target, tm.SpawnEssentialHandle(), nil)

	// A block without any inherent goes straight to import.
	header := &chain.Header{Number: 1, ExtrinsicsRoot: chain.ExtrinsicsRoot([]chain.Extrinsic{[]byte("x")})}
	queue.ImportBlocks(client.OriginNetworkBroadcast, []importqueue.IncomingBlock{{
		Header: header,
		Body:   []chain.Extrinsic{[]byte("x")},
	}})

	select {
	case params := <-target.params:
		assert.Equal(t, header.Hash(), params.Header.Hash())
		assert.Equal(t, client.ForkChoiceLongestChain, params.ForkChoice)
		assert.False(t, params.Finalized)
	case <-time.After(2 * time.Second):
		t.Fatal("block was not imported")
	}
}
