package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/chatindex/pkg/chat/aggregator"
	"github.com/canopy-network/chatindex/pkg/chat/types"
	chatstore "github.com/canopy-network/chatindex/pkg/db/chat"
	"github.com/canopy-network/chatindex/pkg/redis"
	"github.com/canopy-network/chatindex/pkg/retry"
)

type fakeIngestor struct {
	mu      sync.Mutex
	cursor  uint64
	heights []uint64
	failN   int
}

func (f *fakeIngestor) IngestBlock(_ context.Context, block types.Block) (aggregator.BlockResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return aggregator.BlockResult{}, errors.New("store busy")
	}
	f.heights = append(f.heights, block.Height)
	if block.Height > f.cursor {
		f.cursor = block.Height
	}
	return aggregator.BlockResult{Height: block.Height, Indexed: len(block.Transactions)}, nil
}

func (f *fakeIngestor) Cursor(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor, nil
}

type fakeLedger struct {
	mu      sync.Mutex
	head    uint64
	fetched []uint64
	blocks  map[uint64][]types.Transaction
	failN   int
}

func (l *fakeLedger) ChainHead(context.Context) (uint64, error) {
	return l.head, nil
}

func (l *fakeLedger) BlockByHeight(_ context.Context, height uint64) (types.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failN > 0 {
		l.failN--
		return types.Block{}, errors.New("ledger unavailable")
	}
	l.fetched = append(l.fetched, height)
	return types.Block{Height: height, Transactions: l.blocks[height]}, nil
}

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func newFeed(t *testing.T, ing *fakeIngestor, ledger *fakeLedger) *Feed {
	t.Helper()
	cfg := Config{Logger: zaptest.NewLogger(t), Ingestor: ing, Cursor: ing, Retry: fastRetry()}
	if ledger != nil {
		cfg.Ledger = ledger
	}
	f, err := New(cfg)
	require.NoError(t, err)
	return f
}

func TestDecode(t *testing.T) {
	block, err := json.Marshal(types.Block{Height: 4, Transactions: []types.Transaction{{ID: "t1"}}})
	require.NoError(t, err)

	cases := []struct {
		name    string
		values  map[string]interface{}
		height  uint64
		inline  bool
		wantErr bool
	}{
		{name: "inline block", values: map[string]interface{}{"data": string(block)}, height: 4, inline: true},
		{name: "height only", values: map[string]interface{}{"height": "9"}, height: 9},
		{name: "block height from field", values: map[string]interface{}{"data": `{"transactions":[]}`, "height": "6"}, height: 6, inline: true},
		{name: "garbage data", values: map[string]interface{}{"data": "{"}, wantErr: true},
		{name: "empty", values: map[string]interface{}{}, wantErr: true},
		{name: "block without height", values: map[string]interface{}{"data": `{"transactions":[]}`}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := Decode(redis.Message{ID: "1-0", Values: tc.values})
			if tc.wantErr {
				require.ErrorIs(t, err, ErrBadNotification)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.height, n.Height)
			assert.Equal(t, tc.inline, n.Block != nil)
		})
	}
}

func TestDeliverInlineBlock(t *testing.T) {
	ing := &fakeIngestor{}
	f := newFeed(t, ing, nil)

	require.NoError(t, f.Deliver(context.Background(), Notification{Height: 1, Block: &types.Block{Height: 1}}))
	assert.Equal(t, []uint64{1}, ing.heights)
}

func TestDeliverSkipsReplays(t *testing.T) {
	ing := &fakeIngestor{cursor: 10}
	ledger := &fakeLedger{}
	f := newFeed(t, ing, ledger)

	for _, h := range []uint64{3, 10} {
		require.NoError(t, f.Deliver(context.Background(), Notification{Height: h}))
	}
	assert.Empty(t, ing.heights)
	assert.Empty(t, ledger.fetched)
}

func TestDeliverFillsGapsInOrder(t *testing.T) {
	ing := &fakeIngestor{cursor: 4}
	ledger := &fakeLedger{}
	f := newFeed(t, ing, ledger)

	require.NoError(t, f.Deliver(context.Background(), Notification{Height: 8, Block: &types.Block{Height: 8}}))
	assert.Equal(t, []uint64{5, 6, 7}, ledger.fetched)
	assert.Equal(t, []uint64{5, 6, 7, 8}, ing.heights)
}

func TestDeliverHeightOnlyFetches(t *testing.T) {
	ing := &fakeIngestor{cursor: 1}
	ledger := &fakeLedger{failN: 1}
	f := newFeed(t, ing, ledger)

	require.NoError(t, f.Deliver(context.Background(), Notification{Height: 2}))
	assert.Equal(t, []uint64{2}, ledger.fetched)
	assert.Equal(t, []uint64{2}, ing.heights)
}

func TestDeliverHeightOnlyWithoutLedger(t *testing.T) {
	f := newFeed(t, &fakeIngestor{}, nil)
	require.Error(t, f.Deliver(context.Background(), Notification{Height: 2}))
}

func TestDeliverRetriesIngestion(t *testing.T) {
	ing := &fakeIngestor{failN: 2}
	f := newFeed(t, ing, nil)

	require.NoError(t, f.Deliver(context.Background(), Notification{Height: 1, Block: &types.Block{Height: 1}}))
	assert.Equal(t, []uint64{1}, ing.heights)

	ing.failN = 5
	require.Error(t, f.Deliver(context.Background(), Notification{Height: 2, Block: &types.Block{Height: 2}}))
	assert.Equal(t, uint64(1), ing.cursor)
}

func TestDeliverStopsAtGapWithoutLedger(t *testing.T) {
	ctx := context.Background()
	ing := &fakeIngestor{}
	f := newFeed(t, ing, nil)

	require.NoError(t, f.Deliver(ctx, Notification{Height: 1, Block: &types.Block{Height: 1}}))

	ing.failN = 5
	require.Error(t, f.Deliver(ctx, Notification{Height: 2, Block: &types.Block{Height: 2}}))

	// Block 3 must not jump the cursor over the failed height.
	err := f.Deliver(ctx, Notification{Height: 3, Block: &types.Block{Height: 3}})
	require.ErrorIs(t, err, ErrBlockGap)
	assert.Equal(t, uint64(1), ing.cursor)
	assert.Equal(t, []uint64{1}, ing.heights)

	// Redelivery in stream order recovers.
	ing.failN = 0
	require.NoError(t, f.Deliver(ctx, Notification{Height: 2, Block: &types.Block{Height: 2}}))
	require.NoError(t, f.Deliver(ctx, Notification{Height: 3, Block: &types.Block{Height: 3}}))
	assert.Equal(t, []uint64{1, 2, 3}, ing.heights)
	assert.Equal(t, uint64(3), ing.cursor)
}

func TestHandleMessageDropsUndecodable(t *testing.T) {
	ing := &fakeIngestor{}
	f := newFeed(t, ing, nil)
	require.NoError(t, f.HandleMessage(context.Background(), redis.Message{ID: "1-0", Values: map[string]interface{}{"data": "nope"}}))
	assert.Empty(t, ing.heights)
}

func TestCatchUp(t *testing.T) {
	ing := &fakeIngestor{cursor: 2}
	ledger := &fakeLedger{head: 5}
	f := newFeed(t, ing, ledger)

	require.NoError(t, f.CatchUp(context.Background()))
	assert.Equal(t, []uint64{3, 4, 5}, ing.heights)

	// Without a ledger there is nothing to catch up with.
	require.NoError(t, newFeed(t, &fakeIngestor{}, nil).CatchUp(context.Background()))
}

func TestStartHeightBoundsInitialFill(t *testing.T) {
	ing := &fakeIngestor{}
	ledger := &fakeLedger{head: 12}
	f, err := New(Config{Logger: zaptest.NewLogger(t), Ingestor: ing, Cursor: ing, Ledger: ledger, Retry: fastRetry(), StartHeight: 10})
	require.NoError(t, err)

	require.NoError(t, f.CatchUp(context.Background()))
	assert.Equal(t, []uint64{10, 11, 12}, ing.heights)
}

func TestFeedEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewMemoryStore()
	agg, err := aggregator.New(aggregator.Config{Logger: zaptest.NewLogger(t), Store: store, Workers: 2})
	require.NoError(t, err)
	defer agg.Close()

	msg := func(id, from, to string, h uint64) types.Transaction {
		return types.Transaction{ID: id, Type: types.TxTypeMessage, SenderAddress: from, RecipientAddress: to, BlockHeight: h}
	}
	ledger := &fakeLedger{blocks: map[uint64][]types.Transaction{
		1: {msg("a", "U1", "U2", 1)},
		2: {msg("b", "U2", "U1", 2)},
	}}
	f, err := New(Config{Logger: zaptest.NewLogger(t), Ingestor: agg, Cursor: store, Ledger: ledger, Retry: fastRetry()})
	require.NoError(t, err)

	data, err := json.Marshal(types.Block{Height: 3, Transactions: []types.Transaction{msg("c", "U1", "U2", 3)}})
	require.NoError(t, err)
	require.NoError(t, f.HandleMessage(ctx, redis.Message{ID: "3-0", Values: map[string]interface{}{"data": string(data)}}))
	// A replay of the same entry is a no-op.
	require.NoError(t, f.HandleMessage(ctx, redis.Message{ID: "3-0", Values: map[string]interface{}{"data": string(data)}}))

	entries, err := store.Entries(ctx, types.ThreadKey("U1:U2"))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].TransactionID)
	assert.Equal(t, "c", entries[2].TransactionID)

	cursor, err := store.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cursor)
}
