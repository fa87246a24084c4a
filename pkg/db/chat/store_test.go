package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/chatindex/pkg/chat/types"
)

func newStores(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"pebble": func() Store {
			s, err := NewPebbleStore(context.Background(), zaptest.NewLogger(t), PebbleOptions{
				Path: "chat",
				FS:   vfs.NewMem(),
			})
			require.NoError(t, err)
			return s
		},
	}
}

func makeAppend(thread *types.Thread, kind types.EntryKind, id, from, to string, height uint64, index uint32) Append {
	entry := types.TimelineEntry{
		Kind:             kind,
		TransactionID:    id,
		SenderAddress:    from,
		RecipientAddress: to,
		Timestamp:        time.Unix(int64(1700000000+height), 0).UTC(),
		Order:            types.OrderingKey{Height: height, Index: index, TxID: id},
	}
	thread.Apply(entry)
	return Append{Thread: thread.Clone(), Entry: entry}
}

func TestStoreAppendAndRead(t *testing.T) {
	for name, open := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open()
			defer s.Close()

			key := types.ThreadKey("U1:U2")
			thread := types.NewThread(key)
			require.NoError(t, s.Append(ctx, makeAppend(thread, types.EntryKindMessage, "m1", "U1", "U2", 3, 0)))
			require.NoError(t, s.Append(ctx, makeAppend(thread, types.EntryKindPayment, "p1", "U2", "U1", 3, 1)))
			require.NoError(t, s.Append(ctx, makeAppend(thread, types.EntryKindMessage, "m2", "U2", "U1", 12, 0)))

			got, err := s.Get(ctx, key)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, uint64(2), got.MessageCount)
			assert.Equal(t, uint64(1), got.PaymentCount)
			assert.Equal(t, "m2", got.LastEntry.TransactionID)

			entries, err := s.Entries(ctx, key)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, []string{"m1", "p1", "m2"}, []string{entries[0].TransactionID, entries[1].TransactionID, entries[2].TransactionID})

			for _, addr := range []string{"U1", "U2"} {
				keys, err := s.ThreadsFor(ctx, addr)
				require.NoError(t, err)
				assert.Equal(t, []types.ThreadKey{key}, keys)
			}
			keys, err := s.ThreadsFor(ctx, "U3")
			require.NoError(t, err)
			assert.Empty(t, keys)

			seen, err := s.HasTransaction(ctx, "p1")
			require.NoError(t, err)
			assert.True(t, seen)
			seen, err = s.HasTransaction(ctx, "nope")
			require.NoError(t, err)
			assert.False(t, seen)

			st := s.Stats()
			assert.Equal(t, uint64(1), st.Threads)
			assert.Equal(t, uint64(3), st.Entries)
			assert.Equal(t, uint64(3), st.Transactions)
		})
	}
}

func TestStoreGetMissingThread(t *testing.T) {
	for name, open := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()
			got, err := s.Get(context.Background(), types.ThreadKey("U8:U9"))
			require.NoError(t, err)
			assert.Nil(t, got)

			entries, err := s.Entries(context.Background(), types.ThreadKey("U8:U9"))
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestStoreTimelineMatchesSummary(t *testing.T) {
	for name, open := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open()
			defer s.Close()

			key := types.ThreadKey("U1:U2")
			thread, entries, err := s.Timeline(ctx, key)
			require.NoError(t, err)
			assert.Nil(t, thread)
			assert.Empty(t, entries)

			tl := types.NewThread(key)
			require.NoError(t, s.Append(ctx, makeAppend(tl, types.EntryKindMessage, "m1", "U1", "U2", 1, 0)))
			require.NoError(t, s.Append(ctx, makeAppend(tl, types.EntryKindPayment, "p1", "U2", "U1", 2, 0)))

			thread, entries, err = s.Timeline(ctx, key)
			require.NoError(t, err)
			require.NotNil(t, thread)
			require.Len(t, entries, 2)
			assert.Equal(t, thread.MessageCount+thread.PaymentCount, uint64(len(entries)))
			assert.Equal(t, thread.LastEntry.TransactionID, entries[1].TransactionID)
		})
	}
}

func TestStoreAppendIsIdempotentPerTransaction(t *testing.T) {
	for name, open := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open()
			defer s.Close()

			thread := types.NewThread(types.ThreadKey("U1:U2"))
			a := makeAppend(thread, types.EntryKindMessage, "m1", "U1", "U2", 1, 0)
			require.NoError(t, s.Append(ctx, a))
			require.NoError(t, s.Append(ctx, a))

			entries, err := s.Entries(ctx, thread.Key)
			require.NoError(t, err)
			assert.Len(t, entries, 1)
			assert.Equal(t, uint64(1), s.Stats().Entries)
		})
	}
}

func TestStoreThreadsForManyPairs(t *testing.T) {
	for name, open := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open()
			defer s.Close()

			for i := 2; i <= 6; i++ {
				other := fmt.Sprintf("U%d", i)
				thread := types.NewThread(types.ThreadKey("U1:" + other))
				require.NoError(t, s.Append(ctx, makeAppend(thread, types.EntryKindMessage, "m"+other, "U1", other, uint64(i), 0)))
			}
			// Unrelated pair sharing a prefix with U1.
			unrelated := types.NewThread(types.ThreadKey("U10:U11"))
			require.NoError(t, s.Append(ctx, makeAppend(unrelated, types.EntryKindMessage, "mx", "U10", "U11", 9, 0)))

			keys, err := s.ThreadsFor(ctx, "U1")
			require.NoError(t, err)
			assert.Len(t, keys, 5)
			for _, k := range keys {
				assert.True(t, k.Has("U1"))
			}
		})
	}
}

func TestStorePublicKeysFirstObservationWins(t *testing.T) {
	for name, open := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open()
			defer s.Close()

			thread := types.NewThread(types.ThreadKey("U1:U2"))
			a := makeAppend(thread, types.EntryKindMessage, "m1", "U1", "U2", 1, 0)
			a.PublicKeys = map[string]string{"U1": "aa"}
			require.NoError(t, s.Append(ctx, a))

			b := makeAppend(thread, types.EntryKindMessage, "m2", "U1", "U2", 2, 0)
			b.PublicKeys = map[string]string{"U1": "bb", "U2": "cc"}
			require.NoError(t, s.Append(ctx, b))

			pk, err := s.PublicKey(ctx, "U1")
			require.NoError(t, err)
			assert.Equal(t, "aa", pk)
			pk, err = s.PublicKey(ctx, "U2")
			require.NoError(t, err)
			assert.Equal(t, "cc", pk)
			pk, err = s.PublicKey(ctx, "U3")
			require.NoError(t, err)
			assert.Empty(t, pk)
		})
	}
}

func TestStoreCursorIsMonotonic(t *testing.T) {
	for name, open := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open()
			defer s.Close()

			c, err := s.Cursor(ctx)
			require.NoError(t, err)
			assert.Zero(t, c)

			require.NoError(t, s.SetCursor(ctx, 10))
			require.NoError(t, s.SetCursor(ctx, 7))
			c, err = s.Cursor(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(10), c)

			require.NoError(t, s.Compact(ctx))
		})
	}
}

func TestPebbleStoreReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	fs := vfs.NewMem()
	logger := zaptest.NewLogger(t)

	s, err := NewPebbleStore(ctx, logger, PebbleOptions{Path: "chat", FS: fs})
	require.NoError(t, err)
	thread := types.NewThread(types.ThreadKey("U1:U2"))
	require.NoError(t, s.Append(ctx, makeAppend(thread, types.EntryKindMessage, "m1", "U1", "U2", 1, 0)))
	require.NoError(t, s.SetCursor(ctx, 1))
	require.NoError(t, s.Close())

	s, err = NewPebbleStore(ctx, logger, PebbleOptions{Path: "chat", FS: fs})
	require.NoError(t, err)
	defer s.Close()

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Threads)
	assert.Equal(t, uint64(1), st.Entries)
	c, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c)
}

func TestUpperBound(t *testing.T) {
	assert.Equal(t, []byte("b"), upperBound([]byte("a")))
	assert.Equal(t, []byte{'a', 0x01}, upperBound([]byte{'a', 0x00}))
	assert.Equal(t, []byte("b"), upperBound([]byte{'a', 0xff}))
	assert.Nil(t, upperBound([]byte{0xff}))
}
