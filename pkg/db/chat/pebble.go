package chat

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"

	"github.com/canopy-network/chatindex/pkg/chat/types"
)

// PebbleStore is the durable Store backed by a pebble LSM.
// Each Append is a single batch, so readers see it entirely or not at all.
type PebbleStore struct {
	db     *pebble.DB
	path   string
	logger *zap.Logger
	noSync bool

	cursorMu sync.Mutex

	threads      atomic.Uint64
	entries      atomic.Uint64
	transactions atomic.Uint64
}

// PebbleOptions configures NewPebbleStore.
type PebbleOptions struct {
	Path string
	// FS overrides the filesystem, e.g. vfs.NewMem() in tests.
	FS vfs.FS
	// NoSync skips fsync on commit.
	NoSync bool
}

var errClosed = errors.New("pebble store closed")

// NewPebbleStore opens (or creates) the store at opts.Path.
func NewPebbleStore(ctx context.Context, logger *zap.Logger, opts PebbleOptions) (*PebbleStore, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("pebble store path is required")
	}
	pOpts := &pebble.Options{}
	if opts.FS != nil {
		pOpts.FS = opts.FS
	}
	db, err := pebble.Open(opts.Path, pOpts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", opts.Path, err)
	}

	s := &PebbleStore{db: db, path: opts.Path, logger: logger, noSync: opts.NoSync}
	if err := s.loadCounters(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("Thread store opened",
		zap.String("path", opts.Path),
		zap.Uint64("threads", s.threads.Load()),
		zap.Uint64("entries", s.entries.Load()))
	return s, nil
}

func (s *PebbleStore) writeOpts() *pebble.WriteOptions {
	if s.noSync {
		return pebble.NoSync
	}
	return pebble.Sync
}

// loadCounters scans the key space once so Stats stays cheap afterwards.
func (s *PebbleStore) loadCounters(ctx context.Context) error {
	for _, c := range []struct {
		prefix string
		dst    *atomic.Uint64
	}{
		{prefixThread, &s.threads},
		{prefixEntry, &s.entries},
		{prefixTx, &s.transactions},
	} {
		n, err := s.countPrefix(ctx, []byte(c.prefix))
		if err != nil {
			return err
		}
		c.dst.Store(n)
	}
	return nil
}

func (s *PebbleStore) countPrefix(ctx context.Context, prefix []byte) (uint64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	var n uint64
	for iter.First(); iter.Valid(); iter.Next() {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		n++
	}
	return n, iter.Error()
}

// get returns a copy of the value at key, or nil when absent.
func (s *PebbleStore) get(key []byte) ([]byte, error) {
	if s.db == nil {
		return nil, errClosed
	}
	return readValue(s.db, key)
}

func readValue(r pebble.Reader, key []byte) ([]byte, error) {
	val, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (s *PebbleStore) Get(_ context.Context, key types.ThreadKey) (*types.Thread, error) {
	if s.db == nil {
		return nil, errClosed
	}
	return readThread(s.db, key)
}

func (s *PebbleStore) Entries(ctx context.Context, key types.ThreadKey) ([]types.TimelineEntry, error) {
	if s.db == nil {
		return nil, errClosed
	}
	return s.readEntries(ctx, s.db, key)
}

// Timeline reads the summary and the entries of key from one snapshot.
func (s *PebbleStore) Timeline(ctx context.Context, key types.ThreadKey) (*types.Thread, []types.TimelineEntry, error) {
	if s.db == nil {
		return nil, nil, errClosed
	}
	snap := s.db.NewSnapshot()
	defer snap.Close()

	thread, err := readThread(snap, key)
	if err != nil || thread == nil {
		return nil, nil, err
	}
	entries, err := s.readEntries(ctx, snap, key)
	if err != nil {
		return nil, nil, err
	}
	return thread, entries, nil
}

func readThread(r pebble.Reader, key types.ThreadKey) (*types.Thread, error) {
	raw, err := readValue(r, threadKey(key))
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", key, err)
	}
	if raw == nil {
		return nil, nil
	}
	var t types.Thread
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode thread %s: %w", key, err)
	}
	return &t, nil
}

func (s *PebbleStore) readEntries(ctx context.Context, r pebble.Reader, key types.ThreadKey) ([]types.TimelineEntry, error) {
	prefix := entryPrefix(key)
	iter, err := r.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []types.TimelineEntry
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var e types.TimelineEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			// A corrupt record degrades to "missing from the index".
			s.logger.Warn("Skipping undecodable timeline entry",
				zap.String("thread", string(key)),
				zap.ByteString("key", iter.Key()),
				zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate entries of %s: %w", key, err)
	}
	return out, nil
}

func (s *PebbleStore) ThreadsFor(_ context.Context, account string) ([]types.ThreadKey, error) {
	if s.db == nil {
		return nil, errClosed
	}
	prefix := accountPrefix(account)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []types.ThreadKey
	for iter.First(); iter.Valid(); iter.Next() {
		out = append(out, types.ThreadKey(bytes.TrimPrefix(iter.Key(), prefix)))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate threads of %s: %w", account, err)
	}
	return out, nil
}

func (s *PebbleStore) Append(_ context.Context, a Append) error {
	if a.Thread == nil {
		return fmt.Errorf("append: nil thread")
	}
	if s.db == nil {
		return errClosed
	}
	key := a.Thread.Key

	seen, err := s.get(txKey(a.Entry.TransactionID))
	if err != nil {
		return err
	}
	if seen != nil {
		return nil
	}
	existing, err := s.get(threadKey(key))
	if err != nil {
		return err
	}

	summary, err := json.Marshal(a.Thread)
	if err != nil {
		return fmt.Errorf("encode thread %s: %w", key, err)
	}
	entry, err := json.Marshal(a.Entry)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", a.Entry.TransactionID, err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(threadKey(key), summary, nil); err != nil {
		return err
	}
	if err := batch.Set(entryKey(key, a.Entry.Order), entry, nil); err != nil {
		return err
	}
	lo, hi := key.Participants()
	for _, addr := range []string{lo, hi} {
		if err := batch.Set(accountKey(addr, key), nil, nil); err != nil {
			return err
		}
	}
	if err := batch.Set(txKey(a.Entry.TransactionID), []byte(key), nil); err != nil {
		return err
	}
	for addr, pk := range a.PublicKeys {
		if pk == "" {
			continue
		}
		known, err := s.get(pubKeyKey(addr))
		if err != nil {
			return err
		}
		if known == nil {
			if err := batch.Set(pubKeyKey(addr), []byte(pk), nil); err != nil {
				return err
			}
		}
	}

	if err := batch.Commit(s.writeOpts()); err != nil {
		s.logger.Error("Thread append commit failed", zap.String("thread", string(key)), zap.Error(err))
		return fmt.Errorf("commit append to %s: %w", key, err)
	}

	if existing == nil {
		s.threads.Add(1)
	}
	s.entries.Add(1)
	s.transactions.Add(1)
	return nil
}

func (s *PebbleStore) HasTransaction(_ context.Context, txID string) (bool, error) {
	raw, err := s.get(txKey(txID))
	if err != nil {
		return false, err
	}
	return raw != nil, nil
}

func (s *PebbleStore) PublicKey(_ context.Context, address string) (string, error) {
	raw, err := s.get(pubKeyKey(address))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (s *PebbleStore) Cursor(_ context.Context) (uint64, error) {
	raw, err := s.get([]byte(keyCursor))
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(raw), nil
}

// SetCursor only ever moves the cursor forward.
func (s *PebbleStore) SetCursor(ctx context.Context, height uint64) error {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	current, err := s.Cursor(ctx)
	if err != nil {
		return err
	}
	if height <= current {
		return nil
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	return s.db.Set([]byte(keyCursor), buf[:], s.writeOpts())
}

// Compact compacts the whole key space.
func (s *PebbleStore) Compact(ctx context.Context) error {
	if s.db == nil {
		return errClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// "z" sorts after every prefix in the layout.
	return s.db.Compact([]byte(prefixAccount), []byte("z"), true)
}

func (s *PebbleStore) Stats() Stats {
	st := Stats{
		Engine:       "pebble",
		Threads:      s.threads.Load(),
		Entries:      s.entries.Load(),
		Transactions: s.transactions.Load(),
	}
	if s.db != nil {
		st.DiskBytes = s.db.Metrics().DiskSpaceUsage()
	}
	return st
}

func (s *PebbleStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
