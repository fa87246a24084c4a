package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/canopy-network/chatindex/pkg/chat/types"
)

// MemoryStore keeps threads in process memory. Every commit happens under one
// write lock, so readers never observe a thread without its index entries.
type MemoryStore struct {
	mu         sync.RWMutex
	threads    map[types.ThreadKey]*types.Thread
	entries    map[types.ThreadKey][]types.TimelineEntry
	byAccount  map[string]map[types.ThreadKey]struct{}
	processed  map[string]types.ThreadKey
	publicKeys map[string]string
	cursor     uint64
	entryCount uint64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:    make(map[types.ThreadKey]*types.Thread),
		entries:    make(map[types.ThreadKey][]types.TimelineEntry),
		byAccount:  make(map[string]map[types.ThreadKey]struct{}),
		processed:  make(map[string]types.ThreadKey),
		publicKeys: make(map[string]string),
	}
}

func (s *MemoryStore) Get(_ context.Context, key types.ThreadKey) (*types.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threads[key].Clone(), nil
}

func (s *MemoryStore) Entries(_ context.Context, key types.ThreadKey) ([]types.TimelineEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.entries[key]
	out := make([]types.TimelineEntry, len(src))
	copy(out, src)
	return out, nil
}

func (s *MemoryStore) Timeline(_ context.Context, key types.ThreadKey) (*types.Thread, []types.TimelineEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[key]
	if !ok {
		return nil, nil, nil
	}
	src := s.entries[key]
	out := make([]types.TimelineEntry, len(src))
	copy(out, src)
	return t.Clone(), out, nil
}

func (s *MemoryStore) ThreadsFor(_ context.Context, account string) ([]types.ThreadKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.byAccount[account]
	out := make([]types.ThreadKey, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemoryStore) Append(_ context.Context, a Append) error {
	if a.Thread == nil {
		return fmt.Errorf("append: nil thread")
	}
	key := a.Thread.Key

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processed[a.Entry.TransactionID]; ok {
		return nil
	}

	// Keep entries ordered even if a caller hands us an out-of-order append.
	list := s.entries[key]
	i := sort.Search(len(list), func(i int) bool { return !list[i].Order.Less(a.Entry.Order) })
	list = append(list, types.TimelineEntry{})
	copy(list[i+1:], list[i:])
	list[i] = a.Entry
	s.entries[key] = list

	s.threads[key] = a.Thread.Clone()
	lo, hi := key.Participants()
	for _, addr := range []string{lo, hi} {
		set, ok := s.byAccount[addr]
		if !ok {
			set = make(map[types.ThreadKey]struct{})
			s.byAccount[addr] = set
		}
		set[key] = struct{}{}
	}
	s.processed[a.Entry.TransactionID] = key
	for addr, pk := range a.PublicKeys {
		if _, known := s.publicKeys[addr]; !known && pk != "" {
			s.publicKeys[addr] = pk
		}
	}
	s.entryCount++
	return nil
}

func (s *MemoryStore) HasTransaction(_ context.Context, txID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.processed[txID]
	return ok, nil
}

func (s *MemoryStore) PublicKey(_ context.Context, address string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publicKeys[address], nil
}

func (s *MemoryStore) Cursor(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor, nil
}

func (s *MemoryStore) SetCursor(_ context.Context, height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if height > s.cursor {
		s.cursor = height
	}
	return nil
}

func (s *MemoryStore) Compact(context.Context) error { return nil }

func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Engine:       "memory",
		Threads:      uint64(len(s.threads)),
		Entries:      s.entryCount,
		Transactions: uint64(len(s.processed)),
	}
}

func (s *MemoryStore) Close() error { return nil }
