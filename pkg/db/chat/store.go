package chat

import (
	"context"

	"github.com/canopy-network/chatindex/pkg/chat/types"
)

// Store describes the thread storage used by the aggregator (writes) and the query service (reads).
// There is no delete: chat history is append-only.
type Store interface {
	// --- Threads

	Get(ctx context.Context, key types.ThreadKey) (*types.Thread, error)
	Entries(ctx context.Context, key types.ThreadKey) ([]types.TimelineEntry, error)
	ThreadsFor(ctx context.Context, account string) ([]types.ThreadKey, error)
	// Timeline returns the summary and the entries of key from one consistent view.
	// A missing thread yields (nil, nil, nil).
	Timeline(ctx context.Context, key types.ThreadKey) (*types.Thread, []types.TimelineEntry, error)

	// Append commits a single timeline append atomically: a reader sees the new
	// summary, the entry, the account index and the processed-id marker together or not at all.
	Append(ctx context.Context, a Append) error

	// --- Processed transactions and accounts

	HasTransaction(ctx context.Context, txID string) (bool, error)
	PublicKey(ctx context.Context, address string) (string, error)

	// --- Feed cursor

	Cursor(ctx context.Context) (uint64, error)
	SetCursor(ctx context.Context, height uint64) error

	// --- Maintenance

	Compact(ctx context.Context) error
	Stats() Stats
	Close() error
}

// Append is the unit of work produced by one ingested transaction.
type Append struct {
	// Thread is the summary after the entry was applied.
	Thread *types.Thread
	Entry  types.TimelineEntry
	// PublicKeys holds newly observed address -> public key pairs.
	PublicKeys map[string]string
}

// Stats is a point-in-time view of store size.
type Stats struct {
	Engine       string `json:"engine"`
	Threads      uint64 `json:"threads"`
	Entries      uint64 `json:"entries"`
	Transactions uint64 `json:"transactions"`
	DiskBytes    uint64 `json:"diskBytes,omitempty"`
}
