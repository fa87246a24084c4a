package rpc

import (
	"context"

	"github.com/canopy-network/chatindex/pkg/chat/types"
)

// Client captures the ledger calls used by the feed when it has to fetch blocks itself:
// gap filling and notifications that carry only a height.
type Client interface {
	ChainHead(ctx context.Context) (uint64, error)
	BlockByHeight(ctx context.Context, height uint64) (types.Block, error)
}
