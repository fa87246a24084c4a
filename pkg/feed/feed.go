// Package feed turns confirmed-block notifications into ordered, gap-free block ingestion.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/canopy-network/chatindex/pkg/chat/aggregator"
	"github.com/canopy-network/chatindex/pkg/chat/types"
	"github.com/canopy-network/chatindex/pkg/redis"
	"github.com/canopy-network/chatindex/pkg/retry"
	"github.com/canopy-network/chatindex/pkg/rpc"
)

var (
	// ErrBadNotification marks a stream entry that carries neither a block nor a height.
	ErrBadNotification = errors.New("bad block notification")
	// ErrBlockGap is returned when heights are missing and no ledger client can fetch them.
	ErrBlockGap = errors.New("block gap")
)

// Ingestor applies a whole block and advances the cursor.
type Ingestor interface {
	IngestBlock(ctx context.Context, block types.Block) (aggregator.BlockResult, error)
}

// CursorReader exposes the last fully ingested height.
type CursorReader interface {
	Cursor(ctx context.Context) (uint64, error)
}

// Notification is one decoded stream entry. Block is nil when only the height was sent.
type Notification struct {
	Height uint64
	Block  *types.Block
}

// Config wires a Feed.
type Config struct {
	Logger   *zap.Logger
	Ingestor Ingestor
	Cursor   CursorReader
	// Ledger fetches blocks for gap fill and height-only notifications. Optional.
	Ledger rpc.Client
	Retry  retry.Config
	// StartHeight is the first height worth fetching on an empty index.
	StartHeight uint64
}

// Feed delivers blocks to the aggregator in height order. Deliveries must not run concurrently.
type Feed struct {
	logger      *zap.Logger
	ingestor    Ingestor
	cursor      CursorReader
	ledger      rpc.Client
	retry       retry.Config
	startHeight uint64
}

// New returns a Feed.
func New(cfg Config) (*Feed, error) {
	if cfg.Ingestor == nil || cfg.Cursor == nil {
		return nil, errors.New("feed: ingestor and cursor are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.StartHeight == 0 {
		cfg.StartHeight = 1
	}
	return &Feed{
		logger:      cfg.Logger,
		ingestor:    cfg.Ingestor,
		cursor:      cfg.Cursor,
		ledger:      cfg.Ledger,
		retry:       cfg.Retry,
		startHeight: cfg.StartHeight,
	}, nil
}

// Decode reads a stream entry. A "data" field holds the JSON block; otherwise "height" is required.
func Decode(msg redis.Message) (Notification, error) {
	if data := msg.GetData(); len(data) > 0 {
		var block types.Block
		if err := json.Unmarshal(data, &block); err != nil {
			return Notification{}, fmt.Errorf("%w: entry %s: %v", ErrBadNotification, msg.ID, err)
		}
		if block.Height == 0 {
			block.Height = msg.GetHeight()
		}
		if block.Height == 0 {
			return Notification{}, fmt.Errorf("%w: entry %s has a block without height", ErrBadNotification, msg.ID)
		}
		return Notification{Height: block.Height, Block: &block}, nil
	}
	h := msg.GetHeight()
	if h == 0 {
		return Notification{}, fmt.Errorf("%w: entry %s has no data and no height", ErrBadNotification, msg.ID)
	}
	return Notification{Height: h}, nil
}

// HandleMessage is the redis.MessageHandler of the block stream. Undecodable entries are
// logged and acknowledged; ingestion failures are returned so the entry stays pending.
func (f *Feed) HandleMessage(ctx context.Context, msg redis.Message) error {
	n, err := Decode(msg)
	if err != nil {
		f.logger.Warn("Dropping undecodable block notification", zap.String("id", msg.ID), zap.Error(err))
		return nil
	}
	return f.Deliver(ctx, n)
}

// Deliver ingests n. Heights at or below the cursor are replays and are skipped.
// Missing heights between the cursor and n.Height are fetched from the ledger first.
func (f *Feed) Deliver(ctx context.Context, n Notification) error {
	cursor, err := f.cursor.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	if n.Height <= cursor {
		f.logger.Debug("Skipping replayed block", zap.Uint64("height", n.Height), zap.Uint64("cursor", cursor))
		return nil
	}

	if err := f.fill(ctx, cursor, n.Height-1); err != nil {
		return err
	}

	block := n.Block
	if block == nil {
		if f.ledger == nil {
			return fmt.Errorf("block %d: notification has no transactions and no ledger client is configured", n.Height)
		}
		b, err := f.fetch(ctx, n.Height)
		if err != nil {
			return err
		}
		block = &b
	}
	return f.ingest(ctx, *block)
}

// CatchUp ingests every height between the cursor and the ledger head.
func (f *Feed) CatchUp(ctx context.Context) error {
	if f.ledger == nil {
		return nil
	}
	cursor, err := f.cursor.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	var head uint64
	err = retry.WithBackoff(ctx, f.retry, f.logger, "ledger head", func() error {
		var herr error
		head, herr = f.ledger.ChainHead(ctx)
		return herr
	})
	if err != nil {
		return err
	}
	f.logger.Info("Catching up with ledger",
		zap.Uint64("cursor", cursor),
		zap.Uint64("head", head))
	return f.fill(ctx, cursor, head)
}

// fill ingests heights (cursor, to] from the ledger.
func (f *Feed) fill(ctx context.Context, cursor, to uint64) error {
	from := max(cursor+1, f.startHeight)
	if from > to {
		return nil
	}
	if f.ledger == nil {
		f.logger.Warn("Block gap detected but no ledger client is configured",
			zap.Uint64("from", from),
			zap.Uint64("to", to))
		return fmt.Errorf("%w: heights %d..%d missing", ErrBlockGap, from, to)
	}
	f.logger.Info("Filling block gap", zap.Uint64("from", from), zap.Uint64("to", to))
	for h := from; h <= to; h++ {
		block, err := f.fetch(ctx, h)
		if err != nil {
			return err
		}
		if err := f.ingest(ctx, block); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) fetch(ctx context.Context, height uint64) (types.Block, error) {
	var block types.Block
	err := retry.WithBackoff(ctx, f.retry, f.logger, fmt.Sprintf("fetch block %d", height), func() error {
		var ferr error
		block, ferr = f.ledger.BlockByHeight(ctx, height)
		return ferr
	})
	return block, err
}

func (f *Feed) ingest(ctx context.Context, block types.Block) error {
	return retry.WithBackoff(ctx, f.retry, f.logger, fmt.Sprintf("ingest block %d", block.Height), func() error {
		res, err := f.ingestor.IngestBlock(ctx, block)
		if err != nil {
			return err
		}
		if res.Indexed > 0 || res.Skipped > 0 {
			f.logger.Info("Block indexed",
				zap.Uint64("height", block.Height),
				zap.Int("indexed", res.Indexed),
				zap.Int("duplicates", res.Duplicates),
				zap.Int("skipped", res.Skipped))
		}
		return nil
	})
}
