// Package aggregator folds confirmed ledger transactions into chat threads.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/canopy-network/chatindex/pkg/chat/threadkey"
	"github.com/canopy-network/chatindex/pkg/chat/types"
	chatstore "github.com/canopy-network/chatindex/pkg/db/chat"
	"github.com/canopy-network/chatindex/pkg/metrics"
)

// Result is the outcome of ingesting one transaction.
type Result string

const (
	ResultIndexed   Result = "indexed"
	ResultDuplicate Result = "duplicate"
	ResultIgnored   Result = "ignored"
	ResultSkipped   Result = "skipped"
	// ResultFailed means the store rejected the transaction; it was not applied.
	ResultFailed Result = "failed"
)

// Notifier is told about every committed append. Failures are logged, never returned.
type Notifier interface {
	ThreadUpdated(ctx context.Context, thread *types.Thread, entry types.TimelineEntry) error
}

// Config wires an Aggregator.
type Config struct {
	Logger   *zap.Logger
	Store    chatstore.Store
	Resolver *threadkey.Resolver
	// Optional
	Metrics  *metrics.Collector
	Notifier Notifier
	// Workers bounds parallel ingestion of distinct threads inside one block.
	// Zero picks one worker per CPU.
	Workers int
}

// Aggregator is the write side of the index. Appends to the same thread are serialized;
// appends to different threads may run concurrently.
type Aggregator struct {
	logger   *zap.Logger
	store    chatstore.Store
	resolver *threadkey.Resolver
	metrics  *metrics.Collector
	notifier Notifier

	locks *xsync.Map[types.ThreadKey, *sync.Mutex]
	pool  pond.Pool
}

// New returns an Aggregator. Store and Resolver are required.
func New(cfg Config) (*Aggregator, error) {
	if cfg.Store == nil {
		return nil, errors.New("aggregator: store is required")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = threadkey.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Aggregator{
		logger:   cfg.Logger,
		store:    cfg.Store,
		resolver: cfg.Resolver,
		metrics:  cfg.Metrics,
		notifier: cfg.Notifier,
		locks:    xsync.NewMap[types.ThreadKey, *sync.Mutex](),
		pool:     pond.NewPool(workers, pond.WithQueueSize(workers*64)),
	}, nil
}

// Close stops the worker pool after in-flight blocks finish.
func (a *Aggregator) Close() {
	a.pool.StopAndWait()
}

func (a *Aggregator) lock(key types.ThreadKey) *sync.Mutex {
	mu, _ := a.locks.LoadOrStore(key, &sync.Mutex{})
	return mu
}

// Ingest applies one confirmed transaction. Transactions that are neither messages nor
// payments are ignored. Malformed transactions are logged and skipped: the returned error
// wraps types.ErrMalformedTransaction and callers keep consuming the feed. Any other error
// comes from the store and means the transaction was not applied.
func (a *Aggregator) Ingest(ctx context.Context, tx *types.Transaction) (Result, error) {
	res, err := a.ingest(ctx, tx)
	a.metrics.ObserveIngest(string(res))
	return res, err
}

func (a *Aggregator) ingest(ctx context.Context, tx *types.Transaction) (Result, error) {
	if tx == nil {
		return ResultSkipped, fmt.Errorf("%w: nil transaction", types.ErrMalformedTransaction)
	}
	if tx.Type != "" && !tx.Type.Indexed() {
		return ResultIgnored, nil
	}

	// check may clear invalid keys; the caller's transaction stays untouched.
	local := *tx
	tx = &local

	key, err := a.check(tx)
	if err != nil {
		a.logger.Warn("Skipping malformed transaction",
			zap.String("txId", tx.ID),
			zap.Uint64("height", tx.BlockHeight),
			zap.Error(err))
		return ResultSkipped, err
	}

	mu := a.lock(key)
	mu.Lock()
	defer mu.Unlock()

	seen, err := a.store.HasTransaction(ctx, tx.ID)
	if err != nil {
		return ResultFailed, fmt.Errorf("check transaction %s: %w", tx.ID, err)
	}
	if seen {
		a.logger.Debug("Transaction already indexed", zap.String("txId", tx.ID))
		return ResultDuplicate, nil
	}

	thread, err := a.store.Get(ctx, key)
	if err != nil {
		return ResultFailed, fmt.Errorf("load thread %s: %w", key, err)
	}
	if thread == nil {
		thread = types.NewThread(key)
	}

	entry := types.NewTimelineEntry(tx)
	if thread.LastEntry != nil && entry.Order.Less(thread.LastEntry.Order) {
		a.logger.Debug("Transaction arrived behind the thread head",
			zap.String("txId", tx.ID),
			zap.String("thread", string(key)),
			zap.Uint64("height", tx.BlockHeight),
			zap.Uint64("headHeight", thread.LastEntry.Order.Height))
	}
	thread.LearnPublicKey(tx.SenderAddress, tx.SenderPublicKey)
	thread.LearnPublicKey(tx.RecipientAddress, tx.RecipientPublicKey)
	thread.Apply(entry)

	pks := make(map[string]string, 2)
	if tx.SenderPublicKey != "" {
		pks[tx.SenderAddress] = tx.SenderPublicKey
	}
	if tx.RecipientPublicKey != "" {
		pks[tx.RecipientAddress] = tx.RecipientPublicKey
	}

	if err := a.store.Append(ctx, chatstore.Append{Thread: thread, Entry: entry, PublicKeys: pks}); err != nil {
		return ResultFailed, fmt.Errorf("append %s to %s: %w", tx.ID, key, err)
	}

	if a.notifier != nil {
		if err := a.notifier.ThreadUpdated(ctx, thread, entry); err != nil {
			a.logger.Warn("Thread update notification failed",
				zap.String("thread", string(key)),
				zap.String("txId", tx.ID),
				zap.Error(err))
		}
	}
	return ResultIndexed, nil
}

// check validates tx and resolves its thread key. Invalid public keys are dropped, not fatal.
func (a *Aggregator) check(tx *types.Transaction) (types.ThreadKey, error) {
	if err := tx.Validate(); err != nil {
		return "", err
	}
	key, err := a.resolver.Resolve(tx.SenderAddress, tx.RecipientAddress)
	if err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrMalformedTransaction, err)
	}
	if err := a.resolver.ValidatePublicKey(tx.SenderPublicKey); err != nil {
		a.logger.Debug("Dropping invalid sender public key", zap.String("txId", tx.ID), zap.Error(err))
		tx.SenderPublicKey = ""
	}
	if err := a.resolver.ValidatePublicKey(tx.RecipientPublicKey); err != nil {
		a.logger.Debug("Dropping invalid recipient public key", zap.String("txId", tx.ID), zap.Error(err))
		tx.RecipientPublicKey = ""
	}
	return key, nil
}

// BlockResult summarizes IngestBlock.
type BlockResult struct {
	Height     uint64        `json:"height"`
	Indexed    int           `json:"indexed"`
	Duplicates int           `json:"duplicates"`
	Ignored    int           `json:"ignored"`
	Skipped    int           `json:"skipped"`
	Duration   time.Duration `json:"duration"`
}

func (r *BlockResult) add(res Result) {
	switch res {
	case ResultIndexed:
		r.Indexed++
	case ResultDuplicate:
		r.Duplicates++
	case ResultIgnored:
		r.Ignored++
	case ResultSkipped:
		r.Skipped++
	}
}

// IngestBlock ingests every transaction of a confirmed block in intra-block order.
// Transactions are partitioned by thread; partitions run in parallel, each one sequentially.
// The feed cursor advances to block.Height only when every partition succeeded, so a failed
// block can be retried as a whole: already indexed transactions come back as duplicates.
func (a *Aggregator) IngestBlock(ctx context.Context, block types.Block) (BlockResult, error) {
	start := time.Now()
	out := BlockResult{Height: block.Height}

	txs := make([]types.Transaction, len(block.Transactions))
	copy(txs, block.Transactions)
	for i := range txs {
		if txs[i].BlockHeight == 0 {
			txs[i].BlockHeight = block.Height
		}
	}
	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].OrderingKey().Less(txs[j].OrderingKey())
	})

	partitions := a.partition(txs)

	var (
		mu       sync.Mutex
		firstErr error
	)
	group := a.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, part := range partitions {
		group.Submit(func() {
			for i := range part {
				if err := groupCtx.Err(); err != nil {
					return
				}
				res, err := a.Ingest(groupCtx, &part[i])
				mu.Lock()
				if err != nil && !errors.Is(err, types.ErrMalformedTransaction) {
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}
				out.add(res)
				mu.Unlock()
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		a.logger.Warn("Block ingestion group error", zap.Uint64("height", block.Height), zap.Error(err))
	}
	if firstErr == nil {
		firstErr = ctx.Err()
	}
	if firstErr != nil {
		a.logger.Error("Block ingestion failed",
			zap.Uint64("height", block.Height),
			zap.Error(firstErr))
		return out, fmt.Errorf("ingest block %d: %w", block.Height, firstErr)
	}

	if err := a.store.SetCursor(ctx, block.Height); err != nil {
		return out, fmt.Errorf("advance cursor to %d: %w", block.Height, err)
	}

	out.Duration = time.Since(start)
	a.metrics.ObserveBlock(block.Height, out.Duration)
	a.logger.Debug("Block ingested",
		zap.Uint64("height", block.Height),
		zap.Int("txs", len(txs)),
		zap.Int("indexed", out.Indexed),
		zap.Int("duplicates", out.Duplicates),
		zap.Int("ignored", out.Ignored),
		zap.Int("skipped", out.Skipped),
		zap.Duration("duration", out.Duration))
	return out, nil
}

// partition groups txs by thread key, preserving order inside each group.
// Transactions without a valid key share one group; Ingest will skip or ignore them.
func (a *Aggregator) partition(txs []types.Transaction) [][]types.Transaction {
	index := make(map[types.ThreadKey]int)
	var groups [][]types.Transaction
	for _, tx := range txs {
		key, err := a.resolver.Resolve(tx.SenderAddress, tx.RecipientAddress)
		if err != nil {
			key = ""
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], tx)
	}
	return groups
}
