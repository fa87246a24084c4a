package chatindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/canopy-network/chatindex/app/chatindex/types"
	"github.com/canopy-network/chatindex/pkg/chat/aggregator"
	"github.com/canopy-network/chatindex/pkg/chat/query"
	"github.com/canopy-network/chatindex/pkg/chat/threadkey"
	chatstore "github.com/canopy-network/chatindex/pkg/db/chat"
	"github.com/canopy-network/chatindex/pkg/feed"
	"github.com/canopy-network/chatindex/pkg/logging"
	"github.com/canopy-network/chatindex/pkg/metrics"
	"github.com/canopy-network/chatindex/pkg/redis"
	"github.com/canopy-network/chatindex/pkg/retry"
	"github.com/canopy-network/chatindex/pkg/rpc"
	"github.com/canopy-network/chatindex/pkg/utils"
)

const (
	defaultStream      = "ledger:blocks.confirmed"
	defaultGroup       = "chatindex"
	defaultCompaction  = "0 0 3 * * *"
	metricsNamespace   = "chatindex"
	storeEnginePebble  = "pebble"
	storeEngineMemory  = "memory"
	consumerNamePrefix = "chatindex-"
	defaultClaimIdle   = time.Minute
)

// Initialize initializes the application.
func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	store, err := openStore(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to open thread store", zap.Error(err))
	}

	resolver := threadkey.Default()
	if pattern := utils.Env("ADDRESS_PATTERN", ""); pattern != "" {
		resolver, err = threadkey.New(pattern)
		if err != nil {
			logger.Fatal("Invalid ADDRESS_PATTERN", zap.Error(err))
		}
	}

	collector := metrics.NewCollector(metricsNamespace)

	// Initialize Redis client for the block stream and live chat updates (optional)
	var redisClient *redis.Client
	var notifier aggregator.Notifier
	if utils.EnvBool("REDIS_ENABLED", false) {
		redisClient, err = redis.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - block stream and live updates will be disabled",
				zap.Error(err))
			redisClient = nil
		} else {
			notifier = redis.NewNotifier(redisClient)
			logger.Info("Redis client initialized for block stream and live updates")
		}
	} else {
		logger.Info("Redis disabled - block stream and live updates will not be available")
	}

	agg, err := aggregator.New(aggregator.Config{
		Logger:   logger,
		Store:    store,
		Resolver: resolver,
		Metrics:  collector,
		Notifier: notifier,
		Workers:  utils.EnvInt("INGEST_WORKERS", 0),
	})
	if err != nil {
		logger.Fatal("Unable to initialize aggregator", zap.Error(err))
	}

	var ledger rpc.Client
	if endpoints := utils.EnvList("RPC_ENDPOINTS"); len(endpoints) > 0 {
		ledger = rpc.NewHTTPWithOpts(rpc.Opts{
			Endpoints: endpoints,
			Timeout:   utils.EnvDuration("RPC_TIMEOUT", 15*time.Second),
			RPS:       utils.EnvInt("RPC_RPS", 20),
			Burst:     utils.EnvInt("RPC_BURST", 40),
			Logger:    logger,
		})
		logger.Info("Ledger RPC configured", zap.Strings("endpoints", endpoints))
	} else {
		logger.Info("RPC_ENDPOINTS not set - gap fill and catch-up are disabled")
	}

	blockFeed, err := feed.New(feed.Config{
		Logger:      logger,
		Ingestor:    agg,
		Cursor:      store,
		Ledger:      ledger,
		Retry:       retry.DefaultConfig(),
		StartHeight: utils.EnvUint64("FEED_START_HEIGHT", 1),
	})
	if err != nil {
		logger.Fatal("Unable to initialize block feed", zap.Error(err))
	}

	var consumer *redis.StreamConsumer
	if redisClient != nil {
		consumer, err = redis.NewStreamConsumer(redisClient, redis.StreamConsumerConfig{
			Stream:       utils.Env("FEED_STREAM", defaultStream),
			Group:        utils.Env("FEED_GROUP", defaultGroup),
			Consumer:     utils.Env("FEED_CONSUMER", defaultConsumerName()),
			ClaimMinIdle: utils.EnvDuration("FEED_CLAIM_IDLE", defaultClaimIdle),
			Logger:       logger,
		})
		if err != nil {
			logger.Fatal("Unable to initialize block stream consumer", zap.Error(err))
		}
	}

	app := &types.App{
		Store:       store,
		Resolver:    resolver,
		Aggregator:  agg,
		Query:       query.New(logger, store, resolver, collector),
		Feed:        blockFeed,
		Consumer:    consumer,
		RedisClient: redisClient,
		Metrics:     collector,
		APIRate:     rate.Limit(utils.EnvInt("API_RPS", 50)),
		APIBurst:    utils.EnvInt("API_BURST", 100),
		Logger:      logger,
	}

	scheduleErr := app.SetupScheduler(ctx, newCronLogger(logger), utils.Env("COMPACTION_CRON", defaultCompaction))
	if scheduleErr != nil {
		logger.Fatal("Unable to schedule store compaction", zap.Error(scheduleErr))
	}

	return app
}

// openStore opens the engine selected by STORE_ENGINE.
func openStore(ctx context.Context, logger *zap.Logger) (chatstore.Store, error) {
	switch engine := utils.Env("STORE_ENGINE", storeEnginePebble); engine {
	case storeEnginePebble:
		dir := utils.Env("DATA_DIR", filepath.Join(".", "data", "chatindex"))
		return chatstore.NewPebbleStore(ctx, logger, chatstore.PebbleOptions{
			Path:   dir,
			NoSync: utils.EnvBool("STORE_NO_SYNC", false),
		})
	case storeEngineMemory:
		logger.Warn("Using the in-memory thread store - the index is lost on restart")
		return chatstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown STORE_ENGINE %q", engine)
	}
}

// defaultConsumerName is stable across restarts on the same host so pending entries are
// read again by the process that left them.
func defaultConsumerName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return consumerNamePrefix + host
	}
	return consumerNamePrefix + uuid.NewString()
}
