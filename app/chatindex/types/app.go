package types

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/canopy-network/chatindex/pkg/chat/aggregator"
	"github.com/canopy-network/chatindex/pkg/chat/query"
	"github.com/canopy-network/chatindex/pkg/chat/threadkey"
	chatstore "github.com/canopy-network/chatindex/pkg/db/chat"
	"github.com/canopy-network/chatindex/pkg/feed"
	"github.com/canopy-network/chatindex/pkg/metrics"
	"github.com/canopy-network/chatindex/pkg/redis"
)

type App struct {
	// Store holds threads, timelines and the feed cursor.
	Store    chatstore.Store
	Resolver *threadkey.Resolver

	Aggregator *aggregator.Aggregator
	Query      *query.Service

	// Feed and Consumer are nil when the process only serves reads.
	Feed     *feed.Feed
	Consumer *redis.StreamConsumer

	// RedisClient is nil when Redis is disabled; live updates are then unavailable.
	RedisClient *redis.Client

	Metrics *metrics.Collector

	// Cron runs store maintenance according to CronSpec.
	Cron     *cron.Cron
	CronSpec string

	// APIRate and APIBurst bound requests per client IP. APIRate <= 0 disables the limiter.
	APIRate  rate.Limit
	APIBurst int

	// Zap Logger
	Logger *zap.Logger
	// Server represents the HTTP server instance used to handle incoming client requests and manage HTTP routes.
	Server *http.Server
}

// SetupScheduler registers the compaction job on a new cron scheduler.
func (a *App) SetupScheduler(ctx context.Context, logger cron.Logger, cronSpec string) error {
	// Seconds field, optional
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	a.CronSpec = cronSpec

	_, err := a.Cron.AddFunc(cronSpec, func() {
		// keep each run bounded
		rctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		start := time.Now()
		if err := a.Store.Compact(rctx); err != nil {
			logger.Error(err, "store compaction failed")
			return
		}
		logger.Info("store compacted", "duration", time.Since(start).String())
	})
	return err
}

// Start starts the application and blocks until ctx is done.
func (a *App) Start(ctx context.Context) {
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()

	var wg sync.WaitGroup
	if a.Feed != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runFeed(ctx)
		}()
	}

	if a.Cron != nil {
		a.Cron.Start()
		a.Logger.Info("Cron started", zap.String("cronSpec", a.CronSpec))
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = a.Server.Shutdown(shutdownCtx)

	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}

	// The feed finishes its current block before the store goes away.
	wg.Wait()

	if a.Aggregator != nil {
		a.Aggregator.Close()
	}

	if err := a.Store.Close(); err != nil {
		a.Logger.Error("Failed to close thread store", zap.Error(err))
	}

	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Logger.Error("Failed to close Redis connection", zap.Error(err))
		}
	}

	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}

// runFeed catches up with the ledger, then follows the block stream until ctx is done.
func (a *App) runFeed(ctx context.Context) {
	if err := a.Feed.CatchUp(ctx); err != nil && ctx.Err() == nil {
		a.Logger.Error("Initial catch-up failed, continuing with the block stream", zap.Error(err))
	}

	if a.Consumer == nil {
		a.Logger.Info("No block stream configured - index only advances through catch-up")
		return
	}

	err := a.Consumer.Run(ctx, a.Feed.HandleMessage)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Block stream consumer stopped", zap.Error(err))
	}
}
