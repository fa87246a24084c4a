package chatindex

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/canopy-network/chatindex/app/chatindex/types"
	chatstore "github.com/canopy-network/chatindex/pkg/db/chat"
)

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	t.Setenv("STORE_ENGINE", "memory")
	store, err := openStore(ctx, logger)
	require.NoError(t, err)
	assert.IsType(t, &chatstore.MemoryStore{}, store)
	require.NoError(t, store.Close())

	t.Setenv("STORE_ENGINE", "pebble")
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("STORE_NO_SYNC", "true")
	store, err = openStore(ctx, logger)
	require.NoError(t, err)
	assert.IsType(t, &chatstore.PebbleStore{}, store)
	require.NoError(t, store.SetCursor(ctx, 3))
	require.NoError(t, store.Close())

	t.Setenv("STORE_ENGINE", "sqlite")
	_, err = openStore(ctx, logger)
	require.Error(t, err)
}

func TestCronLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := newCronLogger(zap.New(core))

	l.Info("store compacted", "duration", "1s")
	l.Error(errors.New("disk full"), "store compaction failed")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "store compacted", entries[0].Message)
	assert.Equal(t, "1s", entries[0].ContextMap()["duration"])
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	assert.Equal(t, "disk full", entries[1].ContextMap()["error"])
}

func TestSetupScheduler(t *testing.T) {
	app := &types.App{Store: chatstore.NewMemoryStore(), Logger: zaptest.NewLogger(t)}
	l := newCronLogger(app.Logger)

	require.Error(t, app.SetupScheduler(context.Background(), l, "not a schedule"))

	require.NoError(t, app.SetupScheduler(context.Background(), l, defaultCompaction))
	assert.Len(t, app.Cron.Entries(), 1)
	assert.Equal(t, defaultCompaction, app.CronSpec)
}

func TestDefaultConsumerNameIsStable(t *testing.T) {
	name := defaultConsumerName()
	assert.True(t, strings.HasPrefix(name, consumerNamePrefix))
	assert.Equal(t, name, defaultConsumerName())
}
