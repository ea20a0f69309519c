package factory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/eventmesh/config"
	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/storage"
	"github.com/goclaw/eventmesh/pkg/storage/badger"
	"github.com/goclaw/eventmesh/pkg/storage/memory"
	"github.com/goclaw/eventmesh/pkg/storage/sqlstore"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		cfg := config.DefaultConfig().Storage
		cfg.Driver = "memory"
		b, err := Open(ctx, cfg, logger.Nop())
		require.NoError(t, err)
		defer b.Close()
		assert.IsType(t, &memory.MemoryStorage{}, b)
	})

	t.Run("sql sqlite", func(t *testing.T) {
		cfg := config.DefaultConfig().Storage
		cfg.SQL.DSN = "file:" + filepath.Join(t.TempDir(), "f.db") + "?_busy_timeout=5000"
		b, err := Open(ctx, cfg, logger.Nop())
		require.NoError(t, err)
		defer b.Close()
		assert.IsType(t, &sqlstore.SQLStorage{}, b)

		require.NoError(t, b.Store(ctx, &storage.Record{SagaInstanceID: "s", EventName: "e"}))
	})

	t.Run("badger", func(t *testing.T) {
		cfg := config.DefaultConfig().Storage
		cfg.Driver = "badger"
		cfg.Badger.Path = t.TempDir()
		b, err := Open(ctx, cfg, logger.Nop())
		require.NoError(t, err)
		defer b.Close()
		assert.IsType(t, &badger.BadgerStorage{}, b)
	})

	t.Run("unknown", func(t *testing.T) {
		cfg := config.DefaultConfig().Storage
		cfg.Driver = "dynamo"
		_, err := Open(ctx, cfg, logger.Nop())
		var unknown *UnknownDriverError
		require.True(t, errors.As(err, &unknown))
		assert.Equal(t, "dynamo", unknown.Name)
	})

	t.Run("redis unreachable", func(t *testing.T) {
		cfg := config.DefaultConfig().Storage
		cfg.Driver = "redis"
		cfg.Redis.Addr = "127.0.0.1:1"
		cfg.Timeout = 200 * time.Millisecond
		_, err := Open(ctx, cfg, logger.Nop())
		assert.True(t, storage.IsUnavailable(err), "got %v", err)
	})
}

type recorded struct {
	backend, op string
	err         error
}

type fakeRecorder struct {
	calls []recorded
}

func (f *fakeRecorder) RecordStorageOperation(backend, op string, _ time.Duration, err error) {
	f.calls = append(f.calls, recorded{backend, op, err})
}

func TestInstrument(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	b := storage.Instrument(memory.NewMemoryStorage(), "memory", rec)

	require.NoError(t, b.Store(ctx, &storage.Record{SagaInstanceID: "s", EventName: "e"}))
	_, err := b.GetLog(ctx, "s", "missing")
	require.True(t, storage.IsNotFound(err))
	_, err = b.GetLogs(ctx, "s")
	require.NoError(t, err)

	require.Len(t, rec.calls, 3)
	assert.Equal(t, "store", rec.calls[0].op)
	assert.Equal(t, "get_log", rec.calls[1].op)
	assert.NoError(t, rec.calls[1].err, "not found is not a backend failure")
	assert.Equal(t, "get_logs", rec.calls[2].op)
	assert.Equal(t, "memory", rec.calls[2].backend)

	assert.Same(t, b, storage.Instrument(b, "x", nil))
}

func TestInstrumentAtomicOperations(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	b := storage.Instrument(memory.NewMemoryStorage(), "memory", rec)

	created, err := b.Insert(ctx, &storage.Record{SagaInstanceID: "s", EventName: "e", Status: storage.StatusPending})
	require.NoError(t, err)
	require.True(t, created)

	failed, err := b.RecordFailure(ctx, "s", "e", "boom")
	require.NoError(t, err)
	assert.Equal(t, 1, failed.RetryCount)

	_, err = b.RecordFailure(ctx, "s", "missing", "boom")
	require.True(t, storage.IsNotFound(err))

	require.Len(t, rec.calls, 3)
	assert.Equal(t, "insert", rec.calls[0].op)
	assert.Equal(t, "record_failure", rec.calls[1].op)
	assert.NoError(t, rec.calls[2].err, "not found is not a backend failure")
}
