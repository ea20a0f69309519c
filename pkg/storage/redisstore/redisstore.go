// Package redisstore provides a Redis implementation of the storage backend.
//
// Each step is a JSON string at {prefix}saga:{id}:step:{event}. A sorted set
// at {prefix}saga:{id}:steps scores event names by creation time so GetLogs
// can return creation order.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/storage"
)

// maxTxRetries bounds optimistic retries of one write. Each lost race
// means a competing writer committed.
const maxTxRetries = 1000

// Config holds configuration for RedisStorage.
type Config struct {
	Prefix  string
	Timeout time.Duration
	Logger  logger.Logger
}

// RedisStorage implements storage.Backend on Redis.
type RedisStorage struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	log     logger.Logger
}

// New creates a Redis backend on top of an existing client. The client is
// closed by Close.
func New(client redis.UniversalClient, cfg Config) *RedisStorage {
	log := cfg.Logger
	if log == nil {
		log = logger.Global()
	}
	return &RedisStorage{
		client:  client,
		prefix:  cfg.Prefix,
		timeout: cfg.Timeout,
		log:     log.With("component", "storage.redis"),
	}
}

// Ping checks connectivity.
func (r *RedisStorage) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return &storage.StorageUnavailableError{Cause: err}
	}
	return nil
}

func (r *RedisStorage) stepKey(sagaInstanceID, eventName string) string {
	return fmt.Sprintf("%ssaga:%s:step:%s", r.prefix, sagaInstanceID, eventName)
}

func (r *RedisStorage) indexKey(sagaInstanceID string) string {
	return fmt.Sprintf("%ssaga:%s:steps", r.prefix, sagaInstanceID)
}

func (r *RedisStorage) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout > 0 {
		return context.WithTimeout(ctx, r.timeout)
	}
	return ctx, func() {}
}

// watch runs fn under WATCH on key, retrying when the transaction loses a race.
func (r *RedisStorage) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = r.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func decode(data []byte) (*storage.Record, error) {
	var rec storage.Record
	if err := storage.DecodeJSON(data, &rec); err != nil {
		return nil, err
	}
	storage.Normalize(&rec)
	return &rec, nil
}

func encode(rec *storage.Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, &storage.SerializationError{Operation: "marshal", Cause: err}
	}
	return data, nil
}

// Store inserts or replaces a step record.
func (r *RedisStorage) Store(ctx context.Context, rec *storage.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	copied, err := rec.Clone()
	if err != nil {
		return err
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	key := r.stepKey(rec.SagaInstanceID, rec.EventName)
	err = r.watch(ctx, key, func(tx *redis.Tx) error {
		now := time.Now().UTC()
		copied.UpdatedAt = now

		existing, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			prev, err := decode(existing)
			if err != nil {
				return err
			}
			copied.CreatedAt = prev.CreatedAt
		case errors.Is(err, redis.Nil):
			if copied.CreatedAt.IsZero() {
				copied.CreatedAt = now
			}
		default:
			return err
		}

		data, err := encode(copied)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAddNX(ctx, r.indexKey(rec.SagaInstanceID), redis.Z{
				Score:  float64(copied.CreatedAt.UnixMicro()),
				Member: rec.EventName,
			})
			return nil
		})
		return err
	})
	if err != nil {
		r.log.Error("failed to store saga step", "saga_instance_id", rec.SagaInstanceID, "event_name", rec.EventName, "error", err)
		return classify(err)
	}
	return nil
}

// Insert stores a step record unless the key already exists.
func (r *RedisStorage) Insert(ctx context.Context, rec *storage.Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}
	copied, err := rec.Clone()
	if err != nil {
		return false, err
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	key := r.stepKey(rec.SagaInstanceID, rec.EventName)
	var created bool
	err = r.watch(ctx, key, func(tx *redis.Tx) error {
		created = false
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		now := time.Now().UTC()
		copied.UpdatedAt = now
		if copied.CreatedAt.IsZero() {
			copied.CreatedAt = now
		}
		data, err := encode(copied)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAddNX(ctx, r.indexKey(rec.SagaInstanceID), redis.Z{
				Score:  float64(copied.CreatedAt.UnixMicro()),
				Member: rec.EventName,
			})
			return nil
		})
		if err == nil {
			created = true
		}
		return err
	})
	if err != nil {
		r.log.Error("failed to insert saga step", "saga_instance_id", rec.SagaInstanceID, "event_name", rec.EventName, "error", err)
		return false, classify(err)
	}
	return created, nil
}

// RecordFailure counts one failed attempt of a step. The read and the write
// run under WATCH, so a concurrent writer forces a retry instead of a lost
// increment.
func (r *RedisStorage) RecordFailure(ctx context.Context, sagaInstanceID, eventName, errorMessage string) (*storage.Record, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	key := r.stepKey(sagaInstanceID, eventName)
	var out *storage.Record
	err := r.watch(ctx, key, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return storage.StepNotFound(sagaInstanceID, eventName)
		}
		if err != nil {
			return err
		}
		rec, err := decode(data)
		if err != nil {
			return err
		}
		out = rec
		if !storage.ApplyFailure(rec, errorMessage, time.Now().UTC()) {
			return nil
		}
		updated, err := encode(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	})
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, err
		}
		r.log.Error("failed to record saga step failure", "saga_instance_id", sagaInstanceID, "event_name", eventName, "error", err)
		return nil, classify(err)
	}
	return out, nil
}

// Update merges changes into an existing record.
func (r *RedisStorage) Update(ctx context.Context, sagaInstanceID, eventName string, changes storage.Changes) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	key := r.stepKey(sagaInstanceID, eventName)
	err := r.watch(ctx, key, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return storage.StepNotFound(sagaInstanceID, eventName)
		}
		if err != nil {
			return err
		}
		rec, err := decode(data)
		if err != nil {
			return err
		}
		changes.Apply(rec, time.Now().UTC())
		updated, err := encode(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	})
	if err != nil && !storage.IsNotFound(err) {
		r.log.Error("failed to update saga step", "saga_instance_id", sagaInstanceID, "event_name", eventName, "error", err)
		return classify(err)
	}
	return err
}

// GetLog retrieves a single step record.
func (r *RedisStorage) GetLog(ctx context.Context, sagaInstanceID, eventName string) (*storage.Record, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	data, err := r.client.Get(ctx, r.stepKey(sagaInstanceID, eventName)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.StepNotFound(sagaInstanceID, eventName)
	}
	if err != nil {
		r.log.Error("failed to load saga step", "saga_instance_id", sagaInstanceID, "event_name", eventName, "error", err)
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	return decode(data)
}

// GetLogs returns all records of a saga in creation order.
func (r *RedisStorage) GetLogs(ctx context.Context, sagaInstanceID string) ([]*storage.Record, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	events, err := r.client.ZRange(ctx, r.indexKey(sagaInstanceID), 0, -1).Result()
	if err != nil {
		r.log.Error("failed to list saga steps", "saga_instance_id", sagaInstanceID, "error", err)
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	records := []*storage.Record{}
	if len(events) == 0 {
		return records, nil
	}

	keys := make([]string, len(events))
	for i, event := range events {
		keys[i] = r.stepKey(sagaInstanceID, event)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decode([]byte(s))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close closes the Redis client.
func (r *RedisStorage) Close() error {
	return r.client.Close()
}

func classify(err error) error {
	var se *storage.SerializationError
	if errors.As(err, &se) || storage.IsNotFound(err) {
		return err
	}
	return &storage.StorageUnavailableError{Cause: err}
}
