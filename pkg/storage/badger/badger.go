// Package badger provides a Badger-based implementation of the storage backend.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/storage"
)

// maxTxnRetries bounds conflict retries of one write. Every retry round
// lets at least one competing writer commit.
const maxTxnRetries = 1000

// Config holds configuration for BadgerStorage.
type Config struct {
	Path              string
	SyncWrites        bool
	InMemory          bool
	ValueLogFileSize  int64
	NumVersionsToKeep int
	Logger            logger.Logger
}

// BadgerStorage implements storage.Backend using Badger.
type BadgerStorage struct {
	db     *badger.DB
	seq    *badger.Sequence
	config *Config
	log    logger.Logger
}

// NewBadgerStorage opens a Badger database at config.Path.
func NewBadgerStorage(config *Config) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(config.Path)
	opts.SyncWrites = config.SyncWrites
	opts.Logger = nil
	if config.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if config.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = config.ValueLogFileSize
	}
	if config.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = config.NumVersionsToKeep
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	seq, err := db.GetSequence([]byte("meta:sequence:saga_logs"), 100)
	if err != nil {
		_ = db.Close()
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	log := config.Logger
	if log == nil {
		log = logger.Global()
	}

	return &BadgerStorage{
		db:     db,
		seq:    seq,
		config: config,
		log:    log.With("component", "storage.badger"),
	}, nil
}

// stored is the on-disk value of a step record.
type stored struct {
	storage.Record
	OrderKey string `json:"order_key"`
}

// Key generation functions
func stepKey(sagaInstanceID, eventName string) []byte {
	return []byte(fmt.Sprintf("saga:%s:event:%s", sagaInstanceID, eventName))
}

func orderPrefix(sagaInstanceID string) []byte {
	return []byte(fmt.Sprintf("saga:%s:order:", sagaInstanceID))
}

func orderKey(sagaInstanceID string, createdAt time.Time, seq uint64) string {
	return fmt.Sprintf("saga:%s:order:%020d:%020d", sagaInstanceID, createdAt.UnixNano(), seq)
}

// Serialization helpers
func serialize(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &storage.SerializationError{
			Operation: "marshal",
			Cause:     err,
		}
	}
	return data, nil
}

func deserialize(data []byte, s *stored) error {
	if err := storage.DecodeJSON(data, s); err != nil {
		return err
	}
	storage.Normalize(&s.Record)
	return nil
}

// update runs fn in a read-write transaction, retrying on conflicts until
// ctx is done.
func (b *BadgerStorage) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func (b *BadgerStorage) getInTxn(txn *badger.Txn, sagaInstanceID, eventName string) (*stored, error) {
	item, err := txn.Get(stepKey(sagaInstanceID, eventName))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.StepNotFound(sagaInstanceID, eventName)
		}
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	var s stored
	if err := item.Value(func(val []byte) error {
		return deserialize(val, &s)
	}); err != nil {
		return nil, err
	}
	return &s, nil
}

func (b *BadgerStorage) putInTxn(txn *badger.Txn, s *stored) error {
	data, err := serialize(s)
	if err != nil {
		return err
	}
	if err := txn.Set(stepKey(s.SagaInstanceID, s.EventName), data); err != nil {
		return err
	}
	return txn.Set([]byte(s.OrderKey), []byte(s.EventName))
}

// Store inserts or replaces a step record.
func (b *BadgerStorage) Store(ctx context.Context, rec *storage.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	copied, err := rec.Clone()
	if err != nil {
		return err
	}

	err = b.update(ctx, func(txn *badger.Txn) error {
		now := time.Now().UTC()
		s := &stored{Record: *copied}
		s.UpdatedAt = now

		existing, err := b.getInTxn(txn, rec.SagaInstanceID, rec.EventName)
		switch {
		case err == nil:
			s.CreatedAt = existing.CreatedAt
			s.OrderKey = existing.OrderKey
		case storage.IsNotFound(err):
			if err := b.assignOrder(s, now); err != nil {
				return err
			}
		default:
			return err
		}
		return b.putInTxn(txn, s)
	})
	if err != nil {
		b.log.Error("failed to store saga step", "saga_instance_id", rec.SagaInstanceID, "event_name", rec.EventName, "error", err)
		return wrapUnavailable(err)
	}
	return nil
}

func (b *BadgerStorage) assignOrder(s *stored, now time.Time) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	n, err := b.seq.Next()
	if err != nil {
		return err
	}
	s.OrderKey = orderKey(s.SagaInstanceID, s.CreatedAt, n)
	return nil
}

// Insert stores a step record unless one already exists. The existence
// check and the write share one transaction, so a concurrent insert makes
// this one retry and observe it.
func (b *BadgerStorage) Insert(ctx context.Context, rec *storage.Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}
	copied, err := rec.Clone()
	if err != nil {
		return false, err
	}

	var created bool
	err = b.update(ctx, func(txn *badger.Txn) error {
		created = false
		_, err := b.getInTxn(txn, rec.SagaInstanceID, rec.EventName)
		if err == nil {
			return nil
		}
		if !storage.IsNotFound(err) {
			return err
		}
		now := time.Now().UTC()
		s := &stored{Record: *copied}
		s.UpdatedAt = now
		if err := b.assignOrder(s, now); err != nil {
			return err
		}
		created = true
		return b.putInTxn(txn, s)
	})
	if err != nil {
		b.log.Error("failed to insert saga step", "saga_instance_id", rec.SagaInstanceID, "event_name", rec.EventName, "error", err)
		return false, wrapUnavailable(err)
	}
	return created, nil
}

// RecordFailure counts one failed attempt of a step inside a single
// transaction.
func (b *BadgerStorage) RecordFailure(ctx context.Context, sagaInstanceID, eventName, errorMessage string) (*storage.Record, error) {
	var rec storage.Record
	err := b.update(ctx, func(txn *badger.Txn) error {
		s, err := b.getInTxn(txn, sagaInstanceID, eventName)
		if err != nil {
			return err
		}
		changed := storage.ApplyFailure(&s.Record, errorMessage, time.Now().UTC())
		rec = s.Record
		if !changed {
			return nil
		}
		return b.putInTxn(txn, s)
	})
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, err
		}
		b.log.Error("failed to record saga step failure", "saga_instance_id", sagaInstanceID, "event_name", eventName, "error", err)
		return nil, wrapUnavailable(err)
	}
	return &rec, nil
}

// Update merges changes into an existing record.
func (b *BadgerStorage) Update(ctx context.Context, sagaInstanceID, eventName string, changes storage.Changes) error {
	err := b.update(ctx, func(txn *badger.Txn) error {
		s, err := b.getInTxn(txn, sagaInstanceID, eventName)
		if err != nil {
			return err
		}
		changes.Apply(&s.Record, time.Now().UTC())
		return b.putInTxn(txn, s)
	})
	if err != nil && !storage.IsNotFound(err) {
		b.log.Error("failed to update saga step", "saga_instance_id", sagaInstanceID, "event_name", eventName, "error", err)
		return wrapUnavailable(err)
	}
	return err
}

// GetLog retrieves a single step record.
func (b *BadgerStorage) GetLog(ctx context.Context, sagaInstanceID, eventName string) (*storage.Record, error) {
	var rec *storage.Record
	err := b.db.View(func(txn *badger.Txn) error {
		s, err := b.getInTxn(txn, sagaInstanceID, eventName)
		if err != nil {
			return err
		}
		rec = &s.Record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetLogs walks the order index of a saga and loads each record.
func (b *BadgerStorage) GetLogs(ctx context.Context, sagaInstanceID string) ([]*storage.Record, error) {
	records := []*storage.Record{}

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = orderPrefix(sagaInstanceID)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var eventName string
			if err := it.Item().Value(func(val []byte) error {
				eventName = string(val)
				return nil
			}); err != nil {
				return err
			}

			s, err := b.getInTxn(txn, sagaInstanceID, eventName)
			if err != nil {
				if storage.IsNotFound(err) {
					continue
				}
				return err
			}
			rec := s.Record
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		b.log.Error("failed to list saga steps", "saga_instance_id", sagaInstanceID, "error", err)
		return nil, wrapUnavailable(err)
	}

	return records, nil
}

// Close releases the sequence and closes the Badger database.
func (b *BadgerStorage) Close() error {
	if err := b.seq.Release(); err != nil {
		b.log.Warn("failed to release sequence", "error", err)
	}
	if !b.config.InMemory {
		if err := b.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
			b.log.Debug("value log GC skipped", "error", err)
		}
	}
	return b.db.Close()
}

func wrapUnavailable(err error) error {
	var se *storage.SerializationError
	var su *storage.StorageUnavailableError
	if errors.As(err, &se) || errors.As(err, &su) || storage.IsNotFound(err) {
		return err
	}
	return &storage.StorageUnavailableError{Cause: err}
}
