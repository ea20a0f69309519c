// Package memory provides an in-memory implementation of the storage backend.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goclaw/eventmesh/pkg/storage"
)

type entry struct {
	seq uint64
	rec *storage.Record
}

// MemoryStorage implements storage.Backend using in-memory maps.
type MemoryStorage struct {
	mu    sync.RWMutex
	seq   uint64
	sagas map[string]map[string]*entry // sagaInstanceID -> eventName -> entry
	now   func() time.Time
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		sagas: make(map[string]map[string]*entry),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Store inserts or replaces a step record.
func (m *MemoryStorage) Store(ctx context.Context, rec *storage.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	copied, err := rec.Clone()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sagas[rec.SagaInstanceID][rec.EventName]; ok {
		copied.CreatedAt = existing.rec.CreatedAt
		copied.UpdatedAt = m.now()
		existing.rec = copied
		return nil
	}
	m.insertLocked(copied)
	return nil
}

// Insert stores a step record unless one already exists.
func (m *MemoryStorage) Insert(ctx context.Context, rec *storage.Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}
	copied, err := rec.Clone()
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sagas[rec.SagaInstanceID][rec.EventName]; ok {
		return false, nil
	}
	m.insertLocked(copied)
	return true, nil
}

func (m *MemoryStorage) insertLocked(rec *storage.Record) {
	now := m.now()
	steps, ok := m.sagas[rec.SagaInstanceID]
	if !ok {
		steps = make(map[string]*entry)
		m.sagas[rec.SagaInstanceID] = steps
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.seq++
	steps[rec.EventName] = &entry{seq: m.seq, rec: rec}
}

// RecordFailure counts one failed attempt of a step.
func (m *MemoryStorage) RecordFailure(ctx context.Context, sagaInstanceID, eventName, errorMessage string) (*storage.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sagas[sagaInstanceID][eventName]
	if !ok {
		return nil, storage.StepNotFound(sagaInstanceID, eventName)
	}
	storage.ApplyFailure(e.rec, errorMessage, m.now())
	return e.rec.Clone()
}

// Update merges changes into an existing record.
func (m *MemoryStorage) Update(ctx context.Context, sagaInstanceID, eventName string, changes storage.Changes) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sagas[sagaInstanceID][eventName]
	if !ok {
		return storage.StepNotFound(sagaInstanceID, eventName)
	}

	updated := *e.rec
	changes.Apply(&updated, m.now())
	cloned, err := updated.Clone()
	if err != nil {
		return err
	}
	e.rec = cloned
	return nil
}

// GetLog retrieves a single step record.
func (m *MemoryStorage) GetLog(ctx context.Context, sagaInstanceID, eventName string) (*storage.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sagas[sagaInstanceID][eventName]
	if !ok {
		return nil, storage.StepNotFound(sagaInstanceID, eventName)
	}
	return e.rec.Clone()
}

// GetLogs returns all records of a saga in creation order.
func (m *MemoryStorage) GetLogs(ctx context.Context, sagaInstanceID string) ([]*storage.Record, error) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sagas[sagaInstanceID]))
	for _, e := range m.sagas[sagaInstanceID] {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
			return a.rec.CreatedAt.Before(b.rec.CreatedAt)
		}
		return a.seq < b.seq
	})

	out := make([]*storage.Record, 0, len(entries))
	for _, e := range entries {
		rec, err := e.rec.Clone()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close is a no-op for in-memory storage.
func (m *MemoryStorage) Close() error {
	return nil
}
