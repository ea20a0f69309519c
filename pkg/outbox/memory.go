package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goclaw/eventmesh/pkg/storage"
)

type memEntry struct {
	seq uint64
	ev  Event
}

// MemoryStore keeps outbox events in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	seq    uint64
	events map[string]*memEntry
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*memEntry),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Add(_ context.Context, ev *Event) error {
	if ev == nil || ev.ID == "" {
		return ErrMissingID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[ev.ID]; ok {
		return &storage.DuplicateKeyError{EntityType: "outbox event", ID: ev.ID}
	}
	m.seq++
	cp := *ev
	cp.Headers = storage.CloneHeaders(ev.Headers)
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.events[ev.ID] = &memEntry{seq: m.seq, ev: cp}
	return nil
}

func (m *MemoryStore) Pending(_ context.Context, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]*memEntry, 0, len(m.events))
	for _, e := range m.events {
		if e.ev.Status == StatusPending {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	out := make([]*Event, len(entries))
	for i, e := range entries {
		cp := e.ev
		cp.Headers = storage.CloneHeaders(e.ev.Headers)
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) MarkPublished(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok {
		return eventNotFound(id)
	}
	at = at.UTC()
	e.ev.Status = StatusPublished
	e.ev.PublishedAt = &at
	e.ev.ErrorMessage = ""
	e.ev.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id, errMsg string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok {
		return eventNotFound(id)
	}
	e.ev.RetryCount++
	e.ev.ErrorMessage = errMsg
	if terminal {
		e.ev.Status = StatusFailed
	}
	e.ev.UpdatedAt = m.now()
	return nil
}

// Get returns a copy of the event with the given id.
func (m *MemoryStore) Get(_ context.Context, id string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok {
		return nil, eventNotFound(id)
	}
	cp := e.ev
	cp.Headers = storage.CloneHeaders(e.ev.Headers)
	return &cp, nil
}

func (m *MemoryStore) Close() error { return nil }
