// Package outbox keeps publishes that could not reach the broker and
// replays them until they succeed or run out of attempts.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/storage"
)

// Event states.
const (
	StatusPending   = "pending"
	StatusPublished = "published"
	StatusFailed    = "failed"
)

// Event is a publish waiting in the outbox.
type Event struct {
	ID           string            `json:"id"`
	Topic        string            `json:"topic"`
	Payload      map[string]any    `json:"payload"`
	Headers      map[string]string `json:"headers,omitempty"`
	Status       string            `json:"status"`
	RetryCount   int               `json:"retry_count"`
	ErrorMessage string            `json:"error_message,omitempty"`
	PublishedAt  *time.Time        `json:"published_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Store persists outbox events.
type Store interface {
	// Add inserts a new pending event.
	Add(ctx context.Context, ev *Event) error
	// Pending returns up to limit pending events, oldest first.
	Pending(ctx context.Context, limit int) ([]*Event, error)
	// MarkPublished moves an event to the published state.
	MarkPublished(ctx context.Context, id string, at time.Time) error
	// MarkFailed records a failed attempt. A terminal failure moves the
	// event out of the pending set.
	MarkFailed(ctx context.Context, id, errMsg string, terminal bool) error
	Close() error
}

var (
	// ErrEmptyTopic is returned when enqueuing an event without a topic.
	ErrEmptyTopic = errors.New("outbox: topic is required")
	// ErrMissingID is returned when a store receives an event without an id.
	ErrMissingID = errors.New("outbox: event id is required")
)

func eventNotFound(id string) *storage.NotFoundError {
	return &storage.NotFoundError{EntityType: "outbox event", ID: id}
}

// Outbox is the enqueue side used by publishers.
type Outbox struct {
	store Store
	log   logger.Logger
	now   func() time.Time
	newID func() string
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(o *Outbox) {
		if log != nil {
			o.log = log
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Outbox) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an Outbox on top of store.
func New(store Store, opts ...Option) *Outbox {
	o := &Outbox{
		store: store,
		log:   logger.Global(),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With("component", "outbox")
	return o
}

// Store returns the backing store.
func (o *Outbox) Store() Store {
	return o.store
}

// Enqueue stores a publish for later delivery.
func (o *Outbox) Enqueue(ctx context.Context, topic string, payload map[string]any, headers map[string]string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	now := o.now()
	ev := &Event{
		ID:        o.newID(),
		Topic:     topic,
		Payload:   payload,
		Headers:   storage.CloneHeaders(headers),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	if err := o.store.Add(ctx, ev); err != nil {
		o.log.ErrorContext(ctx, "failed to enqueue event", "topic", topic, "error", err)
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	o.log.DebugContext(ctx, "event enqueued", "id", ev.ID, "topic", topic)
	return nil
}
