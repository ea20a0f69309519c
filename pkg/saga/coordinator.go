// Package saga coordinates multi-step transactions carried over asynchronous
// messaging. The Coordinator records every step of a saga instance, applies
// the retry policy and triggers compensation once a step exhausts it.
package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/storage"
	"github.com/goclaw/eventmesh/pkg/transport"
)

// HeaderSagaInstanceID carries the saga instance id on every published event.
const HeaderSagaInstanceID = "X-Saga-Instance-Id"

// DefaultRetryAttempts is the failure count that triggers compensation.
const DefaultRetryAttempts = 3

var (
	// ErrInvalidEvent is returned when a saga id or event name is missing.
	ErrInvalidEvent = errors.New("saga: saga instance id and event name are required")
	// ErrNoDriver is returned when the driver source hands back no driver.
	ErrNoDriver = errors.New("saga: no transport driver available")
)

// DriverSource resolves the transport driver used to publish events.
// An empty name selects the default driver.
type DriverSource interface {
	Driver(ctx context.Context, name string) (transport.Driver, error)
}

// Outbox keeps events whose publish failed so they can be relayed later.
type Outbox interface {
	Enqueue(ctx context.Context, topic string, payload map[string]any, headers map[string]string) error
}

// Notifier is told about every step status transition.
type Notifier interface {
	BroadcastStepChanged(sagaInstanceID, eventName, oldStatus, newStatus, errorMessage string, retryCount int, updatedAt time.Time)
}

// Event is one delivery of a saga step handed to a StepHandler.
type Event struct {
	SagaInstanceID string
	EventName      string
	Payload        map[string]any
	Headers        map[string]string
	// Attempt is 1 for the first delivery and grows with every failure.
	Attempt int
}

// StepHandler runs the business logic of a step. A returned error or a panic
// marks the step failed.
type StepHandler func(ctx context.Context, evt Event) error

// Option customizes Coordinator initialization.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithRetryAttempts sets the failure count that triggers compensation.
func WithRetryAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.retryAttempts = n
		}
	}
}

// WithCompensationHandlers sets the event name to action id mapping.
func WithCompensationHandlers(handlers map[string]string) Option {
	return func(c *Coordinator) {
		c.SetCompensationHandlers(handlers)
	}
}

// WithDriverName publishes through a named driver instead of the default.
func WithDriverName(name string) Option {
	return func(c *Coordinator) {
		c.driverName = name
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithNotifier sets the step transition listener.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) {
		c.notifier = n
	}
}

// WithOutbox enqueues triggering events whose publish failed.
func WithOutbox(o Outbox) Option {
	return func(c *Coordinator) {
		c.outbox = o
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator overrides saga instance id generation.
func WithIDGenerator(gen func() string) Option {
	return func(c *Coordinator) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// Coordinator owns the saga lifecycle. It is safe for concurrent use.
type Coordinator struct {
	store      storage.Backend
	drivers    DriverSource
	driverName string

	log      logger.Logger
	metrics  MetricsRecorder
	notifier Notifier
	outbox   Outbox
	now      func() time.Time
	newID    func() string

	retryAttempts int
	compensations atomic.Pointer[map[string]string]

	steps   *xsync.MapOf[string, StepHandler]
	actions *xsync.MapOf[string, CompensationFunc]
	locks   *lockTable
}

// NewCoordinator creates a coordinator over store publishing through drivers.
func NewCoordinator(store storage.Backend, drivers DriverSource, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:         store,
		drivers:       drivers,
		log:           logger.Global(),
		metrics:       nopMetricsRecorder{},
		now:           time.Now,
		newID:         uuid.NewString,
		retryAttempts: DefaultRetryAttempts,
		steps:         xsync.NewMapOf[string, StepHandler](),
		actions:       xsync.NewMapOf[string, CompensationFunc](),
		locks:         newLockTable(),
	}
	empty := map[string]string{}
	c.compensations.Store(&empty)
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.log = c.log.With("component", "saga")
	return c
}

// RetryAttempts returns the configured failure limit.
func (c *Coordinator) RetryAttempts() int {
	return c.retryAttempts
}

// SetCompensationHandlers replaces the event name to action id mapping.
// It is safe to call while events are being handled.
func (c *Coordinator) SetCompensationHandlers(handlers map[string]string) {
	copied := make(map[string]string, len(handlers))
	for event, action := range handlers {
		copied[event] = action
	}
	c.compensations.Store(&copied)
}

// HandleStep registers the business logic for eventName, replacing any
// previous handler.
func (c *Coordinator) HandleStep(eventName string, handler StepHandler) {
	if handler == nil {
		c.steps.Delete(eventName)
		return
	}
	c.steps.Store(eventName, handler)
}

// Start begins a saga: it stores a pending record for eventName and
// publishes the event with the new saga instance id attached as a header.
// A failed publish is logged and handed to the outbox; only a storage or
// driver resolution failure fails Start.
func (c *Coordinator) Start(ctx context.Context, eventName string, payload map[string]any, headers map[string]string) (string, error) {
	if eventName == "" {
		return "", ErrInvalidEvent
	}

	ctx, span := sagaTracer().Start(ctx, spanSagaStart, trace.WithAttributes(
		attribute.String("saga.event_name", eventName),
	))
	defer span.End()

	driver, err := c.drivers.Driver(ctx, c.driverName)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("saga: resolve driver: %w", err)
	}
	if driver == nil {
		span.SetStatus(codes.Error, ErrNoDriver.Error())
		return "", ErrNoDriver
	}

	id := c.newID()
	span.SetAttributes(attribute.String("saga.instance_id", id))
	merged := transport.MergeHeaders(withoutSagaHeader(headers), map[string]string{HeaderSagaInstanceID: id})

	now := c.now().UTC()
	rec := &storage.Record{
		SagaInstanceID: id,
		EventName:      eventName,
		Status:         storage.StatusPending,
		Payload:        payload,
		Headers:        merged,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.store.Store(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.ErrorContext(ctx, "failed to store saga start", "saga_instance_id", id, "event_name", eventName, "error", err)
		return "", fmt.Errorf("saga: store start record: %w", err)
	}
	c.metrics.RecordSagaStarted(eventName)
	c.notify(id, eventName, "", storage.StatusPending, "", 0, now)

	ok := driver.Publish(ctx, eventName, payload, merged)
	c.metrics.RecordStartPublish(ok)
	if !ok {
		span.AddEvent("publish failed")
		c.log.WarnContext(ctx, "saga start event was not published", "saga_instance_id", id, "event_name", eventName, "driver", driver.Name())
		if c.outbox != nil {
			if err := c.outbox.Enqueue(ctx, eventName, payload, merged); err != nil {
				c.log.ErrorContext(ctx, "failed to enqueue saga start event", "saga_instance_id", id, "event_name", eventName, "error", err)
			}
		}
	}

	c.log.InfoContext(ctx, "saga started", "saga_instance_id", id, "event_name", eventName, "published", ok)
	return id, nil
}

// HandleEvent records one delivery of a saga step. Deliveries of the same
// step are serialized in-process; across processes the store's atomic
// Insert and RecordFailure keep the retry count exact, so every failure is
// counted once and compensation fires once.
//
// A step handler failure is recorded on the step and never returned; the
// returned error reports storage failures only, after which the delivery
// should be treated as failed by the caller.
func (c *Coordinator) HandleEvent(ctx context.Context, sagaInstanceID, eventName string, payload map[string]any, headers map[string]string) error {
	if sagaInstanceID == "" || eventName == "" {
		return ErrInvalidEvent
	}

	ctx, span := sagaTracer().Start(ctx, spanSagaHandleEvent, trace.WithAttributes(
		attribute.String("saga.instance_id", sagaInstanceID),
		attribute.String("saga.event_name", eventName),
	))
	defer span.End()

	unlock := c.locks.lock(stepKey(sagaInstanceID, eventName))
	defer unlock()

	start := time.Now()
	status, err := c.handleLocked(ctx, sagaInstanceID, eventName, payload, headers)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.RecordStepHandled(eventName, "error", time.Since(start))
		return err
	}
	span.SetAttributes(attribute.String("saga.step_status", status))
	c.metrics.RecordStepHandled(eventName, status, time.Since(start))
	return nil
}

func (c *Coordinator) handleLocked(ctx context.Context, sagaInstanceID, eventName string, payload map[string]any, headers map[string]string) (string, error) {
	rec, err := c.loadOrCreate(ctx, sagaInstanceID, eventName, payload, headers)
	if err != nil {
		return "", err
	}

	if rec.Status == storage.StatusSuccess {
		c.log.DebugContext(ctx, "ignoring delivery of completed step", "saga_instance_id", sagaInstanceID, "event_name", eventName)
		return storage.StatusSuccess, nil
	}

	handlerErr := c.runStep(ctx, Event{
		SagaInstanceID: sagaInstanceID,
		EventName:      eventName,
		Payload:        payload,
		Headers:        transport.CloneHeaders(headers),
		Attempt:        rec.RetryCount + 1,
	})

	if handlerErr == nil {
		now := c.now().UTC()
		status := storage.StatusSuccess
		cleared := ""
		if err := c.store.Update(ctx, sagaInstanceID, eventName, storage.Changes{
			Status:       &status,
			ErrorMessage: &cleared,
			ProcessedAt:  &now,
		}); err != nil {
			c.log.ErrorContext(ctx, "failed to mark saga step succeeded", "saga_instance_id", sagaInstanceID, "event_name", eventName, "error", err)
			return "", fmt.Errorf("saga: update step: %w", err)
		}
		c.notify(sagaInstanceID, eventName, rec.Status, status, "", rec.RetryCount, now)
		return status, nil
	}

	c.log.ErrorContext(ctx, "saga event processing failed",
		"saga_instance_id", sagaInstanceID,
		"event_name", eventName,
		"attempt", rec.RetryCount+1,
		"error", handlerErr,
	)

	message := handlerErr.Error()
	failed, err := c.store.RecordFailure(ctx, sagaInstanceID, eventName, message)
	if err != nil {
		c.log.ErrorContext(ctx, "failed to mark saga step failed", "saga_instance_id", sagaInstanceID, "event_name", eventName, "error", err)
		return "", fmt.Errorf("saga: update step: %w", err)
	}
	if failed.Status == storage.StatusSuccess {
		// Another delivery completed the step while this one was running.
		c.log.DebugContext(ctx, "failure after step completed elsewhere", "saga_instance_id", sagaInstanceID, "event_name", eventName)
		return storage.StatusSuccess, nil
	}
	c.notify(sagaInstanceID, eventName, rec.Status, failed.Status, message, failed.RetryCount, c.now().UTC())

	// Only the failure that lands exactly on the limit compensates. The
	// store hands every concurrent failure a distinct count, so that is at
	// most one delivery across all coordinators.
	if failed.RetryCount != c.retryAttempts {
		return failed.Status, nil
	}
	action := c.compensationFor(eventName)
	if action != "" {
		if err := c.store.Update(ctx, sagaInstanceID, eventName, storage.Changes{CompensationHandler: &action}); err != nil {
			c.log.ErrorContext(ctx, "failed to record compensation handler", "saga_instance_id", sagaInstanceID, "event_name", eventName, "error", err)
			return "", fmt.Errorf("saga: update step: %w", err)
		}
		failed.CompensationHandler = action
	}
	c.compensate(ctx, action, failed)
	return failed.Status, nil
}

// loadOrCreate returns the step record, inserting a pending one on first
// delivery. When another coordinator inserts first its record is used.
func (c *Coordinator) loadOrCreate(ctx context.Context, sagaInstanceID, eventName string, payload map[string]any, headers map[string]string) (*storage.Record, error) {
	rec, err := c.store.GetLog(ctx, sagaInstanceID, eventName)
	if err == nil {
		return rec, nil
	}
	if !storage.IsNotFound(err) {
		c.log.ErrorContext(ctx, "failed to load saga step", "saga_instance_id", sagaInstanceID, "event_name", eventName, "error", err)
		return nil, fmt.Errorf("saga: load step: %w", err)
	}

	now := c.now().UTC()
	rec = &storage.Record{
		SagaInstanceID: sagaInstanceID,
		EventName:      eventName,
		Status:         storage.StatusPending,
		Payload:        payload,
		Headers:        headers,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	created, err := c.store.Insert(ctx, rec)
	if err != nil {
		c.log.ErrorContext(ctx, "failed to store saga step", "saga_instance_id", sagaInstanceID, "event_name", eventName, "error", err)
		return nil, fmt.Errorf("saga: store step: %w", err)
	}
	if created {
		c.notify(sagaInstanceID, eventName, "", storage.StatusPending, "", 0, now)
		return rec, nil
	}

	rec, err = c.store.GetLog(ctx, sagaInstanceID, eventName)
	if err != nil {
		c.log.ErrorContext(ctx, "failed to load saga step", "saga_instance_id", sagaInstanceID, "event_name", eventName, "error", err)
		return nil, fmt.Errorf("saga: load step: %w", err)
	}
	return rec, nil
}

// runStep dispatches to the handler registered for the event. An event name
// with no handler is a successful no-op.
func (c *Coordinator) runStep(ctx context.Context, evt Event) (err error) {
	handler, ok := c.steps.Load(evt.EventName)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step handler panic: %v", r)
		}
	}()
	return handler(ctx, evt)
}

// Consume adapts a delivered message to HandleEvent. Messages without the
// saga instance header are not part of a saga and are ignored.
func (c *Coordinator) Consume(ctx context.Context, msg *transport.Message) {
	if msg == nil {
		return
	}
	id := SagaInstanceID(msg.Headers)
	if id == "" {
		c.log.DebugContext(ctx, "message without saga instance id ignored", "topic", msg.Topic)
		return
	}
	if err := c.HandleEvent(ctx, id, msg.Topic, msg.Payload, msg.Headers); err != nil {
		c.log.ErrorContext(ctx, "failed to handle saga event", "saga_instance_id", id, "event_name", msg.Topic, "error", err)
	}
}

// SagaInstanceID returns the saga instance header, matched case-insensitively.
func SagaInstanceID(headers map[string]string) string {
	if id, ok := headers[HeaderSagaInstanceID]; ok {
		return id
	}
	for k, v := range headers {
		if strings.EqualFold(k, HeaderSagaInstanceID) {
			return v
		}
	}
	return ""
}

// withoutSagaHeader copies headers minus any spelling of the saga instance
// header, so a caller value cannot shadow the generated id.
func withoutSagaHeader(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if strings.EqualFold(k, HeaderSagaInstanceID) {
			continue
		}
		out[k] = v
	}
	return out
}

func (c *Coordinator) notify(sagaInstanceID, eventName, oldStatus, newStatus, errorMessage string, retryCount int, at time.Time) {
	if c.notifier == nil {
		return
	}
	c.notifier.BroadcastStepChanged(sagaInstanceID, eventName, oldStatus, newStatus, errorMessage, retryCount, at)
}
