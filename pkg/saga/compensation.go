package saga

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goclaw/eventmesh/pkg/storage"
)

// PublishActionPrefix marks a compensation action that publishes an event:
// "publish:order.cancel" publishes to topic order.cancel.
const PublishActionPrefix = "publish:"

// Compensation results reported to metrics.
const (
	compensationSucceeded = "success"
	compensationFailed    = "failed"
	compensationUnknown   = "unknown_action"
)

// CompensationRequest is handed to a compensating action.
type CompensationRequest struct {
	SagaInstanceID string
	OriginalEvent  string
	// Step is the failed step as recorded after the final attempt.
	Step storage.Record
}

// CompensationFunc is a compensating action. Errors are logged, never
// propagated.
type CompensationFunc func(ctx context.Context, req CompensationRequest) error

// RegisterCompensation registers the action referenced by actionID in the
// compensation handler mapping.
func (c *Coordinator) RegisterCompensation(actionID string, fn CompensationFunc) error {
	if actionID == "" {
		return fmt.Errorf("saga: compensation action id cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("saga: compensation action %q cannot be nil", actionID)
	}
	if strings.HasPrefix(actionID, PublishActionPrefix) {
		return fmt.Errorf("saga: action id %q uses the reserved %q prefix", actionID, PublishActionPrefix)
	}
	if _, loaded := c.actions.LoadOrStore(actionID, fn); loaded {
		return fmt.Errorf("saga: compensation action %q already registered", actionID)
	}
	return nil
}

// compensationFor returns the action id configured for eventName, if any.
func (c *Coordinator) compensationFor(eventName string) string {
	return (*c.compensations.Load())[eventName]
}

// compensate runs the action for a step that exhausted its retries. It
// recovers panics and only logs failures.
func (c *Coordinator) compensate(ctx context.Context, actionID string, step *storage.Record) {
	if actionID == "" {
		c.log.InfoContext(ctx, "retry limit reached without compensation handler",
			"saga_instance_id", step.SagaInstanceID,
			"event_name", step.EventName,
			"retry_count", step.RetryCount,
		)
		return
	}

	ctx, span := sagaTracer().Start(ctx, spanSagaCompensate, trace.WithAttributes(
		attribute.String("saga.instance_id", step.SagaInstanceID),
		attribute.String("saga.event_name", step.EventName),
		attribute.String("saga.compensation_handler", actionID),
	))
	defer span.End()

	log := c.log.With(
		"saga_instance_id", step.SagaInstanceID,
		"event_name", step.EventName,
		"compensation_handler", actionID,
	)

	req := CompensationRequest{
		SagaInstanceID: step.SagaInstanceID,
		OriginalEvent:  step.EventName,
		Step:           *step,
	}

	var action CompensationFunc
	if topic, ok := strings.CutPrefix(actionID, PublishActionPrefix); ok {
		action = c.publishAction(topic)
	} else if fn, ok := c.actions.Load(actionID); ok {
		action = fn
	} else {
		span.SetStatus(codes.Error, "unknown compensation action")
		c.metrics.RecordCompensation(step.EventName, compensationUnknown)
		log.WarnContext(ctx, "compensation action is not registered")
		return
	}

	if err := invokeCompensation(ctx, action, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.RecordCompensation(step.EventName, compensationFailed)
		log.ErrorContext(ctx, "compensation handler failed", "error", err)
		return
	}
	c.metrics.RecordCompensation(step.EventName, compensationSucceeded)
	log.InfoContext(ctx, "compensation triggered")
}

func invokeCompensation(ctx context.Context, fn CompensationFunc, req CompensationRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation panic: %v", r)
		}
	}()
	return fn(ctx, req)
}

// publishAction publishes a compensating event on the coordinator's driver.
func (c *Coordinator) publishAction(topic string) CompensationFunc {
	return func(ctx context.Context, req CompensationRequest) error {
		if topic == "" {
			return fmt.Errorf("publish action has no topic")
		}
		driver, err := c.drivers.Driver(ctx, c.driverName)
		if err != nil {
			return fmt.Errorf("resolve driver: %w", err)
		}
		if driver == nil {
			return ErrNoDriver
		}
		payload := map[string]any{
			"saga_instance_id": req.SagaInstanceID,
			"original_event":   req.OriginalEvent,
			"payload":          req.Step.Payload,
			"error_message":    req.Step.ErrorMessage,
			"retry_count":      req.Step.RetryCount,
		}
		headers := map[string]string{HeaderSagaInstanceID: req.SagaInstanceID}
		if !driver.Publish(ctx, topic, payload, headers) {
			return fmt.Errorf("publish to %s failed on driver %s", topic, driver.Name())
		}
		return nil
	}
}
