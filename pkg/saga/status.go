package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/goclaw/eventmesh/pkg/storage"
)

// Aggregate saga statuses.
const (
	StatusPending   = "pending"
	StatusFailed    = "failed"
	StatusCompleted = "completed"
	StatusUnknown   = "unknown"
)

// Step is the public view of one step record.
type Step struct {
	EventName           string     `json:"event_name"`
	Status              string     `json:"status"`
	RetryCount          int        `json:"retry_count"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	CompensationHandler string     `json:"compensation_handler,omitempty"`
	ProcessedAt         *time.Time `json:"processed_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Status is the state of a saga instance.
type Status struct {
	SagaInstanceID string `json:"saga_instance_id"`
	Status         string `json:"status"`
	Steps          []Step `json:"steps"`
}

// GetSagaStatus loads every step of the instance in creation order and
// computes the aggregate status. An instance with no steps is reported as
// unknown, not as an error.
func (c *Coordinator) GetSagaStatus(ctx context.Context, sagaInstanceID string) (*Status, error) {
	if sagaInstanceID == "" {
		return nil, ErrInvalidEvent
	}
	records, err := c.store.GetLogs(ctx, sagaInstanceID)
	if err != nil {
		c.log.ErrorContext(ctx, "failed to load saga steps", "saga_instance_id", sagaInstanceID, "error", err)
		return nil, fmt.Errorf("saga: load steps: %w", err)
	}

	steps := make([]Step, 0, len(records))
	for _, rec := range records {
		steps = append(steps, Step{
			EventName:           rec.EventName,
			Status:              rec.Status,
			RetryCount:          rec.RetryCount,
			ErrorMessage:        rec.ErrorMessage,
			CompensationHandler: rec.CompensationHandler,
			ProcessedAt:         rec.ProcessedAt,
			CreatedAt:           rec.CreatedAt,
			UpdatedAt:           rec.UpdatedAt,
		})
	}

	return &Status{
		SagaInstanceID: sagaInstanceID,
		Status:         Aggregate(records),
		Steps:          steps,
	}, nil
}

// Aggregate computes the saga status from its steps. Rules apply in order:
// any failed step, then any pending step, then all steps succeeded.
func Aggregate(records []*storage.Record) string {
	if len(records) == 0 {
		return StatusUnknown
	}

	var failed, pending bool
	allSuccess := true
	for _, rec := range records {
		switch rec.Status {
		case storage.StatusFailed:
			failed = true
		case storage.StatusPending:
			pending = true
		}
		if rec.Status != storage.StatusSuccess {
			allSuccess = false
		}
	}

	switch {
	case failed:
		return StatusFailed
	case pending:
		return StatusPending
	case allSuccess:
		return StatusCompleted
	default:
		return StatusUnknown
	}
}
