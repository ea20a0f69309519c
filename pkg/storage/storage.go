// Package storage defines the persistence contract for saga step records.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/goclaw/eventmesh/pkg/transport"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Step statuses.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Backend persists saga step records. A record is identified by the pair
// (saga instance id, event name).
type Backend interface {
	// Store inserts the record or replaces the existing one for the same
	// pair. CreatedAt of an existing record is preserved.
	Store(ctx context.Context, rec *Record) error

	// Insert stores rec only when no record exists for the pair and
	// reports whether it did. An existing record is left untouched.
	Insert(ctx context.Context, rec *Record) (bool, error)

	// Update merges changes into an existing record and refreshes UpdatedAt.
	Update(ctx context.Context, sagaInstanceID, eventName string, changes Changes) error

	// RecordFailure marks the step failed with errorMessage and increments
	// its retry count in one atomic write, so concurrent failures are each
	// counted once. A step that already succeeded is returned unchanged.
	// The returned record is the state after the write.
	RecordFailure(ctx context.Context, sagaInstanceID, eventName, errorMessage string) (*Record, error)

	// GetLog returns the record for the pair or a *NotFoundError.
	GetLog(ctx context.Context, sagaInstanceID, eventName string) (*Record, error)

	// GetLogs returns every record of a saga instance in creation order.
	GetLogs(ctx context.Context, sagaInstanceID string) ([]*Record, error)

	Close() error
}

// Record is one step of a saga instance.
type Record struct {
	SagaInstanceID      string            `json:"saga_instance_id"`
	EventName           string            `json:"event_name"`
	Status              string            `json:"status"`
	Payload             map[string]any    `json:"payload"`
	Headers             map[string]string `json:"headers"`
	RetryCount          int               `json:"retry_count"`
	ErrorMessage        string            `json:"error_message,omitempty"`
	CompensationHandler string            `json:"compensation_handler,omitempty"`
	ProcessedAt         *time.Time        `json:"processed_at,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Changes is a partial update. Nil fields are left untouched.
type Changes struct {
	Status              *string
	Payload             map[string]any
	Headers             map[string]string
	RetryCount          *int
	ErrorMessage        *string
	CompensationHandler *string
	ProcessedAt         *time.Time
}

// Apply merges the changes into rec and stamps UpdatedAt.
func (c Changes) Apply(rec *Record, now time.Time) {
	if c.Status != nil {
		rec.Status = *c.Status
	}
	if c.Payload != nil {
		rec.Payload = c.Payload
	}
	if c.Headers != nil {
		rec.Headers = c.Headers
	}
	if c.RetryCount != nil {
		rec.RetryCount = *c.RetryCount
	}
	if c.ErrorMessage != nil {
		rec.ErrorMessage = *c.ErrorMessage
	}
	if c.CompensationHandler != nil {
		rec.CompensationHandler = *c.CompensationHandler
	}
	if c.ProcessedAt != nil {
		t := *c.ProcessedAt
		rec.ProcessedAt = &t
	}
	rec.UpdatedAt = now
}

// ApplyFailure is the in-process form of Backend.RecordFailure. It reports
// whether rec was changed.
func ApplyFailure(rec *Record, errorMessage string, now time.Time) bool {
	if rec.Status == StatusSuccess {
		return false
	}
	rec.Status = StatusFailed
	rec.ErrorMessage = errorMessage
	rec.RetryCount++
	rec.UpdatedAt = now
	return true
}

// Clone returns a deep copy of the record. Payload and headers are copied
// through JSON so every backend hands out the same value shapes.
func (r *Record) Clone() (*Record, error) {
	out := *r
	payload, err := MarshalPayload(r.Payload)
	if err != nil {
		return nil, err
	}
	if out.Payload, err = UnmarshalPayload(payload); err != nil {
		return nil, err
	}
	out.Headers = CloneHeaders(r.Headers)
	if r.ProcessedAt != nil {
		t := *r.ProcessedAt
		out.ProcessedAt = &t
	}
	return &out, nil
}

// Validate checks the key fields.
func (r *Record) Validate() error {
	if r == nil {
		return errors.New("record is nil")
	}
	if r.SagaInstanceID == "" {
		return errors.New("saga instance id is required")
	}
	if r.EventName == "" {
		return errors.New("event name is required")
	}
	return nil
}

// Key returns the record identity as a single string.
func (r *Record) Key() string {
	return r.SagaInstanceID + "/" + r.EventName
}

// MarshalPayload serializes a payload document. A nil payload is stored as {}.
func MarshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &SerializationError{Operation: "marshal payload", Cause: err}
	}
	return data, nil
}

// UnmarshalPayload deserializes a payload document. Integers beyond the
// float64 mantissa come back as int64 so they are not rounded.
func UnmarshalPayload(data []byte) (map[string]any, error) {
	out, err := transport.DecodePayload(data)
	if err != nil {
		return nil, &SerializationError{Operation: "unmarshal payload", Cause: err}
	}
	return out, nil
}

// DecodeJSON unmarshals a stored document into v without rounding numbers
// held in untyped fields. Pass the decoded record to Normalize afterwards.
func DecodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return &SerializationError{Operation: "unmarshal", Cause: err}
	}
	return nil
}

// Normalize replaces nil maps with empty ones and converts payload numbers
// left by DecodeJSON into the shapes UnmarshalPayload produces.
func Normalize(rec *Record) {
	if rec.Payload == nil {
		rec.Payload = map[string]any{}
	} else {
		transport.NormalizeNumbers(rec.Payload)
	}
	if rec.Headers == nil {
		rec.Headers = map[string]string{}
	}
}

// MarshalHeaders serializes headers. Nil headers are stored as {}.
func MarshalHeaders(headers map[string]string) ([]byte, error) {
	if headers == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(headers)
	if err != nil {
		return nil, &SerializationError{Operation: "marshal headers", Cause: err}
	}
	return data, nil
}

// UnmarshalHeaders deserializes headers.
func UnmarshalHeaders(data []byte) (map[string]string, error) {
	out := map[string]string{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &SerializationError{Operation: "unmarshal headers", Cause: err}
	}
	if out == nil {
		out = map[string]string{}
	}
	return out, nil
}

// CloneHeaders copies a header map, returning an empty map for nil.
func CloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// NotFoundError indicates that the requested record was not found.
type NotFoundError struct {
	EntityType string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.EntityType, e.ID)
}

// DuplicateKeyError indicates that an entity with the given ID already exists.
type DuplicateKeyError struct {
	EntityType string
	ID         string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.EntityType, e.ID)
}

// StorageUnavailableError indicates that the storage backend is unavailable.
type StorageUnavailableError struct {
	Cause error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.Cause)
}

func (e *StorageUnavailableError) Unwrap() error {
	return e.Cause
}

// SerializationError indicates a failure in data serialization/deserialization.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// IsNotFound reports whether err is or wraps a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsUnavailable reports whether err is or wraps a *StorageUnavailableError.
func IsUnavailable(err error) bool {
	var su *StorageUnavailableError
	return errors.As(err, &su)
}

// StepNotFound builds the NotFoundError for a saga step.
func StepNotFound(sagaInstanceID, eventName string) *NotFoundError {
	return &NotFoundError{EntityType: "saga step", ID: sagaInstanceID + "/" + eventName}
}

// ValidateIdentifier rejects table names that cannot be safely interpolated
// into a query.
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}
