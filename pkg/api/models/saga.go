// Package models holds the request and response bodies of the HTTP API.
package models

import "time"

// StartSagaRequest starts a saga with its first event.
type StartSagaRequest struct {
	EventName string            `json:"event_name" validate:"required,max=255"`
	Payload   map[string]any    `json:"payload,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// StartSagaResponse is returned when a saga has been started.
type StartSagaResponse struct {
	SagaInstanceID string `json:"saga_instance_id"`
}

// HandleEventRequest delivers one event of a running saga.
type HandleEventRequest struct {
	EventName string            `json:"event_name" validate:"required,max=255"`
	Payload   map[string]any    `json:"payload,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// SagaStep is one row of a saga status response.
type SagaStep struct {
	EventName           string     `json:"event_name"`
	Status              string     `json:"status"`
	RetryCount          int        `json:"retry_count"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	CompensationHandler string     `json:"compensation_handler,omitempty"`
	ProcessedAt         *time.Time `json:"processed_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// SagaStatusResponse is the aggregated view of one saga.
type SagaStatusResponse struct {
	SagaInstanceID string     `json:"saga_instance_id"`
	Status         string     `json:"status"`
	Steps          []SagaStep `json:"steps"`
}

// PublishRequest is the body of the publish endpoint. It matches what the
// HTTP transport driver sends.
type PublishRequest struct {
	Topic   string            `json:"topic" validate:"required,max=255"`
	Payload map[string]any    `json:"payload"`
	Headers map[string]string `json:"headers"`
}

// PublishResponse reports how many local handlers received the event.
type PublishResponse struct {
	Status    string `json:"status"`
	Delivered int    `json:"delivered"`
}
