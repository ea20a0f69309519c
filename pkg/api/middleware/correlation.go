package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/goclaw/eventmesh/pkg/saga"
)

const (
	// RequestIDHeader carries the request id in both directions.
	RequestIDHeader = "X-Request-ID"

	// TopicHeader names the topic a webhook post is delivered to.
	TopicHeader = "X-EventMesh-Topic"

	maxRequestIDLen = 128
)

type contextKey string

const correlationKey contextKey = "correlation"

// correlation holds the ids a request is known by. Handlers may learn the
// saga instance id late (a saga start generates it), so the value is shared
// by pointer and guarded.
type correlation struct {
	mu             sync.Mutex
	requestID      string
	sagaInstanceID string
	topic          string
}

// RequestID returns a middleware that assigns every request an id and
// records the saga instance and topic it refers to. An inbound X-Request-ID
// is kept when it is short printable ASCII; anything else is replaced.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if !validRequestID(requestID) {
				requestID = uuid.New().String()
			}

			c := &correlation{
				requestID:      requestID,
				sagaInstanceID: strings.TrimSpace(r.Header.Get(saga.HeaderSagaInstanceID)),
				topic:          strings.TrimSpace(r.Header.Get(TopicHeader)),
			}
			w.Header().Set(RequestIDHeader, requestID)

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey, c)))
		})
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

func correlationFrom(ctx context.Context) *correlation {
	c, _ := ctx.Value(correlationKey).(*correlation)
	return c
}

// GetRequestID extracts the request ID from context.
func GetRequestID(ctx context.Context) string {
	if c := correlationFrom(ctx); c != nil {
		return c.requestID
	}
	return ""
}

// GetSagaInstanceID returns the saga instance the request refers to, or ""
// when none is known yet.
func GetSagaInstanceID(ctx context.Context) string {
	c := correlationFrom(ctx)
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sagaInstanceID
}

// SetSagaInstanceID records the saga instance a handler resolved, so the
// request log and span carry it.
func SetSagaInstanceID(ctx context.Context, id string) {
	c := correlationFrom(ctx)
	if c == nil || id == "" {
		return
	}
	c.mu.Lock()
	c.sagaInstanceID = id
	c.mu.Unlock()
}

// GetTopic returns the webhook topic header of the request.
func GetTopic(ctx context.Context) string {
	if c := correlationFrom(ctx); c != nil {
		return c.topic
	}
	return ""
}
