package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name          string
		inbound       string
		wantGenerated bool
	}{
		{name: "generate when absent", inbound: "", wantGenerated: true},
		{name: "keep well-formed inbound id", inbound: "gateway-7f3a"},
		{name: "replace id with spaces", inbound: "bad id", wantGenerated: true},
		{name: "replace oversized id", inbound: strings.Repeat("a", maxRequestIDLen+1), wantGenerated: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/sagas/saga-1", nil)
			if tt.inbound != "" {
				req.Header.Set(RequestIDHeader, tt.inbound)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if got := w.Header().Get(RequestIDHeader); got != captured {
				t.Fatalf("response id %q != context id %q", got, captured)
			}
			if tt.wantGenerated {
				if _, err := uuid.Parse(captured); err != nil {
					t.Fatalf("generated id %q is not a UUID: %v", captured, err)
				}
				return
			}
			if captured != tt.inbound {
				t.Fatalf("request id = %q, want %q", captured, tt.inbound)
			}
		})
	}
}

func TestRequestIDRecordsSagaAndTopic(t *testing.T) {
	var sagaID, topic string
	handler := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sagaID = GetSagaInstanceID(r.Context())
		topic = GetTopic(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/eventmesh/webhook", nil)
	req.Header.Set("x-saga-instance-id", " saga-42 ")
	req.Header.Set("x-eventmesh-topic", "payment.failed")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if sagaID != "saga-42" {
		t.Fatalf("saga instance id = %q, want saga-42", sagaID)
	}
	if topic != "payment.failed" {
		t.Fatalf("topic = %q, want payment.failed", topic)
	}
}

func TestSetSagaInstanceID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetSagaInstanceID(r.Context(), "saga-new")
	})
	handler := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner.ServeHTTP(w, r)
		seen = GetSagaInstanceID(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/sagas", nil))

	if seen != "saga-new" {
		t.Fatalf("outer middleware saw %q, want saga-new", seen)
	}
}

func TestCorrelationWithoutMiddleware(t *testing.T) {
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	SetSagaInstanceID(ctx, "saga-1")
	if GetRequestID(ctx) != "" || GetSagaInstanceID(ctx) != "" || GetTopic(ctx) != "" {
		t.Fatal("expected empty values outside the middleware")
	}
}
