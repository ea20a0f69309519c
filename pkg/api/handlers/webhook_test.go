package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goclaw/eventmesh/pkg/api/events"
	"github.com/goclaw/eventmesh/pkg/dispatch"
	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/transport"
)

type capture struct {
	mu   sync.Mutex
	msgs []*transport.Message
}

func (c *capture) handle(_ context.Context, msg *transport.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *capture) all() []*transport.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*transport.Message(nil), c.msgs...)
}

type panickingDeliverer struct{}

func (panickingDeliverer) Deliver(context.Context, *transport.Message) int {
	panic("listener exploded")
}

func newWebhookForTest(t *testing.T) (*WebhookHandler, *capture, *events.Broadcaster) {
	t.Helper()
	router := dispatch.NewRouter(dispatch.WithLogger(logger.Nop()))
	c := &capture{}
	if _, err := router.On("orders.*", c.handle); err != nil {
		t.Fatalf("On: %v", err)
	}
	b := events.NewBroadcaster()
	return NewWebhookHandler(router, b, logger.Nop()), c, b
}

func TestWebhookHandler_Dispatches(t *testing.T) {
	h, c, b := newWebhookForTest(t)
	sub := b.Subscribe(4)
	defer b.Unsubscribe(sub)

	req := httptest.NewRequest(http.MethodPost, "/eventmesh/webhook", strings.NewReader(`{"order_id":"o-1"}`))
	req.Header.Set(TopicHeader, "orders.created")
	req.Header.Set("X-Saga-Instance-Id", "s-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Body.String(); got != "Event received" {
		t.Errorf("body = %q", got)
	}

	msgs := c.all()
	if len(msgs) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(msgs))
	}
	if msgs[0].Topic != "orders.created" || msgs[0].Payload["order_id"] != "o-1" {
		t.Errorf("message = %+v", msgs[0])
	}
	if msgs[0].Headers["x-saga-instance-id"] != "s-1" {
		t.Errorf("headers = %v", msgs[0].Headers)
	}

	select {
	case ev := <-sub:
		if ev.Type != events.TypeEventReceived {
			t.Errorf("event type = %q", ev.Type)
		}
		payload := ev.Payload.(map[string]any)
		if payload["via"] != "webhook" || payload["saga_instance_id"] != "s-1" {
			t.Errorf("payload = %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no event.received broadcast")
	}
}

func TestWebhookHandler_LargeIntegers(t *testing.T) {
	h, c, _ := newWebhookForTest(t)

	req := httptest.NewRequest(http.MethodPost, "/eventmesh/webhook",
		strings.NewReader(`{"ledger_id":9007199254740993,"qty":2}`))
	req.Header.Set(TopicHeader, "orders.booked")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	msgs := c.all()
	if len(msgs) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(msgs))
	}
	if got := msgs[0].Payload["ledger_id"]; got != int64(9007199254740993) {
		t.Errorf("ledger_id = %v (%T), want exact int64", got, got)
	}
	if got := msgs[0].Payload["qty"]; got != float64(2) {
		t.Errorf("qty = %v (%T), want float64", got, got)
	}
}

func TestWebhookHandler_EmptyBody(t *testing.T) {
	h, c, _ := newWebhookForTest(t)

	req := httptest.NewRequest(http.MethodPost, "/eventmesh/webhook", nil)
	req.Header.Set(TopicHeader, "orders.shipped")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	msgs := c.all()
	if len(msgs) != 1 || msgs[0].Payload == nil || len(msgs[0].Payload) != 0 {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestWebhookHandler_MissingTopic(t *testing.T) {
	h, c, _ := newWebhookForTest(t)

	req := httptest.NewRequest(http.MethodPost, "/eventmesh/webhook", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if got := w.Body.String(); got != "Missing topic header" {
		t.Errorf("body = %q", got)
	}
	if len(c.all()) != 0 {
		t.Error("message delivered without topic")
	}
}

func TestWebhookHandler_InvalidBody(t *testing.T) {
	h, _, _ := newWebhookForTest(t)

	for _, body := range []string{"{broken", `["not","an","object"]`} {
		req := httptest.NewRequest(http.MethodPost, "/eventmesh/webhook", strings.NewReader(body))
		req.Header.Set(TopicHeader, "orders.created")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want %d", body, w.Code, http.StatusBadRequest)
		}
	}
}

func TestWebhookHandler_Panic(t *testing.T) {
	h := NewWebhookHandler(panickingDeliverer{}, nil, logger.Nop())

	req := httptest.NewRequest(http.MethodPost, "/eventmesh/webhook", strings.NewReader(`{}`))
	req.Header.Set(TopicHeader, "orders.created")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if got := w.Body.String(); got != "Internal server error" {
		t.Errorf("body = %q", got)
	}
}
