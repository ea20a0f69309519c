package cloudevents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/transport"
	"github.com/goclaw/eventmesh/pkg/transport/memory"
)

var _ transport.Driver = (*Driver)(nil)

var fixedTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newPair(t *testing.T) (*Driver, *memory.Driver) {
	t.Helper()
	bus := memory.NewBus()
	inner := memory.NewDriver(bus, memory.WithLogger(logger.Nop()))
	ce := New(inner, "orders-service", WithLogger(logger.Nop()), WithClock(func() time.Time { return fixedTime }))
	require.True(t, ce.Connect(context.Background()))
	t.Cleanup(func() { ce.Disconnect(context.Background()) })
	return ce, inner
}

func receive(t *testing.T, ch <-chan *transport.Message) *transport.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope("order.created", "orders-service",
		map[string]any{"order_id": 123},
		map[string]string{"X-Saga-Instance-Id": "s-1", "type": "ignored", "id": "ignored"},
		fixedTime)

	assert.Equal(t, "1.0", env[AttrSpecVersion])
	assert.Equal(t, "order.created", env[AttrType])
	assert.Equal(t, "orders-service", env[AttrSource])
	assert.Equal(t, "2024-05-01T12:00:00Z", env[AttrTime])
	assert.Equal(t, "application/json", env[AttrDataContentType])
	assert.Equal(t, map[string]any{"order_id": 123}, env[AttrData])
	assert.Equal(t, "s-1", env["X-Saga-Instance-Id"])
	assert.Contains(t, env[AttrID], "evt_")
	assert.NoError(t, Validate(env))

	other := NewEnvelope("order.created", "orders-service", nil, nil, fixedTime)
	assert.NotEqual(t, env[AttrID], other[AttrID])
	assert.Equal(t, map[string]any{}, other[AttrData])
}

func TestValidate(t *testing.T) {
	valid := func() map[string]any {
		return map[string]any{
			"specversion":     "1.0",
			"type":            "order.created",
			"source":          "svc",
			"id":              "evt_1",
			"time":            "2024-05-01T12:00:00Z",
			"datacontenttype": "application/json",
			"data":            map[string]any{"a": 1.0},
		}
	}

	tests := []struct {
		name    string
		mutate  func(map[string]any)
		wantErr bool
	}{
		{name: "valid", mutate: func(map[string]any) {}},
		{name: "scalar data", mutate: func(m map[string]any) { m["data"] = "text" }},
		{name: "extension attribute", mutate: func(m map[string]any) { m["traceparent"] = "00-abc" }},
		{name: "missing specversion", mutate: func(m map[string]any) { delete(m, "specversion") }, wantErr: true},
		{name: "missing time", mutate: func(m map[string]any) { delete(m, "time") }, wantErr: true},
		{name: "missing data", mutate: func(m map[string]any) { delete(m, "data") }, wantErr: true},
		{name: "null data", mutate: func(m map[string]any) { m["data"] = nil }, wantErr: true},
		{name: "empty id", mutate: func(m map[string]any) { m["id"] = "" }, wantErr: true},
		{name: "numeric type", mutate: func(m map[string]any) { m["type"] = 5.0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := valid()
			tt.mutate(env)
			err := Validate(env)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.Error(t, Validate(nil))
}

func TestUnwrap(t *testing.T) {
	env := map[string]any{
		"id": "evt_1", "source": "svc", "type": "t", "time": "now",
		"data": map[string]any{"k": "v"},
	}
	payload, headers := Unwrap(env)
	assert.Equal(t, map[string]any{"k": "v"}, payload)
	assert.Equal(t, "evt_1", headers[HeaderID])
	assert.Equal(t, "svc", headers[HeaderSource])
	assert.Equal(t, "t", headers[HeaderType])
	assert.Equal(t, "now", headers[HeaderTime])

	env["data"] = []any{1.0, 2.0}
	payload, _ = Unwrap(env)
	assert.Equal(t, map[string]any{"data": []any{1.0, 2.0}}, payload)
}

func TestDriver_PublishWrapsEnvelope(t *testing.T) {
	ce, inner := newPair(t)
	ctx := context.Background()

	raw := make(chan *transport.Message, 1)
	require.True(t, inner.Subscribe(ctx, "order.created", func(_ context.Context, msg *transport.Message) {
		raw <- msg
	}))

	require.True(t, ce.Publish(ctx, "order.created", map[string]any{"order_id": 123}, map[string]string{"X-Saga-Instance-Id": "s-1"}))

	msg := receive(t, raw)
	assert.Equal(t, "1.0", msg.Payload["specversion"])
	assert.Equal(t, "orders-service", msg.Payload["source"])
	assert.Equal(t, map[string]any{"order_id": float64(123)}, msg.Payload["data"])
	assert.Equal(t, "s-1", msg.Headers["X-Saga-Instance-Id"], "original headers are passed through")
}

func TestDriver_SubscribeUnwraps(t *testing.T) {
	ce, _ := newPair(t)
	ctx := context.Background()

	got := make(chan *transport.Message, 1)
	require.True(t, ce.Subscribe(ctx, "order.*", func(_ context.Context, msg *transport.Message) {
		got <- msg
	}))

	require.True(t, ce.Publish(ctx, "order.created", map[string]any{"order_id": 123}, map[string]string{"X-Saga-Instance-Id": "s-1"}))

	msg := receive(t, got)
	assert.Equal(t, "order.created", msg.Topic)
	assert.Equal(t, map[string]any{"order_id": float64(123)}, msg.Payload)
	assert.Equal(t, "s-1", msg.Headers["X-Saga-Instance-Id"])
	assert.Equal(t, "orders-service", msg.Headers[HeaderSource])
	assert.Equal(t, "order.created", msg.Headers[HeaderType])
	assert.NotEmpty(t, msg.Headers[HeaderID])
}

func TestDriver_SubscribeDropsInvalidEnvelope(t *testing.T) {
	ce, inner := newPair(t)
	ctx := context.Background()

	got := make(chan *transport.Message, 2)
	require.True(t, ce.Subscribe(ctx, "order.created", func(_ context.Context, msg *transport.Message) {
		got <- msg
	}))

	require.True(t, inner.Publish(ctx, "order.created", map[string]any{"order_id": 1}, nil))
	require.True(t, ce.Publish(ctx, "order.created", map[string]any{"order_id": 2}, nil))

	msg := receive(t, got)
	assert.Equal(t, float64(2), msg.Payload["order_id"], "raw message is dropped")
	select {
	case extra := <-got:
		t.Fatalf("unexpected delivery: %v", extra.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDriver_ConnectionState(t *testing.T) {
	inner := memory.NewDriver(nil, memory.WithLogger(logger.Nop()))
	ce := New(inner, "", WithLogger(logger.Nop()))
	ctx := context.Background()

	assert.Equal(t, "cloudevents", ce.Name())
	assert.Equal(t, "eventmesh", ce.Source())
	assert.Same(t, inner, ce.Underlying())
	assert.False(t, ce.IsConnected())

	require.True(t, ce.Connect(ctx))
	assert.True(t, ce.IsConnected())

	inner.Disconnect(ctx)
	assert.False(t, ce.IsConnected(), "underlying state is reflected")

	assert.True(t, ce.Disconnect(ctx))
	assert.False(t, ce.IsConnected())
}
