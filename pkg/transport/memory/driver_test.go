package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/transport"
)

var _ transport.Driver = (*Driver)(nil)

func TestDriver_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	pub := NewDriver(bus, WithLogger(logger.Nop()))
	sub := NewDriver(bus, WithLogger(logger.Nop()))
	ctx := context.Background()

	require.True(t, pub.Connect(ctx))
	require.True(t, sub.Connect(ctx))
	defer pub.Disconnect(ctx)
	defer sub.Disconnect(ctx)

	got := make(chan *transport.Message, 1)
	require.True(t, sub.Subscribe(ctx, "order.*", func(_ context.Context, msg *transport.Message) {
		got <- msg
	}))

	require.True(t, pub.Publish(ctx, "order.created", map[string]any{"order_id": 123}, map[string]string{"X-Saga-Instance-Id": "s-1"}))

	select {
	case msg := <-got:
		assert.Equal(t, "order.created", msg.Topic)
		assert.Equal(t, float64(123), msg.Payload["order_id"])
		assert.Equal(t, "s-1", msg.Headers["X-Saga-Instance-Id"])
		assert.False(t, msg.ReceivedAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestDriver_RequiresConnect(t *testing.T) {
	d := NewDriver(nil, WithLogger(logger.Nop()))
	ctx := context.Background()

	assert.False(t, d.IsConnected())
	assert.False(t, d.Publish(ctx, "a", nil, nil))
	assert.False(t, d.Subscribe(ctx, "a", func(context.Context, *transport.Message) {}))

	assert.True(t, d.Connect(ctx))
	assert.True(t, d.Connect(ctx), "connect is idempotent")
	assert.True(t, d.IsConnected())
	assert.True(t, d.Disconnect(ctx))
	assert.True(t, d.Disconnect(ctx))
	assert.False(t, d.IsConnected())
}

func TestDriver_DisconnectEndsSubscriptions(t *testing.T) {
	d := NewDriver(nil, WithLogger(logger.Nop()))
	ctx := context.Background()
	require.True(t, d.Connect(ctx))
	require.True(t, d.Subscribe(ctx, "a.>", func(context.Context, *transport.Message) {}))
	require.Equal(t, 1, d.Bus().SubscriberCount())

	require.True(t, d.Disconnect(ctx))
	assert.Equal(t, 0, d.Bus().SubscriberCount())
}

func TestDriver_ContextCancelEndsSubscription(t *testing.T) {
	d := NewDriver(nil, WithLogger(logger.Nop()))
	ctx := context.Background()
	require.True(t, d.Connect(ctx))
	defer d.Disconnect(ctx)

	subCtx, cancel := context.WithCancel(ctx)
	require.True(t, d.Subscribe(subCtx, "a", func(context.Context, *transport.Message) {}))
	cancel()

	require.Eventually(t, func() bool { return d.Bus().SubscriberCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestDriver_HandlerPanicKeepsSubscription(t *testing.T) {
	d := NewDriver(nil, WithLogger(logger.Nop()))
	ctx := context.Background()
	require.True(t, d.Connect(ctx))
	defer d.Disconnect(ctx)

	got := make(chan string, 2)
	require.True(t, d.Subscribe(ctx, "t", func(_ context.Context, msg *transport.Message) {
		got <- msg.Payload["n"].(string)
		if msg.Payload["n"] == "first" {
			panic("boom")
		}
	}))

	require.True(t, d.Publish(ctx, "t", map[string]any{"n": "first"}, nil))
	require.True(t, d.Publish(ctx, "t", map[string]any{"n": "second"}, nil))

	for _, want := range []string{"first", "second"} {
		select {
		case n := <-got:
			assert.Equal(t, want, n)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestDriver_UnencodablePayload(t *testing.T) {
	d := NewDriver(nil, WithLogger(logger.Nop()))
	ctx := context.Background()
	require.True(t, d.Connect(ctx))
	defer d.Disconnect(ctx)

	assert.False(t, d.Publish(ctx, "t", map[string]any{"ch": make(chan int)}, nil))
}
