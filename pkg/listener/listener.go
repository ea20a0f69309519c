// Package listener runs a blocking, cancellable subscription loop.
package listener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/transport"
)

var (
	// ErrConnect is returned when the driver cannot be connected.
	ErrConnect = errors.New("listener: connect failed")
	// ErrSubscribe is returned when the driver refuses the subscription.
	ErrSubscribe = errors.New("listener: subscribe failed")
)

type options struct {
	log    logger.Logger
	filter string
}

// Option configures Listen.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithFilter only passes messages whose topic matches pattern to the
// handler. It narrows a broad subscription such as ">".
func WithFilter(pattern string) Option {
	return func(o *options) {
		o.filter = pattern
	}
}

// Listen subscribes handler to pattern on d and blocks until ctx is done or
// timeout elapses. A zero timeout waits for ctx only. The driver is connected
// when needed and always disconnected before Listen returns.
func Listen(ctx context.Context, d transport.Driver, pattern string, timeout time.Duration, handler transport.Handler, opts ...Option) error {
	if d == nil {
		return errors.New("listener: driver is required")
	}
	if handler == nil {
		return errors.New("listener: handler is required")
	}
	o := options{log: logger.Global()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.With("component", "listener", "driver", d.Name(), "pattern", pattern)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Disconnect with a fresh context; ctx is usually already done here.
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if !d.Disconnect(stopCtx) {
			log.Warn("disconnect failed")
		}
	}()

	if !d.IsConnected() && !d.Connect(ctx) {
		return fmt.Errorf("%w: %s", ErrConnect, d.Name())
	}

	h := handler
	if o.filter != "" {
		h = func(ctx context.Context, msg *transport.Message) {
			if msg != nil && transport.TopicMatches(o.filter, msg.Topic) {
				handler(ctx, msg)
			}
		}
	}
	if !d.Subscribe(ctx, pattern, h) {
		return fmt.Errorf("%w: %s on %q", ErrSubscribe, d.Name(), pattern)
	}
	log.Info("listening", "timeout", timeout, "filter", o.filter)

	<-ctx.Done()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		log.Info("listen timeout reached")
	} else {
		log.Info("listener stopped")
	}
	return nil
}
