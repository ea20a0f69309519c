package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/transport"
)

// DriverSource resolves the driver used to replay events.
type DriverSource interface {
	Driver(ctx context.Context, name string) (transport.Driver, error)
}

// Recorder receives relay outcomes.
type Recorder interface {
	RecordOutboxRelay(result string)
	RecordOutboxBacklog(n int)
}

// Relay results reported to the Recorder.
const (
	ResultPublished = "published"
	ResultRetry     = "retry"
	ResultFailed    = "failed"
)

// RelayConfig tunes the relay loop.
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	// RateLimit caps publishes per second; zero disables the limit.
	RateLimit float64
	// DriverName selects the driver; empty means the configured default.
	DriverName string
}

func (c *RelayConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
}

// Relay republishes pending outbox events.
type Relay struct {
	store    Store
	drivers  DriverSource
	cfg      RelayConfig
	limiter  *rate.Limiter
	log      logger.Logger
	recorder Recorder
	now      func() time.Time

	running sync.Mutex
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayLogger sets the relay logger.
func WithRelayLogger(log logger.Logger) RelayOption {
	return func(r *Relay) {
		if log != nil {
			r.log = log
		}
	}
}

// WithRecorder reports relay outcomes to rec.
func WithRecorder(rec Recorder) RelayOption {
	return func(r *Relay) {
		r.recorder = rec
	}
}

// NewRelay creates a relay over store.
func NewRelay(store Store, drivers DriverSource, cfg RelayConfig, opts ...RelayOption) *Relay {
	cfg.applyDefaults()
	r := &Relay{
		store:   store,
		drivers: drivers,
		cfg:     cfg,
		log:     logger.Global(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "outbox.relay")
	return r
}

// Run polls the store until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info("outbox relay started", "poll_interval", r.cfg.PollInterval, "batch_size", r.cfg.BatchSize)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("outbox relay pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce replays one batch and returns how many events were published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	r.running.Lock()
	defer r.running.Unlock()

	events, err := r.store.Pending(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: load pending: %w", err)
	}
	if r.recorder != nil {
		r.recorder.RecordOutboxBacklog(len(events))
	}
	if len(events) == 0 {
		return 0, nil
	}

	driver, err := r.drivers.Driver(ctx, r.cfg.DriverName)
	if err != nil {
		return 0, fmt.Errorf("outbox: resolve driver: %w", err)
	}
	if driver == nil {
		return 0, errors.New("outbox: no driver available")
	}
	if !driver.IsConnected() && !driver.Connect(ctx) {
		return 0, fmt.Errorf("outbox: driver %s is not connected", driver.Name())
	}

	published := 0
	var errs []error
	for _, ev := range events {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				errs = append(errs, err)
				break
			}
		}
		ok, err := r.relay(ctx, driver, ev)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			published++
		}
	}
	return published, errors.Join(errs...)
}

func (r *Relay) relay(ctx context.Context, driver transport.Driver, ev *Event) (bool, error) {
	if driver.Publish(ctx, ev.Topic, ev.Payload, ev.Headers) {
		if err := r.store.MarkPublished(ctx, ev.ID, r.now()); err != nil {
			return true, fmt.Errorf("outbox: mark %s published: %w", ev.ID, err)
		}
		r.record(ResultPublished)
		r.log.DebugContext(ctx, "outbox event published", "id", ev.ID, "topic", ev.Topic)
		return true, nil
	}

	attempts := ev.RetryCount + 1
	terminal := attempts >= r.cfg.MaxAttempts
	msg := fmt.Sprintf("publish via %s failed (attempt %d/%d)", driver.Name(), attempts, r.cfg.MaxAttempts)
	if err := r.store.MarkFailed(ctx, ev.ID, msg, terminal); err != nil {
		return false, fmt.Errorf("outbox: mark %s failed: %w", ev.ID, err)
	}
	if terminal {
		r.record(ResultFailed)
		r.log.ErrorContext(ctx, "outbox event gave up", "id", ev.ID, "topic", ev.Topic, "attempts", attempts)
	} else {
		r.record(ResultRetry)
		r.log.WarnContext(ctx, "outbox publish failed", "id", ev.ID, "topic", ev.Topic, "attempts", attempts)
	}
	return false, nil
}

func (r *Relay) record(result string) {
	if r.recorder != nil {
		r.recorder.RecordOutboxRelay(result)
	}
}
