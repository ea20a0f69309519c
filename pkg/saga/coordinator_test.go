package saga

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/storage"
	"github.com/goclaw/eventmesh/pkg/storage/memory"
	"github.com/goclaw/eventmesh/pkg/transport"
)

type published struct {
	topic   string
	payload map[string]any
	headers map[string]string
}

type recordingDriver struct {
	mu   sync.Mutex
	fail bool
	sent []published
}

func (d *recordingDriver) Name() string                    { return "recording" }
func (d *recordingDriver) Connect(context.Context) bool    { return true }
func (d *recordingDriver) Disconnect(context.Context) bool { return true }
func (d *recordingDriver) IsConnected() bool               { return true }

func (d *recordingDriver) Publish(_ context.Context, topic string, payload map[string]any, headers map[string]string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return false
	}
	d.sent = append(d.sent, published{topic: topic, payload: payload, headers: transport.CloneHeaders(headers)})
	return true
}

func (d *recordingDriver) Subscribe(context.Context, string, transport.Handler) bool { return true }

func (d *recordingDriver) messages() []published {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]published(nil), d.sent...)
}

type staticDrivers struct {
	driver transport.Driver
	err    error
}

func (s staticDrivers) Driver(context.Context, string) (transport.Driver, error) {
	return s.driver, s.err
}

type flakyBackend struct {
	storage.Backend
	failStore  atomic.Bool
	failUpdate atomic.Bool
}

func (f *flakyBackend) Store(ctx context.Context, rec *storage.Record) error {
	if f.failStore.Load() {
		return &storage.StorageUnavailableError{Cause: errors.New("connection refused")}
	}
	return f.Backend.Store(ctx, rec)
}

func (f *flakyBackend) Insert(ctx context.Context, rec *storage.Record) (bool, error) {
	if f.failStore.Load() {
		return false, &storage.StorageUnavailableError{Cause: errors.New("connection refused")}
	}
	return f.Backend.Insert(ctx, rec)
}

func (f *flakyBackend) RecordFailure(ctx context.Context, id, event, message string) (*storage.Record, error) {
	if f.failUpdate.Load() {
		return nil, &storage.StorageUnavailableError{Cause: errors.New("connection refused")}
	}
	return f.Backend.RecordFailure(ctx, id, event, message)
}

func (f *flakyBackend) Update(ctx context.Context, id, event string, changes storage.Changes) error {
	if f.failUpdate.Load() {
		return &storage.StorageUnavailableError{Cause: errors.New("connection refused")}
	}
	return f.Backend.Update(ctx, id, event, changes)
}

type fakeOutbox struct {
	mu     sync.Mutex
	topics []string
}

func (o *fakeOutbox) Enqueue(_ context.Context, topic string, _ map[string]any, _ map[string]string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.topics = append(o.topics, topic)
	return nil
}

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *recordingDriver, storage.Backend) {
	t.Helper()
	store := memory.NewMemoryStorage()
	driver := &recordingDriver{}
	opts = append([]Option{WithLogger(logger.Nop())}, opts...)
	return NewCoordinator(store, staticDrivers{driver: driver}, opts...), driver, store
}

func TestCoordinatorStartPublishesWithSagaHeader(t *testing.T) {
	c, driver, store := newTestCoordinator(t)
	ctx := context.Background()

	id, err := c.Start(ctx, "order.created", map[string]any{"order_id": 123, "amount": 99.99}, map[string]string{"X-Tenant": "acme"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("Start() id %q is not a uuid: %v", id, err)
	}

	logs, err := store.GetLogs(ctx, id)
	if err != nil {
		t.Fatalf("GetLogs() error = %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(logs))
	}
	if logs[0].EventName != "order.created" || logs[0].Status != storage.StatusPending {
		t.Fatalf("unexpected record %+v", logs[0])
	}

	msgs := driver.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(msgs))
	}
	if msgs[0].topic != "order.created" {
		t.Fatalf("topic = %q, want order.created", msgs[0].topic)
	}
	if msgs[0].headers[HeaderSagaInstanceID] != id {
		t.Fatalf("saga header = %q, want %q", msgs[0].headers[HeaderSagaInstanceID], id)
	}
	if msgs[0].headers["X-Tenant"] != "acme" {
		t.Fatalf("caller header dropped: %v", msgs[0].headers)
	}
}

func TestCoordinatorStartIDsAreUnique(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id, err := c.Start(context.Background(), "order.created", nil, nil)
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestCoordinatorStartCorrelationHeaderWins(t *testing.T) {
	c, driver, _ := newTestCoordinator(t, WithIDGenerator(func() string { return "saga-1" }))
	if _, err := c.Start(context.Background(), "a", nil, map[string]string{HeaderSagaInstanceID: "spoofed"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := driver.messages()[0].headers[HeaderSagaInstanceID]; got != "saga-1" {
		t.Fatalf("saga header = %q, want saga-1", got)
	}
}

func TestCoordinatorStartDropsCallerSagaHeaderSpellings(t *testing.T) {
	c, driver, store := newTestCoordinator(t, WithIDGenerator(func() string { return "saga-1" }))
	ctx := context.Background()

	_, err := c.Start(ctx, "order.created", nil, map[string]string{
		"x-saga-instance-id": "spoofed-lower",
		"X-SAGA-INSTANCE-ID": "spoofed-upper",
		"X-Tenant":           "acme",
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	headers := driver.messages()[0].headers
	if len(headers) != 2 || headers[HeaderSagaInstanceID] != "saga-1" || headers["X-Tenant"] != "acme" {
		t.Fatalf("published headers = %v", headers)
	}
	if got := SagaInstanceID(headers); got != "saga-1" {
		t.Fatalf("SagaInstanceID() = %q, want saga-1", got)
	}

	rec, err := store.GetLog(ctx, "saga-1", "order.created")
	if err != nil {
		t.Fatalf("GetLog() error = %v", err)
	}
	for k := range rec.Headers {
		if k != HeaderSagaInstanceID && k != "X-Tenant" {
			t.Fatalf("stored header %q leaked", k)
		}
	}
}

func TestCoordinatorStartPublishFailureIsNotFatal(t *testing.T) {
	outbox := &fakeOutbox{}
	c, driver, store := newTestCoordinator(t, WithOutbox(outbox))
	driver.fail = true

	id, err := c.Start(context.Background(), "order.created", nil, nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := store.GetLog(context.Background(), id, "order.created"); err != nil {
		t.Fatalf("GetLog() error = %v", err)
	}
	if len(outbox.topics) != 1 || outbox.topics[0] != "order.created" {
		t.Fatalf("expected failed publish to be enqueued, got %v", outbox.topics)
	}
}

func TestCoordinatorStartFailures(t *testing.T) {
	t.Run("storage", func(t *testing.T) {
		backend := &flakyBackend{Backend: memory.NewMemoryStorage()}
		backend.failStore.Store(true)
		driver := &recordingDriver{}
		c := NewCoordinator(backend, staticDrivers{driver: driver}, WithLogger(logger.Nop()))

		if _, err := c.Start(context.Background(), "a", nil, nil); !storage.IsUnavailable(err) {
			t.Fatalf("expected unavailable error, got %v", err)
		}
		if len(driver.messages()) != 0 {
			t.Fatal("nothing is published when the record cannot be stored")
		}
	})

	t.Run("driver", func(t *testing.T) {
		resolveErr := errors.New("unsupported transport driver")
		c := NewCoordinator(memory.NewMemoryStorage(), staticDrivers{err: resolveErr}, WithLogger(logger.Nop()))
		if _, err := c.Start(context.Background(), "a", nil, nil); !errors.Is(err, resolveErr) {
			t.Fatalf("expected driver error, got %v", err)
		}
	})

	t.Run("nil driver", func(t *testing.T) {
		c := NewCoordinator(memory.NewMemoryStorage(), staticDrivers{}, WithLogger(logger.Nop()))
		if _, err := c.Start(context.Background(), "a", nil, nil); !errors.Is(err, ErrNoDriver) {
			t.Fatalf("expected ErrNoDriver, got %v", err)
		}
	})

	t.Run("empty event", func(t *testing.T) {
		c, _, _ := newTestCoordinator(t)
		if _, err := c.Start(context.Background(), "", nil, nil); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("expected ErrInvalidEvent, got %v", err)
		}
	})
}

func TestCoordinatorHandleEventSuccess(t *testing.T) {
	fixed := time.Date(2024, 4, 15, 10, 0, 0, 0, time.UTC)
	c, _, store := newTestCoordinator(t, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	var got Event
	c.HandleStep("payment.processed", func(_ context.Context, evt Event) error {
		got = evt
		return nil
	})

	if err := c.HandleEvent(ctx, "saga-1", "payment.processed", map[string]any{"amount": 10.0}, map[string]string{"k": "v"}); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if got.SagaInstanceID != "saga-1" || got.Attempt != 1 || got.Headers["k"] != "v" {
		t.Fatalf("unexpected event %+v", got)
	}

	rec, err := store.GetLog(ctx, "saga-1", "payment.processed")
	if err != nil {
		t.Fatalf("GetLog() error = %v", err)
	}
	if rec.Status != storage.StatusSuccess {
		t.Fatalf("status = %s, want success", rec.Status)
	}
	if rec.ProcessedAt == nil || !rec.ProcessedAt.Equal(fixed) {
		t.Fatalf("processed_at = %v, want %v", rec.ProcessedAt, fixed)
	}
	if rec.RetryCount != 0 {
		t.Fatalf("retry_count = %d, want 0", rec.RetryCount)
	}
}

func TestCoordinatorHandleEventUnknownEventIsNoop(t *testing.T) {
	c, _, store := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.HandleEvent(ctx, "saga-1", "inventory.unrelated", nil, nil); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	rec, err := store.GetLog(ctx, "saga-1", "inventory.unrelated")
	if err != nil {
		t.Fatalf("GetLog() error = %v", err)
	}
	if rec.Status != storage.StatusSuccess || rec.ErrorMessage != "" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestCoordinatorHandleEventAfterStart(t *testing.T) {
	c, _, store := newTestCoordinator(t)
	ctx := context.Background()

	id, err := c.Start(ctx, "order.created", map[string]any{"order_id": 1}, nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.HandleEvent(ctx, id, "order.created", map[string]any{"order_id": 1}, nil); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	logs, err := store.GetLogs(ctx, id)
	if err != nil {
		t.Fatalf("GetLogs() error = %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected a single record for the pair, got %d", len(logs))
	}
	if logs[0].Status != storage.StatusSuccess {
		t.Fatalf("status = %s, want success", logs[0].Status)
	}
}

func TestCoordinatorRetryLimitTriggersCompensationOnce(t *testing.T) {
	c, _, store := newTestCoordinator(t,
		WithRetryAttempts(3),
		WithCompensationHandlers(map[string]string{"payment.failed": "refund-payment"}),
	)
	ctx := context.Background()

	var calls atomic.Int32
	var req CompensationRequest
	if err := c.RegisterCompensation("refund-payment", func(_ context.Context, r CompensationRequest) error {
		calls.Add(1)
		req = r
		return nil
	}); err != nil {
		t.Fatalf("RegisterCompensation() error = %v", err)
	}
	c.HandleStep("payment.failed", func(context.Context, Event) error {
		return errors.New("card declined")
	})

	for i := 1; i <= 3; i++ {
		if err := c.HandleEvent(ctx, "saga-1", "payment.failed", nil, nil); err != nil {
			t.Fatalf("HandleEvent() #%d error = %v", i, err)
		}
		if i < 3 && calls.Load() != 0 {
			t.Fatalf("compensation ran after %d failures", i)
		}
	}

	rec, err := store.GetLog(ctx, "saga-1", "payment.failed")
	if err != nil {
		t.Fatalf("GetLog() error = %v", err)
	}
	if rec.RetryCount != 3 || rec.Status != storage.StatusFailed {
		t.Fatalf("record = %+v, want retry_count 3 and failed", rec)
	}
	if rec.ErrorMessage != "card declined" {
		t.Fatalf("error_message = %q", rec.ErrorMessage)
	}
	if rec.CompensationHandler != "refund-payment" {
		t.Fatalf("compensation_handler = %q", rec.CompensationHandler)
	}
	if calls.Load() != 1 {
		t.Fatalf("compensation calls = %d, want 1", calls.Load())
	}
	if req.SagaInstanceID != "saga-1" || req.OriginalEvent != "payment.failed" || req.Step.RetryCount != 3 {
		t.Fatalf("unexpected compensation request %+v", req)
	}

	if err := c.HandleEvent(ctx, "saga-1", "payment.failed", nil, nil); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("compensation re-ran past the limit: %d calls", calls.Load())
	}
	rec, _ = store.GetLog(ctx, "saga-1", "payment.failed")
	if rec.RetryCount != 4 {
		t.Fatalf("retry_count = %d, want 4", rec.RetryCount)
	}
}

func TestCoordinatorLaterSuccessClearsError(t *testing.T) {
	c, _, store := newTestCoordinator(t)
	ctx := context.Background()

	fail := true
	c.HandleStep("stock.reserved", func(context.Context, Event) error {
		if fail {
			return errors.New("warehouse offline")
		}
		return nil
	})

	if err := c.HandleEvent(ctx, "s", "stock.reserved", nil, nil); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	fail = false
	if err := c.HandleEvent(ctx, "s", "stock.reserved", nil, nil); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	rec, _ := store.GetLog(ctx, "s", "stock.reserved")
	if rec.Status != storage.StatusSuccess || rec.ErrorMessage != "" || rec.RetryCount != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestCoordinatorCompletedStepIgnoresRedelivery(t *testing.T) {
	c, _, store := newTestCoordinator(t)
	ctx := context.Background()

	var calls int
	c.HandleStep("a", func(context.Context, Event) error {
		calls++
		if calls > 1 {
			return errors.New("should not run")
		}
		return nil
	})

	for i := 0; i < 2; i++ {
		if err := c.HandleEvent(ctx, "s", "a", nil, nil); err != nil {
			t.Fatalf("HandleEvent() error = %v", err)
		}
	}
	rec, _ := store.GetLog(ctx, "s", "a")
	if calls != 1 || rec.Status != storage.StatusSuccess {
		t.Fatalf("calls = %d, status = %s", calls, rec.Status)
	}
}

func TestCoordinatorHandlerPanicIsFailure(t *testing.T) {
	c, _, store := newTestCoordinator(t)
	ctx := context.Background()

	c.HandleStep("a", func(context.Context, Event) error { panic("nil map") })
	if err := c.HandleEvent(ctx, "s", "a", nil, nil); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	rec, _ := store.GetLog(ctx, "s", "a")
	if rec.Status != storage.StatusFailed || rec.RetryCount != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestCoordinatorHandleEventStorageFailure(t *testing.T) {
	backend := &flakyBackend{Backend: memory.NewMemoryStorage()}
	c := NewCoordinator(backend, staticDrivers{driver: &recordingDriver{}}, WithLogger(logger.Nop()))
	ctx := context.Background()

	backend.failStore.Store(true)
	if err := c.HandleEvent(ctx, "s", "a", nil, nil); !storage.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}

	backend.failStore.Store(false)
	backend.failUpdate.Store(true)
	if err := c.HandleEvent(ctx, "s", "a", nil, nil); !storage.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}

	if err := c.HandleEvent(ctx, "", "a", nil, nil); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestCoordinatorConcurrentFailuresAreNotLost(t *testing.T) {
	const n = 25
	c, _, store := newTestCoordinator(t,
		WithRetryAttempts(10),
		WithCompensationHandlers(map[string]string{"payment.failed": "refund"}),
	)
	ctx := context.Background()

	var compensations atomic.Int32
	if err := c.RegisterCompensation("refund", func(context.Context, CompensationRequest) error {
		compensations.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("RegisterCompensation() error = %v", err)
	}
	c.HandleStep("payment.failed", func(context.Context, Event) error {
		return errors.New("declined")
	})

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.HandleEvent(ctx, "saga-c", "payment.failed", nil, nil); err != nil {
				t.Errorf("HandleEvent() error = %v", err)
			}
		}()
	}
	wg.Wait()

	rec, err := store.GetLog(ctx, "saga-c", "payment.failed")
	if err != nil {
		t.Fatalf("GetLog() error = %v", err)
	}
	if rec.RetryCount != n {
		t.Fatalf("retry_count = %d, want %d", rec.RetryCount, n)
	}
	if compensations.Load() != 1 {
		t.Fatalf("compensations = %d, want 1", compensations.Load())
	}
	logs, _ := store.GetLogs(ctx, "saga-c")
	if len(logs) != 1 {
		t.Fatalf("expected one record for the pair, got %d", len(logs))
	}
	if c.locks.size() != 0 {
		t.Fatalf("lock table still holds %d keys", c.locks.size())
	}
}

func TestCoordinatorsSharingStoreCountEveryFailure(t *testing.T) {
	const n = 200
	store := memory.NewMemoryStorage()
	driver := &recordingDriver{}
	slowFailure := func(context.Context, Event) error {
		time.Sleep(time.Millisecond)
		return errors.New("declined")
	}

	coords := make([]*Coordinator, 2)
	for i := range coords {
		coords[i] = NewCoordinator(store, staticDrivers{driver: driver},
			WithLogger(logger.Nop()),
			WithRetryAttempts(1000),
		)
		coords[i].HandleStep("payment.failed", slowFailure)
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			if err := c.HandleEvent(ctx, "saga-shared", "payment.failed", nil, nil); err != nil {
				t.Errorf("HandleEvent() error = %v", err)
			}
		}(coords[i%len(coords)])
	}
	wg.Wait()

	rec, err := store.GetLog(ctx, "saga-shared", "payment.failed")
	if err != nil {
		t.Fatalf("GetLog() error = %v", err)
	}
	if rec.RetryCount != n {
		t.Fatalf("retry_count = %d, want %d", rec.RetryCount, n)
	}
	if logs, _ := store.GetLogs(ctx, "saga-shared"); len(logs) != 1 {
		t.Fatalf("expected one record for the pair, got %d", len(logs))
	}
}

func TestCoordinatorsSharingStoreCompensateOnce(t *testing.T) {
	const n = 40
	store := memory.NewMemoryStorage()
	driver := &recordingDriver{}

	var compensations atomic.Int32
	coords := make([]*Coordinator, 3)
	for i := range coords {
		coords[i] = NewCoordinator(store, staticDrivers{driver: driver},
			WithLogger(logger.Nop()),
			WithRetryAttempts(10),
			WithCompensationHandlers(map[string]string{"payment.failed": "refund"}),
		)
		if err := coords[i].RegisterCompensation("refund", func(context.Context, CompensationRequest) error {
			compensations.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("RegisterCompensation() error = %v", err)
		}
		coords[i].HandleStep("payment.failed", func(context.Context, Event) error {
			time.Sleep(time.Millisecond)
			return errors.New("declined")
		})
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			_ = c.HandleEvent(ctx, "saga-refund", "payment.failed", nil, nil)
		}(coords[i%len(coords)])
	}
	wg.Wait()

	if got := compensations.Load(); got != 1 {
		t.Fatalf("compensations = %d, want 1", got)
	}
	rec, err := store.GetLog(ctx, "saga-refund", "payment.failed")
	if err != nil {
		t.Fatalf("GetLog() error = %v", err)
	}
	if rec.RetryCount != n || rec.CompensationHandler != "refund" {
		t.Fatalf("record = %+v, want retry_count %d and handler refund", rec, n)
	}
}

func TestCoordinatorFailureAfterRemoteSuccessIsIgnored(t *testing.T) {
	store := memory.NewMemoryStorage()
	c := NewCoordinator(store, staticDrivers{driver: &recordingDriver{}}, WithLogger(logger.Nop()))
	ctx := context.Background()

	// The step completes through the store while this coordinator's
	// handler is still running.
	c.HandleStep("stock.reserved", func(ctx context.Context, evt Event) error {
		success := storage.StatusSuccess
		if err := store.Update(ctx, evt.SagaInstanceID, evt.EventName, storage.Changes{Status: &success}); err != nil {
			t.Errorf("Update() error = %v", err)
		}
		return errors.New("warehouse offline")
	})

	if err := c.HandleEvent(ctx, "s", "stock.reserved", nil, nil); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	rec, _ := store.GetLog(ctx, "s", "stock.reserved")
	if rec.Status != storage.StatusSuccess || rec.RetryCount != 0 || rec.ErrorMessage != "" {
		t.Fatalf("completed step was overwritten: %+v", rec)
	}
}

func TestCoordinatorConsume(t *testing.T) {
	c, _, store := newTestCoordinator(t)
	ctx := context.Background()

	c.Consume(ctx, transport.NewMessage("order.created", nil, map[string]string{"x-saga-instance-id": "saga-9"}))
	c.Consume(ctx, transport.NewMessage("order.created", nil, nil))
	c.Consume(ctx, nil)

	if _, err := store.GetLog(ctx, "saga-9", "order.created"); err != nil {
		t.Fatalf("GetLog() error = %v", err)
	}
}

type transition struct {
	event, from, to string
	retries         int
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []transition
}

func (n *recordingNotifier) BroadcastStepChanged(_, eventName, oldStatus, newStatus, _ string, retryCount int, _ time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, transition{event: eventName, from: oldStatus, to: newStatus, retries: retryCount})
}

func TestCoordinatorNotifiesTransitions(t *testing.T) {
	notifier := &recordingNotifier{}
	c, _, _ := newTestCoordinator(t, WithNotifier(notifier))
	ctx := context.Background()

	c.HandleStep("b", func(context.Context, Event) error { return errors.New("x") })
	id, err := c.Start(ctx, "a", nil, nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_ = c.HandleEvent(ctx, id, "a", nil, nil)
	_ = c.HandleEvent(ctx, id, "b", nil, nil)

	want := []transition{
		{event: "a", from: "", to: "pending"},
		{event: "a", from: "pending", to: "success"},
		{event: "b", from: "", to: "pending"},
		{event: "b", from: "pending", to: "failed", retries: 1},
	}
	if len(notifier.got) != len(want) {
		t.Fatalf("transitions = %+v", notifier.got)
	}
	for i := range want {
		if notifier.got[i] != want[i] {
			t.Fatalf("transition %d = %+v, want %+v", i, notifier.got[i], want[i])
		}
	}
}

func TestSagaInstanceID(t *testing.T) {
	tests := []struct {
		headers map[string]string
		want    string
	}{
		{map[string]string{HeaderSagaInstanceID: "a"}, "a"},
		{map[string]string{"x-saga-instance-id": "b"}, "b"},
		{map[string]string{"X-Other": "c"}, ""},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := SagaInstanceID(tt.headers); got != tt.want {
			t.Fatalf("SagaInstanceID(%v) = %q, want %q", tt.headers, got, tt.want)
		}
	}
}
