package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goclaw/eventmesh/pkg/outbox"
	"github.com/goclaw/eventmesh/pkg/saga"
	"github.com/goclaw/eventmesh/pkg/storage"
	"github.com/goclaw/eventmesh/pkg/transport"
)

// Manager is wired into every instrumented package.
var (
	_ saga.MetricsRecorder      = (*Manager)(nil)
	_ transport.Recorder        = (*Manager)(nil)
	_ storage.OperationRecorder = (*Manager)(nil)
	_ outbox.Recorder           = (*Manager)(nil)
)

func scrape(t *testing.T, m *Manager) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	return w.Body.String()
}

func TestNewManager(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true

	m := NewManager(cfg)
	if m == nil {
		t.Fatal("NewManager returned nil")
	}

	if !m.Enabled() {
		t.Error("Expected metrics to be enabled")
	}
}

func TestNewManager_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	m := NewManager(cfg)
	if m == nil {
		t.Fatal("NewManager returned nil")
	}

	if m.Enabled() {
		t.Error("Expected metrics to be disabled")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.RecordSagaStarted("order.created")
	m.RecordStartPublish(true)
	m.RecordStepHandled("payment.process", "failed", 20*time.Millisecond)
	m.RecordCompensation("payment.process", "succeeded")
	m.RecordPublish("memory", "order.created", true, time.Millisecond)
	m.RecordDelivery("memory", "order.created")
	m.RecordStorageOperation("sql", "store", time.Millisecond, nil)
	m.RecordStorageOperation("sql", "update", time.Millisecond, errors.New("locked"))
	m.RecordOutboxRelay(outbox.ResultRetry)
	m.RecordOutboxBacklog(3)
	m.RecordHTTPRequest("GET", "/api/v1/sagas/:id", "200", time.Millisecond)

	body := scrape(t, m)

	expected := []string{
		`saga_started_total{event_name="order.created"} 1`,
		`saga_start_publish_total{result="success"} 1`,
		`saga_steps_handled_total{event_name="payment.process",status="failed"} 1`,
		"saga_step_duration_seconds",
		`saga_compensations_total{event_name="payment.process",result="succeeded"} 1`,
		`transport_publish_total{driver="memory",result="success"} 1`,
		"transport_publish_duration_seconds",
		`transport_deliveries_total{driver="memory"} 1`,
		`storage_operations_total{backend="sql",operation="update",result="failure"} 1`,
		"storage_operation_duration_seconds",
		`outbox_relay_total{result="retry"} 1`,
		"outbox_pending_batch_size 3",
		"http_requests_total",
		"go_goroutines",
	}
	for _, metric := range expected {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %s not found in output", metric)
		}
	}
}

func TestMetricsHandler_Disabled(t *testing.T) {
	m := NewManager(Config{Enabled: false})

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 when disabled, got %d", w.Code)
	}
}

func TestStartServer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 19091

	m := NewManager(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		err := m.StartServer(ctx, cfg.Port, cfg.Path)
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://localhost:19091/metrics")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Failed to fetch metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	cancel()

	select {
	case err := <-errCh:
		t.Errorf("Server error: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStartServer_Disabled(t *testing.T) {
	if err := NoOpManager().StartServer(context.Background(), 0, "/metrics"); err != nil {
		t.Fatalf("disabled manager should not serve, got %v", err)
	}
}

func TestNoOpManager(t *testing.T) {
	m := NoOpManager()

	if m.Enabled() {
		t.Error("NoOpManager should not be enabled")
	}

	// These should not panic
	m.RecordSagaStarted("a")
	m.RecordStartPublish(false)
	m.RecordStepHandled("a", "success", time.Second)
	m.RecordCompensation("a", "failed")
	m.RecordPublish("http", "a", false, time.Second)
	m.RecordDelivery("http", "a")
	m.RecordStorageOperation("memory", "get", time.Second, nil)
	m.RecordOutboxRelay("published")
	m.RecordOutboxBacklog(1)
	m.RecordHTTPRequest("GET", "/", "200", time.Second)
	m.RecordHTTPRequestWithContext(context.Background(), "GET", "/", "200", time.Second)
	m.IncActiveConnections()
	m.DecActiveConnections()
}

func BenchmarkRecordStepHandled(b *testing.B) {
	m := NewManager(DefaultConfig())
	d := 10 * time.Millisecond
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordStepHandled("payment.process", "success", d)
	}
}

func BenchmarkRecordPublish(b *testing.B) {
	m := NewManager(DefaultConfig())
	d := time.Millisecond
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordPublish("nats", "order.created", true, d)
	}
}

func BenchmarkNoOpRecording(b *testing.B) {
	m := NoOpManager()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordStepHandled("payment.process", "success", time.Millisecond)
		m.RecordPublish("nats", "order.created", true, time.Millisecond)
	}
}
