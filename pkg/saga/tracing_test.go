package saga

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestCoordinatorTracingSpans(t *testing.T) {
	recorder, shutdown := setSagaTracingProvider(t)
	defer shutdown()

	c, _, _ := newTestCoordinator(t,
		WithRetryAttempts(1),
		WithCompensationHandlers(map[string]string{"b": "publish:b.undo"}),
	)
	c.HandleStep("b", func(context.Context, Event) error { return errors.New("boom") })

	id, err := c.Start(context.Background(), "a", nil, nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.HandleEvent(context.Background(), id, "b", nil, nil); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	spans := recorder.Ended()
	for _, name := range []string{spanSagaStart, spanSagaHandleEvent, spanSagaCompensate} {
		if !containsSagaSpan(spans, name) {
			t.Fatalf("expected span %q", name)
		}
	}
}

func setSagaTracingProvider(t *testing.T) (*tracetest.SpanRecorder, func()) {
	t.Helper()

	prevProvider := otel.GetTracerProvider()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)

	return recorder, func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevProvider)
	}
}

func containsSagaSpan(spans []sdktrace.ReadOnlySpan, name string) bool {
	for _, span := range spans {
		if span.Name() == name {
			return true
		}
	}
	return false
}
