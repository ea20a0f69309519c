package saga

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const sagaTracerName = "eventmesh.saga"

const (
	spanSagaStart       = "saga.start"
	spanSagaHandleEvent = "saga.handle_event"
	spanSagaCompensate  = "saga.compensate"
)

func sagaTracer() trace.Tracer {
	return otel.Tracer(sagaTracerName)
}
