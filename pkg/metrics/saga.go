package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initSagaMetrics(cfg Config) {
	m.sagaStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_started_total",
			Help: "Total number of sagas started by first event",
		},
		[]string{"event_name"},
	)

	m.sagaStartPublish = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_start_publish_total",
			Help: "Outcome of the first publish of a started saga",
		},
		[]string{"result"},
	)

	m.stepsHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_steps_handled_total",
			Help: "Total number of step deliveries by resulting status",
		},
		[]string{"event_name", "status"},
	)

	m.stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_step_duration_seconds",
			Help:    "Step handling duration in seconds",
			Buckets: cfg.StepDurationBuckets,
		},
		[]string{"event_name"},
	)

	m.sagaCompensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Total number of compensation runs by result",
		},
		[]string{"event_name", "result"},
	)

	m.registry.MustRegister(m.sagaStarted)
	m.registry.MustRegister(m.sagaStartPublish)
	m.registry.MustRegister(m.stepsHandled)
	m.registry.MustRegister(m.stepDuration)
	m.registry.MustRegister(m.sagaCompensations)
}

// RecordSagaStarted records a saga started with eventName.
func (m *Manager) RecordSagaStarted(eventName string) {
	if !m.enabled {
		return
	}
	m.sagaStarted.WithLabelValues(eventName).Inc()
}

// RecordStartPublish records whether the first publish of a saga succeeded.
func (m *Manager) RecordStartPublish(ok bool) {
	if !m.enabled {
		return
	}
	m.sagaStartPublish.WithLabelValues(result(ok)).Inc()
}

// RecordStepHandled records one step delivery and its handling latency.
func (m *Manager) RecordStepHandled(eventName, status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.stepsHandled.WithLabelValues(eventName, status).Inc()
	m.stepDuration.WithLabelValues(eventName).Observe(duration.Seconds())
}

// RecordCompensation records one compensation outcome.
func (m *Manager) RecordCompensation(eventName, outcome string) {
	if !m.enabled {
		return
	}
	m.sagaCompensations.WithLabelValues(eventName, outcome).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
