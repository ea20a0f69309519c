package metrics

import "github.com/prometheus/client_golang/prometheus"

func (m *Manager) initOutboxMetrics() {
	m.outboxRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_relay_total",
			Help: "Total number of outbox replay attempts by result",
		},
		[]string{"result"},
	)

	m.outboxBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending_batch_size",
			Help: "Pending events seen by the last relay pass",
		},
	)

	m.registry.MustRegister(m.outboxRelayed)
	m.registry.MustRegister(m.outboxBacklog)
}

// RecordOutboxRelay records one replay attempt.
func (m *Manager) RecordOutboxRelay(result string) {
	if !m.enabled {
		return
	}
	m.outboxRelayed.WithLabelValues(result).Inc()
}

// RecordOutboxBacklog records the pending batch size of the last pass.
func (m *Manager) RecordOutboxBacklog(n int) {
	if !m.enabled {
		return
	}
	m.outboxBacklog.Set(float64(n))
}
