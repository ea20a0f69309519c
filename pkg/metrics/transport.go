package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Topics are left out of transport labels to keep cardinality bounded.
func (m *Manager) initTransportMetrics(cfg Config) {
	m.transportPublish = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_publish_total",
			Help: "Total number of publishes by driver and result",
		},
		[]string{"driver", "result"},
	)

	m.transportPublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transport_publish_duration_seconds",
			Help:    "Publish latency in seconds",
			Buckets: cfg.PublishDurationBuckets,
		},
		[]string{"driver"},
	)

	m.transportDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transport_deliveries_total",
			Help: "Total number of messages delivered to subscribers",
		},
		[]string{"driver"},
	)

	m.registry.MustRegister(m.transportPublish)
	m.registry.MustRegister(m.transportPublishDuration)
	m.registry.MustRegister(m.transportDeliveries)
}

// RecordPublish records one publish attempt.
func (m *Manager) RecordPublish(driver, _ string, ok bool, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.transportPublish.WithLabelValues(driver, result(ok)).Inc()
	m.transportPublishDuration.WithLabelValues(driver).Observe(duration.Seconds())
}

// RecordDelivery records one message handed to a subscriber.
func (m *Manager) RecordDelivery(driver, _ string) {
	if !m.enabled {
		return
	}
	m.transportDeliveries.WithLabelValues(driver).Inc()
}
