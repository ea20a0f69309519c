package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initStorageMetrics(cfg Config) {
	m.storageOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Total number of storage backend calls by result",
		},
		[]string{"backend", "operation", "result"},
	)

	m.storageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storage_operation_duration_seconds",
			Help:    "Storage backend call latency in seconds",
			Buckets: cfg.StorageDurationBuckets,
		},
		[]string{"backend", "operation"},
	)

	m.registry.MustRegister(m.storageOperations)
	m.registry.MustRegister(m.storageDuration)
}

// RecordStorageOperation records one storage backend call.
func (m *Manager) RecordStorageOperation(backend, operation string, duration time.Duration, err error) {
	if !m.enabled {
		return
	}
	m.storageOperations.WithLabelValues(backend, operation, result(err == nil)).Inc()
	m.storageDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}
