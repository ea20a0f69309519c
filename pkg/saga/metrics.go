package saga

import "time"

// MetricsRecorder records coordinator metrics.
type MetricsRecorder interface {
	RecordSagaStarted(eventName string)
	RecordStepHandled(eventName, status string, duration time.Duration)
	RecordCompensation(eventName, result string)
	RecordStartPublish(ok bool)
}

type nopMetricsRecorder struct{}

func (nopMetricsRecorder) RecordSagaStarted(string)                        {}
func (nopMetricsRecorder) RecordStepHandled(string, string, time.Duration) {}
func (nopMetricsRecorder) RecordCompensation(string, string)               {}
func (nopMetricsRecorder) RecordStartPublish(bool)                         {}
