package storage

import (
	"context"
	"time"
)

// OperationRecorder receives the outcome of every backend call.
type OperationRecorder interface {
	RecordStorageOperation(backend, operation string, duration time.Duration, err error)
}

// Instrumented wraps a backend and reports each call to a recorder.
type Instrumented struct {
	Backend
	name     string
	recorder OperationRecorder
}

// Instrument returns b wrapped with rec. A nil recorder returns b unchanged.
func Instrument(b Backend, name string, rec OperationRecorder) Backend {
	if rec == nil {
		return b
	}
	return &Instrumented{Backend: b, name: name, recorder: rec}
}

func (i *Instrumented) observe(op string, start time.Time, err error) {
	// A missing step is an expected answer, not a backend failure.
	if IsNotFound(err) {
		err = nil
	}
	i.recorder.RecordStorageOperation(i.name, op, time.Since(start), err)
}

func (i *Instrumented) Store(ctx context.Context, rec *Record) error {
	start := time.Now()
	err := i.Backend.Store(ctx, rec)
	i.observe("store", start, err)
	return err
}

func (i *Instrumented) Insert(ctx context.Context, rec *Record) (bool, error) {
	start := time.Now()
	created, err := i.Backend.Insert(ctx, rec)
	i.observe("insert", start, err)
	return created, err
}

func (i *Instrumented) RecordFailure(ctx context.Context, sagaInstanceID, eventName, errorMessage string) (*Record, error) {
	start := time.Now()
	rec, err := i.Backend.RecordFailure(ctx, sagaInstanceID, eventName, errorMessage)
	i.observe("record_failure", start, err)
	return rec, err
}

func (i *Instrumented) Update(ctx context.Context, sagaInstanceID, eventName string, changes Changes) error {
	start := time.Now()
	err := i.Backend.Update(ctx, sagaInstanceID, eventName, changes)
	i.observe("update", start, err)
	return err
}

func (i *Instrumented) GetLog(ctx context.Context, sagaInstanceID, eventName string) (*Record, error) {
	start := time.Now()
	rec, err := i.Backend.GetLog(ctx, sagaInstanceID, eventName)
	i.observe("get_log", start, err)
	return rec, err
}

func (i *Instrumented) GetLogs(ctx context.Context, sagaInstanceID string) ([]*Record, error) {
	start := time.Now()
	recs, err := i.Backend.GetLogs(ctx, sagaInstanceID)
	i.observe("get_logs", start, err)
	return recs, err
}

// Unwrap returns the wrapped backend.
func (i *Instrumented) Unwrap() Backend {
	return i.Backend
}
