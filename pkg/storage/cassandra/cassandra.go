// Package cassandra provides an Apache Cassandra implementation of the
// storage backend. Steps of one saga share a partition.
package cassandra

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/storage"
)

// maxCASAttempts bounds the compare-and-set loop of RecordFailure.
const maxCASAttempts = 100

// Config holds configuration for CassandraStorage.
type Config struct {
	ContactPoints []string
	Keyspace      string
	Table         string
	Consistency   string
	Timeout       time.Duration
	AutoMigrate   bool
	Logger        logger.Logger
}

// CassandraStorage implements storage.Backend on Cassandra.
type CassandraStorage struct {
	session *gocql.Session
	table   string
	log     logger.Logger
}

// Open creates a session on the configured keyspace.
func Open(ctx context.Context, cfg Config) (*CassandraStorage, error) {
	if len(cfg.ContactPoints) == 0 || cfg.Keyspace == "" {
		return nil, errors.New("cassandra contact points and keyspace are required")
	}
	table := cfg.Table
	if table == "" {
		table = "saga_logs"
	}
	if err := storage.ValidateIdentifier(table); err != nil {
		return nil, err
	}

	cluster := gocql.NewCluster(cfg.ContactPoints...)
	cluster.Keyspace = cfg.Keyspace
	if cfg.Consistency != "" {
		c, err := gocql.ParseConsistencyWrapper(cfg.Consistency)
		if err != nil {
			return nil, fmt.Errorf("invalid cassandra consistency: %w", err)
		}
		cluster.Consistency = c
	}
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
		cluster.ConnectTimeout = cfg.Timeout
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Global()
	}
	s := &CassandraStorage{
		session: session,
		table:   table,
		log:     log.With("component", "storage.cassandra", "keyspace", cfg.Keyspace),
	}

	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			session.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the step table when missing.
func (s *CassandraStorage) Migrate(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	saga_instance_id text,
	event_name text,
	status text,
	payload text,
	headers text,
	retry_count int,
	error_message text,
	compensation_handler text,
	processed_at timestamp,
	created_at timestamp,
	updated_at timestamp,
	PRIMARY KEY ((saga_instance_id), event_name)
)`, s.table)
	if err := s.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
		return &storage.StorageUnavailableError{Cause: fmt.Errorf("migrate %s: %w", s.table, err)}
	}
	return nil
}

const selectColumns = "saga_instance_id, event_name, status, payload, headers, retry_count, " +
	"error_message, compensation_handler, processed_at, created_at, updated_at"

// Store inserts the record with a lightweight transaction. When the row
// already exists everything but created_at is overwritten.
func (s *CassandraStorage) Store(ctx context.Context, rec *storage.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	payload, err := storage.MarshalPayload(rec.Payload)
	if err != nil {
		return err
	}
	headers, err := storage.MarshalHeaders(rec.Headers)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	createdAt := rec.CreatedAt.UTC()
	if rec.CreatedAt.IsZero() {
		createdAt = now
	}
	status := rec.Status
	if status == "" {
		status = storage.StatusPending
	}
	processedAt := nullableTime(rec.ProcessedAt)

	insert := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`, s.table, selectColumns)
	applied, err := s.session.Query(insert,
		rec.SagaInstanceID, rec.EventName, status, string(payload), string(headers), rec.RetryCount,
		rec.ErrorMessage, rec.CompensationHandler, processedAt, createdAt, now,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		s.log.Error("failed to store saga step", "saga_instance_id", rec.SagaInstanceID, "event_name", rec.EventName, "error", err)
		return &storage.StorageUnavailableError{Cause: err}
	}
	if applied {
		return nil
	}

	update := fmt.Sprintf(`UPDATE %s SET status = ?, payload = ?, headers = ?, retry_count = ?, error_message = ?,
	compensation_handler = ?, processed_at = ?, updated_at = ? WHERE saga_instance_id = ? AND event_name = ?`, s.table)
	err = s.session.Query(update,
		status, string(payload), string(headers), rec.RetryCount, rec.ErrorMessage,
		rec.CompensationHandler, processedAt, now, rec.SagaInstanceID, rec.EventName,
	).WithContext(ctx).Exec()
	if err != nil {
		s.log.Error("failed to replace saga step", "saga_instance_id", rec.SagaInstanceID, "event_name", rec.EventName, "error", err)
		return &storage.StorageUnavailableError{Cause: err}
	}
	return nil
}

// Insert stores a step record with IF NOT EXISTS and reports whether the
// lightweight transaction applied.
func (s *CassandraStorage) Insert(ctx context.Context, rec *storage.Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}
	payload, err := storage.MarshalPayload(rec.Payload)
	if err != nil {
		return false, err
	}
	headers, err := storage.MarshalHeaders(rec.Headers)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	createdAt := rec.CreatedAt.UTC()
	if rec.CreatedAt.IsZero() {
		createdAt = now
	}
	status := rec.Status
	if status == "" {
		status = storage.StatusPending
	}

	insert := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`, s.table, selectColumns)
	applied, err := s.session.Query(insert,
		rec.SagaInstanceID, rec.EventName, status, string(payload), string(headers), rec.RetryCount,
		rec.ErrorMessage, rec.CompensationHandler, nullableTime(rec.ProcessedAt), createdAt, now,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		s.log.Error("failed to insert saga step", "saga_instance_id", rec.SagaInstanceID, "event_name", rec.EventName, "error", err)
		return false, &storage.StorageUnavailableError{Cause: err}
	}
	return applied, nil
}

// RecordFailure counts one failed attempt with a compare-and-set on
// retry_count, rereading and retrying when another writer got there first.
func (s *CassandraStorage) RecordFailure(ctx context.Context, sagaInstanceID, eventName, errorMessage string) (*storage.Record, error) {
	stmt := fmt.Sprintf(`UPDATE %s SET status = ?, error_message = ?, retry_count = ?, updated_at = ?
	WHERE saga_instance_id = ? AND event_name = ? IF retry_count = ? AND status = ?`, s.table)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		rec, err := s.GetLog(ctx, sagaInstanceID, eventName)
		if err != nil {
			return nil, err
		}
		seen := rec.RetryCount
		prevStatus := rec.Status
		if !storage.ApplyFailure(rec, errorMessage, time.Now().UTC()) {
			return rec, nil
		}

		applied, err := s.session.Query(stmt,
			rec.Status, rec.ErrorMessage, rec.RetryCount, rec.UpdatedAt,
			sagaInstanceID, eventName, seen, prevStatus,
		).WithContext(ctx).MapScanCAS(map[string]interface{}{})
		if err != nil {
			s.log.Error("failed to record saga step failure", "saga_instance_id", sagaInstanceID, "event_name", eventName, "error", err)
			return nil, &storage.StorageUnavailableError{Cause: err}
		}
		if applied {
			return rec, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, &storage.StorageUnavailableError{
		Cause: fmt.Errorf("retry count of %s/%s kept changing", sagaInstanceID, eventName),
	}
}

// Update merges changes into an existing record. IF EXISTS keeps the
// update from creating a partial row.
func (s *CassandraStorage) Update(ctx context.Context, sagaInstanceID, eventName string, changes storage.Changes) error {
	sets := make([]string, 0, 8)
	args := make([]interface{}, 0, 10)

	if changes.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *changes.Status)
	}
	if changes.Payload != nil {
		data, err := storage.MarshalPayload(changes.Payload)
		if err != nil {
			return err
		}
		sets = append(sets, "payload = ?")
		args = append(args, string(data))
	}
	if changes.Headers != nil {
		data, err := storage.MarshalHeaders(changes.Headers)
		if err != nil {
			return err
		}
		sets = append(sets, "headers = ?")
		args = append(args, string(data))
	}
	if changes.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *changes.RetryCount)
	}
	if changes.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *changes.ErrorMessage)
	}
	if changes.CompensationHandler != nil {
		sets = append(sets, "compensation_handler = ?")
		args = append(args, *changes.CompensationHandler)
	}
	if changes.ProcessedAt != nil {
		sets = append(sets, "processed_at = ?")
		args = append(args, changes.ProcessedAt.UTC())
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), sagaInstanceID, eventName)

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE saga_instance_id = ? AND event_name = ? IF EXISTS",
		s.table, strings.Join(sets, ", "))
	applied, err := s.session.Query(stmt, args...).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		s.log.Error("failed to update saga step", "saga_instance_id", sagaInstanceID, "event_name", eventName, "error", err)
		return &storage.StorageUnavailableError{Cause: err}
	}
	if !applied {
		return storage.StepNotFound(sagaInstanceID, eventName)
	}
	return nil
}

// GetLog retrieves a single step record.
func (s *CassandraStorage) GetLog(ctx context.Context, sagaInstanceID, eventName string) (*storage.Record, error) {
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE saga_instance_id = ? AND event_name = ?", selectColumns, s.table)
	var r row
	err := s.session.Query(stmt, sagaInstanceID, eventName).WithContext(ctx).Scan(r.dest()...)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, storage.StepNotFound(sagaInstanceID, eventName)
	}
	if err != nil {
		s.log.Error("failed to load saga step", "saga_instance_id", sagaInstanceID, "event_name", eventName, "error", err)
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	return r.toRecord()
}

// GetLogs reads the saga partition and orders it by created_at. The
// partition is clustered by event name, so ordering happens client side.
func (s *CassandraStorage) GetLogs(ctx context.Context, sagaInstanceID string) ([]*storage.Record, error) {
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE saga_instance_id = ?", selectColumns, s.table)
	iter := s.session.Query(stmt, sagaInstanceID).WithContext(ctx).Iter()

	records := []*storage.Record{}
	var r row
	for iter.Scan(r.dest()...) {
		rec, err := r.toRecord()
		if err != nil {
			_ = iter.Close()
			return nil, err
		}
		records = append(records, rec)
		r = row{}
	}
	if err := iter.Close(); err != nil {
		s.log.Error("failed to list saga steps", "saga_instance_id", sagaInstanceID, "error", err)
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	sortByCreation(records)
	return records, nil
}

// Close closes the session.
func (s *CassandraStorage) Close() error {
	s.session.Close()
	return nil
}

type row struct {
	sagaInstanceID      string
	eventName           string
	status              string
	payload             string
	headers             string
	retryCount          int
	errorMessage        string
	compensationHandler string
	processedAt         time.Time
	createdAt           time.Time
	updatedAt           time.Time
}

func (r *row) dest() []interface{} {
	return []interface{}{
		&r.sagaInstanceID, &r.eventName, &r.status, &r.payload, &r.headers, &r.retryCount,
		&r.errorMessage, &r.compensationHandler, &r.processedAt, &r.createdAt, &r.updatedAt,
	}
}

func (r *row) toRecord() (*storage.Record, error) {
	payload, err := storage.UnmarshalPayload([]byte(r.payload))
	if err != nil {
		return nil, err
	}
	headers, err := storage.UnmarshalHeaders([]byte(r.headers))
	if err != nil {
		return nil, err
	}
	rec := &storage.Record{
		SagaInstanceID:      r.sagaInstanceID,
		EventName:           r.eventName,
		Status:              r.status,
		Payload:             payload,
		Headers:             headers,
		RetryCount:          r.retryCount,
		ErrorMessage:        r.errorMessage,
		CompensationHandler: r.compensationHandler,
		CreatedAt:           r.createdAt,
		UpdatedAt:           r.updatedAt,
	}
	if !r.processedAt.IsZero() {
		t := r.processedAt
		rec.ProcessedAt = &t
	}
	return rec, nil
}

func sortByCreation(records []*storage.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
