// Package sqlstore provides a database/sql implementation of the storage
// backend for SQLite and PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/storage"
)

// Config holds configuration for SQLStorage.
type Config struct {
	Dialect         string
	DSN             string
	Table           string
	AutoMigrate     bool
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Timeout         time.Duration
	Logger          logger.Logger
}

// SQLStorage implements storage.Backend on a relational database.
type SQLStorage struct {
	db      *sql.DB
	dialect Dialect
	table   string
	timeout time.Duration
	log     logger.Logger
	ownsDB  bool

	upsertQuery  string
	insertQuery  string
	failureQuery string
	selectQuery  string
	listQuery    string
}

// Open connects to the database described by cfg and prepares the schema.
func Open(ctx context.Context, cfg Config) (*SQLStorage, error) {
	dialect, err := ParseDialect(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, errors.New("sql dsn is required")
	}

	db, err := sql.Open(dialect.DriverName(), cfg.DSN)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	s, err := NewWithDB(db, dialect, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true

	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithDB wraps an existing connection pool. The pool is not closed by Close.
func NewWithDB(db *sql.DB, dialect Dialect, cfg Config) (*SQLStorage, error) {
	table := cfg.Table
	if table == "" {
		table = "saga_logs"
	}
	if err := storage.ValidateIdentifier(table); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Global()
	}

	s := &SQLStorage{
		db:      db,
		dialect: dialect,
		table:   table,
		timeout: cfg.Timeout,
		log:     log.With("component", "storage.sql", "dialect", string(dialect)),
	}
	s.buildQueries()
	return s, nil
}

const columns = "saga_instance_id, event_name, status, payload, headers, retry_count, " +
	"error_message, compensation_handler, processed_at, created_at, updated_at"

func (s *SQLStorage) buildQueries() {
	s.upsertQuery = s.dialect.Rebind(fmt.Sprintf(`INSERT INTO %s (%s)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (saga_instance_id, event_name) DO UPDATE SET
	status = excluded.status,
	payload = excluded.payload,
	headers = excluded.headers,
	retry_count = excluded.retry_count,
	error_message = excluded.error_message,
	compensation_handler = excluded.compensation_handler,
	processed_at = excluded.processed_at,
	updated_at = excluded.updated_at`, s.table, columns))
	s.insertQuery = s.dialect.Rebind(fmt.Sprintf(`INSERT INTO %s (%s)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (saga_instance_id, event_name) DO NOTHING`, s.table, columns))
	s.failureQuery = s.dialect.Rebind(fmt.Sprintf(`UPDATE %s SET
	status = ?,
	error_message = ?,
	retry_count = retry_count + 1,
	updated_at = ?
WHERE saga_instance_id = ? AND event_name = ? AND status <> ?
RETURNING %s`, s.table, columns))
	s.selectQuery = s.dialect.Rebind(fmt.Sprintf(
		"SELECT %s FROM %s WHERE saga_instance_id = ? AND event_name = ?", columns, s.table))
	s.listQuery = s.dialect.Rebind(fmt.Sprintf(
		"SELECT %s FROM %s WHERE saga_instance_id = ? ORDER BY created_at, id", columns, s.table))
}

// Migrate creates the step table and its indexes when missing.
func (s *SQLStorage) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s,
	saga_instance_id VARCHAR(255) NOT NULL,
	event_name VARCHAR(255) NOT NULL,
	status VARCHAR(32) NOT NULL DEFAULT 'pending',
	payload %s NOT NULL,
	headers %s NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	compensation_handler VARCHAR(255),
	processed_at %s NULL,
	created_at %s NOT NULL,
	updated_at %s NOT NULL
)`, s.table, s.dialect.AutoIncrementPK(), s.dialect.JSONType(), s.dialect.JSONType(),
			s.dialect.TimestampType(), s.dialect.TimestampType(), s.dialect.TimestampType()),
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_step ON %s (saga_instance_id, event_name)", s.table, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_saga ON %s (saga_instance_id, created_at)", s.table, s.table),
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			s.log.Error("migration failed", "table", s.table, "error", err)
			return &storage.StorageUnavailableError{Cause: fmt.Errorf("migrate %s: %w", s.table, err)}
		}
	}
	return nil
}

// DB returns the underlying connection pool.
func (s *SQLStorage) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect in use.
func (s *SQLStorage) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStorage) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}

// Store inserts or replaces a step record.
func (s *SQLStorage) Store(ctx context.Context, rec *storage.Record) error {
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err = s.db.ExecContext(ctx, s.upsertQuery, args...); err != nil {
		s.log.Error("failed to store saga step", "saga_instance_id", rec.SagaInstanceID, "event_name", rec.EventName, "error", err)
		return &storage.StorageUnavailableError{Cause: err}
	}
	return nil
}

// Insert stores a step record unless the unique (saga, event) index
// already holds one.
func (s *SQLStorage) Insert(ctx context.Context, rec *storage.Record) (bool, error) {
	args, err := recordArgs(rec)
	if err != nil {
		return false, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.insertQuery, args...)
	if err != nil {
		s.log.Error("failed to insert saga step", "saga_instance_id", rec.SagaInstanceID, "event_name", rec.EventName, "error", err)
		return false, &storage.StorageUnavailableError{Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &storage.StorageUnavailableError{Cause: err}
	}
	return n > 0, nil
}

// RecordFailure increments retry_count in the database so concurrent
// failures from any number of processes are each counted.
func (s *SQLStorage) RecordFailure(ctx context.Context, sagaInstanceID, eventName, errorMessage string) (*storage.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rec, err := scanRecord(s.db.QueryRowContext(ctx, s.failureQuery,
		storage.StatusFailed,
		nullString(errorMessage),
		time.Now().UTC(),
		sagaInstanceID,
		eventName,
		storage.StatusSuccess,
	))
	if errors.Is(err, sql.ErrNoRows) {
		// Either missing or already successful.
		return s.GetLog(ctx, sagaInstanceID, eventName)
	}
	if err != nil {
		var se *storage.SerializationError
		if errors.As(err, &se) {
			return nil, err
		}
		s.log.Error("failed to record saga step failure", "saga_instance_id", sagaInstanceID, "event_name", eventName, "error", err)
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	return rec, nil
}

func recordArgs(rec *storage.Record) ([]any, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	payload, err := storage.MarshalPayload(rec.Payload)
	if err != nil {
		return nil, err
	}
	headers, err := storage.MarshalHeaders(rec.Headers)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	createdAt := rec.CreatedAt.UTC()
	if rec.CreatedAt.IsZero() {
		createdAt = now
	}
	return []any{
		rec.SagaInstanceID,
		rec.EventName,
		statusOrDefault(rec.Status),
		string(payload),
		string(headers),
		rec.RetryCount,
		nullString(rec.ErrorMessage),
		nullString(rec.CompensationHandler),
		nullTime(rec.ProcessedAt),
		createdAt,
		now,
	}, nil
}

// Update merges changes into an existing record.
func (s *SQLStorage) Update(ctx context.Context, sagaInstanceID, eventName string, changes storage.Changes) error {
	sets := make([]string, 0, 8)
	args := make([]any, 0, 10)

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
		args = append(args, nullString(*changes.ErrorMessage))
	}
	if changes.CompensationHandler != nil {
		sets = append(sets, "compensation_handler = ?")
		args = append(args, nullString(*changes.CompensationHandler))
	}
	if changes.ProcessedAt != nil {
		sets = append(sets, "processed_at = ?")
		args = append(args, changes.ProcessedAt.UTC())
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), sagaInstanceID, eventName)

	query := s.dialect.Rebind(fmt.Sprintf("UPDATE %s SET %s WHERE saga_instance_id = ? AND event_name = ?",
		s.table, strings.Join(sets, ", ")))

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.log.Error("failed to update saga step", "saga_instance_id", sagaInstanceID, "event_name", eventName, "error", err)
		return &storage.StorageUnavailableError{Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &storage.StorageUnavailableError{Cause: err}
	}
	if n == 0 {
		return storage.StepNotFound(sagaInstanceID, eventName)
	}
	return nil
}

// GetLog retrieves a single step record.
func (s *SQLStorage) GetLog(ctx context.Context, sagaInstanceID, eventName string) (*storage.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rec, err := scanRecord(s.db.QueryRowContext(ctx, s.selectQuery, sagaInstanceID, eventName))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.StepNotFound(sagaInstanceID, eventName)
		}
		var se *storage.SerializationError
		if errors.As(err, &se) {
			return nil, err
		}
		s.log.Error("failed to load saga step", "saga_instance_id", sagaInstanceID, "event_name", eventName, "error", err)
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	return rec, nil
}

// GetLogs returns all records of a saga in creation order.
func (s *SQLStorage) GetLogs(ctx context.Context, sagaInstanceID string) ([]*storage.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.listQuery, sagaInstanceID)
	if err != nil {
		s.log.Error("failed to list saga steps", "saga_instance_id", sagaInstanceID, "error", err)
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	defer rows.Close()

	records := []*storage.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			var se *storage.SerializationError
			if errors.As(err, &se) {
				return nil, err
			}
			return nil, &storage.StorageUnavailableError{Cause: err}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	return records, nil
}

// Close closes the connection pool when it was opened by Open.
func (s *SQLStorage) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*storage.Record, error) {
	var (
		rec          storage.Record
		payload      []byte
		headers      []byte
		errorMessage sql.NullString
		compensation sql.NullString
		processedAt  sql.NullTime
	)
	err := row.Scan(
		&rec.SagaInstanceID,
		&rec.EventName,
		&rec.Status,
		&payload,
		&headers,
		&rec.RetryCount,
		&errorMessage,
		&compensation,
		&processedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if rec.Payload, err = storage.UnmarshalPayload(payload); err != nil {
		return nil, err
	}
	if rec.Headers, err = storage.UnmarshalHeaders(headers); err != nil {
		return nil, err
	}
	rec.ErrorMessage = errorMessage.String
	rec.CompensationHandler = compensation.String
	if processedAt.Valid {
		t := processedAt.Time
		rec.ProcessedAt = &t
	}
	return &rec, nil
}

func statusOrDefault(status string) string {
	if status == "" {
		return storage.StatusPending
	}
	return status
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
