package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/storage"
	"github.com/goclaw/eventmesh/pkg/storage/sqlstore"
)

// SQLStore keeps outbox events in a relational table next to the saga log.
type SQLStore struct {
	db      *sql.DB
	dialect sqlstore.Dialect
	table   string
	timeout time.Duration
	log     logger.Logger
	now     func() time.Time

	insertQuery    string
	pendingQuery   string
	publishedQuery string
	failedQuery    string
}

// SQLConfig configures a SQLStore.
type SQLConfig struct {
	Table   string
	Timeout time.Duration
	Logger  logger.Logger
}

// NewSQLStore wraps an existing connection pool. The pool is owned by the
// caller and is not closed by Close.
func NewSQLStore(db *sql.DB, dialect sqlstore.Dialect, cfg SQLConfig) (*SQLStore, error) {
	table := cfg.Table
	if table == "" {
		table = "outbox_events"
	}
	if err := storage.ValidateIdentifier(table); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Global()
	}

	s := &SQLStore{
		db:      db,
		dialect: dialect,
		table:   table,
		timeout: cfg.Timeout,
		log:     log.With("component", "outbox.sql", "dialect", string(dialect)),
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.insertQuery = dialect.Rebind(fmt.Sprintf(`INSERT INTO %s
(id, topic, payload, headers, status, retry_count, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 0, ?, ?)`, table))
	s.pendingQuery = dialect.Rebind(fmt.Sprintf(`SELECT id, topic, payload, headers, status, retry_count,
error_message, published_at, created_at, updated_at
FROM %s WHERE status = ? ORDER BY created_at, id LIMIT ?`, table))
	s.publishedQuery = dialect.Rebind(fmt.Sprintf(
		"UPDATE %s SET status = ?, published_at = ?, error_message = NULL, updated_at = ? WHERE id = ?", table))
	s.failedQuery = dialect.Rebind(fmt.Sprintf(
		"UPDATE %s SET status = ?, retry_count = retry_count + 1, error_message = ?, updated_at = ? WHERE id = ?", table))
	return s, nil
}

// Migrate creates the outbox table and its index when missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	ts := s.dialect.TimestampType()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(64) PRIMARY KEY,
	topic VARCHAR(255) NOT NULL,
	payload %s NOT NULL,
	headers %s NULL,
	status VARCHAR(32) NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	published_at %s NULL,
	created_at %s NOT NULL,
	updated_at %s NOT NULL
)`, s.table, s.dialect.JSONType(), s.dialect.JSONType(), ts, ts, ts),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_status ON %s (status, created_at)", s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			s.log.Error("migration failed", "table", s.table, "error", err)
			return &storage.StorageUnavailableError{Cause: fmt.Errorf("migrate %s: %w", s.table, err)}
		}
	}
	return nil
}

func (s *SQLStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}

func (s *SQLStore) Add(ctx context.Context, ev *Event) error {
	if ev == nil || ev.ID == "" {
		return ErrMissingID
	}
	payload, err := storage.MarshalPayload(ev.Payload)
	if err != nil {
		return err
	}
	headers, err := storage.MarshalHeaders(ev.Headers)
	if err != nil {
		return err
	}
	created := ev.CreatedAt.UTC()
	if ev.CreatedAt.IsZero() {
		created = s.now()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err = s.db.ExecContext(ctx, s.insertQuery,
		ev.ID, ev.Topic, string(payload), string(headers), StatusPending, created, created)
	if err != nil {
		s.log.Error("failed to add outbox event", "id", ev.ID, "topic", ev.Topic, "error", err)
		return &storage.StorageUnavailableError{Cause: err}
	}
	return nil
}

func (s *SQLStore) Pending(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.pendingQuery, StatusPending, limit)
	if err != nil {
		s.log.Error("failed to list pending events", "error", err)
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			var se *storage.SerializationError
			if errors.As(err, &se) {
				return nil, err
			}
			return nil, &storage.StorageUnavailableError{Cause: err}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	return events, nil
}

func (s *SQLStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, id, s.publishedQuery, StatusPublished, at.UTC(), s.now(), id)
}

func (s *SQLStore) MarkFailed(ctx context.Context, id, errMsg string, terminal bool) error {
	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	return s.exec(ctx, id, s.failedQuery, status, sql.NullString{String: errMsg, Valid: errMsg != ""}, s.now(), id)
}

func (s *SQLStore) exec(ctx context.Context, id, query string, args ...any) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.log.Error("failed to update outbox event", "id", id, "error", err)
		return &storage.StorageUnavailableError{Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &storage.StorageUnavailableError{Cause: err}
	}
	if n == 0 {
		return eventNotFound(id)
	}
	return nil
}

// Close is a no-op; the connection pool belongs to the saga store.
func (s *SQLStore) Close() error { return nil }

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*Event, error) {
	var (
		ev          Event
		payload     []byte
		headers     []byte
		errMsg      sql.NullString
		publishedAt sql.NullTime
	)
	err := row.Scan(&ev.ID, &ev.Topic, &payload, &headers, &ev.Status, &ev.RetryCount,
		&errMsg, &publishedAt, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if ev.Payload, err = storage.UnmarshalPayload(payload); err != nil {
		return nil, err
	}
	if ev.Headers, err = storage.UnmarshalHeaders(headers); err != nil {
		return nil, err
	}
	ev.ErrorMessage = errMsg.String
	if publishedAt.Valid {
		t := publishedAt.Time
		ev.PublishedAt = &t
	}
	return &ev, nil
}
