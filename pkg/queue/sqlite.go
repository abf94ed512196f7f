package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zen-systems/carepath/pkg/clinical"
)

//go:embed migrations/001_offline_queue.sql
var offlineQueueSchema string

// SQLiteStore is a Store backed by a local SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now Clock
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithClock sets the enqueue time source.
func WithClock(now Clock) SQLiteOption {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

// OpenSQLite opens or creates the queue database at path.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initPragmas(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize pragmas: %w", err)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate queue: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range strings.Split(offlineQueueSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute statement %d: %w", i+1, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Enqueue(ctx context.Context, q clinical.ClinicalQuery, priority clinical.Priority, reason string) error {
	if q.ID == "" {
		return ErrMissingID
	}
	payload, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("encode query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO offline_queue (id, query_json, priority, reason, enqueued_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET priority = MAX(offline_queue.priority, excluded.priority)`,
		q.ID, string(payload), priority.Rank(), reason, s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", q.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DrainBatch(ctx context.Context, limit int) ([]clinical.QueuedQuery, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, query_json, priority, reason, enqueued_at, attempts, last_error
		FROM offline_queue
		ORDER BY priority DESC, enqueued_at ASC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("drain queue: %w", err)
	}
	defer rows.Close()

	var out []clinical.QueuedQuery
	for rows.Next() {
		var (
			entry    clinical.QueuedQuery
			payload  string
			priority int
			enqueued int64
		)
		if err := rows.Scan(&entry.ID, &payload, &priority, &entry.Reason, &enqueued, &entry.Attempts, &entry.LastError); err != nil {
			return nil, fmt.Errorf("scan queued query: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &entry.Query); err != nil {
			return nil, fmt.Errorf("decode queued query %s: %w", entry.ID, err)
		}
		entry.Priority = clinical.PriorityNormal
		if priority > 0 {
			entry.Priority = clinical.PriorityHigh
		}
		entry.EnqueuedAt = time.Unix(0, enqueued)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE offline_queue SET attempts = attempts + 1, last_error = ? WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
