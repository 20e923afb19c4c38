// Package history is a bounded retention log of completed/failed task
// executions, backed by Postgres via pgx. It is grounded in the
// teacher's store/postgres.go (pgxpool.Pool, parameterized SQL, the
// pgx.ErrNoRows-to-nil convention), generalized from the teacher's
// agent/state tables to a single append-only execution-history table.
// Enabling it is optional — the queue manager functions with it absent,
// it just can't answer "what ran recently" queries.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxforge/queuemanager/internal/executor"
	"github.com/fluxforge/queuemanager/internal/task"
)

// Entry is one recorded execution outcome.
type Entry struct {
	TaskID      string
	Skill       string
	Priority    task.Priority
	Status      executor.Status
	ErrorCode   string
	DurationMs  int64
	CompletedAt time.Time
}

// Store retains Entry records in Postgres with a fixed lookback window:
// rows older than the configured retention are pruned on Prune.
type Store struct {
	pool      *pgxpool.Pool
	retention time.Duration
}

// Open connects to Postgres and ensures the history table exists.
func Open(ctx context.Context, dsn string, retention time.Duration) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	s := &Store{pool: pool, retention: retention}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS task_execution_history (
			task_id      TEXT NOT NULL,
			skill        TEXT NOT NULL,
			priority     TEXT NOT NULL,
			status       TEXT NOT NULL,
			error_code   TEXT,
			duration_ms  BIGINT NOT NULL DEFAULT 0,
			completed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (task_id, completed_at)
		)
	`)
	return err
}

// Record appends one execution outcome.
func (s *Store) Record(ctx context.Context, e Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_execution_history (task_id, skill, priority, status, error_code, duration_ms, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.TaskID, e.Skill, string(e.Priority), string(e.Status), e.ErrorCode, e.DurationMs, e.CompletedAt)
	return err
}

// Recent returns the most recent limit entries for a task id, newest
// first.
func (s *Store) Recent(ctx context.Context, taskID string, limit int) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, skill, priority, status, COALESCE(error_code, ''), duration_ms, completed_at
		FROM task_execution_history
		WHERE task_id = $1
		ORDER BY completed_at DESC
		LIMIT $2
	`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var priority, status string
		if err := rows.Scan(&e.TaskID, &e.Skill, &priority, &status, &e.ErrorCode, &e.DurationMs, &e.CompletedAt); err != nil {
			return nil, err
		}
		e.Priority = task.Priority(priority)
		e.Status = executor.Status(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountSince returns how many entries with the given status were
// recorded at or after since, used by dashboards to show a rolling
// failure/success rate.
func (s *Store) CountSince(ctx context.Context, status executor.Status, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM task_execution_history WHERE status = $1 AND completed_at >= $2
	`, string(status), since).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// Prune deletes entries older than the configured retention window,
// returning how many rows were removed.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.retention)
	tag, err := s.pool.Exec(ctx, `DELETE FROM task_execution_history WHERE completed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
