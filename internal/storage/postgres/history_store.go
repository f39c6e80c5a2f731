// Package postgres archives task runs in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/zsxq-crawler/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "task_runs"

// HistoryStoreConfig controls the Postgres connection pool of the archive.
type HistoryStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// HistoryStore implements store.HistoryRepository.
type HistoryStore struct {
	pool  pool
	table string
}

// NewHistoryStore connects to Postgres and ensures the archive table exists.
func NewHistoryStore(ctx context.Context, cfg HistoryStoreConfig) (*HistoryStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("history.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewHistoryStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewHistoryStoreWithPool builds a store on an existing pool.
func NewHistoryStoreWithPool(p pool, table string) (*HistoryStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &HistoryStore{pool: p, table: table}, nil
}

// Close releases the pool.
func (s *HistoryStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the archive table when missing.
func (s *HistoryStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	task_id     TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	message     TEXT,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// RecordStart inserts a running row.
func (s *HistoryStore) RecordStart(ctx context.Context, taskID, kind string, startedAt time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (task_id, kind, status, started_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (task_id) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, taskID, kind, store.RunRunning, startedAt); err != nil {
		return fmt.Errorf("record task start: %w", err)
	}
	return nil
}

// RecordFinish closes a run. A run never started is inserted already
// finished so cancelled pending tasks are archived too.
func (s *HistoryStore) RecordFinish(ctx context.Context, taskID string, finishedAt time.Time, status store.RunStatus, message *string) error {
	query := fmt.Sprintf(`
UPDATE %s SET finished_at = $1, status = $2, message = $3
WHERE task_id = $4`, s.table)
	tag, err := s.pool.Exec(ctx, query, finishedAt, status, message, taskID)
	if err != nil {
		return fmt.Errorf("record task finish: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	insert := fmt.Sprintf(`
INSERT INTO %s (task_id, kind, status, message, started_at, finished_at)
VALUES ($1, '', $2, $3, $4, $4)
ON CONFLICT (task_id) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, insert, taskID, status, message, finishedAt); err != nil {
		return fmt.Errorf("insert finished task: %w", err)
	}
	return nil
}

// GetRun loads a single run.
func (s *HistoryStore) GetRun(ctx context.Context, taskID string) (store.TaskRun, error) {
	query := fmt.Sprintf(`
SELECT task_id, kind, status, message, started_at, finished_at
FROM %s WHERE task_id = $1`, s.table)
	var run store.TaskRun
	err := s.pool.QueryRow(ctx, query, taskID).Scan(
		&run.TaskID, &run.Kind, &run.Status, &run.Message, &run.StartedAt, &run.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.TaskRun{}, store.ErrNotFound
	}
	if err != nil {
		return store.TaskRun{}, fmt.Errorf("get task run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs newest first.
func (s *HistoryStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf(`
SELECT task_id, kind, status, message, started_at, finished_at
FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, s.table)
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	runs := []store.TaskRun{}
	for rows.Next() {
		var run store.TaskRun
		if err := rows.Scan(&run.TaskID, &run.Kind, &run.Status, &run.Message, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task runs: %w", err)
	}
	return runs, nil
}
