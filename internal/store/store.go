package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// pool abstracts the subset of pgxpool.Pool the store uses, for easier
// testing.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Store persists tasks, applications, port allocations and pipelines in
// Postgres.
type Store struct {
	pool pool
}

// New builds a Store backed by the provided connection pool.
func New(pool pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("store requires pool")
	}
	return &Store{pool: pool}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id                 TEXT PRIMARY KEY,
    parent_id          TEXT,
    kind               TEXT NOT NULL,
    model              TEXT NOT NULL,
    app_num            INTEGER NOT NULL,
    status             TEXT NOT NULL DEFAULT 'PENDING',
    priority           INTEGER NOT NULL DEFAULT 0,
    tools              JSONB,
    options            JSONB,
    preflight_retries  INTEGER NOT NULL DEFAULT 0,
    transient_retries  INTEGER NOT NULL DEFAULT 0,
    stuck_retries      INTEGER NOT NULL DEFAULT 0,
    not_before         TIMESTAMPTZ NOT NULL DEFAULT now(),
    cancel_requested   BOOLEAN NOT NULL DEFAULT FALSE,
    claimed_by         TEXT,
    summary            JSONB,
    error              TEXT,
    has_result_files   BOOLEAN NOT NULL DEFAULT FALSE,
    result_path        TEXT,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at         TIMESTAMPTZ,
    completed_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks (status, not_before, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks (parent_id);

CREATE TABLE IF NOT EXISTS apps (
    model         TEXT NOT NULL,
    app_num       INTEGER NOT NULL,
    provider      TEXT NOT NULL DEFAULT '',
    backend_port  INTEGER NOT NULL,
    frontend_port INTEGER NOT NULL,
    missing_since TIMESTAMPTZ,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (model, app_num)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_apps_backend_port ON apps (backend_port);
CREATE UNIQUE INDEX IF NOT EXISTS idx_apps_frontend_port ON apps (frontend_port);

CREATE TABLE IF NOT EXISTS pipelines (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    model      TEXT NOT NULL,
    app_num    INTEGER NOT NULL,
    status     TEXT NOT NULL DEFAULT 'PENDING',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pipeline_steps (
    pipeline_id TEXT NOT NULL REFERENCES pipelines(id) ON DELETE CASCADE,
    position    INTEGER NOT NULL,
    kind        TEXT NOT NULL,
    task_id     TEXT,
    status      TEXT NOT NULL DEFAULT 'PENDING',
    depends_on  INTEGER,
    PRIMARY KEY (pipeline_id, position)
);
`

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
