package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the catalog tables if needed. Keeping the migration in
// code means a fresh database bootstraps itself on first start.
//
// The unique index on files(name) is what makes refreshIndex idempotent:
// re-scanning an unchanged tree upserts into the same rows. sync_date is
// indexed because every catalog predicate is a NULL-ness test on it.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	full_path TEXT NOT NULL,
	directory_full_path TEXT NOT NULL,
	directory_base_path TEXT NOT NULL,
	file_size_byte BIGINT NOT NULL,
	sync_date TIMESTAMPTZ,
	file_code TEXT,
	error_name TEXT,
	error_message TEXT,
	error_status INT,
	error_context TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_files_name ON files(name);
CREATE INDEX IF NOT EXISTS idx_files_sync_date ON files(sync_date);
CREATE TABLE IF NOT EXISTS sync_runs (
	id TEXT PRIMARY KEY,
	start_date TIMESTAMPTZ NOT NULL,
	end_date TIMESTAMPTZ,
	state TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_runs_state ON sync_runs(state);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
