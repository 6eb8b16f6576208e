// Package postgres persists studies, their job graphs, and job results. The
// orchestrator is correct against the in-memory repository; this adapter adds
// durability so checkpoints survive restarts and results outlive the process.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool creates a pgx pool with query tracing and pings it with backoff;
// the database is often still starting when the service comes up.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.NewPool: parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.NewPool: %w", err)
	}

	ping := func() error { return pool.Ping(ctx) }
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8), ctx)
	if err := backoff.Retry(ping, bo); err != nil {
		pool.Close()
		return nil, fmt.Errorf("op=postgres.NewPool: ping: %w", err)
	}
	return pool, nil
}

// schema is applied at startup; all statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS studies (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	manifest    JSONB NOT NULL,
	shortfalls  JSONB,
	legal_hold  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	study_id         TEXT NOT NULL REFERENCES studies(id) ON DELETE CASCADE,
	query_index      INT NOT NULL,
	surface_id       TEXT NOT NULL,
	location_id      TEXT NOT NULL,
	category         TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	attempts         INT NOT NULL DEFAULT 0,
	max_attempts     INT NOT NULL DEFAULT 1,
	priority         INT NOT NULL DEFAULT 1,
	next_eligible_at TIMESTAMPTZ,
	error            JSONB,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_study_idx ON jobs(study_id);
CREATE TABLE IF NOT EXISTS results (
	job_id     TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
	study_id   TEXT NOT NULL,
	response   JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS results_study_idx ON results(study_id);
`

// EnsureSchema creates the tables when they do not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("op=postgres.EnsureSchema: %w", err)
	}
	return nil
}
