// Package postgres provides PostgreSQL database adapters.
//
// It implements the credential and crawl-task repositories over a minimal
// pgx pool interface so unit tests can stub the pool while production code
// passes *pgxpool.Pool. Every mutation is a single atomic statement; the
// state machine never needs a multi-row transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/poiplane/poiplane/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// mapErr translates pgx failures into the domain sentinel taxonomy.
func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return domain.ErrConflict
	}
	return fmt.Errorf("%w: %v", domain.ErrStorage, err)
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS api_credentials (
	id            BIGSERIAL PRIMARY KEY,
	key           TEXT UNIQUE NOT NULL,
	active        BOOLEAN NOT NULL DEFAULT TRUE,
	description   TEXT NOT NULL DEFAULT '',
	last_reset    TIMESTAMPTZ,
	keyword_used  INT NOT NULL DEFAULT 0,
	around_used   INT NOT NULL DEFAULT 0,
	polygon_used  INT NOT NULL DEFAULT 0,
	keyword_limit INT,
	around_limit  INT,
	polygon_limit INT,
	keyword_qps   INT,
	around_qps    INT,
	polygon_qps   INT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS crawl_tasks (
	id           BIGSERIAL PRIMARY KEY,
	task_id      TEXT UNIQUE NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	polygon      TEXT NOT NULL,
	priority     INT NOT NULL DEFAULT 999,
	status       TEXT NOT NULL DEFAULT 'waiting',
	current_type TEXT NOT NULL DEFAULT '',
	current_page INT NOT NULL DEFAULT 1,
	progress     JSONB NOT NULL DEFAULT '{}',
	result_file  TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_crawl_tasks_admit
	ON crawl_tasks (status, priority, id);
CREATE INDEX IF NOT EXISTS idx_crawl_tasks_updated_at
	ON crawl_tasks (updated_at);
`

// EnsureSchema creates the credential and task tables when missing. The
// statements are idempotent so every boot can run them.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("op=postgres.ensure_schema: %w", mapErr(err))
	}
	return nil
}
