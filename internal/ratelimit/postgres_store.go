package ratelimit

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists rate limit windows in PostgreSQL. The unique
// constraint on (key, route, window_start) lets concurrent replicas race on
// the insert and converge through the ON CONFLICT merge.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed window store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Increment(ctx context.Context, key, route string, windowStart, windowEnd time.Time, window time.Duration) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO rate_limit_windows (key, route, window_start, window_end, window_ms, count)
		VALUES ($1, $2, $3, $4, $5, 1)
		ON CONFLICT (key, route, window_start) DO UPDATE SET
			count = rate_limit_windows.count + 1
		RETURNING count`,
		key, route, windowStart, windowEnd, window.Milliseconds(),
	).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (p *PostgresStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM rate_limit_windows WHERE window_end < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Migrate creates the window table (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rate_limit_windows (
			key          TEXT NOT NULL,
			route        TEXT NOT NULL,
			window_start TIMESTAMPTZ NOT NULL,
			window_end   TIMESTAMPTZ NOT NULL,
			window_ms    BIGINT NOT NULL,
			count        INT NOT NULL DEFAULT 0,
			PRIMARY KEY (key, route, window_start)
		);
		CREATE INDEX IF NOT EXISTS idx_rate_limit_windows_end ON rate_limit_windows(window_end);
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
