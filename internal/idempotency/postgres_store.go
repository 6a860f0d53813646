package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const idempotencyDDL = `
CREATE TABLE IF NOT EXISTS idempotency_records (
    key          TEXT PRIMARY KEY,
    status_code  INT NOT NULL,
    response     BYTEA NOT NULL,
    request_hash TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL,
    expires_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idempotency_records_expires_idx ON idempotency_records (expires_at);
`

// PostgresStore keeps records next to the custody tables so a replay
// survives restarts without Redis.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("idempotency: nil pool")
	}
	if _, err := pool.Exec(ctx, idempotencyDDL); err != nil {
		return nil, fmt.Errorf("idempotency: create table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Get ignores expired rows; Prune removes them.
func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := p.pool.QueryRow(ctx, `
SELECT status_code, response, request_hash, created_at, expires_at
FROM idempotency_records
WHERE key = $1 AND expires_at > now()`, key).
		Scan(&rec.StatusCode, &rec.Response, &rec.RequestHash, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: get %q: %w", key, err)
	}
	return &rec, nil
}

// Save keeps the first live result for a key. A row is only overwritten once
// it has expired.
func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO idempotency_records AS r (key, status_code, response, request_hash, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (key) DO UPDATE
SET status_code = EXCLUDED.status_code,
    response = EXCLUDED.response,
    request_hash = EXCLUDED.request_hash,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
WHERE r.expires_at <= now()`,
		key, record.StatusCode, record.Response, record.RequestHash, record.CreatedAt, record.ExpiresAt)
	if err != nil {
		return fmt.Errorf("idempotency: save %q: %w", key, err)
	}
	return nil
}

// Prune deletes expired records and reports how many were removed.
func (p *PostgresStore) Prune(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("idempotency: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}
