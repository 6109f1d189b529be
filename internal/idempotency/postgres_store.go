package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS idempotency_records (
    caller TEXT NOT NULL,
    key TEXT NOT NULL,
    pending BOOLEAN NOT NULL DEFAULT FALSE,
    status_code INT NOT NULL,
    response BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (caller, key)
);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Reserve inserts a pending row, or takes over an expired one. A conflict
// with a live row leaves it untouched and returns it.
func (p *PostgresStore) Reserve(ctx context.Context, key Key, ttl time.Duration) (*Record, error) {
	now := time.Now().UTC()
	tag, err := p.pool.Exec(ctx, `
INSERT INTO idempotency_records (caller, key, pending, status_code, response, created_at, expires_at)
VALUES ($1, $2, TRUE, 0, ''::bytea, $3, $4)
ON CONFLICT (caller, key) DO UPDATE
SET pending = TRUE,
    status_code = 0,
    response = ''::bytea,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
WHERE idempotency_records.expires_at < EXCLUDED.created_at
`, key.Caller, key.Value, now, now.Add(ttl))
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 1 {
		return nil, nil
	}

	rec, err := p.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		// the holder expired or released between the insert and the read
		held := pendingRecord(now, ttl)
		return &held, nil
	}
	return rec, nil
}

func (p *PostgresStore) Get(ctx context.Context, key Key) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT pending, status_code, response, created_at, expires_at
FROM idempotency_records
WHERE caller = $1 AND key = $2
`, key.Caller, key.Value)

	var rec Record
	if err := row.Scan(&rec.Pending, &rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if rec.expired(time.Now()) {
		go p.deleteKey(context.Background(), key)
		return nil, nil
	}
	return &rec, nil
}

func (p *PostgresStore) Save(ctx context.Context, key Key, record Record) error {
	if record.Response == nil {
		record.Response = []byte{}
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO idempotency_records (caller, key, pending, status_code, response, created_at, expires_at)
VALUES ($1, $2, FALSE, $3, $4, $5, $6)
ON CONFLICT (caller, key) DO UPDATE
SET pending = FALSE,
    status_code = EXCLUDED.status_code,
    response = EXCLUDED.response,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
`, key.Caller, key.Value, record.StatusCode, record.Response, record.CreatedAt, record.ExpiresAt)
	return err
}

func (p *PostgresStore) Release(ctx context.Context, key Key) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE caller = $1 AND key = $2 AND pending`, key.Caller, key.Value)
	return err
}

func (p *PostgresStore) deleteKey(ctx context.Context, key Key) {
	if _, err := p.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE caller = $1 AND key = $2 AND expires_at < now()`, key.Caller, key.Value); err != nil {
		log.Debugw("expired record cleanup failed", "caller", key.Caller, "error", err)
	}
}
