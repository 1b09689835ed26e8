package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxline-ai/voxline/pkg/tts"
)

// kvSchema creates the shared cache table. Keys carry a configurable prefix
// so multiple deployments can share one database.
const kvSchema = `
CREATE TABLE IF NOT EXISTS tts_cache (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	stored_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS tts_cache_expires_idx ON tts_cache (expires_at);
`

// KVTier is the shared key-value tier backed by PostgreSQL. Expiry is
// server-side: reads filter on expires_at and a periodic sweep deletes dead
// rows, so all processes sharing the table observe the same TTL.
//
// All operations are safe for concurrent use.
type KVTier struct {
	pool   *pgxpool.Pool
	prefix string
	ttl    time.Duration
}

// NewKVTier connects to the database at dsn, ensures the cache table exists,
// and returns the tier. prefix namespaces this deployment's keys; a
// non-positive ttl defaults to 24 hours.
func NewKVTier(ctx context.Context, dsn, prefix string, ttl time.Duration) (*KVTier, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("kv cache: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("kv cache: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, kvSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("kv cache: migrate: %w", err)
	}

	return &KVTier{pool: pool, prefix: prefix, ttl: ttl}, nil
}

// Name returns "kv".
func (t *KVTier) Name() string { return "kv" }

// Get returns the value for key if it has not expired.
func (t *KVTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := t.pool.QueryRow(ctx,
		`SELECT value FROM tts_cache WHERE key = $1 AND expires_at > now()`,
		t.prefix+key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv cache: get: %w: %v", tts.ErrCacheUnavailable, err)
	}
	return value, true, nil
}

// Set upserts the value under key, refreshing its expiry.
func (t *KVTier) Set(ctx context.Context, key string, value []byte) error {
	_, err := t.pool.Exec(ctx,
		`INSERT INTO tts_cache (key, value, stored_at, expires_at)
		 VALUES ($1, $2, now(), now() + $3)
		 ON CONFLICT (key) DO UPDATE
		 SET value = EXCLUDED.value, stored_at = now(), expires_at = EXCLUDED.expires_at`,
		t.prefix+key, value, t.ttl,
	)
	if err != nil {
		return fmt.Errorf("kv cache: set: %w: %v", tts.ErrCacheUnavailable, err)
	}
	return nil
}

// Delete removes key if present.
func (t *KVTier) Delete(ctx context.Context, key string) error {
	_, err := t.pool.Exec(ctx, `DELETE FROM tts_cache WHERE key = $1`, t.prefix+key)
	if err != nil {
		return fmt.Errorf("kv cache: delete: %w: %v", tts.ErrCacheUnavailable, err)
	}
	return nil
}

// Clear removes all rows carrying this deployment's prefix.
func (t *KVTier) Clear(ctx context.Context) error {
	_, err := t.pool.Exec(ctx, `DELETE FROM tts_cache WHERE key LIKE $1`, t.prefix+"%")
	if err != nil {
		return fmt.Errorf("kv cache: clear: %w: %v", tts.ErrCacheUnavailable, err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (t *KVTier) Ping(ctx context.Context) error {
	if err := t.pool.Ping(ctx); err != nil {
		return fmt.Errorf("kv cache: %w: %v", tts.ErrCacheUnavailable, err)
	}
	return nil
}

// Sweep deletes expired rows and returns how many were removed.
func (t *KVTier) Sweep(ctx context.Context) (int64, error) {
	tag, err := t.pool.Exec(ctx,
		`DELETE FROM tts_cache WHERE key LIKE $1 AND expires_at <= now()`,
		t.prefix+"%",
	)
	if err != nil {
		return 0, fmt.Errorf("kv cache: sweep: %w: %v", tts.ErrCacheUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

// Close releases the connection pool.
func (t *KVTier) Close() {
	t.pool.Close()
}
