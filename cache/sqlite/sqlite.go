// Package sqlite provides a durable ResponseCache backed by SQLite.
// Cached pages survive process restarts, which matters when a restart
// would otherwise re-buy responses that were already paid for.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hamidsh/hoshyar-gateway/pkg/gateway"
)

const schema = `
CREATE TABLE IF NOT EXISTS response_cache (
	fingerprint TEXT PRIMARY KEY,
	endpoint    TEXT NOT NULL,
	payload     BLOB NOT NULL,
	stored_at   INTEGER NOT NULL,
	ttl_ms      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS response_cache_endpoint_idx
	ON response_cache (endpoint);
`

// purgeInterval bounds how often expired rows are swept in bulk. Lookups
// drop expired rows lazily in between.
const purgeInterval = 5 * time.Minute

// Cache is a SQLite-backed gateway.ResponseCache.
type Cache struct {
	db  *sql.DB
	now func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	mu        sync.Mutex
	lastPurge time.Time
}

// Open creates or opens a cache database at path. ":memory:" gives a
// non-durable cache useful in tests.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent stores.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &Cache{db: db, now: time.Now}, nil
}

// Lookup implements gateway.ResponseCache.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (*gateway.Payload, bool, error) {
	var (
		raw      []byte
		storedAt int64
		ttlMs    int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT payload, stored_at, ttl_ms FROM response_cache WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&raw, &storedAt, &ttlMs)
	if errors.Is(err, sql.ErrNoRows) {
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		c.misses.Add(1)
		return nil, false, fmt.Errorf("sqlite lookup: %w", err)
	}

	expiry := time.UnixMilli(storedAt).Add(time.Duration(ttlMs) * time.Millisecond)
	if c.now().After(expiry) {
		c.misses.Add(1)
		if _, err := c.db.ExecContext(ctx,
			`DELETE FROM response_cache WHERE fingerprint = ?`, fingerprint,
		); err == nil {
			c.evictions.Add(1)
		}
		return nil, false, nil
	}

	var payload gateway.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.misses.Add(1)
		return nil, false, fmt.Errorf("sqlite decode: %w", err)
	}
	payload.FromCache = true
	c.hits.Add(1)
	return &payload, true, nil
}

// Store implements gateway.ResponseCache.
func (c *Cache) Store(ctx context.Context, entry *gateway.CacheEntry) error {
	if entry == nil || entry.Payload == nil {
		return nil
	}
	raw, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("sqlite encode: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO response_cache (fingerprint, endpoint, payload, stored_at, ttl_ms)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (fingerprint) DO UPDATE SET
		   endpoint = excluded.endpoint,
		   payload = excluded.payload,
		   stored_at = excluded.stored_at,
		   ttl_ms = excluded.ttl_ms`,
		entry.Fingerprint, string(entry.Endpoint), raw,
		entry.StoredAt.UnixMilli(), entry.TTL.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: %w", err)
	}
	c.maybePurge(ctx)
	return nil
}

// maybePurge sweeps expired rows at most once per purgeInterval.
func (c *Cache) maybePurge(ctx context.Context) {
	now := c.now()
	c.mu.Lock()
	due := c.lastPurge.IsZero() || now.Sub(c.lastPurge) >= purgeInterval
	if due {
		c.lastPurge = now
	}
	c.mu.Unlock()
	if !due {
		return
	}

	res, err := c.db.ExecContext(ctx,
		`DELETE FROM response_cache WHERE stored_at + ttl_ms < ?`, now.UnixMilli(),
	)
	if err != nil {
		return
	}
	if n, err := res.RowsAffected(); err == nil {
		c.evictions.Add(n)
	}
}

// Invalidate implements gateway.ResponseCache.
func (c *Cache) Invalidate(ctx context.Context, endpoint gateway.Endpoint) (int, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM response_cache WHERE endpoint = ?`, string(endpoint),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite invalidate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite invalidate: %w", err)
	}
	c.evictions.Add(n)
	return int(n), nil
}

// InvalidateAll implements gateway.ResponseCache.
func (c *Cache) InvalidateAll(ctx context.Context) (int, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM response_cache`)
	if err != nil {
		return 0, fmt.Errorf("sqlite invalidate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite invalidate: %w", err)
	}
	c.evictions.Add(n)
	return int(n), nil
}

// Stats implements gateway.ResponseCache. Size counts live rows,
// including expired rows not yet swept.
func (c *Cache) Stats() gateway.CacheStats {
	var size int
	_ = c.db.QueryRow(`SELECT COUNT(*) FROM response_cache`).Scan(&size)
	return gateway.CacheStats{
		Size:      size,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// Close implements gateway.ResponseCache.
func (c *Cache) Close() error {
	return c.db.Close()
}
