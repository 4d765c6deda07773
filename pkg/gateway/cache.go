package gateway

import (
	"context"
	"sync"
	"time"
)

// CacheEntry is a normalized upstream response stored under its request
// fingerprint. Entries are immutable once stored; a re-fetch replaces the
// entry wholesale.
type CacheEntry struct {
	Fingerprint string
	Endpoint    Endpoint
	Payload     *Payload
	StoredAt    time.Time
	TTL         time.Duration
}

// Expired reports whether the entry is past its TTL at the given time.
// Expired entries are treated as absent, never as an error.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.Sub(e.StoredAt) >= e.TTL
}

// ResponseCache stores normalized upstream responses keyed by request
// fingerprint. Implementations must be safe for concurrent use; racing
// writes to the same fingerprint resolve as last write wins.
type ResponseCache interface {
	// Lookup returns the cached payload for a fingerprint, or false when the
	// entry is absent or expired. A cold cache is not an error.
	Lookup(ctx context.Context, fingerprint string) (*Payload, bool, error)

	// Store saves an entry, overwriting any existing entry for the same
	// fingerprint.
	Store(ctx context.Context, entry *CacheEntry) error

	// Invalidate removes all entries for one endpoint category and returns
	// the number removed.
	Invalidate(ctx context.Context, endpoint Endpoint) (int, error)

	// InvalidateAll removes every entry and returns the number removed.
	InvalidateAll(ctx context.Context) (int, error)

	// Stats returns cache performance counters.
	Stats() CacheStats

	// Close releases any backing resources.
	Close() error
}

// NoopCache is the disabled-cache implementation: every lookup misses and
// every store is dropped, degrading the gateway to always-miss behavior
// without changing any other component's contract.
type NoopCache struct{}

// NewNoopCache returns a cache that never holds anything.
func NewNoopCache() *NoopCache { return &NoopCache{} }

func (c *NoopCache) Lookup(context.Context, string) (*Payload, bool, error) { return nil, false, nil }
func (c *NoopCache) Store(context.Context, *CacheEntry) error               { return nil }
func (c *NoopCache) Invalidate(context.Context, Endpoint) (int, error)      { return 0, nil }
func (c *NoopCache) InvalidateAll(context.Context) (int, error)             { return 0, nil }
func (c *NoopCache) Stats() CacheStats                                      { return CacheStats{} }
func (c *NoopCache) Close() error                                           { return nil }

// memCacheEntry wraps a stored entry with LRU bookkeeping.
type memCacheEntry struct {
	entry      *CacheEntry
	accessTime time.Time
	sequence   int64
}

// MemoryCache implements ResponseCache as an in-memory LRU with per-entry
// TTL. Suitable for a single process; use the SQLite cache when entries
// must survive restarts.
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[string]*memCacheEntry
	maxEntries int
	sequence   int64
	hits       int64
	misses     int64
	evictions  int64
	now        func() time.Time
}

// NewMemoryCache creates an in-memory cache holding at most maxEntries
// payloads. maxEntries <= 0 uses a default of 4096.
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	return &MemoryCache{
		entries:    make(map[string]*memCacheEntry, maxEntries),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *MemoryCache) Lookup(_ context.Context, fingerprint string) (*Payload, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	me, ok := c.entries[fingerprint]
	if !ok || me.entry.Expired(c.now()) {
		if ok {
			delete(c.entries, fingerprint)
		}
		c.misses++
		return nil, false, nil
	}

	me.accessTime = c.now()
	c.hits++

	// Payloads are immutable by contract; return a shallow copy of the
	// envelope so callers cannot swap slices out from under the cache.
	payload := *me.entry.Payload
	payload.FromCache = true
	return &payload, true, nil
}

func (c *MemoryCache) Store(_ context.Context, entry *CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[entry.Fingerprint]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}

	c.sequence++
	c.entries[entry.Fingerprint] = &memCacheEntry{
		entry:      entry,
		accessTime: now,
		sequence:   c.sequence,
	}
	return nil
}

// evictOldest removes the least recently used entry. Caller holds the lock.
func (c *MemoryCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	var oldestSeq int64
	first := true
	for key, me := range c.entries {
		if first || me.accessTime.Before(oldestTime) ||
			(me.accessTime.Equal(oldestTime) && me.sequence < oldestSeq) {
			oldestKey = key
			oldestTime = me.accessTime
			oldestSeq = me.sequence
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *MemoryCache) Invalidate(_ context.Context, endpoint Endpoint) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, me := range c.entries {
		if me.entry.Endpoint == endpoint {
			delete(c.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (c *MemoryCache) InvalidateAll(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := len(c.entries)
	c.entries = make(map[string]*memCacheEntry, c.maxEntries)
	return removed, nil
}

func (c *MemoryCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}

func (c *MemoryCache) Close() error { return nil }
