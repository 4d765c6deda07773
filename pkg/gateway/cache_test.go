package gateway

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(fp string, endpoint Endpoint, storedAt time.Time, ttl time.Duration) *CacheEntry {
	return &CacheEntry{
		Fingerprint: fp,
		Endpoint:    endpoint,
		Payload: &Payload{
			Endpoint:  endpoint,
			Tweets:    []Tweet{{ID: "1", Text: "hello"}},
			ItemCount: 1,
		},
		StoredAt: storedAt,
		TTL:      ttl,
	}
}

func TestMemoryCache_LookupStore(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(10)

	_, ok, err := cache.Lookup(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	entry := testEntry("fp1", EndpointSearch, time.Now(), time.Minute)
	require.NoError(t, cache.Store(ctx, entry))

	payload, ok, err := cache.Lookup(ctx, "fp1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, payload.FromCache)
	assert.Equal(t, 1, payload.ItemCount)

	// The cached copy is not the caller's copy.
	payload.Tweets[0].Text = "mutated"
	again, ok, err := cache.Lookup(ctx, "fp1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotSame(t, payload, again)

	stats := cache.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(10)

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return current }

	require.NoError(t, cache.Store(ctx, testEntry("fp1", EndpointSearch, current, 5*time.Minute)))

	_, ok, err := cache.Lookup(ctx, "fp1")
	require.NoError(t, err)
	assert.True(t, ok)

	current = current.Add(5 * time.Minute)
	_, ok, err = cache.Lookup(ctx, "fp1")
	require.NoError(t, err)
	assert.False(t, ok, "entry at exactly TTL should be expired")
	assert.Equal(t, 0, cache.Stats().Size)
}

func TestMemoryCache_LRUEviction(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(3)

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return current }

	for i := 0; i < 3; i++ {
		require.NoError(t, cache.Store(ctx, testEntry(fmt.Sprintf("fp%d", i), EndpointSearch, current, time.Hour)))
		current = current.Add(time.Second)
	}

	// Touch fp0 so fp1 becomes the least recently used.
	_, ok, _ := cache.Lookup(ctx, "fp0")
	require.True(t, ok)
	current = current.Add(time.Second)

	require.NoError(t, cache.Store(ctx, testEntry("fp3", EndpointSearch, current, time.Hour)))

	_, ok, _ = cache.Lookup(ctx, "fp1")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok, _ = cache.Lookup(ctx, "fp0")
	assert.True(t, ok)
	_, ok, _ = cache.Lookup(ctx, "fp3")
	assert.True(t, ok)
	assert.Equal(t, int64(1), cache.Stats().Evictions)
}

func TestMemoryCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(10)
	now := time.Now()

	require.NoError(t, cache.Store(ctx, testEntry("s1", EndpointSearch, now, time.Hour)))
	require.NoError(t, cache.Store(ctx, testEntry("s2", EndpointSearch, now, time.Hour)))
	require.NoError(t, cache.Store(ctx, testEntry("u1", EndpointUserLookup, now, time.Hour)))

	removed, err := cache.Invalidate(ctx, EndpointSearch)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok, _ := cache.Lookup(ctx, "u1")
	assert.True(t, ok, "other endpoints keep their entries")

	removed, err = cache.InvalidateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, cache.Stats().Size)
}

func TestNoopCache(t *testing.T) {
	ctx := context.Background()
	cache := NewNoopCache()

	require.NoError(t, cache.Store(ctx, testEntry("fp", EndpointSearch, time.Now(), time.Hour)))
	_, ok, err := cache.Lookup(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, ok, "noop cache never holds anything")
}
