package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamidsh/hoshyar-gateway/pkg/gateway"
)

func testEntry(fp string, endpoint gateway.Endpoint, ttl time.Duration) *gateway.CacheEntry {
	return &gateway.CacheEntry{
		Fingerprint: fp,
		Endpoint:    endpoint,
		Payload: &gateway.Payload{
			Endpoint:  endpoint,
			Tweets:    []gateway.Tweet{{ID: "1", Text: "hello", AuthorUsername: "gopher"}},
			ItemCount: 1,
			Pages:     1,
		},
		StoredAt: time.Now(),
		TTL:      ttl,
	}
}

func TestCache_LookupStore(t *testing.T) {
	ctx := context.Background()
	cache, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer cache.Close()

	_, ok, err := cache.Lookup(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Store(ctx, testEntry("fp1", gateway.EndpointSearch, time.Hour)))

	payload, ok, err := cache.Lookup(ctx, "fp1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, payload.FromCache)
	assert.Equal(t, "gopher", payload.Tweets[0].AuthorUsername)

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
}

func TestCache_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	cache, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, cache.Store(ctx, testEntry("fp1", gateway.EndpointSearch, time.Hour)))
	require.NoError(t, cache.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	payload, ok, err := reopened.Lookup(ctx, "fp1")
	require.NoError(t, err)
	require.True(t, ok, "entries survive process restart")
	assert.Equal(t, 1, payload.ItemCount)
}

func TestCache_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	cache, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer cache.Close()

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return current }

	entry := testEntry("fp1", gateway.EndpointSearch, 5*time.Minute)
	entry.StoredAt = current
	require.NoError(t, cache.Store(ctx, entry))

	_, ok, err := cache.Lookup(ctx, "fp1")
	require.NoError(t, err)
	assert.True(t, ok)

	current = current.Add(6 * time.Minute)
	_, ok, err = cache.Lookup(ctx, "fp1")
	require.NoError(t, err)
	assert.False(t, ok, "expired entry treated as absent")
	assert.Equal(t, 0, cache.Stats().Size, "expired entry removed lazily")
}

func TestCache_StoreOverwrites(t *testing.T) {
	ctx := context.Background()
	cache, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Store(ctx, testEntry("fp1", gateway.EndpointSearch, time.Hour)))

	updated := testEntry("fp1", gateway.EndpointSearch, time.Hour)
	updated.Payload.Tweets[0].Text = "updated"
	require.NoError(t, cache.Store(ctx, updated))

	payload, ok, err := cache.Lookup(ctx, "fp1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "updated", payload.Tweets[0].Text)
	assert.Equal(t, 1, cache.Stats().Size)
}

func TestCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	cache, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Store(ctx, testEntry("s1", gateway.EndpointSearch, time.Hour)))
	require.NoError(t, cache.Store(ctx, testEntry("s2", gateway.EndpointSearch, time.Hour)))
	require.NoError(t, cache.Store(ctx, testEntry("u1", gateway.EndpointUserLookup, time.Hour)))

	removed, err := cache.Invalidate(ctx, gateway.EndpointSearch)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok, err := cache.Lookup(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	removed, err = cache.InvalidateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, cache.Stats().Size)
}
