package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamidsh/hoshyar-gateway/pkg/gateway"
)

// setupTestStore connects to the database named by TEST_DATABASE_URL and
// clears the ledger tables. Skips when no database is available.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	connString := os.Getenv("TEST_DATABASE_URL")
	if connString == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("Postgres not available: %v", err)
	}
	t.Cleanup(pool.Close)

	store, err := New(ctx, pool)
	require.NoError(t, err)

	for _, table := range []string{"ledger_reservations", "ledger_endpoint_usage", "ledger_days"} {
		_, err := pool.Exec(ctx, "DELETE FROM "+table)
		require.NoError(t, err)
	}
	return store
}

const testDay = "2026-03-01"

func reserveRequest(id string, cost, budget int64, priority gateway.Priority) *gateway.ReserveRequest {
	now := time.Now()
	return &gateway.ReserveRequest{
		ReservationID: id,
		DayKey:        testDay,
		Endpoint:      gateway.EndpointSearch,
		Priority:      priority,
		EstimatedCost: cost,
		DailyBudget:   budget,
		ThrottleRatio: 0.80,
		ExpiresAt:     now.Add(5 * time.Minute),
		Now:           now,
	}
}

func TestStore_ReserveCommit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	resv, err := store.Reserve(ctx, reserveRequest("r1", 150, 1000, gateway.PriorityMedium))
	require.NoError(t, err)
	assert.Equal(t, "r1", resv.ID)

	day, err := store.Day(ctx, testDay, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(150), day.Reserved)

	require.NoError(t, store.Commit(ctx, testDay, "r1", 30, 2, time.Now()))

	day, err = store.Day(ctx, testDay, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), day.Reserved)
	assert.Equal(t, int64(30), day.Spent)
	assert.Equal(t, int64(2), day.Requests)
	assert.Equal(t, int64(30), day.PerEndpoint[gateway.EndpointSearch].Spent)
}

func TestStore_AdmissionPolicy(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.Reserve(ctx, reserveRequest("r1", 1001, 1000, gateway.PriorityHigh))
	assert.ErrorIs(t, err, gateway.ErrInsufficientBudget)

	_, err = store.Reserve(ctx, reserveRequest("r2", 800, 1000, gateway.PriorityHigh))
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, testDay, "r2", 800, 1, time.Now()))

	_, err = store.Reserve(ctx, reserveRequest("r3", 10, 1000, gateway.PriorityMedium))
	assert.ErrorIs(t, err, gateway.ErrBudgetThrottled)

	_, err = store.Reserve(ctx, reserveRequest("r4", 10, 1000, gateway.PriorityHigh))
	assert.NoError(t, err)
}

func TestStore_CommitUnknownReservationChargesActual(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Commit(ctx, testDay, "ghost", 30, 1, time.Now()))

	day, err := store.Day(ctx, testDay, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(30), day.Spent)
}

func TestStore_ReleaseAndExpiry(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.Reserve(ctx, reserveRequest("r1", 100, 1000, gateway.PriorityHigh))
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, testDay, "r1"))

	day, err := store.Day(ctx, testDay, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), day.Reserved)

	// Expired reservations are excluded from reads and reaped on the
	// next reserve.
	req := reserveRequest("r2", 100, 1000, gateway.PriorityHigh)
	req.ExpiresAt = req.Now.Add(-time.Second)
	_, err = store.Reserve(ctx, req)
	require.NoError(t, err)

	day, err = store.Day(ctx, testDay, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), day.Reserved)
}

func TestStore_ConcurrentReserves(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := reserveRequest(fmt.Sprintf("r%d", i), 10, 100, gateway.PriorityHigh)
			if _, err := store.Reserve(ctx, req); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, admitted, "row lock admits exactly floor(budget/cost) holds")
}
