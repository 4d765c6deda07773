// Package postgres provides a LedgerStore backed by PostgreSQL. Admission
// runs inside a transaction that locks the day row, so concurrent workers
// across processes serialize on one shared budget.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hamidsh/hoshyar-gateway/pkg/gateway"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_days (
	day_key  TEXT PRIMARY KEY,
	spent    BIGINT NOT NULL DEFAULT 0,
	requests BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ledger_reservations (
	id         TEXT PRIMARY KEY,
	day_key    TEXT NOT NULL,
	endpoint   TEXT NOT NULL,
	cost       BIGINT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS ledger_reservations_day_idx
	ON ledger_reservations (day_key);

CREATE TABLE IF NOT EXISTS ledger_endpoint_usage (
	day_key  TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	spent    BIGINT NOT NULL DEFAULT 0,
	requests BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (day_key, endpoint)
);
`

// Store is a PostgreSQL-backed LedgerStore.
type Store struct {
	pool     *pgxpool.Pool
	ownsPool bool
}

// New creates a Store on an existing connection pool and ensures the
// ledger tables exist.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Connect opens a pool from a connection string and builds a Store on it.
// Close tears the pool down.
func Connect(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	store, err := New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	store.ownsPool = true
	return store, nil
}

// Reserve implements gateway.LedgerStore.
func (s *Store) Reserve(ctx context.Context, req *gateway.ReserveRequest) (*gateway.Reservation, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("postgres reserve: %w", err)
	}
	defer tx.Rollback(ctx)

	// The day row is the lock object for the whole day's budget.
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_days (day_key) VALUES ($1) ON CONFLICT (day_key) DO NOTHING`,
		req.DayKey,
	); err != nil {
		return nil, fmt.Errorf("postgres reserve: %w", err)
	}

	var spent int64
	if err := tx.QueryRow(ctx,
		`SELECT spent FROM ledger_days WHERE day_key = $1 FOR UPDATE`,
		req.DayKey,
	).Scan(&spent); err != nil {
		return nil, fmt.Errorf("postgres reserve: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM ledger_reservations WHERE day_key = $1 AND expires_at < $2`,
		req.DayKey, req.Now,
	); err != nil {
		return nil, fmt.Errorf("postgres reserve: %w", err)
	}

	var reserved int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM ledger_reservations WHERE day_key = $1`,
		req.DayKey,
	).Scan(&reserved); err != nil {
		return nil, fmt.Errorf("postgres reserve: %w", err)
	}

	held := spent + reserved
	if held+req.EstimatedCost > req.DailyBudget {
		return nil, gateway.ErrInsufficientBudget
	}
	if req.Priority != gateway.PriorityHigh && req.DailyBudget > 0 {
		if float64(held)/float64(req.DailyBudget) >= req.ThrottleRatio {
			return nil, gateway.ErrBudgetThrottled
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_reservations (id, day_key, endpoint, cost, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		req.ReservationID, req.DayKey, string(req.Endpoint), req.EstimatedCost, req.ExpiresAt,
	); err != nil {
		return nil, fmt.Errorf("postgres reserve: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres reserve: %w", err)
	}
	return &gateway.Reservation{
		ID:        req.ReservationID,
		DayKey:    req.DayKey,
		Endpoint:  req.Endpoint,
		Cost:      req.EstimatedCost,
		ExpiresAt: req.ExpiresAt,
	}, nil
}

// Commit implements gateway.LedgerStore.
func (s *Store) Commit(ctx context.Context, dayKey, reservationID string, actualCost, requests int64, _ time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres commit: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_days (day_key) VALUES ($1) ON CONFLICT (day_key) DO NOTHING`,
		dayKey,
	); err != nil {
		return fmt.Errorf("postgres commit: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`SELECT 1 FROM ledger_days WHERE day_key = $1 FOR UPDATE`, dayKey,
	); err != nil {
		return fmt.Errorf("postgres commit: %w", err)
	}

	charge := actualCost
	var endpoint string
	var reservedCost int64
	err = tx.QueryRow(ctx,
		`DELETE FROM ledger_reservations WHERE id = $1 AND day_key = $2
		 RETURNING endpoint, cost`,
		reservationID, dayKey,
	).Scan(&endpoint, &reservedCost)
	switch {
	case err == nil:
		if actualCost > reservedCost {
			charge = reservedCost
		}
	case errors.Is(err, pgx.ErrNoRows):
		// Reservation already reaped; the spend still happened.
	default:
		return fmt.Errorf("postgres commit: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE ledger_days SET spent = spent + $2, requests = requests + $3 WHERE day_key = $1`,
		dayKey, charge, requests,
	); err != nil {
		return fmt.Errorf("postgres commit: %w", err)
	}
	if endpoint != "" {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_endpoint_usage (day_key, endpoint, spent, requests)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (day_key, endpoint)
			 DO UPDATE SET spent = ledger_endpoint_usage.spent + EXCLUDED.spent,
			               requests = ledger_endpoint_usage.requests + EXCLUDED.requests`,
			dayKey, endpoint, charge, requests,
		); err != nil {
			return fmt.Errorf("postgres commit: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres commit: %w", err)
	}
	return nil
}

// Release implements gateway.LedgerStore.
func (s *Store) Release(ctx context.Context, dayKey, reservationID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM ledger_reservations WHERE id = $1 AND day_key = $2`,
		reservationID, dayKey,
	); err != nil {
		return fmt.Errorf("postgres release: %w", err)
	}
	return nil
}

// Day implements gateway.LedgerStore.
func (s *Store) Day(ctx context.Context, dayKey string, now time.Time) (*gateway.DayUsage, error) {
	usage := &gateway.DayUsage{
		DayKey:      dayKey,
		PerEndpoint: make(map[gateway.Endpoint]gateway.EndpointTotals),
	}

	err := s.pool.QueryRow(ctx,
		`SELECT spent, requests FROM ledger_days WHERE day_key = $1`, dayKey,
	).Scan(&usage.Spent, &usage.Requests)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres day: %w", err)
	}

	if err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM ledger_reservations
		 WHERE day_key = $1 AND expires_at >= $2`,
		dayKey, now,
	).Scan(&usage.Reserved); err != nil {
		return nil, fmt.Errorf("postgres day: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT endpoint, spent, requests FROM ledger_endpoint_usage WHERE day_key = $1`,
		dayKey,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres day: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var endpoint string
		var totals gateway.EndpointTotals
		if err := rows.Scan(&endpoint, &totals.Spent, &totals.Requests); err != nil {
			return nil, fmt.Errorf("postgres day: %w", err)
		}
		usage.PerEndpoint[gateway.Endpoint(endpoint)] = totals
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres day: %w", err)
	}
	return usage, nil
}

// Window implements gateway.LedgerStore.
func (s *Store) Window(ctx context.Context, dayKeys []string) ([]*gateway.DayUsage, error) {
	out := make([]*gateway.DayUsage, 0, len(dayKeys))
	now := time.Now()
	for _, key := range dayKeys {
		usage, err := s.Day(ctx, key, now)
		if err != nil {
			return nil, err
		}
		out = append(out, usage)
	}
	return out, nil
}

// Close implements gateway.LedgerStore. Pools opened by Connect are torn
// down; pools passed to New stay open for their owner.
func (s *Store) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}
