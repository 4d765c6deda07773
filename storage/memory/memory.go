// Package memory provides an in-process LedgerStore. It is the default
// backend for single-process deployments and the reference implementation
// of the reservation semantics the shared backends must match.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/hamidsh/hoshyar-gateway/pkg/gateway"
)

type dayState struct {
	spent        int64
	requests     int64
	perEndpoint  map[gateway.Endpoint]*gateway.EndpointTotals
	reservations map[string]*gateway.Reservation
}

func newDayState() *dayState {
	return &dayState{
		perEndpoint:  make(map[gateway.Endpoint]*gateway.EndpointTotals),
		reservations: make(map[string]*gateway.Reservation),
	}
}

// reapExpired drops reservations past their expiry, returning their hold
// to the available budget.
func (d *dayState) reapExpired(now time.Time) {
	for id, r := range d.reservations {
		if now.After(r.ExpiresAt) {
			delete(d.reservations, id)
		}
	}
}

func (d *dayState) reserved() int64 {
	var total int64
	for _, r := range d.reservations {
		total += r.Cost
	}
	return total
}

// Store is an in-memory LedgerStore guarded by a single mutex. All policy
// evaluation happens inside the lock, so concurrent reservations serialize
// and the budget can never be double-spent.
type Store struct {
	mu   sync.Mutex
	days map[string]*dayState
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{days: make(map[string]*dayState)}
}

func (s *Store) day(key string) *dayState {
	d, ok := s.days[key]
	if !ok {
		d = newDayState()
		s.days[key] = d
	}
	return d
}

// Reserve implements gateway.LedgerStore.
func (s *Store) Reserve(_ context.Context, req *gateway.ReserveRequest) (*gateway.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.day(req.DayKey)
	d.reapExpired(req.Now)

	held := d.spent + d.reserved()
	if held+req.EstimatedCost > req.DailyBudget {
		return nil, gateway.ErrInsufficientBudget
	}
	if req.Priority != gateway.PriorityHigh && req.DailyBudget > 0 {
		ratio := float64(held) / float64(req.DailyBudget)
		if ratio >= req.ThrottleRatio {
			return nil, gateway.ErrBudgetThrottled
		}
	}

	r := &gateway.Reservation{
		ID:        req.ReservationID,
		DayKey:    req.DayKey,
		Endpoint:  req.Endpoint,
		Cost:      req.EstimatedCost,
		ExpiresAt: req.ExpiresAt,
	}
	d.reservations[r.ID] = r
	return r, nil
}

// Commit implements gateway.LedgerStore. A reservation that expired but
// was not yet reaped still reconciles normally; one already reaped charges
// the actual cost outright.
func (s *Store) Commit(_ context.Context, dayKey, reservationID string, actualCost, requests int64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.day(dayKey)
	charge := actualCost
	endpoint := gateway.Endpoint("")
	if r, ok := d.reservations[reservationID]; ok {
		if actualCost > r.Cost {
			charge = r.Cost
		}
		endpoint = r.Endpoint
		delete(d.reservations, reservationID)
	}

	d.spent += charge
	d.requests += requests
	if endpoint != "" {
		totals, ok := d.perEndpoint[endpoint]
		if !ok {
			totals = &gateway.EndpointTotals{}
			d.perEndpoint[endpoint] = totals
		}
		totals.Requests += requests
		totals.Spent += charge
	}
	return nil
}

// Release implements gateway.LedgerStore.
func (s *Store) Release(_ context.Context, dayKey, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.days[dayKey]; ok {
		delete(d.reservations, reservationID)
	}
	return nil
}

// Day implements gateway.LedgerStore.
func (s *Store) Day(_ context.Context, dayKey string, now time.Time) (*gateway.DayUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.days[dayKey]
	if !ok {
		return &gateway.DayUsage{DayKey: dayKey, PerEndpoint: map[gateway.Endpoint]gateway.EndpointTotals{}}, nil
	}
	d.reapExpired(now)
	return snapshot(dayKey, d), nil
}

// Window implements gateway.LedgerStore.
func (s *Store) Window(_ context.Context, dayKeys []string) ([]*gateway.DayUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*gateway.DayUsage, 0, len(dayKeys))
	for _, key := range dayKeys {
		d, ok := s.days[key]
		if !ok {
			out = append(out, &gateway.DayUsage{DayKey: key, PerEndpoint: map[gateway.Endpoint]gateway.EndpointTotals{}})
			continue
		}
		out = append(out, snapshot(key, d))
	}
	return out, nil
}

// Close implements gateway.LedgerStore.
func (s *Store) Close() error { return nil }

func snapshot(key string, d *dayState) *gateway.DayUsage {
	usage := &gateway.DayUsage{
		DayKey:      key,
		Spent:       d.spent,
		Requests:    d.requests,
		Reserved:    d.reserved(),
		PerEndpoint: make(map[gateway.Endpoint]gateway.EndpointTotals, len(d.perEndpoint)),
	}
	for ep, totals := range d.perEndpoint {
		usage.PerEndpoint[ep] = *totals
	}
	return usage
}
