package gateway

import (
	"context"
	"sync"
	"time"
)

// testStore is an in-package LedgerStore with the same semantics as the
// memory backend, kept here so ledger and gateway tests can run without
// an import cycle.
type testStore struct {
	mu           sync.Mutex
	spent        map[string]int64
	requests     map[string]int64
	reservations map[string]map[string]*Reservation
	perEndpoint  map[string]map[Endpoint]EndpointTotals
}

func newTestStore() *testStore {
	return &testStore{
		spent:        make(map[string]int64),
		requests:     make(map[string]int64),
		reservations: make(map[string]map[string]*Reservation),
		perEndpoint:  make(map[string]map[Endpoint]EndpointTotals),
	}
}

func (s *testStore) dayReservations(dayKey string) map[string]*Reservation {
	m, ok := s.reservations[dayKey]
	if !ok {
		m = make(map[string]*Reservation)
		s.reservations[dayKey] = m
	}
	return m
}

func (s *testStore) reservedLocked(dayKey string, now time.Time) int64 {
	var total int64
	for id, r := range s.dayReservations(dayKey) {
		if now.After(r.ExpiresAt) {
			delete(s.reservations[dayKey], id)
			continue
		}
		total += r.Cost
	}
	return total
}

func (s *testStore) Reserve(_ context.Context, req *ReserveRequest) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held := s.spent[req.DayKey] + s.reservedLocked(req.DayKey, req.Now)
	if held+req.EstimatedCost > req.DailyBudget {
		return nil, ErrInsufficientBudget
	}
	if req.Priority != PriorityHigh && req.DailyBudget > 0 {
		if float64(held)/float64(req.DailyBudget) >= req.ThrottleRatio {
			return nil, ErrBudgetThrottled
		}
	}

	r := &Reservation{
		ID:        req.ReservationID,
		DayKey:    req.DayKey,
		Endpoint:  req.Endpoint,
		Cost:      req.EstimatedCost,
		ExpiresAt: req.ExpiresAt,
	}
	s.dayReservations(req.DayKey)[r.ID] = r
	return r, nil
}

func (s *testStore) Commit(_ context.Context, dayKey, reservationID string, actualCost, requests int64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	charge := actualCost
	var endpoint Endpoint
	if r, ok := s.dayReservations(dayKey)[reservationID]; ok {
		if actualCost > r.Cost {
			charge = r.Cost
		}
		endpoint = r.Endpoint
		delete(s.reservations[dayKey], reservationID)
	}
	s.spent[dayKey] += charge
	s.requests[dayKey] += requests
	if endpoint != "" {
		if s.perEndpoint[dayKey] == nil {
			s.perEndpoint[dayKey] = make(map[Endpoint]EndpointTotals)
		}
		totals := s.perEndpoint[dayKey][endpoint]
		totals.Requests += requests
		totals.Spent += charge
		s.perEndpoint[dayKey][endpoint] = totals
	}
	return nil
}

func (s *testStore) Release(_ context.Context, dayKey, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dayReservations(dayKey), reservationID)
	return nil
}

func (s *testStore) Day(_ context.Context, dayKey string, now time.Time) (*DayUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	usage := &DayUsage{
		DayKey:      dayKey,
		Spent:       s.spent[dayKey],
		Requests:    s.requests[dayKey],
		Reserved:    s.reservedLocked(dayKey, now),
		PerEndpoint: make(map[Endpoint]EndpointTotals),
	}
	for ep, totals := range s.perEndpoint[dayKey] {
		usage.PerEndpoint[ep] = totals
	}
	return usage, nil
}

func (s *testStore) Window(ctx context.Context, dayKeys []string) ([]*DayUsage, error) {
	out := make([]*DayUsage, 0, len(dayKeys))
	for _, key := range dayKeys {
		usage, err := s.Day(ctx, key, time.Now())
		if err != nil {
			return nil, err
		}
		out = append(out, usage)
	}
	return out, nil
}

func (s *testStore) Close() error { return nil }

func (s *testStore) openReservations(dayKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dayReservations(dayKey))
}
