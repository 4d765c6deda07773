package gateway

import (
	"context"
	"time"
)

// Reservation is a provisional hold against the daily budget: an estimated
// charge placed before the upstream call and reconciled to the actual cost
// afterward. Reservations expire so an abandoned request can never leave
// budget locked up.
type Reservation struct {
	ID        string
	DayKey    string
	Endpoint  Endpoint
	Cost      int64
	ExpiresAt time.Time
}

// ReserveRequest carries everything a store needs to decide admission and
// place a reservation in one atomic step. Policy inputs travel with the
// request so multi-process stores can evaluate them inside their own
// critical section.
type ReserveRequest struct {
	ReservationID string
	DayKey        string
	Endpoint      Endpoint
	Priority      Priority

	// EstimatedCost is the provisional charge in credits.
	EstimatedCost int64

	// DailyBudget is the full day's budget in credits.
	DailyBudget int64

	// ThrottleRatio is the usage ratio at and above which only high
	// priority requests are admitted.
	ThrottleRatio float64

	ExpiresAt time.Time
	Now       time.Time
}

// EndpointTotals is the per-endpoint running usage for one day.
type EndpointTotals struct {
	Requests int64
	Spent    int64
}

// DayUsage is one day's ledger state: committed spend, upstream request
// count, open reservations, and the per-endpoint breakdown.
type DayUsage struct {
	DayKey      string
	Spent       int64
	Requests    int64
	Reserved    int64
	PerEndpoint map[Endpoint]EndpointTotals
}

// LedgerStore is the persistence backend for the budget ledger. State is
// keyed by calendar day so a new day implicitly starts from zero; stores
// never mutate a past day except through Commit of a still-open reservation.
//
// Reserve must evaluate the admission policy and place the reservation
// atomically: given concurrent reservations, no two may both pass a budget
// check that only one of them can afford. Implementations reap expired
// reservations inside the same critical section so abandoned requests
// return their hold to the available budget.
//
// All methods must be safe for concurrent use. Cross-process deployments
// need a shared store (Redis or Postgres) for these invariants to hold
// process-wide.
type LedgerStore interface {
	// Reserve atomically admits and reserves, or fails with
	// ErrInsufficientBudget / ErrBudgetThrottled.
	Reserve(ctx context.Context, req *ReserveRequest) (*Reservation, error)

	// Commit reconciles a reservation to its actual cost, charging
	// min(actualCost, reserved) and recording the upstream call count.
	// Committing an expired or unknown reservation still charges actualCost:
	// the spend happened even if the hold lapsed.
	Commit(ctx context.Context, dayKey, reservationID string, actualCost, requests int64, now time.Time) error

	// Release drops a reservation without charging. Releasing an unknown
	// reservation is a no-op.
	Release(ctx context.Context, dayKey, reservationID string) error

	// Day returns the ledger state for one day, with expired reservations
	// excluded from the reserved total. A day with no activity returns a
	// zero-valued DayUsage, not an error.
	Day(ctx context.Context, dayKey string, now time.Time) (*DayUsage, error)

	// Window returns usage for the given day keys, oldest first. Days with
	// no activity are returned zero-valued.
	Window(ctx context.Context, dayKeys []string) ([]*DayUsage, error)

	// Close releases backing resources.
	Close() error
}
