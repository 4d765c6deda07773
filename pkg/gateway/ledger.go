package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// dayKeyFormat is the calendar-date key ledger state is sharded by.
const dayKeyFormat = "2006-01-02"

// Ledger tracks cumulative spend against a rolling daily budget. It owns
// day-key computation in the configured timezone and delegates all mutation
// to a LedgerStore, whose atomic reserve/commit cycle keeps the
// check-then-charge sequence safe under concurrent callers.
type Ledger struct {
	store          LedgerStore
	dailyBudget    int64
	throttleRatio  float64
	location       *time.Location
	reservationTTL time.Duration
	logger         Logger
	now            func() time.Time
}

// NewLedger creates a ledger charging against dailyBudget credits per
// calendar day in the given location.
func NewLedger(store LedgerStore, dailyBudget int64, opts ...LedgerOption) (*Ledger, error) {
	if store == nil {
		return nil, &ConfigError{Field: "store", Reason: "ledger store is required"}
	}
	if dailyBudget <= 0 {
		return nil, &ConfigError{Field: "daily_budget", Reason: "must be positive"}
	}

	l := &Ledger{
		store:          store,
		dailyBudget:    dailyBudget,
		throttleRatio:  defaultThrottleRatio,
		location:       time.UTC,
		reservationTTL: defaultReservationTTL,
		logger:         &NoopLogger{},
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLocation sets the timezone whose calendar dates delimit budget days.
func WithLocation(loc *time.Location) LedgerOption {
	return func(l *Ledger) {
		if loc != nil {
			l.location = loc
		}
	}
}

// WithThrottleRatio overrides the usage ratio at which graduated throttling
// begins.
func WithThrottleRatio(ratio float64) LedgerOption {
	return func(l *Ledger) {
		if ratio > 0 && ratio <= 1 {
			l.throttleRatio = ratio
		}
	}
}

// WithReservationTTL overrides how long a provisional reservation may stay
// open before it is released back to the available budget.
func WithReservationTTL(ttl time.Duration) LedgerOption {
	return func(l *Ledger) {
		if ttl > 0 {
			l.reservationTTL = ttl
		}
	}
}

// WithLedgerLogger sets the ledger's logger.
func WithLedgerLogger(logger Logger) LedgerOption {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// withLedgerClock injects a clock for tests.
func withLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// DayKey returns the budget day the given instant falls in.
func (l *Ledger) DayKey(t time.Time) string {
	return t.In(l.location).Format(dayKeyFormat)
}

// Reserve places a provisional hold of estimate credits for an endpoint,
// applying the admission policy atomically in the store. On success the
// returned reservation must be reconciled with Commit or dropped with
// Release; if neither arrives before the reservation TTL, the store reaps
// it and the budget returns to available.
func (l *Ledger) Reserve(ctx context.Context, endpoint Endpoint, priority Priority, estimate int64) (*Reservation, error) {
	now := l.now()
	req := &ReserveRequest{
		ReservationID: uuid.NewString(),
		DayKey:        l.DayKey(now),
		Endpoint:      endpoint,
		Priority:      priority,
		EstimatedCost: estimate,
		DailyBudget:   l.dailyBudget,
		ThrottleRatio: l.throttleRatio,
		ExpiresAt:     now.Add(l.reservationTTL),
		Now:           now,
	}
	return l.store.Reserve(ctx, req)
}

// Commit reconciles a reservation to the actual cost of the finished call
// sequence. The charge never exceeds the original estimate; upstream
// responses returning fewer items than requested reconcile downward.
func (l *Ledger) Commit(ctx context.Context, r *Reservation, actualCost, requests int64) error {
	if actualCost < 0 {
		actualCost = 0
	}
	return l.store.Commit(ctx, r.DayKey, r.ID, actualCost, requests, l.now())
}

// Release abandons a reservation without charging, e.g. when the upstream
// call failed or the caller's context was canceled.
func (l *Ledger) Release(ctx context.Context, r *Reservation) error {
	return l.store.Release(ctx, r.DayKey, r.ID)
}

// Status returns a read-only snapshot of today's budget.
func (l *Ledger) Status(ctx context.Context) (*BudgetStatus, error) {
	now := l.now()
	day, err := l.store.Day(ctx, l.DayKey(now), now)
	if err != nil {
		return nil, err
	}
	remaining := l.dailyBudget - day.Spent - day.Reserved
	if remaining < 0 {
		remaining = 0
	}
	return &BudgetStatus{
		DayKey:      day.DayKey,
		DailyBudget: l.dailyBudget,
		SpentToday:  day.Spent,
		Reserved:    day.Reserved,
		Remaining:   remaining,
	}, nil
}

// CanAfford reports whether the remaining budget covers the given cost.
// Pure read; it reserves nothing.
func (l *Ledger) CanAfford(ctx context.Context, cost int64) (bool, error) {
	status, err := l.Status(ctx)
	if err != nil {
		return false, err
	}
	return cost <= status.Remaining, nil
}

// Window returns ledger state for the trailing days including today,
// oldest first.
func (l *Ledger) Window(ctx context.Context, days int) ([]*DayUsage, error) {
	if days <= 0 {
		days = 1
	}
	today := l.now().In(l.location)
	keys := make([]string, 0, days)
	for i := days - 1; i >= 0; i-- {
		keys = append(keys, today.AddDate(0, 0, -i).Format(dayKeyFormat))
	}
	return l.store.Window(ctx, keys)
}
