package gateway

import (
	"context"
	"errors"
)

// defaultThrottleRatio is the usage ratio at and above which only high
// priority requests are admitted.
const defaultThrottleRatio = 0.80

// AdmissionController decides whether a request may proceed toward the
// upstream, given its priority and the current ledger state. Policy, in
// order:
//
//  1. An estimate that exceeds the remaining budget is rejected with
//     ErrInsufficientBudget regardless of priority.
//  2. At or above the throttle ratio, only high priority is admitted;
//     medium and low are rejected with ErrBudgetThrottled.
//  3. Otherwise the request is admitted unconditionally.
//
// The graduated throttle lets budget exhaustion degrade gracefully:
// critical collection keeps running while background work is deferred. A
// rejected request never reaches the rate limiter or the upstream and never
// charges the ledger.
type AdmissionController struct {
	ledger  *Ledger
	logger  Logger
	metrics Metrics
}

// NewAdmissionController wires admission onto a ledger.
func NewAdmissionController(ledger *Ledger, logger Logger, metrics Metrics) *AdmissionController {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &AdmissionController{ledger: ledger, logger: logger, metrics: metrics}
}

// Admit evaluates the policy and, on admission, returns the provisional
// reservation placed for the request. The policy check and the reservation
// are one atomic step inside the ledger store, so concurrent callers cannot
// both pass a check only one of them can afford.
func (a *AdmissionController) Admit(ctx context.Context, endpoint Endpoint, priority Priority, estimate int64) (*Reservation, error) {
	if !priority.Valid() {
		priority = PriorityMedium
	}

	resv, err := a.ledger.Reserve(ctx, endpoint, priority, estimate)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientBudget):
			a.metrics.RecordRejection(endpoint, "insufficient_budget")
			a.logger.Warn("request rejected: insufficient budget",
				Field{Key: "endpoint", Value: endpoint},
				Field{Key: "estimate", Value: estimate})
		case errors.Is(err, ErrBudgetThrottled):
			a.metrics.RecordRejection(endpoint, "budget_throttled")
			a.logger.Info("request rejected: budget throttled",
				Field{Key: "endpoint", Value: endpoint},
				Field{Key: "priority", Value: priority})
		}
		return nil, err
	}

	a.logger.Debug("request admitted",
		Field{Key: "endpoint", Value: endpoint},
		Field{Key: "priority", Value: priority},
		Field{Key: "estimate", Value: estimate})
	return resv, nil
}
