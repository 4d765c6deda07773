package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientBudget is returned when the estimated cost of a request
	// exceeds the remaining daily budget. Retrying before the budget resets
	// (or is raised) will fail again.
	ErrInsufficientBudget = errors.New("insufficient budget")

	// ErrBudgetThrottled is returned when budget pressure is high and the
	// request's priority is not high enough to be admitted. The caller may
	// retry later or accept being deferred.
	ErrBudgetThrottled = errors.New("budget throttled")

	// ErrUpstreamThrottled is the upstream rate-limit signal. It is handled
	// internally by the pacer's adaptive backoff and only surfaces when the
	// caller's own deadline runs out first.
	ErrUpstreamThrottled = errors.New("upstream rate limited")

	// ErrUnknownEndpoint is returned for an endpoint category outside the
	// configured pricing table.
	ErrUnknownEndpoint = errors.New("unknown endpoint")

	// ErrReservationNotFound is returned by ledger stores when a commit or
	// release names a reservation that no longer exists (already reconciled
	// or expired).
	ErrReservationNotFound = errors.New("reservation not found")
)

// UpstreamError reports a transport failure or an error status from the
// upstream service. It is surfaced as-is, never retried internally, and no
// charge is applied for the failed call.
type UpstreamError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream error: %s", e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// NormalizationError reports an upstream payload whose shape was
// unrecognized beyond tolerance. It is distinct from UpstreamError so
// callers can tell "service is down" from "service changed shape".
type NormalizationError struct {
	Endpoint Endpoint
	Reason   string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("cannot normalize %s response: %s", e.Endpoint, e.Reason)
}

// ConfigError reports an invalid configuration value. It is fatal at
// startup and never produced at request time.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}
