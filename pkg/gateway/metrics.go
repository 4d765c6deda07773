package gateway

import "time"

// Metrics tracks gateway operations. The Prometheus implementation lives in
// metrics/prometheus; NoopMetrics is the default.
type Metrics interface {
	// RecordRequest records a finished gateway request with its terminal
	// outcome ("cache_hit", "upstream", "rejected", "failed").
	RecordRequest(endpoint Endpoint, outcome string, duration time.Duration)

	// RecordCharge records credits committed to the ledger.
	RecordCharge(endpoint Endpoint, credits int64)

	// RecordCacheHit / RecordCacheMiss record response cache outcomes.
	RecordCacheHit(endpoint Endpoint)
	RecordCacheMiss(endpoint Endpoint)

	// RecordRejection records an admission rejection by reason.
	RecordRejection(endpoint Endpoint, reason string)

	// RecordPacerWait records time spent blocked on the rate limiter.
	RecordPacerWait(d time.Duration)

	// RecordUpstreamCall records one upstream call's latency and error
	// state.
	RecordUpstreamCall(endpoint Endpoint, d time.Duration, err error)
}

// NoopMetrics is a no-op implementation of Metrics.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordRequest(endpoint Endpoint, outcome string, duration time.Duration) {}
func (n *NoopMetrics) RecordCharge(endpoint Endpoint, credits int64)                           {}
func (n *NoopMetrics) RecordCacheHit(endpoint Endpoint)                                        {}
func (n *NoopMetrics) RecordCacheMiss(endpoint Endpoint)                                       {}
func (n *NoopMetrics) RecordRejection(endpoint Endpoint, reason string)                        {}
func (n *NoopMetrics) RecordPacerWait(d time.Duration)                                         {}
func (n *NoopMetrics) RecordUpstreamCall(endpoint Endpoint, d time.Duration, err error)        {}
