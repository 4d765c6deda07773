package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hamidsh/hoshyar-gateway/pkg/gateway"
)

// Metrics implements gateway.Metrics using Prometheus.
type Metrics struct {
	requestsTotal        *prometheus.CounterVec
	requestDuration      *prometheus.HistogramVec
	creditsChargedTotal  *prometheus.CounterVec
	cacheHitsTotal       *prometheus.CounterVec
	cacheMissesTotal     *prometheus.CounterVec
	rejectionsTotal      *prometheus.CounterVec
	pacerWaitSeconds     prometheus.Histogram
	upstreamCallDuration *prometheus.HistogramVec
	upstreamCallErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of gateway requests by outcome.",
		}, []string{"endpoint", "outcome"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end gateway request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		creditsChargedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_charged_total",
			Help:      "Total credits committed against the daily budget.",
		}, []string{"endpoint"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of response cache hits.",
		}, []string{"endpoint"}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of response cache misses.",
		}, []string{"endpoint"}),

		rejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Total number of requests rejected by admission control.",
		}, []string{"endpoint", "reason"}),

		pacerWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pacer_wait_seconds",
			Help:      "Time spent waiting for a pacing slot.",
			Buckets:   []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		}),

		upstreamCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_call_duration_seconds",
			Help:      "Latency of individual upstream page fetches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		upstreamCallErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_call_errors_total",
			Help:      "Total number of failed upstream page fetches.",
		}, []string{"endpoint"}),
	}
}

func (m *Metrics) RecordRequest(endpoint gateway.Endpoint, outcome string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(string(endpoint), outcome).Inc()
	m.requestDuration.WithLabelValues(string(endpoint)).Observe(duration.Seconds())
}

func (m *Metrics) RecordCharge(endpoint gateway.Endpoint, credits int64) {
	m.creditsChargedTotal.WithLabelValues(string(endpoint)).Add(float64(credits))
}

func (m *Metrics) RecordCacheHit(endpoint gateway.Endpoint) {
	m.cacheHitsTotal.WithLabelValues(string(endpoint)).Inc()
}

func (m *Metrics) RecordCacheMiss(endpoint gateway.Endpoint) {
	m.cacheMissesTotal.WithLabelValues(string(endpoint)).Inc()
}

func (m *Metrics) RecordRejection(endpoint gateway.Endpoint, reason string) {
	m.rejectionsTotal.WithLabelValues(string(endpoint), reason).Inc()
}

func (m *Metrics) RecordPacerWait(d time.Duration) {
	m.pacerWaitSeconds.Observe(d.Seconds())
}

func (m *Metrics) RecordUpstreamCall(endpoint gateway.Endpoint, d time.Duration, err error) {
	m.upstreamCallDuration.WithLabelValues(string(endpoint)).Observe(d.Seconds())
	if err != nil {
		m.upstreamCallErrors.WithLabelValues(string(endpoint)).Inc()
	}
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
