// Package metrics defines and registers the gateway's Prometheus metrics.
// No label ever carries tenant ids or request content; labels are drawn
// from small fixed sets (outcomes, span kinds, drop reasons, detector names).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "piigate"
)

// Metrics holds all collectors.
type Metrics struct {
	// RequestsTotal counts chat completion requests by outcome.
	RequestsTotal *prometheus.CounterVec

	// RateLimitDecisionsTotal counts limiter results: allowed, denied,
	// failed_open, unavailable.
	RateLimitDecisionsTotal *prometheus.CounterVec

	// RedactedSpansTotal counts placeholders issued, by kind.
	RedactedSpansTotal *prometheus.CounterVec

	// DroppedSpansTotal counts detector spans that were not redacted, by
	// reason.
	DroppedSpansTotal *prometheus.CounterVec

	// DetectorErrorsTotal counts failed detector calls, by detector.
	DetectorErrorsTotal *prometheus.CounterVec

	// UpstreamLatency observes upstream round-trip time in seconds.
	UpstreamLatency prometheus.Histogram

	// RequestDuration observes end-to-end handling time in seconds.
	RequestDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of chat completion requests, by outcome.",
			},
			[]string{"outcome"},
		),

		RateLimitDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_decisions_total",
				Help:      "Total number of rate limiter decisions, by result.",
			},
			[]string{"result"},
		),

		RedactedSpansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "redacted_spans_total",
				Help:      "Total number of PII spans replaced by placeholders.",
			},
			[]string{"kind"},
		),

		DroppedSpansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_spans_total",
				Help:      "Total number of detector spans discarded before redaction.",
			},
			[]string{"reason"},
		),

		DetectorErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "detector_errors_total",
				Help:      "Total number of failed detector calls.",
			},
			[]string{"detector"},
		),

		UpstreamLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_latency_seconds",
				Help:      "Upstream model API latency in seconds.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
		),

		RequestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "End-to-end chat completion handling time in seconds.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RateLimitDecisionsTotal,
		m.RedactedSpansTotal,
		m.DroppedSpansTotal,
		m.DetectorErrorsTotal,
		m.UpstreamLatency,
		m.RequestDuration,
	)

	return m
}
