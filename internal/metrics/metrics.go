// Package metrics defines the gateway's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so packages can take one as
// an optional dependency and tests can pass nil.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the gateway exports.
type Metrics struct {
	requests         *prometheus.CounterVec
	upstreamAttempts *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	tokens           *prometheus.CounterVec
	checkins         *prometheus.CounterVec
	checkinSweeps    prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgateway",
			Name:      "proxy_requests_total",
			Help:      "Proxied client requests by downstream dialect, endpoint kind and final status code.",
		}, []string{"dialect", "kind", "code"}),
		upstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgateway",
			Name:      "upstream_attempts_total",
			Help:      "Upstream attempts by upstream dialect and outcome (ok, retryable, rejected, transport_error).",
		}, []string{"dialect", "outcome"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "llmgateway",
			Name:      "upstream_latency_seconds",
			Help:      "Time until upstream response headers arrived.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"dialect"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgateway",
			Name:      "tokens_total",
			Help:      "Tokens reported by upstreams, by type (prompt, completion).",
		}, []string{"type"}),
		checkins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgateway",
			Name:      "checkin_results_total",
			Help:      "Check-in results by status (success, failed, skipped).",
		}, []string{"status"}),
		checkinSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "llmgateway",
			Name:      "checkin_sweeps_total",
			Help:      "Completed check-in sweeps.",
		}),
	}
	reg.MustRegister(m.requests, m.upstreamAttempts, m.upstreamLatency, m.tokens, m.checkins, m.checkinSweeps)
	return m
}

// ObserveRequest counts one finished client request.
func (m *Metrics) ObserveRequest(dialect, kind string, code int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(dialect, kind, strconv.Itoa(code)).Inc()
}

// ObserveAttempt counts one upstream attempt and, when it produced a
// response, how long the headers took.
func (m *Metrics) ObserveAttempt(dialect, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.upstreamAttempts.WithLabelValues(dialect, outcome).Inc()
	if outcome != "transport_error" {
		m.upstreamLatency.WithLabelValues(dialect).Observe(elapsed.Seconds())
	}
}

// AddTokens adds reported usage.
func (m *Metrics) AddTokens(prompt, completion int) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues("prompt").Add(float64(prompt))
	m.tokens.WithLabelValues("completion").Add(float64(completion))
}

// ObserveCheckin counts one per-account check-in result.
func (m *Metrics) ObserveCheckin(status string) {
	if m == nil {
		return
	}
	m.checkins.WithLabelValues(status).Inc()
}

// ObserveSweep counts one completed sweep.
func (m *Metrics) ObserveSweep() {
	if m == nil {
		return
	}
	m.checkinSweeps.Inc()
}
