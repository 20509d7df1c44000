// Package metrics exposes the gateway's Prometheus instrumentation:
// dispatch outcomes, circuit breaker transitions, group flushes, chain
// step advances, and background sweep durations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the gateway's metric collectors behind a small
// domain-shaped API so callers don't reach for prometheus types
// directly.
type Registry struct {
	DispatchTotal      *prometheus.CounterVec
	DispatchDuration   *prometheus.HistogramVec
	CircuitTransitions *prometheus.CounterVec
	CircuitFallbacks   *prometheus.CounterVec
	GroupFlushes       *prometheus.CounterVec
	GroupSize          prometheus.Histogram
	ChainStepAdvances  *prometheus.CounterVec
	SweepDuration      *prometheus.HistogramVec
	AuditWriteFailures *prometheus.CounterVec
	HTTPRequestsTotal  *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewRegistry builds a Registry and registers every collector with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acteon",
			Name:      "dispatch_total",
			Help:      "Total dispatched actions by outcome kind.",
		}, []string{"namespace", "tenant", "outcome"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "acteon",
			Name:      "dispatch_duration_seconds",
			Help:      "End-to-end dispatch pipeline latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"namespace", "outcome"}),
		CircuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acteon",
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker state transitions by provider.",
		}, []string{"provider", "from", "to"}),
		CircuitFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acteon",
			Name:      "circuit_fallbacks_total",
			Help:      "Requests routed to a fallback provider because the primary's breaker was open.",
		}, []string{"provider", "fallback"}),
		GroupFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acteon",
			Name:      "group_flushes_total",
			Help:      "Event group flushes by reason (size or window).",
		}, []string{"namespace", "reason"}),
		GroupSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "acteon",
			Name:      "group_flush_size",
			Help:      "Number of events in a group at flush time.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		ChainStepAdvances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acteon",
			Name:      "chain_step_advances_total",
			Help:      "Chain step advances by chain definition and result.",
		}, []string{"chain", "result"}),
		SweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "acteon",
			Name:      "background_sweep_duration_seconds",
			Help:      "Duration of a background processor sweep pass.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sweep"}),
		AuditWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acteon",
			Name:      "audit_write_failures_total",
			Help:      "Audit record write failures by backend.",
		}, []string{"backend"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acteon",
			Name:      "http_requests_total",
			Help:      "HTTP requests handled by the transport layer.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "acteon",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request handling latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		r.DispatchTotal,
		r.DispatchDuration,
		r.CircuitTransitions,
		r.CircuitFallbacks,
		r.GroupFlushes,
		r.GroupSize,
		r.ChainStepAdvances,
		r.SweepDuration,
		r.AuditWriteFailures,
		r.HTTPRequestsTotal,
		r.HTTPRequestDuration,
	)
	return r
}

// ObserveHTTPRequest records one completed HTTP request.
func (r *Registry) ObserveHTTPRequest(method, path, status string, d time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// ObserveDispatch records one terminal dispatch outcome.
func (r *Registry) ObserveDispatch(namespace, tenant, outcome string, d time.Duration) {
	r.DispatchTotal.WithLabelValues(namespace, tenant, outcome).Inc()
	r.DispatchDuration.WithLabelValues(namespace, outcome).Observe(d.Seconds())
}

// ObserveCircuitTransition records a breaker state change.
func (r *Registry) ObserveCircuitTransition(provider, from, to string) {
	r.CircuitTransitions.WithLabelValues(provider, from, to).Inc()
}

// ObserveFallback records a request routed to a fallback provider.
func (r *Registry) ObserveFallback(provider, fallback string) {
	r.CircuitFallbacks.WithLabelValues(provider, fallback).Inc()
}

// ObserveGroupFlush records a group flush and its final size.
func (r *Registry) ObserveGroupFlush(namespace, reason string, size int) {
	r.GroupFlushes.WithLabelValues(namespace, reason).Inc()
	r.GroupSize.Observe(float64(size))
}

// ObserveChainStep records a chain step advance outcome ("ok", "failed",
// "skipped", "dlq").
func (r *Registry) ObserveChainStep(chain, result string) {
	r.ChainStepAdvances.WithLabelValues(chain, result).Inc()
}

// ObserveSweep records how long a named background sweep pass took.
func (r *Registry) ObserveSweep(sweep string, d time.Duration) {
	r.SweepDuration.WithLabelValues(sweep).Observe(d.Seconds())
}

// ObserveAuditWriteFailure records an audit persistence failure.
func (r *Registry) ObserveAuditWriteFailure(backend string) {
	r.AuditWriteFailures.WithLabelValues(backend).Inc()
}
