// Package metrics provides Prometheus instrumentation for the ingest path.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for ingest requests.
const (
	OutcomeOK           = "ok"
	OutcomeUnauthorized = "unauthorized"
	OutcomeRateLimited  = "rate_limited"
	OutcomeBadRequest   = "bad_request"
	OutcomeError        = "error"
	OutcomeCanceled     = "canceled"
)

// Rate limit check results.
const (
	RateLimitAllowed  = "allowed"
	RateLimitLimited  = "limited"
	RateLimitFailOpen = "fail_open"
)

// Propagation update results.
const (
	PropagationUpdated = "updated"
	PropagationFailed  = "failed"
)

// Collector holds the server's metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	spansTotal        *prometheus.CounterVec
	rateLimitChecks   *prometheus.CounterVec
	usageRecordErrors prometheus.Counter
	propagationTotal  *prometheus.CounterVec
	propagationSkips  prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewCollector creates the metrics and registers them on reg.
func NewCollector(namespace string, reg *prometheus.Registry) *Collector {
	c := &Collector{gatherer: reg}

	c.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_requests_total",
			Help:      "Total number of trace export requests by transport and outcome",
		},
		[]string{"transport", "outcome"},
	)

	c.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_request_duration_seconds",
			Help:      "Trace export request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"transport"},
	)

	c.spansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_spans_total",
			Help:      "Total number of spans persisted",
		},
		[]string{"transport"},
	)

	c.rateLimitChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_checks_total",
			Help:      "Rate limit checks by result",
		},
		[]string{"result"},
	)

	c.usageRecordErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_record_errors_total",
			Help:      "Span postings that could not be recorded in the rate limit store",
		},
	)

	c.propagationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "propagation_updates_total",
			Help:      "Span usage updates written by token/cost propagation",
		},
		[]string{"result"},
	)

	c.propagationSkips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "propagation_skipped_spans_total",
			Help:      "Spans skipped by propagation because they lack an id or organisation",
		},
	)

	reg.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.spansTotal,
		c.rateLimitChecks,
		c.usageRecordErrors,
		c.propagationTotal,
		c.propagationSkips,
	)

	return c
}

// ObserveRequest records one export request.
func (c *Collector) ObserveRequest(transport, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(transport, outcome).Inc()
	c.requestDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

// AddSpans records spans persisted through transport.
func (c *Collector) AddSpans(transport string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.spansTotal.WithLabelValues(transport).Add(float64(n))
}

// RateLimitCheck records the result of one rate limit check.
func (c *Collector) RateLimitCheck(result string) {
	if c == nil {
		return
	}
	c.rateLimitChecks.WithLabelValues(result).Inc()
}

// UsageRecordError records a failed span posting write.
func (c *Collector) UsageRecordError() {
	if c == nil {
		return
	}
	c.usageRecordErrors.Inc()
}

// PropagationUpdates records n span updates with the given result (updated, failed).
func (c *Collector) PropagationUpdates(result string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.propagationTotal.WithLabelValues(result).Add(float64(n))
}

// PropagationSkipped records spans propagation could not process.
func (c *Collector) PropagationSkipped(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.propagationSkips.Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
