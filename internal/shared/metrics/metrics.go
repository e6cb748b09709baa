package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// eSIM lifecycle metrics
	StatusTransitionsTotal *prometheus.CounterVec
	DepletionsTotal        *prometheus.CounterVec
	ReconcileRunsTotal     *prometheus.CounterVec
	ReconcileFailuresTotal *prometheus.CounterVec
	RefundsTotal           *prometheus.CounterVec
	WebhooksTotal          *prometheus.CounterVec

	// Provider metrics
	ProviderRequestDuration *prometheus.HistogramVec

	// Scheduler metrics
	JobRunsTotal *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
}

// New creates a Metrics instance registered with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "simdesk"
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),

		StatusTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "esim",
				Name:      "status_transitions_total",
				Help:      "Total number of eSIM status transitions",
			},
			[]string{"from", "to", "source", "valid"},
		),
		DepletionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "esim",
				Name:      "depletions_total",
				Help:      "Total number of eSIMs marked depleted",
			},
			[]string{"method"},
		),
		ReconcileRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "esim",
				Name:      "reconcile_runs_total",
				Help:      "Total number of reconciliation runs",
			},
			[]string{"job"},
		),
		ReconcileFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "esim",
				Name:      "reconcile_failures_total",
				Help:      "Total number of per-record reconciliation failures",
			},
			[]string{"job"},
		),
		RefundsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "esim",
				Name:      "refunds_total",
				Help:      "Total number of refund attempts by result",
			},
			[]string{"result"}, // refunded, skipped, pending
		),
		WebhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "esim",
				Name:      "webhooks_total",
				Help:      "Total number of provider webhooks by outcome",
			},
			[]string{"outcome"},
		),

		ProviderRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "request_duration_seconds",
				Help:      "eSIM provider request duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30},
			},
			[]string{"operation", "status"},
		),

		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "job_runs_total",
				Help:      "Total number of scheduled job runs",
			},
			[]string{"job", "status"}, // status: ok, error, skipped
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "job_duration_seconds",
				Help:      "Scheduled job duration in seconds",
				Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 300},
			},
			[]string{"job"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.HTTPRequestsTotal,
			m.HTTPRequestDuration,
			m.HTTPRequestsInFlight,
			m.StatusTransitionsTotal,
			m.DepletionsTotal,
			m.ReconcileRunsTotal,
			m.ReconcileFailuresTotal,
			m.RefundsTotal,
			m.WebhooksTotal,
			m.ProviderRequestDuration,
			m.JobRunsTotal,
			m.JobDuration,
		)
	}

	return m
}

// NewNop returns metrics that are not registered anywhere.
func NewNop() *Metrics {
	return New("nop", nil)
}

// --- Convenience methods ---

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCodeToString(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTransition records an eSIM status transition.
func (m *Metrics) RecordTransition(from, to, source string, valid bool) {
	m.StatusTransitionsTotal.WithLabelValues(from, to, source, strconv.FormatBool(valid)).Inc()
}

// RecordDepletion records an eSIM marked depleted by the given method.
func (m *Metrics) RecordDepletion(method string) {
	m.DepletionsTotal.WithLabelValues(method).Inc()
}

// RecordReconcileRun records one reconciliation batch.
func (m *Metrics) RecordReconcileRun(job string) {
	m.ReconcileRunsTotal.WithLabelValues(job).Inc()
}

// RecordReconcileFailure records one failed record inside a batch.
func (m *Metrics) RecordReconcileFailure(job string) {
	m.ReconcileFailuresTotal.WithLabelValues(job).Inc()
}

// RecordRefund records a refund attempt outcome.
func (m *Metrics) RecordRefund(result string) {
	m.RefundsTotal.WithLabelValues(result).Inc()
}

// RecordWebhook records a provider webhook outcome.
func (m *Metrics) RecordWebhook(outcome string) {
	m.WebhooksTotal.WithLabelValues(outcome).Inc()
}

// RecordProviderRequest records a provider API call.
func (m *Metrics) RecordProviderRequest(operation, status string, duration time.Duration) {
	m.ProviderRequestDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// RecordJob records a scheduled job run.
func (m *Metrics) RecordJob(job, status string, duration time.Duration) {
	m.JobRunsTotal.WithLabelValues(job, status).Inc()
	if status != "skipped" {
		m.JobDuration.WithLabelValues(job).Observe(duration.Seconds())
	}
}

// statusCodeToString converts an HTTP status code to a string category.
func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
