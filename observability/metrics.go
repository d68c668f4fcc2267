package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/loan-engine/lending"
)

// Metrics holds the engine's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Events          *prometheus.CounterVec
	Classifications *prometheus.CounterVec
	ApplyFailures   prometheus.Counter
	RowsRejected    prometheus.Counter
	HTTPRequests    *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loan_engine",
			Name:      "domain_events_total",
			Help:      "Domain events by type (lifecycle transitions, payments, applies).",
		}, []string{"type"}),
		Classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loan_engine",
			Name:      "reconciliation_rows_total",
			Help:      "Reconciled import rows by classification.",
		}, []string{"classification"}),
		ApplyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loan_engine",
			Name:      "apply_failures_total",
			Help:      "Rows of batch applies that failed.",
		}),
		RowsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loan_engine",
			Name:      "import_rows_rejected_total",
			Help:      "Import rows rejected during normalization.",
		}),
		HTTPRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "loan_engine",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		m.Events, m.Classifications, m.ApplyFailures, m.RowsRejected, m.HTTPRequests,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Publish implements lending.EventPublisher so metrics ride the same
// after-commit event stream as AMQP and logs.
func (m *Metrics) Publish(_ context.Context, evs ...lending.Event) error {
	for _, ev := range evs {
		m.Events.WithLabelValues(string(ev.Type)).Inc()
		if ev.Type == lending.EventReconciliationApplied || ev.Type == lending.EventDeductionSettled {
			if n, err := strconv.Atoi(ev.Data["failed"]); err == nil && n > 0 {
				m.ApplyFailures.Add(float64(n))
			}
		}
	}
	return nil
}

// ObserveReconcile counts the rows of one classification pass.
func (m *Metrics) ObserveReconcile(r lending.ReconcileResult, rejected int) {
	m.Classifications.WithLabelValues(string(lending.Matched)).Add(float64(len(r.Matched)))
	m.Classifications.WithLabelValues(string(lending.Unmatched)).Add(float64(len(r.Unmatched)))
	m.Classifications.WithLabelValues(string(lending.Skipped)).Add(float64(len(r.Skipped)))
	m.Classifications.WithLabelValues(string(lending.Ambiguous)).Add(float64(len(r.Ambiguous)))
	m.RowsRejected.Add(float64(rejected))
}

// Middleware records request latency labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}
