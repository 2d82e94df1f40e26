// Package metrics exposes the Prometheus collectors of the entitlement
// service. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "entitlements"

type Metrics struct {
	verifyTotal    *prometheus.CounterVec
	verifyDuration *prometheus.HistogramVec
	webhookTotal   *prometheus.CounterVec
	outcomes       *prometheus.CounterVec
	usageTotal     *prometheus.CounterVec
	tasksTotal     *prometheus.CounterVec
	httpTotal      *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	gatherer       prometheus.Gatherer
}

// New registers all collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		verifyTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verifier",
			Name:      "requests_total",
			Help:      "Receipt verification calls by platform and result.",
		}, []string{"platform", "result"}),
		verifyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verifier",
			Name:      "duration_seconds",
			Help:      "Receipt verification latency including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"platform"}),
		webhookTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Store notifications by platform, event type and handling result.",
		}, []string{"platform", "event_type", "result"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "changes_total",
			Help:      "Entitlement update outcomes.",
		}, []string{"outcome"}),
		usageTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "meter",
			Name:      "usage_total",
			Help:      "Feature usage attempts by feature and result.",
		}, []string{"feature", "result"}),
		tasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "tasks_total",
			Help:      "Background tasks handled by name and result.",
		}, []string{"task", "result"}),
		httpTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) ObserveVerify(platform, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.verifyTotal.WithLabelValues(platform, result).Inc()
	m.verifyDuration.WithLabelValues(platform).Observe(elapsed.Seconds())
}

func (m *Metrics) WebhookHandled(platform, eventType, result string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(platform, eventType, result).Inc()
}

func (m *Metrics) EntitlementChanged(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) UsageRecorded(feature, result string) {
	if m == nil {
		return
	}
	m.usageTotal.WithLabelValues(feature, result).Inc()
}

func (m *Metrics) TaskHandled(task, result string) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(task, result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency labelled by the chi route
// pattern, so path parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		m.httpTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
