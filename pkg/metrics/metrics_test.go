package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nandezu/entitlements/pkg/metrics"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.ObserveVerify("apple", "ok", time.Second)
		m.WebhookHandled("google", "3", "applied")
		m.EntitlementChanged("applied")
		m.UsageRecorded("try_ons", "ok")
		m.TaskHandled("reconcile", "ok")
	})
}

func TestMiddlewareAndHandler(t *testing.T) {
	t.Parallel()

	m := metrics.New(prometheus.NewRegistry())
	m.ObserveVerify("apple", "ok", 120*time.Millisecond)
	m.UsageRecorded("try_ons", "quota_exhausted")

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/v1/plans/{tier}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Handle("/metrics", m.Handler())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/plans/pro", nil))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `entitlements_http_requests_total{method="GET",route="/v1/plans/{tier}",status="418"} 1`), body)
	assert.Contains(t, body, `entitlements_verifier_requests_total{platform="apple",result="ok"} 1`)
	assert.Contains(t, body, `entitlements_meter_usage_total{feature="try_ons",result="quota_exhausted"} 1`)
}
