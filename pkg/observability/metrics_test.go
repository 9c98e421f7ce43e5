package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NotNil(t, m)

	m.RecordWebhook("cryptobot", "confirmed", 10*time.Millisecond)
	m.RecordLedgerPost("TOPUP", "ok", 1500, time.Millisecond)
	m.RecordLedgerPost("DEBIT_SUBSCRIPTION", "ok", -900, time.Millisecond)
	m.RecordLedgerPost("DEBIT_SUBSCRIPTION", "insufficient_balance", -900, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.WebhookDeliveriesTotal.WithLabelValues("cryptobot", "confirmed")))
	assert.Equal(t, 1500.0, testutil.ToFloat64(m.LedgerAmountTotal.WithLabelValues("TOPUP")))
	assert.Equal(t, 900.0, testutil.ToFloat64(m.LedgerAmountTotal.WithLabelValues("DEBIT_SUBSCRIPTION")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerPostsTotal.WithLabelValues("DEBIT_SUBSCRIPTION", "insufficient_balance")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordWebhook("x", "y", time.Second)
		m.RecordLedgerPost("TOPUP", "ok", 1, time.Second)
		m.RecordInvariantViolation()
		m.RecordRenewal("succeeded")
		m.RecordSweep("renewal", "ok", time.Second)
		m.RecordReferralPayout("commission")
		m.RecordOutcomeDelivery("topup.confirmed", "success")
		m.RecordPricingReload("ok")
	})
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	handler := HTTPMetricsMiddleware(m, func(*http.Request) string { return "/webhooks/{provider}" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}),
	)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/cryptobot", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/webhooks/{provider}", "401")))
}

func TestMetricsHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.RecordRenewal("succeeded")

	rec := httptest.NewRecorder()
	MetricsHandler(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "billing_renewal_attempts_total"))
}
