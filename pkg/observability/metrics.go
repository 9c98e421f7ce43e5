package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Webhook ingress metrics
	WebhookDeliveriesTotal    *prometheus.CounterVec
	WebhookProcessingDuration *prometheus.HistogramVec

	// Ledger metrics
	LedgerPostsTotal     *prometheus.CounterVec
	LedgerAmountTotal    *prometheus.CounterVec
	LedgerPostDuration   prometheus.Histogram
	LedgerInvariantFails prometheus.Counter

	// Renewal metrics
	RenewalAttemptsTotal *prometheus.CounterVec

	// Background sweep metrics (renewal, pending payments)
	SweepDuration *prometheus.HistogramVec
	SweepsTotal   *prometheus.CounterVec

	// Referral metrics
	ReferralPayoutsTotal *prometheus.CounterVec

	// Outcome delivery metrics
	OutcomeDeliveriesTotal *prometheus.CounterVec

	// Pricing metrics
	PricingReloadsTotal *prometheus.CounterVec

	// Ingress rate limiting
	RateLimitTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		WebhookDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhook_deliveries_total",
				Help: "Payment webhook deliveries by provider and result",
			},
			[]string{"provider", "result"},
		),
		WebhookProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_webhook_processing_duration_seconds",
				Help:    "Time spent reconciling a payment webhook",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),

		LedgerPostsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_ledger_posts_total",
				Help: "Ledger post calls by transaction kind and result",
			},
			[]string{"kind", "result"},
		),
		LedgerAmountTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_ledger_amount_minor_units_total",
				Help: "Absolute amount posted to the ledger in minor units",
			},
			[]string{"kind"},
		),
		LedgerPostDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "billing_ledger_post_duration_seconds",
				Help:    "Ledger post latency including lock wait",
				Buckets: prometheus.DefBuckets,
			},
		),
		LedgerInvariantFails: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_ledger_invariant_violations_total",
				Help: "Balance snapshot conflicts and duplicate keys caught by the store",
			},
		),

		RenewalAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_renewal_attempts_total",
				Help: "Subscription renewal attempts by result",
			},
			[]string{"result"},
		),
		SweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_sweep_duration_seconds",
				Help:    "Duration of a background sweep",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"sweep"},
		),
		SweepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_sweeps_total",
				Help: "Background sweeps by sweep and result",
			},
			[]string{"sweep", "result"},
		),

		ReferralPayoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_referral_payouts_total",
				Help: "Referral commissions and bonuses posted",
			},
			[]string{"type"},
		),

		OutcomeDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_outcome_deliveries_total",
				Help: "Outcome webhook deliveries by event type and result",
			},
			[]string{"event", "result"},
		),

		PricingReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_pricing_reloads_total",
				Help: "Pricing snapshot reloads by result",
			},
			[]string{"result"},
		),
		RateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_ingress_rate_limit_total",
				Help: "Ingress rate limit decisions that were not a plain allow",
			},
			[]string{"provider", "result"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WebhookDeliveriesTotal,
		m.WebhookProcessingDuration,
		m.LedgerPostsTotal,
		m.LedgerAmountTotal,
		m.LedgerPostDuration,
		m.LedgerInvariantFails,
		m.RenewalAttemptsTotal,
		m.SweepDuration,
		m.SweepsTotal,
		m.ReferralPayoutsTotal,
		m.OutcomeDeliveriesTotal,
		m.PricingReloadsTotal,
		m.RateLimitTotal,
	)

	return m
}

// RecordWebhook records one webhook delivery
func (m *Metrics) RecordWebhook(provider, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.WebhookDeliveriesTotal.WithLabelValues(provider, result).Inc()
	m.WebhookProcessingDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordLedgerPost records one ledger post call
func (m *Metrics) RecordLedgerPost(kind, result string, amount int64, d time.Duration) {
	if m == nil {
		return
	}
	m.LedgerPostsTotal.WithLabelValues(kind, result).Inc()
	m.LedgerPostDuration.Observe(d.Seconds())
	if result == "ok" {
		if amount < 0 {
			amount = -amount
		}
		m.LedgerAmountTotal.WithLabelValues(kind).Add(float64(amount))
	}
}

// RecordInvariantViolation counts a store-level invariant catch
func (m *Metrics) RecordInvariantViolation() {
	if m == nil {
		return
	}
	m.LedgerInvariantFails.Inc()
}

// RecordRenewal records one renewal attempt
func (m *Metrics) RecordRenewal(result string) {
	if m == nil {
		return
	}
	m.RenewalAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordSweep records one pass of a background sweep
func (m *Metrics) RecordSweep(sweep, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.SweepsTotal.WithLabelValues(sweep, result).Inc()
	m.SweepDuration.WithLabelValues(sweep).Observe(d.Seconds())
}

// RecordReferralPayout records a commission or bonus
func (m *Metrics) RecordReferralPayout(payoutType string) {
	if m == nil {
		return
	}
	m.ReferralPayoutsTotal.WithLabelValues(payoutType).Inc()
}

// RecordOutcomeDelivery records one outcome webhook delivery
func (m *Metrics) RecordOutcomeDelivery(event, result string) {
	if m == nil {
		return
	}
	m.OutcomeDeliveriesTotal.WithLabelValues(event, result).Inc()
}

// RecordPricingReload records a pricing snapshot reload
func (m *Metrics) RecordPricingReload(result string) {
	if m == nil {
		return
	}
	m.PricingReloadsTotal.WithLabelValues(result).Inc()
}

// RecordRateLimit records a rejected request or a limiter failure
func (m *Metrics) RecordRateLimit(provider, result string) {
	if m == nil {
		return
	}
	m.RateLimitTotal.WithLabelValues(provider, result).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// pathLabel maps a request to a low-cardinality label (the route template).
func HTTPMetricsMiddleware(metrics *Metrics, pathLabel func(*http.Request) string) func(http.Handler) http.Handler {
	if pathLabel == nil {
		pathLabel = func(r *http.Request) string { return r.URL.Path }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			path := pathLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
