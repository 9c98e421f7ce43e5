package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/billingcore/pkg/httputil"
	"github.com/platinummonkey/billingcore/pkg/observability"
)

// KeyFunc derives the rate limit key of a request
type KeyFunc func(r *http.Request) string

// ProviderIPKey keys webhook requests by the {provider} route variable and the
// client address, so one misbehaving sender cannot starve another provider.
func ProviderIPKey(trustProxy bool) KeyFunc {
	return func(r *http.Request) string {
		provider := strings.ToLower(mux.Vars(r)["provider"])
		if provider == "" {
			provider = "-"
		}
		return "provider:" + provider + ":ip:" + httputil.ClientIP(r, trustProxy)
	}
}

// RateLimitMiddleware answers 429 once a key exceeds its limit. Limiter
// failures fail open: the request is served and the failure is logged.
type RateLimitMiddleware struct {
	limiter Limiter
	key     KeyFunc
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRateLimitMiddleware creates the ingress limiter
func NewRateLimitMiddleware(limiter Limiter, key KeyFunc, logger *observability.Logger, metrics *observability.Metrics) *RateLimitMiddleware {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &RateLimitMiddleware{limiter: limiter, key: key, logger: logger, metrics: metrics}
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := m.key(r)
		provider := mux.Vars(r)["provider"]

		allowed, err := m.limiter.Allow(ctx, key)
		if err != nil {
			m.logger.WithError(err).WithField("key", key).Warn("rate limiter unavailable, allowing request")
			m.metrics.RecordRateLimit(provider, "error")
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			m.metrics.RecordRateLimit(provider, "rejected")
			m.logger.WithFields(map[string]interface{}{
				"key":        key,
				"request_id": observability.GetRequestID(ctx),
			}).Info("rate limit exceeded")
			m.reject(w)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limiter.Limit()))
		if remaining, err := m.limiter.Remaining(ctx, key); err == nil {
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}
		next.ServeHTTP(w, r)
	})
}

func (m *RateLimitMiddleware) reject(w http.ResponseWriter) {
	retryAfter := int(m.limiter.Window() / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limiter.Limit()))
	w.Header().Set("X-RateLimit-Remaining", "0")
	httputil.WriteTooManyRequests(w, fmt.Sprintf("rate limit exceeded, retry after %ds", retryAfter))
}
