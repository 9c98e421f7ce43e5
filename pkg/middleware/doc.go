// Package middleware provides rate limiting for the webhook ingress.
//
// Requests are keyed by provider and client address (ProviderIPKey) and
// counted either in process (RateLimiter, a token bucket) or in Redis
// (DistributedRateLimiter, a fixed window shared across instances).
// RateLimitMiddleware answers 429 with Retry-After once a key is over its
// limit; providers treat that as a signal to redeliver later. When the
// limiter itself fails the request is served.
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, middleware.DefaultRateLimitConfig(), "")
//	mw := middleware.NewRateLimitMiddleware(limiter, middleware.ProviderIPKey(trustProxy), logger, metrics)
//	webhooks := router.PathPrefix("/webhooks").Subrouter()
//	webhooks.Use(mw.Handler)
//
// The middleware reads the {provider} route variable, so it must be
// installed on the mux router (or subrouter) rather than around it.
package middleware
