// Package httputil holds the HTTP plumbing shared by the webhook ingress and
// the admin server: JSON responses, request parsing and middleware.
//
// Responses:
//
//	httputil.WriteSuccess(w, ack)
//	httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "retry later")
//
// Middleware is applied outermost first:
//
//	handler := httputil.Chain(
//		httputil.RecoveryMiddleware(logger),
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.DeadlineMiddleware(budget),
//	)(router)
//
// ClientIP resolves the caller address used for provider IP allowlists and
// ingress rate limiting. Forwarding headers are honored only when the
// daemon runs behind a trusted proxy.
package httputil
