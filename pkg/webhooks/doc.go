// Package webhooks delivers billing outcome events to subscribed HTTP endpoints.
//
// # Overview
//
// Manager implements billing.Notifier. Each outcome is serialized once, logged
// per subscribed endpoint and POSTed from a worker pool, with retries,
// per-endpoint rate limiting and HMAC signatures. ChannelNotifier feeds the
// same outcomes to an in-process consumer and MultiNotifier combines both.
//
// # Outcome Events
//
// renewal.succeeded, renewal.failed, subscription.expired
// topup.confirmed, commission.paid, referral.bonus_paid
//
// # Usage Example
//
// Register an endpoint:
//
//	manager := webhooks.NewManager(ctx, webhooks.WithMetrics(metrics))
//	err := manager.Register(&webhooks.Endpoint{
//		URL:    "https://bot.internal/outcomes",
//		Events: []billing.OutcomeType{billing.OutcomeRenewalFailed, billing.OutcomeTopupConfirmed},
//		Secret: "endpoint-secret",
//	})
//
// Verify a delivery (receiver side):
//
//	sig := r.Header.Get(webhooks.HeaderSignature)
//	if !webhooks.VerifySignature(body, secret, sig) {
//		return errors.New("invalid signature")
//	}
//
// # Retry Policy
//
// Failed deliveries are retried by RetryDue with exponential backoff from
// async.RetryPolicy: 1s, 2s, 4s, 8s, up to 5 attempts. Retries resend the
// original bytes with the original event id, so receivers deduplicate on
// X-Billing-Event-ID.
//
// # Related Packages
//
//   - pkg/async: Worker pool and retry policy
package webhooks
