package billing

import "errors"

var (
	// ErrInvalidSignature is returned by provider adapters when a payload fails
	// verification. The payload is never recorded.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidPayload is returned when a verified payload cannot be normalized.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrInsufficientBalance is returned when a debit would drive balance below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidPlanConfiguration is returned when the requested period or traffic
	// package is not in the configured allowed set.
	ErrInvalidPlanConfiguration = errors.New("invalid plan configuration")

	// ErrStorageUnavailable marks a retryable storage failure.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrProviderTimeout marks a provider call that did not complete in time.
	ErrProviderTimeout = errors.New("provider timeout")

	ErrAccountNotFound      = errors.New("account not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrEventNotFound        = errors.New("payment event not found")

	ErrUnknownProvider  = errors.New("unknown provider")
	ErrProviderDisabled = errors.New("provider disabled")

	// ErrInvalidTransition is returned by state machines for a disallowed move.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvariantViolation signals a ledger invariant breach: a negative
	// balance reaching the store, a balance snapshot mismatch, or a duplicate
	// key that slipped past the idempotency check.
	ErrInvariantViolation = errors.New("ledger invariant violation")

	ErrInvalidAmount = errors.New("invalid amount")

	// ErrReferralCycle is returned when a relationship would make an account
	// its own inviter through a chain of referrals.
	ErrReferralCycle = errors.New("referral would form a cycle")

	ErrPromoCodeNotFound    = errors.New("promo code not found")
	ErrPromoCodeExpired     = errors.New("promo code expired")
	ErrPromoCodeUsedUp      = errors.New("promo code has no uses left")
	ErrPromoCodeAlreadyUsed = errors.New("promo code already activated by account")
)

// IsRetryable reports whether err should make a webhook provider redeliver or
// make the scheduler retry on its next sweep.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrProviderTimeout)
}
