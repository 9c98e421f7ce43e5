// Package ledger implements the append-only balance ledger.
//
// # Overview
//
// Every balance change is a LedgerTransaction appended through Service.Post.
// Balance is the fold of the account's transactions; the store keeps a cached
// copy updated in the same atomic write and Verify checks the two agree.
//
// # Idempotency
//
// Posts that carry an idempotency key are applied at most once per account:
//
//	res, err := ledger.Post(ctx, ledger.Entry{
//		AccountID:      accountID,
//		Amount:         amount,
//		Kind:           billing.KindTopup,
//		IdempotencyKey: billing.TopupKey(provider, eventID),
//	})
//	if res.Replayed {
//		// already credited by an earlier delivery
//	}
//
// # Concurrency
//
// Posts are serialized per account with a keylock.Locker. Beneath the lock the
// store performs the append as a single conditional write: a unique
// (account_id, idempotency_key) constraint plus a compare-and-swap on the
// balance the service read. If the lock is ever bypassed the store rejects the
// write and Post reports billing.ErrInvariantViolation instead of committing.
//
// # Corrections
//
// Transactions are never updated or deleted. Refund appends a compensating
// REFUND keyed by the original transaction id; Adjust appends an
// ADMIN_ADJUSTMENT recording the actor. Promo code bonuses are PROMO_CODE
// credits keyed by the code.
package ledger
