// Package billing defines the domain model of the billing core.
//
// # Overview
//
// The billing core turns money events into a consistent account balance and
// subscription state. Events arrive from payment provider webhooks, admin
// credits, scheduled auto-renewals and referral payouts. Every effect is
// applied exactly once, including under concurrent and duplicate delivery.
//
// This package holds only types shared by the components:
//
//   - Account, LedgerTransaction and TransactionKind: the append-only ledger model
//   - PaymentEvent and PaymentStatus: the canonical provider-agnostic payment event
//   - Subscription and SubscriptionState: the fields renewal reads to decide eligibility
//   - PromoGroup, DiscountTier and Discounts: pricing configuration entities
//   - ReferralRelationship: referred account to inviter link
//   - Outcome: events emitted to the notification layer
//
// # Amounts
//
// All amounts are int64 minor currency units (kopecks, cents). There is no
// floating point anywhere in the core.
//
// # Errors
//
// The error taxonomy lives in errors.go. Callers match with errors.Is:
//
//	if errors.Is(err, billing.ErrInsufficientBalance) {
//		// warning path
//	}
//
// A duplicate delivery is not an error. Components report it through their
// result values.
//
// # Related Packages
//
//   - pkg/ledger: the only component that mutates balance
//   - pkg/payments: webhook reconciliation
//   - pkg/renewal: auto-renewal scheduler
//   - pkg/referral: referral commissions and bonuses
//   - pkg/pricing: price calculation
package billing
