package renewal

import (
	"fmt"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

// Event drives a subscription state transition
type Event string

const (
	// EventRenewed is a successful renewal debit
	EventRenewed Event = "renewed"
	// EventRenewalFailed is a failed attempt inside the grace period
	EventRenewalFailed Event = "renewal_failed"
	// EventGraceExhausted is a failed attempt after the period ended with
	// every warning sent
	EventGraceExhausted Event = "grace_exhausted"
	// EventDisabled is an administrative disable
	EventDisabled Event = "disabled"
)

// Transition returns the state a subscription in from moves to on ev.
// expiredState is the configured final state of an unpaid subscription
// (EXPIRED or DISABLED).
func Transition(from billing.SubscriptionState, ev Event, expiredState billing.SubscriptionState) (billing.SubscriptionState, error) {
	switch ev {
	case EventDisabled:
		return billing.SubscriptionDisabled, nil

	case EventRenewed:
		switch from {
		case billing.SubscriptionTrial, billing.SubscriptionActive, billing.SubscriptionExpired:
			return billing.SubscriptionActive, nil
		}

	case EventRenewalFailed:
		switch from {
		case billing.SubscriptionTrial, billing.SubscriptionActive:
			return from, nil
		}

	case EventGraceExhausted:
		switch from {
		case billing.SubscriptionTrial, billing.SubscriptionActive:
			return expiredState, nil
		}
	}
	return from, fmt.Errorf("%w: subscription %s on %s", billing.ErrInvalidTransition, from, ev)
}
