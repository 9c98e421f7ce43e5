package renewal

import (
	"sort"
	"time"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

// Policy holds the timing rules of the renewal cycle
type Policy struct {
	// LeadTime is how long before period end the first attempt is made
	LeadTime time.Duration
	// RetryInterval separates attempts for the same subscription
	RetryInterval time.Duration
	// WarningDays are the offsets, in days before period end, at which a
	// failed renewal warns the account
	WarningDays []int
}

// Eligible reports whether a renewal attempt is due for sub at now.
//
// An attempt is due once the period end falls within the lead time, and at
// most once per RetryInterval afterwards. The renewal cycle is identified by
// the current period end; a successful renewal moves it, which closes the
// cycle.
func (p Policy) Eligible(sub *billing.Subscription, now time.Time) bool {
	if !sub.AutoRenew {
		return false
	}
	if sub.State != billing.SubscriptionActive && sub.State != billing.SubscriptionTrial {
		return false
	}
	if !sub.PeriodEnd.Before(now.Add(p.LeadTime)) {
		return false
	}
	last := sub.LastRenewalAttempt
	if last == nil {
		return true
	}
	return !now.Before(last.Add(p.RetryInterval))
}

// Failure is what a renewal attempt that hit insufficient balance does
type Failure struct {
	// WarningsSent is the updated set of warning offsets already emitted
	WarningsSent []int
	// Warn, when set, is the days-left offset to warn about now
	Warn *int
	// Expire ends the subscription
	Expire bool
}

// OnInsufficientBalance decides warnings and expiry after a failed debit.
//
// At most one warning is emitted per attempt: the most urgent offset that
// came due. Offsets that came due together with it are marked sent. The
// subscription expires only once its period has ended, every configured
// warning has been sent, and the attempt did not just send one.
func (p Policy) OnInsufficientBalance(sub *billing.Subscription, now time.Time) Failure {
	sent := make(map[int]bool, len(sub.WarningsSent))
	for _, d := range sub.WarningsSent {
		sent[d] = true
	}

	var due []int
	for _, d := range p.WarningDays {
		if sent[d] {
			continue
		}
		if !now.Before(sub.PeriodEnd.Add(-time.Duration(d) * 24 * time.Hour)) {
			due = append(due, d)
		}
	}

	f := Failure{WarningsSent: append([]int(nil), sub.WarningsSent...)}
	if len(due) > 0 {
		sort.Ints(due)
		warn := due[0]
		f.Warn = &warn
		f.WarningsSent = append(f.WarningsSent, due...)
		sort.Ints(f.WarningsSent)
	}

	if f.Warn == nil && !now.Before(sub.PeriodEnd) && p.allSent(f.WarningsSent) {
		f.Expire = true
	}
	return f
}

func (p Policy) allSent(sent []int) bool {
	have := make(map[int]bool, len(sent))
	for _, d := range sent {
		have[d] = true
	}
	for _, d := range p.WarningDays {
		if !have[d] {
			return false
		}
	}
	return true
}

// DaysLeft is the whole number of days from now until period end, never negative
func DaysLeft(periodEnd, now time.Time) int {
	if !now.Before(periodEnd) {
		return 0
	}
	return int(periodEnd.Sub(now) / (24 * time.Hour))
}
