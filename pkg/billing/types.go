package billing

import (
	"context"
	"fmt"
	"time"
)

// Account is the billing view of a user account.
type Account struct {
	ID           int64     `json:"id"`
	PromoGroupID *int64    `json:"promo_group_id,omitempty"`
	ReferrerID   *int64    `json:"referrer_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TransactionKind tags a ledger transaction
type TransactionKind string

const (
	KindTopup              TransactionKind = "TOPUP"
	KindDebitSubscription  TransactionKind = "DEBIT_SUBSCRIPTION"
	KindReferralCommission TransactionKind = "REFERRAL_COMMISSION"
	KindRefund             TransactionKind = "REFUND"
	KindAdminAdjustment    TransactionKind = "ADMIN_ADJUSTMENT"
	KindPromoCode          TransactionKind = "PROMO_CODE"
)

// Valid reports whether k is a known kind
func (k TransactionKind) Valid() bool {
	switch k {
	case KindTopup, KindDebitSubscription, KindReferralCommission, KindRefund, KindAdminAdjustment, KindPromoCode:
		return true
	}
	return false
}

// ExternalRef points a transaction at the provider event that caused it
type ExternalRef struct {
	Provider ProviderID `json:"provider"`
	EventID  string     `json:"event_id"`
}

// LedgerTransaction is an immutable entry of an account's history.
// Amount is signed: credits are positive, debits negative.
type LedgerTransaction struct {
	ID             string          `json:"id"`
	AccountID      int64           `json:"account_id"`
	Amount         int64           `json:"amount"`
	Kind           TransactionKind `json:"kind"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	External       *ExternalRef    `json:"external,omitempty"`
	RelatedID      string          `json:"related_id,omitempty"`
	Description    string          `json:"description,omitempty"`
	BalanceAfter   int64           `json:"balance_after"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ProviderID identifies a payment provider
type ProviderID string

const (
	ProviderYooKassa  ProviderID = "yookassa"
	ProviderCryptoBot ProviderID = "cryptobot"
	ProviderHeleket   ProviderID = "heleket"
	ProviderMulenPay  ProviderID = "mulenpay"
	ProviderPal24     ProviderID = "pal24"
	ProviderWata      ProviderID = "wata"
	ProviderStars     ProviderID = "stars"
	ProviderTribute   ProviderID = "tribute"
)

// AllProviders lists every provider with an adapter
var AllProviders = []ProviderID{
	ProviderYooKassa, ProviderCryptoBot, ProviderHeleket, ProviderMulenPay,
	ProviderPal24, ProviderWata, ProviderStars, ProviderTribute,
}

// PaymentStatus is the reconciliation state of a payment event
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentConfirmed PaymentStatus = "CONFIRMED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentExpired   PaymentStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition is allowed
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentConfirmed || s == PaymentFailed || s == PaymentExpired
}

// Transition returns the next state for an observed status. Moves are one-way:
// PENDING may go to any state, terminal states only to themselves.
func (s PaymentStatus) Transition(observed PaymentStatus) (PaymentStatus, error) {
	switch s {
	case PaymentPending:
		switch observed {
		case PaymentPending, PaymentConfirmed, PaymentFailed, PaymentExpired:
			return observed, nil
		}
	case PaymentConfirmed, PaymentFailed, PaymentExpired:
		if observed == s {
			return s, nil
		}
	}
	return s, fmt.Errorf("%w: payment %s -> %s", ErrInvalidTransition, s, observed)
}

// PaymentEvent is the canonical provider-agnostic form of a webhook delivery.
type PaymentEvent struct {
	Provider      ProviderID    `json:"provider" validate:"required"`
	EventID       string        `json:"event_id" validate:"required,max=255"`
	AccountID     int64         `json:"account_id" validate:"required,gt=0"`
	Amount        int64         `json:"amount" validate:"gte=0"`
	Currency      string        `json:"currency" validate:"required,max=10"`
	Status        PaymentStatus `json:"status" validate:"required,oneof=PENDING CONFIRMED FAILED EXPIRED"`
	PayloadDigest string        `json:"payload_digest,omitempty"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Attempts      int           `json:"attempts"`
	LastError     string        `json:"last_error,omitempty"`
	FirstSeenAt   time.Time     `json:"first_seen_at"`
	LastSeenAt    time.Time     `json:"last_seen_at"`
	ConfirmedAt   *time.Time    `json:"confirmed_at,omitempty"`

	// Observed is the status the provider reported on the latest delivery.
	// Status only moves to CONFIRMED after the ledger credit succeeds.
	Observed PaymentStatus `json:"observed,omitempty"`
}

// IdempotencyKey is the ledger key of the top-up credit for this event
func (e *PaymentEvent) IdempotencyKey() string {
	return TopupKey(e.Provider, e.EventID)
}

// TopupKey builds the idempotency key of a provider top-up
func TopupKey(provider ProviderID, eventID string) string {
	return fmt.Sprintf("topup:%s:%s", provider, eventID)
}

// SubscriptionState is the lifecycle state of a subscription
type SubscriptionState string

const (
	SubscriptionTrial    SubscriptionState = "TRIAL"
	SubscriptionActive   SubscriptionState = "ACTIVE"
	SubscriptionExpired  SubscriptionState = "EXPIRED"
	SubscriptionDisabled SubscriptionState = "DISABLED"
)

// PlanParams are the purchased plan dimensions
type PlanParams struct {
	PeriodDays  int      `json:"period_days" yaml:"period_days"`
	TrafficGB   int      `json:"traffic_gb" yaml:"traffic_gb"`
	DeviceLimit int      `json:"device_limit" yaml:"device_limit"`
	Servers     []string `json:"servers,omitempty" yaml:"servers"`
}

// Subscription holds the fields the core reads to decide renewal eligibility
type Subscription struct {
	ID                 int64             `json:"id"`
	AccountID          int64             `json:"account_id"`
	Plan               PlanParams        `json:"plan"`
	State              SubscriptionState `json:"state"`
	AutoRenew          bool              `json:"auto_renew"`
	PeriodEnd          time.Time         `json:"period_end"`
	LastRenewalAttempt *time.Time        `json:"last_renewal_attempt,omitempty"`
	FailedAttempts     int               `json:"failed_attempts"`
	WarningsSent       []int             `json:"warnings_sent,omitempty"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Discounts are percentage reductions per pricing dimension. Period discounts
// are keyed by period length in days.
type Discounts struct {
	Server  int         `json:"server" yaml:"server"`
	Traffic int         `json:"traffic" yaml:"traffic"`
	Device  int         `json:"device" yaml:"device"`
	Period  map[int]int `json:"period,omitempty" yaml:"period"`
}

// PeriodPercent returns the period discount for a period length
func (d Discounts) PeriodPercent(days int) int {
	if d.Period == nil {
		return 0
	}
	return d.Period[days]
}

// PromoGroup is a named discount configuration assignable to accounts.
// AutoAssignSpent, when set, assigns the group to accounts whose total spend
// reaches the threshold.
type PromoGroup struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Discounts       Discounts `json:"discounts"`
	AutoAssignSpent *int64    `json:"auto_assign_spent,omitempty"`
	IsDefault       bool      `json:"is_default"`
}

// PromoCode credits a fixed bonus to the balance of each account that
// activates it, at most once per account. MaxUses of zero is unlimited.
type PromoCode struct {
	Code         string     `json:"code"`
	BalanceBonus int64      `json:"balance_bonus"`
	MaxUses      int        `json:"max_uses"`
	CurrentUses  int        `json:"current_uses"`
	ValidUntil   *time.Time `json:"valid_until,omitempty"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Usable reports whether the code can be activated at now
func (c *PromoCode) Usable(now time.Time) error {
	if !c.Active || (c.ValidUntil != nil && !now.Before(*c.ValidUntil)) {
		return fmt.Errorf("%w: %s", ErrPromoCodeExpired, c.Code)
	}
	if c.MaxUses > 0 && c.CurrentUses >= c.MaxUses {
		return fmt.Errorf("%w: %s", ErrPromoCodeUsedUp, c.Code)
	}
	return nil
}

// PromoCodeActivation records that an account redeemed a code
type PromoCodeActivation struct {
	Code          string    `json:"code"`
	AccountID     int64     `json:"account_id"`
	TransactionID string    `json:"transaction_id"`
	ActivatedAt   time.Time `json:"activated_at"`
}

// DiscountTier is a discount level derived from cumulative spend
type DiscountTier struct {
	Name      string    `json:"name" yaml:"name"`
	MinSpent  int64     `json:"min_spent" yaml:"min_spent"`
	Discounts Discounts `json:"discounts" yaml:"discounts"`
}

// ReferralRelationship links a referred account to its inviter
type ReferralRelationship struct {
	ReferredID          int64     `json:"referred_id"`
	InviterID           int64     `json:"inviter_id"`
	CommissionPercent   int       `json:"commission_percent"`
	FirstTopupBonusPaid bool      `json:"first_topup_bonus_paid"`
	CreatedAt           time.Time `json:"created_at"`
}

// OutcomeType names an outcome event
type OutcomeType string

const (
	OutcomeRenewalSucceeded    OutcomeType = "renewal.succeeded"
	OutcomeRenewalFailed       OutcomeType = "renewal.failed"
	OutcomeSubscriptionExpired OutcomeType = "subscription.expired"
	OutcomeTopupConfirmed      OutcomeType = "topup.confirmed"
	OutcomeCommissionPaid      OutcomeType = "commission.paid"
	OutcomeReferralBonusPaid   OutcomeType = "referral.bonus_paid"
)

// Outcome is emitted to the notification layer. The core never formats
// user-facing text.
type Outcome struct {
	ID             string      `json:"id"`
	Type           OutcomeType `json:"type"`
	AccountID      int64       `json:"account_id"`
	SubscriptionID int64       `json:"subscription_id,omitempty"`
	Amount         int64       `json:"amount,omitempty"`
	TransactionID  string      `json:"transaction_id,omitempty"`
	Provider       ProviderID  `json:"provider,omitempty"`
	EventID        string      `json:"event_id,omitempty"`
	PeriodEnd      *time.Time  `json:"period_end,omitempty"`
	DaysLeft       int         `json:"days_left,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	OccurredAt     time.Time   `json:"occurred_at"`
}

// SubscriptionLifecycle is implemented by the subscription subsystem (VPN panel sync)
type SubscriptionLifecycle interface {
	Activate(ctx context.Context, accountID int64, plan PlanParams, periodEnd time.Time) error
	Extend(ctx context.Context, subscriptionID int64, newPeriodEnd time.Time) error
	Expire(ctx context.Context, subscriptionID int64) error
}

// Notifier receives outcome events
type Notifier interface {
	Notify(ctx context.Context, outcome Outcome) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, outcome Outcome) error

// Notify calls f
func (f NotifierFunc) Notify(ctx context.Context, outcome Outcome) error {
	return f(ctx, outcome)
}

// TopupListener is called after a confirmed top-up has been credited, for
// subscription reconciliation (auto-purchase, reactivation).
type TopupListener interface {
	OnTopupConfirmed(ctx context.Context, accountID int64, amount int64) error
}
