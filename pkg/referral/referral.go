// Package referral pays inviters a commission on every top-up of the accounts
// they referred, and pays the one-time first top-up bonus to both sides.
package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/keylock"
	"github.com/platinummonkey/billingcore/pkg/ledger"
	"github.com/platinummonkey/billingcore/pkg/observability"
	"github.com/platinummonkey/billingcore/pkg/storage"
)

// RelationshipStore persists referral relationships
type RelationshipStore interface {
	GetRelationship(ctx context.Context, referredID int64) (*billing.ReferralRelationship, error)

	// MarkFirstTopupBonusPaid sets the bonus flag if it is not yet set.
	// Returns storage.ErrConditionFailed if it already was.
	MarkFirstTopupBonusPaid(ctx context.Context, referredID int64) error
}

// Ledger is the subset of ledger.Service the engine posts through
type Ledger interface {
	Post(ctx context.Context, e ledger.Entry) (*ledger.Result, error)
	IsFirstTopup(ctx context.Context, accountID int64, transactionID string) (bool, error)
}

// Config holds the referral program parameters, in minor units
type Config struct {
	MinimumFirstTopup        int64
	ReferredBonus            int64
	InviterBonus             int64
	DefaultCommissionPercent int
}

// DefaultConfig returns the stock program: 200.00 minimum, 50.00 and 100.00 bonuses
func DefaultConfig() Config {
	return Config{
		MinimumFirstTopup:        20000,
		ReferredBonus:            5000,
		InviterBonus:             10000,
		DefaultCommissionPercent: 25,
	}
}

// Topup is a confirmed top-up credited to a referred account
type Topup struct {
	ReferredID    int64
	Amount        int64
	Provider      billing.ProviderID
	EventID       string
	TransactionID string
}

// Payout summarizes what OnTopup posted. Zero values mean nothing was paid.
type Payout struct {
	Commission    int64
	ReferredBonus int64
	InviterBonus  int64
}

// Engine is the referral commission engine
type Engine struct {
	store    RelationshipStore
	ledger   Ledger
	locker   keylock.Locker
	notifier billing.Notifier
	cfg      Config
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewEngine creates an engine. notifier and metrics may be nil.
func NewEngine(store RelationshipStore, l Ledger, locker keylock.Locker, notifier billing.Notifier, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Engine {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Engine{
		store:    store,
		ledger:   l,
		locker:   locker,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// CommissionKey is the idempotency key of the commission for one payment event
func CommissionKey(provider billing.ProviderID, eventID string) string {
	return fmt.Sprintf("referral:commission:%s:%s", provider, eventID)
}

func bonusKey(referredID int64, side string) string {
	return fmt.Sprintf("referral:first-topup:%d:%s", referredID, side)
}

// Commission returns amount*percent/100 rounded down
func Commission(amount int64, percent int) int64 {
	if amount <= 0 || percent <= 0 {
		return 0
	}
	return amount * int64(percent) / 100
}

// OnTopup posts the inviter's commission for a confirmed top-up and, when the
// top-up is the referred account's first and meets the minimum, the first
// top-up bonuses. Accounts without a referral relationship are a no-op.
//
// Every post is keyed, so calling OnTopup again for the same payment event
// pays nothing twice.
func (e *Engine) OnTopup(ctx context.Context, t Topup) (*Payout, error) {
	rel, err := e.store.GetRelationship(ctx, t.ReferredID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &Payout{}, nil
		}
		return nil, fmt.Errorf("get relationship: %w", err)
	}

	logger := e.logger.WithFields(map[string]interface{}{
		"referred_id": rel.ReferredID,
		"inviter_id":  rel.InviterID,
		"event_id":    t.EventID,
	})
	payout := &Payout{}

	percent := rel.CommissionPercent
	if percent <= 0 {
		percent = e.cfg.DefaultCommissionPercent
	}
	if commission := Commission(t.Amount, percent); commission > 0 {
		res, err := e.ledger.Post(ctx, ledger.Entry{
			AccountID:      rel.InviterID,
			Amount:         commission,
			Kind:           billing.KindReferralCommission,
			IdempotencyKey: CommissionKey(t.Provider, t.EventID),
			External:       &billing.ExternalRef{Provider: t.Provider, EventID: t.EventID},
			RelatedID:      t.TransactionID,
			Description:    fmt.Sprintf("commission %d%% from account %d", percent, rel.ReferredID),
		})
		if err != nil {
			return nil, fmt.Errorf("post commission: %w", err)
		}
		if !res.Replayed {
			payout.Commission = commission
			e.metrics.RecordReferralPayout("commission")
			e.notify(ctx, billing.Outcome{
				Type:          billing.OutcomeCommissionPaid,
				AccountID:     rel.InviterID,
				Amount:        commission,
				TransactionID: res.Transaction.ID,
				Provider:      t.Provider,
				EventID:       t.EventID,
			})
			logger.Infof("Paid referral commission %d", commission)
		}
	}

	if rel.FirstTopupBonusPaid || t.Amount < e.cfg.MinimumFirstTopup {
		return payout, nil
	}
	if err := e.payFirstTopupBonus(ctx, t, payout); err != nil {
		return nil, err
	}
	return payout, nil
}

func (e *Engine) payFirstTopupBonus(ctx context.Context, t Topup, payout *Payout) error {
	first, err := e.ledger.IsFirstTopup(ctx, t.ReferredID, t.TransactionID)
	if err != nil {
		return fmt.Errorf("first topup check: %w", err)
	}
	if !first {
		return nil
	}

	// The inviter's lock is taken under this one by the bonus post. Stores
	// refuse referral cycles, so the nesting cannot deadlock.
	ctx, release, err := keylock.Hold(ctx, e.locker, keylock.AccountKey(t.ReferredID))
	if err != nil {
		return err
	}
	defer release()

	// Re-read under the lock; a concurrent delivery may have paid already.
	rel, err := e.store.GetRelationship(ctx, t.ReferredID)
	if err != nil {
		return fmt.Errorf("get relationship: %w", err)
	}
	if rel.FirstTopupBonusPaid {
		return nil
	}

	bonuses := []struct {
		side    string
		account int64
		amount  int64
		paid    *int64
	}{
		{"referred", rel.ReferredID, e.cfg.ReferredBonus, &payout.ReferredBonus},
		{"inviter", rel.InviterID, e.cfg.InviterBonus, &payout.InviterBonus},
	}
	for _, b := range bonuses {
		if b.amount <= 0 {
			continue
		}
		res, err := e.ledger.Post(ctx, ledger.Entry{
			AccountID:      b.account,
			Amount:         b.amount,
			Kind:           billing.KindReferralCommission,
			IdempotencyKey: bonusKey(rel.ReferredID, b.side),
			RelatedID:      t.TransactionID,
			Description:    "first top-up bonus (" + b.side + ")",
		})
		if err != nil {
			return fmt.Errorf("post %s bonus: %w", b.side, err)
		}
		if res.Replayed {
			continue
		}
		*b.paid = b.amount
		e.metrics.RecordReferralPayout("bonus_" + b.side)
		e.notify(ctx, billing.Outcome{
			Type:          billing.OutcomeReferralBonusPaid,
			AccountID:     b.account,
			Amount:        b.amount,
			TransactionID: res.Transaction.ID,
			Reason:        b.side,
		})
	}

	if err := e.store.MarkFirstTopupBonusPaid(ctx, rel.ReferredID); err != nil && !errors.Is(err, storage.ErrConditionFailed) {
		return fmt.Errorf("mark bonus paid: %w", err)
	}
	return nil
}

func (e *Engine) notify(ctx context.Context, o billing.Outcome) {
	if e.notifier == nil {
		return
	}
	o.ID = uuid.NewString()
	o.OccurredAt = e.now().UTC()
	if err := e.notifier.Notify(ctx, o); err != nil {
		e.logger.WithError(err).Warnf("Failed to deliver %s outcome", o.Type)
	}
}
