// Package renewal debits balances for subscriptions that come up for renewal
// and extends them, warning and finally expiring the ones that cannot pay.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/keylock"
	"github.com/platinummonkey/billingcore/pkg/ledger"
	"github.com/platinummonkey/billingcore/pkg/observability"
	"github.com/platinummonkey/billingcore/pkg/pricing"
	"github.com/platinummonkey/billingcore/pkg/promo"
	"github.com/platinummonkey/billingcore/pkg/storage"
)

// SubscriptionStore persists the renewal fields of subscriptions. The write
// methods are compare-and-swap on the period end (or state) the caller read.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id int64) (*billing.Subscription, error)
	// ListDueSubscriptions returns one page of ACTIVE or TRIAL auto-renewing
	// subscriptions matching q, earliest period end first
	ListDueSubscriptions(ctx context.Context, q storage.DueQuery) ([]*billing.Subscription, error)
	ListAccountSubscriptions(ctx context.Context, accountID int64) ([]*billing.Subscription, error)
	RecordRenewal(ctx context.Context, id int64, prevPeriodEnd, newPeriodEnd, attemptAt time.Time) error
	RecordFailedAttempt(ctx context.Context, id int64, periodEnd, attemptAt time.Time, warningsSent []int) error
	SetSubscriptionState(ctx context.Context, id int64, from, to billing.SubscriptionState) error
}

// Ledger is the subset of ledger.Service used to debit renewals
type Ledger interface {
	Post(ctx context.Context, e ledger.Entry) (*ledger.Result, error)
	Refund(ctx context.Context, transactionID, reason string) (*ledger.Result, error)
}

// Pricer prices a plan for an account's discount context
type Pricer interface {
	Price(plan billing.PlanParams, group *billing.PromoGroup, tier *billing.DiscountTier, periodDays int) (*pricing.Quote, error)
}

// DiscountResolver returns the promo group and tier of an account
type DiscountResolver interface {
	Resolve(ctx context.Context, accountID int64) (*promo.Resolution, error)
}

// Config configures the scheduler
type Config struct {
	Policy
	// ExpiredState is the state an unpaid subscription ends in
	ExpiredState billing.SubscriptionState
	BatchSize    int
	Workers      int
}

// DefaultConfig returns the stock renewal settings
func DefaultConfig() Config {
	return Config{
		Policy: Policy{
			LeadTime:      24 * time.Hour,
			RetryInterval: 6 * time.Hour,
			WarningDays:   []int{3, 1, 0},
		},
		ExpiredState: billing.SubscriptionExpired,
		BatchSize:    500,
		Workers:      8,
	}
}

// Result of one renewal attempt
type Result string

const (
	ResultRenewed      Result = "renewed"
	ResultInsufficient Result = "insufficient_balance"
	ResultExpired      Result = "expired"
	ResultInvalidPlan  Result = "invalid_plan"
	ResultSkipped      Result = "skipped"
	ResultError        Result = "error"
)

// Stats summarizes one sweep
type Stats struct {
	Scanned      int
	Renewed      int
	Insufficient int
	Expired      int
	Skipped      int
	Failed       int
}

func (s *Stats) add(r Result) {
	switch r {
	case ResultRenewed:
		s.Renewed++
	case ResultInsufficient:
		s.Insufficient++
	case ResultExpired:
		s.Insufficient++
		s.Expired++
	case ResultSkipped:
		s.Skipped++
	default:
		s.Failed++
	}
}

// Scheduler runs renewal cycles
type Scheduler struct {
	subs      SubscriptionStore
	ledger    Ledger
	prices    Pricer
	discounts DiscountResolver
	locker    keylock.Locker
	lifecycle billing.SubscriptionLifecycle
	notifier  billing.Notifier
	cfg       Config
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLifecycle sets the subscription subsystem that applies extensions and expiries
func WithLifecycle(l billing.SubscriptionLifecycle) Option {
	return func(s *Scheduler) { s.lifecycle = l }
}

// WithNotifier sets the outcome notifier
func WithNotifier(n billing.Notifier) Option { return func(s *Scheduler) { s.notifier = n } }

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithMetrics sets the metrics sink
func WithMetrics(m *observability.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// NewScheduler creates a scheduler
func NewScheduler(subs SubscriptionStore, l Ledger, prices Pricer, discounts DiscountResolver, locker keylock.Locker, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.ExpiredState == "" {
		cfg.ExpiredState = def.ExpiredState
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	s := &Scheduler{
		subs:      subs,
		ledger:    l,
		prices:    prices,
		discounts: discounts,
		locker:    locker,
		cfg:       cfg,
		logger:    observability.NewLogger(observability.InfoLevel, nil),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DebitKey is the idempotency key of the renewal debit for one cycle
func DebitKey(subscriptionID int64, periodEnd time.Time) string {
	return fmt.Sprintf("renewal:%d:%d", subscriptionID, periodEnd.Unix())
}

// Sweep attempts every subscription that is due, a page of BatchSize at a
// time. Subscriptions attempted within the retry interval are left out of
// the scan. Accounts are processed in parallel up to Workers; a cancelled
// ctx stops the sweep between accounts and the next pass picks up where it
// left off.
func (s *Scheduler) Sweep(ctx context.Context) (stats Stats, err error) {
	start := s.now()
	ctx, span := observability.StartSpan(ctx, "renewal.sweep")
	defer func() {
		observability.EndSpan(span, err)
		result := "ok"
		if err != nil {
			result = "error"
		}
		s.metrics.RecordSweep("renewal", result, time.Since(start))
	}()

	q := storage.DueQuery{
		DueBefore:   start.Add(s.cfg.LeadTime),
		RetryBefore: start.Add(-s.cfg.RetryInterval),
		Limit:       s.cfg.BatchSize,
	}
	for {
		due, err := s.subs.ListDueSubscriptions(ctx, q)
		if err != nil {
			return stats, fmt.Errorf("list due subscriptions: %w", err)
		}
		s.renewPage(ctx, due, &stats)
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if len(due) < q.Limit {
			break
		}
		q.After = storage.CursorAfter(due[len(due)-1])
	}

	if stats.Scanned > 0 {
		s.logger.WithFields(map[string]interface{}{
			"scanned":      stats.Scanned,
			"renewed":      stats.Renewed,
			"insufficient": stats.Insufficient,
			"expired":      stats.Expired,
			"failed":       stats.Failed,
		}).Info("Renewal sweep finished")
	}
	return stats, nil
}

func (s *Scheduler) renewPage(ctx context.Context, due []*billing.Subscription, stats *Stats) {
	stats.Scanned += len(due)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.Workers)
	for _, sub := range due {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := s.Renew(ctx, sub.ID, sub.AccountID, false)
			mu.Lock()
			stats.add(res)
			mu.Unlock()
			if err != nil {
				s.logger.WithError(err).WithField("subscription_id", sub.ID).Warn("Renewal attempt failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// OnTopupConfirmed retries renewal of the account's subscriptions that are
// due, without waiting for the retry interval, so a top-up made after a
// failed renewal is applied right away.
func (s *Scheduler) OnTopupConfirmed(ctx context.Context, accountID int64, _ int64) error {
	subs, err := s.subs.ListAccountSubscriptions(ctx, accountID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	var errs []error
	for _, sub := range subs {
		if sub.LastRenewalAttempt == nil {
			continue
		}
		if _, err := s.Renew(ctx, sub.ID, accountID, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Renew runs one renewal attempt for a subscription under its account's
// lock. The subscription is re-read under the lock and eligibility is
// recomputed, so overlapping sweeps debit a cycle at most once. With force
// the retry interval is not applied.
func (s *Scheduler) Renew(ctx context.Context, subscriptionID, accountID int64, force bool) (res Result, err error) {
	ctx, span := observability.StartSpan(ctx, "renewal.renew",
		observability.AttrSubscriptionID.Int64(subscriptionID),
		observability.AttrAccountID.Int64(accountID),
	)
	defer func() {
		observability.EndSpan(span, err)
		if res != ResultSkipped {
			s.metrics.RecordRenewal(string(res))
		}
	}()

	ctx, release, err := keylock.Hold(ctx, s.locker, keylock.AccountKey(accountID))
	if err != nil {
		return ResultError, fmt.Errorf("lock account %d: %w", accountID, err)
	}
	defer release()

	sub, err := s.subs.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return ResultError, fmt.Errorf("load subscription: %w", err)
	}
	now := s.now().UTC()
	policy := s.cfg.Policy
	if force {
		policy.RetryInterval = 0
	}
	if !policy.Eligible(sub, now) {
		return ResultSkipped, nil
	}

	logger := s.logger.WithFields(map[string]interface{}{
		"subscription_id": sub.ID,
		"account_id":      sub.AccountID,
		"period_end":      sub.PeriodEnd,
	})

	quote, err := s.quote(ctx, sub)
	if errors.Is(err, billing.ErrInvalidPlanConfiguration) {
		// an unpriceable plan cannot be paid: it warns and expires like an
		// unpaid renewal
		logger.WithError(err).Error("Subscription plan cannot be priced")
		res, ferr := s.unpaid(ctx, sub, 0, "invalid_plan", now, logger)
		if ferr != nil || res != ResultInsufficient {
			return res, ferr
		}
		return ResultInvalidPlan, err
	}
	if err != nil {
		return ResultError, err
	}

	var (
		txID     string
		replayed bool
	)
	if quote.Total > 0 {
		posted, err := s.ledger.Post(ctx, ledger.Entry{
			AccountID:      sub.AccountID,
			Amount:         -quote.Total,
			Kind:           billing.KindDebitSubscription,
			IdempotencyKey: DebitKey(sub.ID, sub.PeriodEnd),
			Description:    fmt.Sprintf("renewal of subscription %d for %d days", sub.ID, quote.PeriodDays),
		})
		if errors.Is(err, billing.ErrInsufficientBalance) {
			return s.unpaid(ctx, sub, quote.Total, "insufficient_balance", now, logger)
		}
		if err != nil {
			return ResultError, fmt.Errorf("debit renewal: %w", err)
		}
		txID, replayed = posted.Transaction.ID, posted.Replayed
	}

	newEnd := sub.PeriodEnd.Add(time.Duration(quote.PeriodDays) * 24 * time.Hour)
	if _, err := Transition(sub.State, EventRenewed, s.cfg.ExpiredState); err != nil {
		return ResultError, err
	}
	err = s.subs.RecordRenewal(ctx, sub.ID, sub.PeriodEnd, newEnd, now)
	if errors.Is(err, storage.ErrConditionFailed) {
		// the period end moved under the account lock
		return s.revert(ctx, sub, txID, replayed, logger)
	}
	if err != nil {
		return ResultError, fmt.Errorf("record renewal: %w", err)
	}

	if s.lifecycle != nil {
		if err := s.lifecycle.Extend(ctx, sub.ID, newEnd); err != nil {
			logger.WithError(err).Error("Subscription subsystem did not apply the extension")
		}
	}
	logger.Infof("Renewed for %d days, charged %d", quote.PeriodDays, quote.Total)
	s.notify(ctx, billing.Outcome{
		Type:           billing.OutcomeRenewalSucceeded,
		AccountID:      sub.AccountID,
		SubscriptionID: sub.ID,
		Amount:         quote.Total,
		TransactionID:  txID,
		PeriodEnd:      &newEnd,
	})
	return ResultRenewed, nil
}

func (s *Scheduler) quote(ctx context.Context, sub *billing.Subscription) (*pricing.Quote, error) {
	var (
		group *billing.PromoGroup
		tier  *billing.DiscountTier
	)
	if s.discounts != nil {
		r, err := s.discounts.Resolve(ctx, sub.AccountID)
		if err != nil {
			return nil, fmt.Errorf("resolve discounts: %w", err)
		}
		group, tier = r.Group, r.Tier
	}
	return s.prices.Price(sub.Plan, group, tier, sub.Plan.PeriodDays)
}

// unpaid records a renewal attempt that could not be charged, warning at
// the configured offsets and expiring the subscription once its grace is
// exhausted.
func (s *Scheduler) unpaid(ctx context.Context, sub *billing.Subscription, amount int64, reason string, now time.Time, logger *observability.Logger) (Result, error) {
	f := s.cfg.OnInsufficientBalance(sub, now)

	err := s.subs.RecordFailedAttempt(ctx, sub.ID, sub.PeriodEnd, now, f.WarningsSent)
	if errors.Is(err, storage.ErrConditionFailed) {
		return ResultSkipped, nil
	}
	if err != nil {
		return ResultError, fmt.Errorf("record failed attempt: %w", err)
	}

	if f.Warn != nil {
		s.notify(ctx, billing.Outcome{
			Type:           billing.OutcomeRenewalFailed,
			AccountID:      sub.AccountID,
			SubscriptionID: sub.ID,
			Amount:         amount,
			Reason:         reason,
			PeriodEnd:      &sub.PeriodEnd,
			DaysLeft:       *f.Warn,
		})
	}
	if !f.Expire {
		logger.WithField("reason", reason).Debug("Renewal not paid")
		return ResultInsufficient, nil
	}

	next, err := Transition(sub.State, EventGraceExhausted, s.cfg.ExpiredState)
	if err != nil {
		return ResultError, err
	}
	err = s.subs.SetSubscriptionState(ctx, sub.ID, sub.State, next)
	if errors.Is(err, storage.ErrConditionFailed) {
		return ResultSkipped, nil
	}
	if err != nil {
		return ResultError, fmt.Errorf("expire subscription: %w", err)
	}
	if s.lifecycle != nil {
		if err := s.lifecycle.Expire(ctx, sub.ID); err != nil {
			logger.WithError(err).Error("Subscription subsystem did not apply the expiry")
		}
	}
	logger.WithField("reason", reason).Infof("Subscription moved to %s after unpaid renewal", next)
	s.notify(ctx, billing.Outcome{
		Type:           billing.OutcomeSubscriptionExpired,
		AccountID:      sub.AccountID,
		SubscriptionID: sub.ID,
		Amount:         amount,
		Reason:         reason,
		PeriodEnd:      &sub.PeriodEnd,
	})
	return ResultExpired, nil
}

// revert compensates a debit whose renewal could not be recorded because
// the cycle changed under the lock. A replayed debit belongs to the writer
// that recorded the cycle and is kept.
func (s *Scheduler) revert(ctx context.Context, sub *billing.Subscription, txID string, replayed bool, logger *observability.Logger) (Result, error) {
	if txID == "" || replayed {
		return ResultSkipped, nil
	}
	logger.WithField("transaction_id", txID).
		Errorf("%v: renewal debit posted but period end changed", billing.ErrInvariantViolation)
	if _, err := s.ledger.Refund(ctx, txID, fmt.Sprintf("renewal of subscription %d not applied", sub.ID)); err != nil {
		return ResultError, fmt.Errorf("refund renewal debit %s: %w", txID, err)
	}
	return ResultSkipped, nil
}

func (s *Scheduler) notify(ctx context.Context, o billing.Outcome) {
	if s.notifier == nil {
		return
	}
	o.ID = uuid.NewString()
	o.OccurredAt = s.now().UTC()
	if err := s.notifier.Notify(ctx, o); err != nil {
		s.logger.WithError(err).WithField("outcome", o.Type).Warn("Failed to deliver outcome")
	}
}
