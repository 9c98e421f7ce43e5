package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/billingcore/pkg/async"
	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/keylock"
	"github.com/platinummonkey/billingcore/pkg/ledger"
	"github.com/platinummonkey/billingcore/pkg/observability"
	"github.com/platinummonkey/billingcore/pkg/referral"
	"github.com/platinummonkey/billingcore/pkg/storage"
)

// Ledger is the subset of ledger.Service used to credit top-ups
type Ledger interface {
	Post(ctx context.Context, e ledger.Entry) (*ledger.Result, error)
}

// ReferralEngine pays commissions for confirmed top-ups
type ReferralEngine interface {
	OnTopup(ctx context.Context, t referral.Topup) (*referral.Payout, error)
}

// Archiver stores raw webhook bodies by digest
type Archiver interface {
	Archive(ctx context.Context, provider billing.ProviderID, digest string, body []byte) error
}

// Invalidator drops cached per-account pricing context after a top-up
type Invalidator interface {
	Invalidate(accountID int64)
}

// Result of reconciling one delivery
type Result struct {
	Event *billing.PaymentEvent

	// Duplicate is set when the event was already terminal; nothing was applied
	Duplicate bool
	// Ignored is set for deliveries that carry no payment state
	Ignored bool
	// Credited is set on the delivery that moved the event to CONFIRMED
	Credited bool
}

// Reconciler drives the payment state machine and posts ledger credits.
// Every delivery is processed under the account's lock, within a bounded
// processing budget.
type Reconciler struct {
	registry  *Registry
	events    EventStore
	ledger    Ledger
	locker    keylock.Locker
	referrals ReferralEngine
	listener  billing.TopupListener
	notifier  billing.Notifier
	archiver  Archiver
	promo     Invalidator
	budget    time.Duration
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithReferrals sets the referral engine
func WithReferrals(e ReferralEngine) Option { return func(r *Reconciler) { r.referrals = e } }

// WithTopupListener sets the subscription reconciliation collaborator
func WithTopupListener(l billing.TopupListener) Option { return func(r *Reconciler) { r.listener = l } }

// WithNotifier sets the outcome notifier
func WithNotifier(n billing.Notifier) Option { return func(r *Reconciler) { r.notifier = n } }

// WithArchiver sets the raw payload archive
func WithArchiver(a Archiver) Option { return func(r *Reconciler) { r.archiver = a } }

// WithPromoInvalidator sets the promo cache to invalidate after top-ups
func WithPromoInvalidator(i Invalidator) Option { return func(r *Reconciler) { r.promo = i } }

// WithBudget sets the per-delivery processing budget
func WithBudget(d time.Duration) Option { return func(r *Reconciler) { r.budget = d } }

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option { return func(r *Reconciler) { r.logger = l } }

// WithMetrics sets the metrics sink
func WithMetrics(m *observability.Metrics) Option { return func(r *Reconciler) { r.metrics = m } }

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

// NewReconciler creates a reconciler
func NewReconciler(registry *Registry, events EventStore, l Ledger, locker keylock.Locker, opts ...Option) *Reconciler {
	r := &Reconciler{
		registry: registry,
		events:   events,
		ledger:   l,
		locker:   locker,
		budget:   10 * time.Second,
		logger:   observability.NewLogger(observability.InfoLevel, nil),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle verifies, normalizes and applies one delivery.
//
// An invalid signature fails with billing.ErrInvalidSignature and nothing is
// recorded. Repeated deliveries of a terminal event return Duplicate. Errors
// for which billing.IsRetryable holds leave the event PENDING so a
// redelivery or the pending sweep can complete it.
func (r *Reconciler) Handle(ctx context.Context, provider billing.ProviderID, req *Request) (res *Result, err error) {
	start := r.now()
	ctx, span := observability.StartSpan(ctx, "payments.reconcile", observability.AttrProvider.String(string(provider)))
	defer func() {
		observability.EndSpan(span, err)
		r.metrics.RecordWebhook(string(provider), resultLabel(res, err), time.Since(start))
	}()

	adapter, err := r.registry.Lookup(provider)
	if err != nil {
		return nil, err
	}
	if err := adapter.VerifySignature(req); err != nil {
		if !errors.Is(err, billing.ErrInvalidSignature) {
			err = fmt.Errorf("%w: %v", billing.ErrInvalidSignature, err)
		}
		return nil, err
	}

	ev, err := adapter.Normalize(req)
	if errors.Is(err, ErrIgnored) {
		return &Result{Ignored: true}, nil
	}
	if err != nil {
		if !errors.Is(err, billing.ErrInvalidPayload) {
			err = fmt.Errorf("%w: %v", billing.ErrInvalidPayload, err)
		}
		return nil, err
	}
	if err := validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidPayload, err)
	}
	if ev.Status == billing.PaymentConfirmed && ev.Amount <= 0 {
		return nil, fmt.Errorf("%w: confirmed payment without amount", billing.ErrInvalidPayload)
	}

	sum := sha256.Sum256(req.Body)
	ev.PayloadDigest = hex.EncodeToString(sum[:])
	r.archive(ctx, provider, ev.PayloadDigest, req.Body)

	span.SetAttributes(
		observability.AttrEventID.String(ev.EventID),
		observability.AttrAccountID.Int64(ev.AccountID),
		observability.AttrPaymentStatus.String(string(ev.Status)),
	)

	ctx, cancel := context.WithTimeout(ctx, r.budget)
	defer cancel()

	res, err = r.process(ctx, ev)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !billing.IsRetryable(err) {
		err = fmt.Errorf("%w: processing budget exceeded: %v", billing.ErrStorageUnavailable, err)
	}
	return res, err
}

func (r *Reconciler) process(ctx context.Context, ev *billing.PaymentEvent) (*Result, error) {
	ctx, release, err := r.lock(ctx, ev.AccountID)
	if err != nil {
		return nil, err
	}
	defer release()

	stored, err := r.events.GetEvent(ctx, ev.Provider, ev.EventID)
	if errors.Is(err, storage.ErrNotFound) {
		rec := *ev
		rec.Status = billing.PaymentPending
		rec.Observed = ev.Status
		rec.FirstSeenAt = r.now().UTC()
		rec.LastSeenAt = rec.FirstSeenAt
		rec.Attempts = 0
		err = r.events.CreateEvent(ctx, &rec)
		switch {
		case err == nil:
			stored = &rec
		case errors.Is(err, storage.ErrDuplicateKey):
			stored, err = r.events.GetEvent(ctx, ev.Provider, ev.EventID)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load payment event: %w", err)
	}

	if stored.AccountID != ev.AccountID || stored.Amount != ev.Amount {
		r.logger.WithFields(map[string]interface{}{
			"provider":       ev.Provider,
			"event_id":       ev.EventID,
			"stored_account": stored.AccountID,
			"stored_amount":  stored.Amount,
			"account_id":     ev.AccountID,
			"amount":         ev.Amount,
		}).Warn("Redelivery disagrees with the first delivery, keeping the recorded values")
	}

	res, err := r.advance(ctx, stored, ev.Status)
	r.touch(ctx, stored, ev.Status, err)
	return res, err
}

// Resolve re-evaluates a stored event against an observed status. The
// pending sweep uses it with statuses obtained by polling or recorded on
// an earlier delivery.
func (r *Reconciler) Resolve(ctx context.Context, provider billing.ProviderID, eventID string, observed billing.PaymentStatus) (*Result, error) {
	ev, err := r.events.GetEvent(ctx, provider, eventID)
	if err != nil {
		return nil, fmt.Errorf("load payment event: %w", err)
	}
	ctx, release, err := r.lock(ctx, ev.AccountID)
	if err != nil {
		return nil, err
	}
	defer release()

	// re-read under the lock
	ev, err = r.events.GetEvent(ctx, provider, eventID)
	if err != nil {
		return nil, fmt.Errorf("load payment event: %w", err)
	}
	res, err := r.advance(ctx, ev, observed)
	r.touch(ctx, ev, observed, err)
	return res, err
}

// advance applies the transition for observed to a stored event. The
// caller holds the account lock.
func (r *Reconciler) advance(ctx context.Context, ev *billing.PaymentEvent, observed billing.PaymentStatus) (*Result, error) {
	if ev.Status.IsTerminal() {
		return &Result{Event: ev, Duplicate: true}, nil
	}
	if ev.Observed == billing.PaymentConfirmed && observed != billing.PaymentConfirmed {
		// the provider already confirmed this payment: it stays PENDING
		// until the credit succeeds
		if observed != billing.PaymentPending {
			r.logger.WithFields(map[string]interface{}{
				"provider": ev.Provider,
				"event_id": ev.EventID,
				"observed": observed,
			}).Warn("Refusing to close a confirmed payment without a credit")
		}
		observed = billing.PaymentPending
	}
	next, err := ev.Status.Transition(observed)
	if err != nil {
		return nil, err
	}

	switch next {
	case billing.PaymentPending:
		return &Result{Event: ev}, nil
	case billing.PaymentConfirmed:
		return r.confirm(ctx, ev)
	default:
		err := r.events.TransitionEvent(ctx, ev.Provider, ev.EventID, billing.PaymentPending, next, "", r.now().UTC())
		if errors.Is(err, storage.ErrConditionFailed) {
			return &Result{Event: ev, Duplicate: true}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("transition payment event: %w", err)
		}
		ev.Status = next
		return &Result{Event: ev}, nil
	}
}

// confirm credits the top-up and pays referral commission before marking the
// event CONFIRMED. Each post is keyed, so a retry after a partial failure
// replays what was already applied.
func (r *Reconciler) confirm(ctx context.Context, ev *billing.PaymentEvent) (*Result, error) {
	posted, err := r.ledger.Post(ctx, ledger.Entry{
		AccountID:      ev.AccountID,
		Amount:         ev.Amount,
		Kind:           billing.KindTopup,
		IdempotencyKey: ev.IdempotencyKey(),
		External:       &billing.ExternalRef{Provider: ev.Provider, EventID: ev.EventID},
		Description:    fmt.Sprintf("top-up via %s", ev.Provider),
	})
	if err != nil {
		return nil, fmt.Errorf("credit top-up: %w", err)
	}
	txID := posted.Transaction.ID

	if r.referrals != nil {
		if _, err := r.referrals.OnTopup(ctx, referral.Topup{
			ReferredID:    ev.AccountID,
			Amount:        ev.Amount,
			Provider:      ev.Provider,
			EventID:       ev.EventID,
			TransactionID: txID,
		}); err != nil {
			return nil, fmt.Errorf("referral payout: %w", err)
		}
	}

	now := r.now().UTC()
	err = r.events.TransitionEvent(ctx, ev.Provider, ev.EventID, billing.PaymentPending, billing.PaymentConfirmed, txID, now)
	if errors.Is(err, storage.ErrConditionFailed) {
		return &Result{Event: ev, Duplicate: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("confirm payment event: %w", err)
	}
	ev.Status = billing.PaymentConfirmed
	ev.TransactionID = txID
	ev.ConfirmedAt = &now

	r.afterConfirm(ctx, ev)
	return &Result{Event: ev, Credited: true}, nil
}

func (r *Reconciler) afterConfirm(ctx context.Context, ev *billing.PaymentEvent) {
	logger := r.logger.WithFields(map[string]interface{}{
		"provider":   ev.Provider,
		"event_id":   ev.EventID,
		"account_id": ev.AccountID,
	})
	logger.Infof("Credited top-up of %d", ev.Amount)

	if r.promo != nil {
		r.promo.Invalidate(ev.AccountID)
	}
	if r.notifier != nil {
		err := r.notifier.Notify(ctx, billing.Outcome{
			ID:            uuid.NewString(),
			Type:          billing.OutcomeTopupConfirmed,
			AccountID:     ev.AccountID,
			Amount:        ev.Amount,
			TransactionID: ev.TransactionID,
			Provider:      ev.Provider,
			EventID:       ev.EventID,
			OccurredAt:    *ev.ConfirmedAt,
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to deliver top-up outcome")
		}
	}
	if r.listener != nil {
		if err := r.listener.OnTopupConfirmed(ctx, ev.AccountID, ev.Amount); err != nil {
			logger.WithError(err).Warn("Top-up listener failed")
		}
	}
}

// touch records the processing attempt. It runs detached from ctx so that
// a delivery that exhausted its budget still records why.
func (r *Reconciler) touch(ctx context.Context, ev *billing.PaymentEvent, observed billing.PaymentStatus, procErr error) {
	lastError := ""
	if procErr != nil {
		lastError = procErr.Error()
	}
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.events.TouchEvent(tctx, ev.Provider, ev.EventID, observed, r.now().UTC(), lastError); err != nil {
		r.logger.WithError(err).Warnf("Failed to record delivery of %s/%s", ev.Provider, ev.EventID)
	}
}

func (r *Reconciler) lock(ctx context.Context, accountID int64) (context.Context, func(), error) {
	ctx, release, err := keylock.Hold(ctx, r.locker, keylock.AccountKey(accountID))
	if err != nil {
		if errors.Is(err, keylock.ErrLockTimeout) && !errors.Is(err, billing.ErrStorageUnavailable) {
			err = fmt.Errorf("%w: %v", billing.ErrStorageUnavailable, err)
		}
		return ctx, nil, err
	}
	return ctx, release, nil
}

func (r *Reconciler) archive(ctx context.Context, provider billing.ProviderID, digest string, body []byte) {
	if r.archiver == nil {
		return
	}
	payload := append([]byte(nil), body...)
	async.SafeGo(context.WithoutCancel(ctx), r.logger, 30*time.Second, "archive-payload", func(ctx context.Context) error {
		return r.archiver.Archive(ctx, provider, digest, payload)
	})
}

func resultLabel(res *Result, err error) string {
	switch {
	case errors.Is(err, billing.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, billing.ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, billing.ErrUnknownProvider), errors.Is(err, billing.ErrProviderDisabled):
		return "unknown_provider"
	case err != nil && billing.IsRetryable(err):
		return "retryable"
	case err != nil:
		return "error"
	case res.Ignored:
		return "ignored"
	case res.Duplicate:
		return "duplicate"
	case res.Credited:
		return "credited"
	}
	return "recorded"
}
