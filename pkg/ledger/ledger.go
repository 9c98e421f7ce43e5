package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/keylock"
	"github.com/platinummonkey/billingcore/pkg/observability"
	"github.com/platinummonkey/billingcore/pkg/storage"
)

// Entry is a request to post one transaction
type Entry struct {
	AccountID      int64
	Amount         int64
	Kind           billing.TransactionKind
	IdempotencyKey string
	External       *billing.ExternalRef
	RelatedID      string
	Description    string
}

// Result of a post. Replayed is true when the idempotency key matched an
// existing transaction and nothing was appended.
type Result struct {
	Transaction *billing.LedgerTransaction
	Replayed    bool
}

// Service is the balance ledger. It is the only component that mutates balance.
type Service struct {
	store   Store
	locker  keylock.Locker
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics sets the metrics sink
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Service) { s.metrics = metrics }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a ledger over store, serializing posts per account with locker
func NewService(store Store, locker keylock.Locker, opts ...Option) *Service {
	s := &Service{
		store:  store,
		locker: locker,
		logger: observability.NewLogger(observability.InfoLevel, nil),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validate(e Entry) error {
	if e.AccountID <= 0 {
		return fmt.Errorf("%w: account id %d", billing.ErrInvalidAmount, e.AccountID)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", billing.ErrInvalidAmount, e.Kind)
	}
	if e.Amount == 0 {
		return fmt.Errorf("%w: zero amount", billing.ErrInvalidAmount)
	}
	switch e.Kind {
	case billing.KindTopup, billing.KindReferralCommission, billing.KindPromoCode:
		if e.Amount < 0 {
			return fmt.Errorf("%w: %s must be a credit", billing.ErrInvalidAmount, e.Kind)
		}
	case billing.KindDebitSubscription:
		if e.Amount > 0 {
			return fmt.Errorf("%w: %s must be a debit", billing.ErrInvalidAmount, e.Kind)
		}
	}
	return nil
}

// Post appends a transaction to the account's history.
//
// With an idempotency key, a repeated call returns the original transaction
// with Replayed set. A debit that would drive balance below zero fails with
// billing.ErrInsufficientBalance and leaves the balance unchanged. The
// transaction is durable when Post returns.
func (s *Service) Post(ctx context.Context, e Entry) (res *Result, err error) {
	start := s.now()
	ctx, span := observability.StartSpan(ctx, "ledger.post",
		observability.AttrAccountID.Int64(e.AccountID),
		observability.AttrTxKind.String(string(e.Kind)),
		observability.AttrAmount.Int64(e.Amount),
	)
	defer func() {
		observability.EndSpan(span, err)
		s.metrics.RecordLedgerPost(string(e.Kind), postResult(res, err), e.Amount, time.Since(start))
	}()

	if err := validate(e); err != nil {
		return nil, err
	}

	ctx, release, err := keylock.Hold(ctx, s.locker, keylock.AccountKey(e.AccountID))
	if err != nil {
		return nil, fmt.Errorf("lock account %d: %w", e.AccountID, err)
	}
	defer release()

	if e.IdempotencyKey != "" {
		existing, err := s.store.FindTransactionByKey(ctx, e.AccountID, e.IdempotencyKey)
		switch {
		case err == nil:
			return &Result{Transaction: existing, Replayed: true}, nil
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	balance, err := s.store.GetBalance(ctx, e.AccountID)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	if balance+e.Amount < 0 {
		return nil, fmt.Errorf("%w: account %d balance %d, debit %d",
			billing.ErrInsufficientBalance, e.AccountID, balance, -e.Amount)
	}

	tx := &billing.LedgerTransaction{
		ID:             s.newID(),
		AccountID:      e.AccountID,
		Amount:         e.Amount,
		Kind:           e.Kind,
		IdempotencyKey: e.IdempotencyKey,
		External:       e.External,
		RelatedID:      e.RelatedID,
		Description:    e.Description,
		BalanceAfter:   balance + e.Amount,
		CreatedAt:      s.now().UTC(),
	}

	if err := s.store.AppendTransaction(ctx, tx, balance); err != nil {
		return s.handleAppendError(ctx, e, err)
	}

	s.logger.WithFields(map[string]interface{}{
		"account_id":     tx.AccountID,
		"transaction_id": tx.ID,
		"kind":           tx.Kind,
		"amount":         tx.Amount,
		"balance_after":  tx.BalanceAfter,
	}).Debug("ledger transaction posted")

	return &Result{Transaction: tx}, nil
}

func (s *Service) handleAppendError(ctx context.Context, e Entry, err error) (*Result, error) {
	switch {
	case errors.Is(err, storage.ErrDuplicateKey):
		// The lookup above missed it, so another writer bypassed the account lock
		s.metrics.RecordInvariantViolation()
		s.logger.WithField("account_id", e.AccountID).
			WithField("idempotency_key", e.IdempotencyKey).
			Error("duplicate idempotency key reached the store")
		existing, findErr := s.store.FindTransactionByKey(ctx, e.AccountID, e.IdempotencyKey)
		if findErr != nil {
			return nil, fmt.Errorf("%w: duplicate key %q: %v", billing.ErrInvariantViolation, e.IdempotencyKey, findErr)
		}
		return &Result{Transaction: existing, Replayed: true}, nil

	case errors.Is(err, storage.ErrBalanceConflict), errors.Is(err, storage.ErrNegativeBalance):
		s.metrics.RecordInvariantViolation()
		s.logger.WithField("account_id", e.AccountID).WithError(err).Error("ledger append rejected by store")
		return nil, fmt.Errorf("%w: %v", billing.ErrInvariantViolation, err)

	default:
		return nil, fmt.Errorf("append transaction: %w", err)
	}
}

func postResult(res *Result, err error) string {
	switch {
	case err == nil && res != nil && res.Replayed:
		return "replayed"
	case err == nil:
		return "ok"
	case errors.Is(err, billing.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, billing.ErrInvariantViolation):
		return "invariant_violation"
	case billing.IsRetryable(err):
		return "unavailable"
	default:
		return "error"
	}
}

// BalanceOf returns the current balance of the account
func (s *Service) BalanceOf(ctx context.Context, accountID int64) (int64, error) {
	return s.store.GetBalance(ctx, accountID)
}

// History returns the account's transactions, newest first
func (s *Service) History(ctx context.Context, accountID int64, limit, offset int) ([]*billing.LedgerTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListTransactions(ctx, accountID, limit, offset)
}

// Refund appends a compensating REFUND for a transaction. A transaction is
// refunded at most once; refunding a refund is rejected.
func (s *Service) Refund(ctx context.Context, transactionID, reason string) (*Result, error) {
	original, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", billing.ErrTransactionNotFound, transactionID)
		}
		return nil, err
	}
	if original.Kind == billing.KindRefund {
		return nil, fmt.Errorf("%w: cannot refund a refund", billing.ErrInvalidAmount)
	}

	return s.Post(ctx, Entry{
		AccountID:      original.AccountID,
		Amount:         -original.Amount,
		Kind:           billing.KindRefund,
		IdempotencyKey: "refund:" + original.ID,
		External:       original.External,
		RelatedID:      original.ID,
		Description:    reason,
	})
}

// Adjust posts an admin adjustment. key may be empty for one-off corrections.
func (s *Service) Adjust(ctx context.Context, accountID, amount int64, actor, reason, key string) (*Result, error) {
	return s.Post(ctx, Entry{
		AccountID:      accountID,
		Amount:         amount,
		Kind:           billing.KindAdminAdjustment,
		IdempotencyKey: key,
		Description:    fmt.Sprintf("%s: %s", actor, reason),
	})
}

// TotalSpent returns top-ups net of their refunds
func (s *Service) TotalSpent(ctx context.Context, accountID int64) (int64, error) {
	return s.store.TotalSpent(ctx, accountID)
}

// IsFirstTopup reports whether transactionID is the account's earliest TOPUP
func (s *Service) IsFirstTopup(ctx context.Context, accountID int64, transactionID string) (bool, error) {
	first, err := s.store.FirstTransactionOfKind(ctx, accountID, billing.KindTopup)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return first.ID == transactionID, nil
}

// Verify checks that the cached balance equals the fold of all transactions
// and is non-negative.
func (s *Service) Verify(ctx context.Context, accountID int64) error {
	balance, err := s.store.GetBalance(ctx, accountID)
	if err != nil {
		return err
	}
	sum, err := s.store.SumTransactions(ctx, accountID)
	if err != nil {
		return err
	}
	if balance != sum {
		return fmt.Errorf("%w: account %d balance %d != sum %d", billing.ErrInvariantViolation, accountID, balance, sum)
	}
	if balance < 0 {
		return fmt.Errorf("%w: account %d balance %d is negative", billing.ErrInvariantViolation, accountID, balance)
	}
	return nil
}
