package promo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/keylock"
	"github.com/platinummonkey/billingcore/pkg/ledger"
	"github.com/platinummonkey/billingcore/pkg/observability"
	"github.com/platinummonkey/billingcore/pkg/storage"
)

// CodeStore persists promo codes and their activations
type CodeStore interface {
	PutPromoCode(ctx context.Context, c *billing.PromoCode) error
	GetPromoCode(ctx context.Context, code string) (*billing.PromoCode, error)
	GetPromoCodeActivation(ctx context.Context, code string, accountID int64) (*billing.PromoCodeActivation, error)

	// RecordPromoCodeActivation inserts the activation and counts the use.
	// Returns storage.ErrDuplicateKey if the account already activated the
	// code and storage.ErrConditionFailed if no uses are left.
	RecordPromoCodeActivation(ctx context.Context, a *billing.PromoCodeActivation) error
}

// Ledger is the subset of ledger.Service that credits promo bonuses
type Ledger interface {
	Post(ctx context.Context, e ledger.Entry) (*ledger.Result, error)
	Refund(ctx context.Context, transactionID, reason string) (*ledger.Result, error)
}

// Codes activates balance promo codes
type Codes struct {
	store  CodeStore
	ledger Ledger
	locker keylock.Locker
	logger *observability.Logger
	now    func() time.Time
}

// NewCodes creates the promo code service. logger may be nil.
func NewCodes(store CodeStore, l Ledger, locker keylock.Locker, logger *observability.Logger) *Codes {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Codes{store: store, ledger: l, locker: locker, logger: logger, now: time.Now}
}

// NormalizeCode trims and upper-cases a code as typed by a user
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CreditKey is the idempotency key of a code's credit on one account
func CreditKey(code string) string {
	return "promocode:" + code
}

// Put validates and stores a code
func (c *Codes) Put(ctx context.Context, code *billing.PromoCode) error {
	code.Code = NormalizeCode(code.Code)
	switch {
	case code.Code == "":
		return fmt.Errorf("%w: empty promo code", billing.ErrInvalidAmount)
	case code.BalanceBonus <= 0:
		return fmt.Errorf("%w: promo code %s bonus must be positive", billing.ErrInvalidAmount, code.Code)
	case code.MaxUses < 0:
		return fmt.Errorf("%w: promo code %s max uses is negative", billing.ErrInvalidAmount, code.Code)
	}
	return c.store.PutPromoCode(ctx, code)
}

// Get returns a code
func (c *Codes) Get(ctx context.Context, code string) (*billing.PromoCode, error) {
	code = NormalizeCode(code)
	pc, err := c.store.GetPromoCode(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", billing.ErrPromoCodeNotFound, code)
	}
	return pc, err
}

// Activate credits the code's bonus to the account, once per account and
// within the code's use limit. The credit is keyed by the code, so a retry
// after a failure between the credit and the activation record does not pay
// twice.
func (c *Codes) Activate(ctx context.Context, code string, accountID int64) (*ledger.Result, error) {
	code = NormalizeCode(code)
	ctx, release, err := keylock.Hold(ctx, c.locker, keylock.PromoCodeKey(code))
	if err != nil {
		return nil, fmt.Errorf("lock promo code %s: %w", code, err)
	}
	defer release()

	pc, err := c.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	_, err = c.store.GetPromoCodeActivation(ctx, code, accountID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", billing.ErrPromoCodeAlreadyUsed, code)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("get activation: %w", err)
	}
	now := c.now().UTC()
	if err := pc.Usable(now); err != nil {
		return nil, err
	}

	posted, err := c.ledger.Post(ctx, ledger.Entry{
		AccountID:      accountID,
		Amount:         pc.BalanceBonus,
		Kind:           billing.KindPromoCode,
		IdempotencyKey: CreditKey(code),
		Description:    "promo code " + code,
	})
	if err != nil {
		return nil, fmt.Errorf("credit promo code: %w", err)
	}

	logger := c.logger.WithFields(map[string]interface{}{
		"code":           code,
		"account_id":     accountID,
		"transaction_id": posted.Transaction.ID,
	})
	err = c.store.RecordPromoCodeActivation(ctx, &billing.PromoCodeActivation{
		Code:          code,
		AccountID:     accountID,
		TransactionID: posted.Transaction.ID,
		ActivatedAt:   now,
	})
	switch {
	case err == nil:
		logger.Infof("Promo code activated, credited %d", pc.BalanceBonus)
		return posted, nil
	case errors.Is(err, storage.ErrDuplicateKey):
		return nil, fmt.Errorf("%w: %s", billing.ErrPromoCodeAlreadyUsed, code)
	case errors.Is(err, storage.ErrConditionFailed):
		// the last use went to another process after our check
		logger.Warn("Promo code used up after credit, refunding")
		if _, rerr := c.ledger.Refund(ctx, posted.Transaction.ID, "promo code "+code+" has no uses left"); rerr != nil {
			return nil, fmt.Errorf("refund promo credit %s: %w", posted.Transaction.ID, rerr)
		}
		return nil, fmt.Errorf("%w: %s", billing.ErrPromoCodeUsedUp, code)
	default:
		return nil, fmt.Errorf("record activation: %w", err)
	}
}
