package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/storage"
)

// PutPromoCode creates or replaces a promo code. The use count is kept.
func (s *Store) PutPromoCode(ctx context.Context, c *billing.PromoCode) error {
	var until sql.NullTime
	if c.ValidUntil != nil {
		until = sql.NullTime{Time: *c.ValidUntil, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO promo_codes (code, balance_bonus, max_uses, valid_until, active, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
		ON CONFLICT (code) DO UPDATE SET
			balance_bonus = EXCLUDED.balance_bonus,
			max_uses = EXCLUDED.max_uses,
			valid_until = EXCLUDED.valid_until,
			active = EXCLUDED.active`,
		c.Code, c.BalanceBonus, c.MaxUses, until, c.Active, nullTime(c.CreatedAt))
	return mapError("put promo code", err)
}

// GetPromoCode implements promo.CodeStore
func (s *Store) GetPromoCode(ctx context.Context, code string) (*billing.PromoCode, error) {
	var (
		c     billing.PromoCode
		until sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT code, balance_bonus, max_uses, current_uses, valid_until, active, created_at
		FROM promo_codes WHERE code = $1`, code,
	).Scan(&c.Code, &c.BalanceBonus, &c.MaxUses, &c.CurrentUses, &until, &c.Active, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, mapError("get promo code", err)
	}
	if until.Valid {
		c.ValidUntil = &until.Time
	}
	return &c, nil
}

// GetPromoCodeActivation implements promo.CodeStore
func (s *Store) GetPromoCodeActivation(ctx context.Context, code string, accountID int64) (*billing.PromoCodeActivation, error) {
	var a billing.PromoCodeActivation
	err := s.db.QueryRowContext(ctx, `
		SELECT code, account_id, transaction_id, activated_at
		FROM promo_code_activations WHERE code = $1 AND account_id = $2`, code, accountID,
	).Scan(&a.Code, &a.AccountID, &a.TransactionID, &a.ActivatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, mapError("get promo code activation", err)
	}
	return &a, nil
}

// RecordPromoCodeActivation implements promo.CodeStore. The code row is
// locked while the activation is inserted and the use counted, so the use
// limit holds across processes.
func (s *Store) RecordPromoCodeActivation(ctx context.Context, a *billing.PromoCodeActivation) (err error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin", err)
	}
	defer func() {
		if err != nil {
			_ = dbtx.Rollback()
		}
	}()

	var maxUses, uses int
	err = dbtx.QueryRowContext(ctx, `
		SELECT max_uses, current_uses FROM promo_codes WHERE code = $1 FOR UPDATE`, a.Code,
	).Scan(&maxUses, &uses)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return mapError("lock promo code", err)
	}

	res, err := dbtx.ExecContext(ctx, `
		INSERT INTO promo_code_activations (code, account_id, transaction_id, activated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (code, account_id) DO NOTHING`,
		a.Code, a.AccountID, a.TransactionID, a.ActivatedAt)
	if err != nil {
		return mapError("insert promo code activation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: promo code %s account %d", storage.ErrDuplicateKey, a.Code, a.AccountID)
	}
	if maxUses > 0 && uses >= maxUses {
		return storage.ErrConditionFailed
	}

	if _, err = dbtx.ExecContext(ctx, `UPDATE promo_codes SET current_uses = current_uses + 1 WHERE code = $1`, a.Code); err != nil {
		return mapError("count promo code use", err)
	}
	if err = dbtx.Commit(); err != nil {
		return mapError("commit", err)
	}
	return nil
}
