package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/storage"
)

// CreateRelationship records who invited an account. It is set once, and
// never when the inviter's own chain of inviters reaches the referred
// account.
func (s *Store) CreateRelationship(ctx context.Context, rel *billing.ReferralRelationship) error {
	res, err := s.db.ExecContext(ctx, `
		WITH RECURSIVE chain (id, depth) AS (
			SELECT $2::bigint, 0
			UNION ALL
			SELECT r.inviter_id, c.depth + 1
			FROM referrals r JOIN chain c ON r.referred_id = c.id
			WHERE c.depth < 64
		)
		INSERT INTO referrals (referred_id, inviter_id, commission_percent, first_topup_bonus_paid, created_at)
		SELECT $1, $2, $3, $4, COALESCE($5, now())
		WHERE NOT EXISTS (SELECT 1 FROM chain WHERE id = $1)
		ON CONFLICT (referred_id) DO NOTHING`,
		rel.ReferredID, rel.InviterID, rel.CommissionPercent, rel.FirstTopupBonusPaid, nullTime(rel.CreatedAt))
	if err != nil {
		return mapError("create relationship", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	err = s.missOrConflict(ctx, "referrals", `referred_id = $1`,
		fmt.Errorf("%w: %d invited by %d", billing.ErrReferralCycle, rel.ReferredID, rel.InviterID), rel.ReferredID)
	if errors.Is(err, storage.ErrConditionFailed) {
		return fmt.Errorf("%w: referral of %d", storage.ErrDuplicateKey, rel.ReferredID)
	}
	return err
}

// GetRelationship implements referral.RelationshipStore
func (s *Store) GetRelationship(ctx context.Context, referredID int64) (*billing.ReferralRelationship, error) {
	var rel billing.ReferralRelationship
	err := s.db.QueryRowContext(ctx, `
		SELECT referred_id, inviter_id, commission_percent, first_topup_bonus_paid, created_at
		FROM referrals WHERE referred_id = $1`, referredID,
	).Scan(&rel.ReferredID, &rel.InviterID, &rel.CommissionPercent, &rel.FirstTopupBonusPaid, &rel.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, mapError("get relationship", err)
	}
	return &rel, nil
}

// MarkFirstTopupBonusPaid implements referral.RelationshipStore as a check-and-set
func (s *Store) MarkFirstTopupBonusPaid(ctx context.Context, referredID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE referrals SET first_topup_bonus_paid = TRUE
		WHERE referred_id = $1 AND NOT first_topup_bonus_paid`, referredID)
	if err != nil {
		return mapError("mark bonus paid", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.missOrConflict(ctx, "referrals", `referred_id = $1`, storage.ErrNotFound, referredID)
}
