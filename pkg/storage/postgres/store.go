// Package postgres implements the billing stores on PostgreSQL via lib/pq,
// plus the connection manager and the Redis client used for account locks.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/storage"
)

//go:embed schema.sql
var schema string

// Store implements ledger.Store, payments.EventStore, renewal.SubscriptionStore,
// referral.RelationshipStore, promo.GroupStore and promo.CodeStore. Writes
// and reads that feed a write decision go to the primary; history and catalog
// reads may use a replica.
type Store struct {
	db     *sql.DB
	reader func() *sql.DB
}

// NewStore creates a store on a single database handle
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, reader: func() *sql.DB { return db }}
}

// NewStoreFromManager creates a store that reads history from replicas
func NewStoreFromManager(cm *ConnectionManager) *Store {
	return &Store{db: cm.Primary(), reader: cm.Replica}
}

// DB returns the primary handle
func (s *Store) DB() *sql.DB { return s.db }

// Migrate applies the embedded schema. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return mapError("migrate", err)
	}
	return nil
}

// Accounts

// CreateAccount registers an account with zero balance
func (s *Store) CreateAccount(ctx context.Context, a *billing.Account) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, promo_group_id, referrer_id, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.PromoGroupID, a.ReferrerID, nullTime(a.CreatedAt))
	if err != nil {
		return mapError("create account", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: account %d", storage.ErrDuplicateKey, a.ID)
	}
	return nil
}

// GetAccount implements promo.GroupStore
func (s *Store) GetAccount(ctx context.Context, accountID int64) (*billing.Account, error) {
	var a billing.Account
	var group, referrer sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, promo_group_id, referrer_id, created_at
		FROM accounts WHERE id = $1`, accountID,
	).Scan(&a.ID, &group, &referrer, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", billing.ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, mapError("get account", err)
	}
	a.PromoGroupID = int64Ptr(group)
	a.ReferrerID = int64Ptr(referrer)
	return &a, nil
}

// SetAccountPromoGroup assigns a promo group to an account
func (s *Store) SetAccountPromoGroup(ctx context.Context, accountID int64, groupID *int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET promo_group_id = $2 WHERE id = $1`, accountID, groupID)
	if err != nil {
		return mapError("set promo group", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", billing.ErrAccountNotFound, accountID)
	}
	return nil
}

// Promo groups

// PutPromoGroup creates or replaces a promo group
func (s *Store) PutPromoGroup(ctx context.Context, g *billing.PromoGroup) error {
	discounts, err := json.Marshal(g.Discounts)
	if err != nil {
		return fmt.Errorf("marshal discounts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO promo_groups (id, name, discounts, auto_assign_spent, is_default)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			discounts = EXCLUDED.discounts,
			auto_assign_spent = EXCLUDED.auto_assign_spent,
			is_default = EXCLUDED.is_default`,
		g.ID, g.Name, discounts, g.AutoAssignSpent, g.IsDefault)
	return mapError("put promo group", err)
}

const promoGroupColumns = `id, name, discounts, auto_assign_spent, is_default`

func scanPromoGroup(row interface{ Scan(...any) error }) (*billing.PromoGroup, error) {
	var g billing.PromoGroup
	var discounts []byte
	var spent sql.NullInt64
	if err := row.Scan(&g.ID, &g.Name, &discounts, &spent, &g.IsDefault); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(discounts, &g.Discounts); err != nil {
		return nil, fmt.Errorf("promo group %d discounts: %w", g.ID, err)
	}
	g.AutoAssignSpent = int64Ptr(spent)
	return &g, nil
}

// GetPromoGroup implements promo.GroupStore
func (s *Store) GetPromoGroup(ctx context.Context, id int64) (*billing.PromoGroup, error) {
	g, err := scanPromoGroup(s.reader().QueryRowContext(ctx,
		`SELECT `+promoGroupColumns+` FROM promo_groups WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, mapError("get promo group", err)
	}
	return g, nil
}

// ListPromoGroups implements promo.GroupStore, ordered by id
func (s *Store) ListPromoGroups(ctx context.Context) ([]*billing.PromoGroup, error) {
	rows, err := s.reader().QueryContext(ctx, `SELECT `+promoGroupColumns+` FROM promo_groups ORDER BY id`)
	if err != nil {
		return nil, mapError("list promo groups", err)
	}
	defer rows.Close()

	var out []*billing.PromoGroup
	for rows.Next() {
		g, err := scanPromoGroup(rows)
		if err != nil {
			return nil, mapError("scan promo group", err)
		}
		out = append(out, g)
	}
	return out, mapError("list promo groups", rows.Err())
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
