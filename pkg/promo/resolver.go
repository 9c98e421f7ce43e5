// Package promo resolves the promo group and spend-based discount tier that
// apply to an account. It is the read path for pricing.
package promo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/pricing"
	"github.com/platinummonkey/billingcore/pkg/storage"
)

// GroupStore reads accounts and promo groups
type GroupStore interface {
	GetAccount(ctx context.Context, accountID int64) (*billing.Account, error)
	GetPromoGroup(ctx context.Context, id int64) (*billing.PromoGroup, error)
	ListPromoGroups(ctx context.Context) ([]*billing.PromoGroup, error)
}

// SpendSource reports cumulative spend (top-ups net of their refunds)
type SpendSource interface {
	TotalSpent(ctx context.Context, accountID int64) (int64, error)
}

// Resolution is the discount context of one account
type Resolution struct {
	Group *billing.PromoGroup
	Tier  *billing.DiscountTier
	Spent int64
}

// Resolver maps accounts to their promo group and tier. Results are cached
// for a short TTL; call Invalidate after a balance-affecting event.
type Resolver struct {
	groups GroupStore
	spend  SpendSource
	prices *pricing.Holder
	cache  *expirable.LRU[int64, *Resolution]
}

// NewResolver creates a resolver with an LRU cache of size entries
func NewResolver(groups GroupStore, spend SpendSource, prices *pricing.Holder, size int, ttl time.Duration) *Resolver {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Resolver{
		groups: groups,
		spend:  spend,
		prices: prices,
		cache:  expirable.NewLRU[int64, *Resolution](size, nil, ttl),
	}
}

// Resolve returns the account's promo group (nil if none) and tier (nil if none)
func (r *Resolver) Resolve(ctx context.Context, accountID int64) (*Resolution, error) {
	if res, ok := r.cache.Get(accountID); ok {
		return res, nil
	}

	account, err := r.groups.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	spent, err := r.spend.TotalSpent(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("total spent: %w", err)
	}

	res := &Resolution{Spent: spent}

	if account.PromoGroupID != nil {
		group, err := r.groups.GetPromoGroup(ctx, *account.PromoGroupID)
		switch {
		case err == nil:
			res.Group = group
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("get promo group: %w", err)
		}
	}
	if res.Group == nil {
		groups, err := r.groups.ListPromoGroups(ctx)
		if err != nil {
			return nil, fmt.Errorf("list promo groups: %w", err)
		}
		res.Group = AutoAssign(groups, spent)
	}

	if snap := r.prices.Load(); snap != nil {
		res.Tier = snap.TierFor(spent)
	}

	r.cache.Add(accountID, res)
	return res, nil
}

// Invalidate drops the cached resolution of an account
func (r *Resolver) Invalidate(accountID int64) {
	r.cache.Remove(accountID)
}

// AutoAssign picks the group with the highest auto-assign threshold not above
// spent, falling back to the default group. Returns nil when neither exists.
func AutoAssign(groups []*billing.PromoGroup, spent int64) *billing.PromoGroup {
	var best, fallback *billing.PromoGroup
	for _, g := range groups {
		if g.IsDefault && fallback == nil {
			fallback = g
		}
		if g.AutoAssignSpent == nil || *g.AutoAssignSpent > spent {
			continue
		}
		if best == nil || *g.AutoAssignSpent > *best.AutoAssignSpent {
			best = g
		}
	}
	if best != nil {
		return best
	}
	return fallback
}
