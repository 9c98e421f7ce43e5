package referral

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/keylock"
	"github.com/platinummonkey/billingcore/pkg/ledger"
	"github.com/platinummonkey/billingcore/pkg/storage/memory"
)

const (
	inviterID  = int64(1)
	referredID = int64(2)
)

type recorder struct {
	mu       sync.Mutex
	outcomes []billing.Outcome
}

func (r *recorder) Notify(_ context.Context, o billing.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *recorder) count(typ billing.OutcomeType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.outcomes {
		if o.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	engine *Engine
	ledger *ledger.Service
	store  *memory.Store
	events *recorder
}

func setup(t *testing.T, percent int) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.CreateAccount(ctx, &billing.Account{ID: inviterID}))
	require.NoError(t, store.CreateAccount(ctx, &billing.Account{ID: referredID, ReferrerID: func() *int64 { v := inviterID; return &v }()}))
	require.NoError(t, store.CreateRelationship(ctx, &billing.ReferralRelationship{
		ReferredID:        referredID,
		InviterID:         inviterID,
		CommissionPercent: percent,
	}))

	locker := keylock.NewMutex()
	l := ledger.NewService(store, locker)
	events := &recorder{}
	return &fixture{
		engine: NewEngine(store, l, locker, events, DefaultConfig(), nil, nil),
		ledger: l,
		store:  store,
		events: events,
	}
}

// topup credits the referred account the way the reconciler does
func (f *fixture) topup(t *testing.T, eventID string, amount int64) Topup {
	t.Helper()
	res, err := f.ledger.Post(context.Background(), ledger.Entry{
		AccountID:      referredID,
		Amount:         amount,
		Kind:           billing.KindTopup,
		IdempotencyKey: billing.TopupKey(billing.ProviderCryptoBot, eventID),
	})
	require.NoError(t, err)
	return Topup{
		ReferredID:    referredID,
		Amount:        amount,
		Provider:      billing.ProviderCryptoBot,
		EventID:       eventID,
		TransactionID: res.Transaction.ID,
	}
}

func (f *fixture) balance(t *testing.T, id int64) int64 {
	t.Helper()
	b, err := f.ledger.BalanceOf(context.Background(), id)
	require.NoError(t, err)
	return b
}

func TestCommission(t *testing.T) {
	tests := []struct {
		amount  int64
		percent int
		want    int64
	}{
		{10000, 25, 2500},
		{999, 25, 249},
		{1, 50, 0},
		{10000, 0, 0},
		{-100, 10, 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d@%d", tt.amount, tt.percent), func(t *testing.T) {
			assert.Equal(t, tt.want, Commission(tt.amount, tt.percent))
		})
	}
}

func TestOnTopupCommissionAndReplay(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 25)

	// below the bonus minimum: commission only
	tp := f.topup(t, "evt-1", 10000)
	payout, err := f.engine.OnTopup(ctx, tp)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), payout.Commission)
	assert.Zero(t, payout.ReferredBonus)
	assert.Equal(t, int64(2500), f.balance(t, inviterID))

	payout, err = f.engine.OnTopup(ctx, tp)
	require.NoError(t, err)
	assert.Zero(t, payout.Commission, "replay pays nothing")
	assert.Equal(t, int64(2500), f.balance(t, inviterID))
	assert.Equal(t, 1, f.events.count(billing.OutcomeCommissionPaid))
}

func TestOnTopupFirstTopupBonus(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 10)

	payout, err := f.engine.OnTopup(ctx, f.topup(t, "evt-1", 20000))
	require.NoError(t, err)
	assert.Equal(t, int64(2000), payout.Commission)
	assert.Equal(t, int64(5000), payout.ReferredBonus)
	assert.Equal(t, int64(10000), payout.InviterBonus)

	assert.Equal(t, int64(25000), f.balance(t, referredID))
	assert.Equal(t, int64(12000), f.balance(t, inviterID))

	rel, err := f.store.GetRelationship(ctx, referredID)
	require.NoError(t, err)
	assert.True(t, rel.FirstTopupBonusPaid)

	// a second large top-up only pays commission
	payout, err = f.engine.OnTopup(ctx, f.topup(t, "evt-2", 30000))
	require.NoError(t, err)
	assert.Equal(t, int64(3000), payout.Commission)
	assert.Zero(t, payout.ReferredBonus)
	assert.Zero(t, payout.InviterBonus)
	assert.Equal(t, 2, f.events.count(billing.OutcomeReferralBonusPaid))
}

func TestOnTopupBonusOnlyForEarliestTopup(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 10)

	_, err := f.engine.OnTopup(ctx, f.topup(t, "evt-small", 1000))
	require.NoError(t, err)

	payout, err := f.engine.OnTopup(ctx, f.topup(t, "evt-big", 50000))
	require.NoError(t, err)
	assert.Zero(t, payout.ReferredBonus, "not the first top-up")
	assert.Equal(t, int64(5000), payout.Commission)
}

func TestOnTopupWithoutRelationship(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 10)

	payout, err := f.engine.OnTopup(ctx, Topup{ReferredID: inviterID, Amount: 50000, Provider: billing.ProviderStars, EventID: "x"})
	require.NoError(t, err)
	assert.Equal(t, &Payout{}, payout)
}

func TestOnTopupDefaultPercent(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 0)

	payout, err := f.engine.OnTopup(ctx, f.topup(t, "evt-1", 4000))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), payout.Commission)
}

func TestConcurrentDeliveriesPayBonusOnce(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 25)
	tp := f.topup(t, "evt-1", 20000)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.OnTopup(ctx, tp)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// 20000 topup + 5000 bonus
	assert.Equal(t, int64(25000), f.balance(t, referredID))
	// 5000 commission + 10000 bonus
	assert.Equal(t, int64(15000), f.balance(t, inviterID))
	assert.Equal(t, 1, f.events.count(billing.OutcomeCommissionPaid))
	assert.Equal(t, 2, f.events.count(billing.OutcomeReferralBonusPaid))
	require.NoError(t, f.ledger.Verify(ctx, inviterID))
}
