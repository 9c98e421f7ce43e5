package payments

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/keylock"
	"github.com/platinummonkey/billingcore/pkg/ledger"
	"github.com/platinummonkey/billingcore/pkg/referral"
	"github.com/platinummonkey/billingcore/pkg/storage/memory"
)

const botToken = "4242:test-token"

type outcomes struct {
	mu   sync.Mutex
	list []billing.Outcome
}

func (o *outcomes) Notify(_ context.Context, out billing.Outcome) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, out)
	return nil
}

func (o *outcomes) count(typ billing.OutcomeType) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, out := range o.list {
		if out.Type == typ {
			n++
		}
	}
	return n
}

type invalidations struct {
	mu       sync.Mutex
	accounts []int64
}

func (i *invalidations) Invalidate(accountID int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.accounts = append(i.accounts, accountID)
}

// flakyLedgerStore fails appends while failing is set
type flakyLedgerStore struct {
	*memory.Store
	mu      sync.Mutex
	failing bool
}

func (f *flakyLedgerStore) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

func (f *flakyLedgerStore) AppendTransaction(ctx context.Context, tx *billing.LedgerTransaction, expected int64) error {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return fmt.Errorf("%w: connection reset", billing.ErrStorageUnavailable)
	}
	return f.Store.AppendTransaction(ctx, tx, expected)
}

type harness struct {
	store      *memory.Store
	ledgerDB   *flakyLedgerStore
	ledger     *ledger.Service
	reconciler *Reconciler
	outcomes   *outcomes
	promo      *invalidations
	now        time.Time
	mu         sync.Mutex
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func newHarness(t *testing.T, extra ...Adapter) *harness {
	t.Helper()
	store := memory.New()
	ledgerDB := &flakyLedgerStore{Store: store}
	locker := keylock.NewMutex()
	h := &harness{
		store:    store,
		ledgerDB: ledgerDB,
		outcomes: &outcomes{},
		promo:    &invalidations{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.ledger = ledger.NewService(ledgerDB, locker, ledger.WithClock(h.clock))

	money, err := NewMoney("RUB", map[string]string{"USDT": "100"})
	require.NoError(t, err)
	adapters := append([]Adapter{NewCryptoBot(CryptoBotConfig{Token: botToken}, money)}, extra...)
	registry := NewRegistryFromAdapters(adapters, billing.ProviderPal24)

	engine := referral.NewEngine(store, h.ledger, locker, h.outcomes, referral.DefaultConfig(), nil, nil)
	h.reconciler = NewReconciler(registry, store, h.ledger, locker,
		WithReferrals(engine),
		WithNotifier(h.outcomes),
		WithPromoInvalidator(h.promo),
		WithClock(h.clock),
	)
	return h
}

func (h *harness) account(t *testing.T, id int64) {
	t.Helper()
	require.NoError(t, h.store.CreateAccount(context.Background(), &billing.Account{ID: id}))
}

// invoice builds a signed CryptoBot invoice_paid delivery
func invoice(invoiceID int64, accountID int64, usdt string) *Request {
	body := []byte(fmt.Sprintf(
		`{"update_id":%d,"update_type":"invoice_paid","payload":{"invoice_id":%d,"status":"paid","asset":"USDT","amount":%q,"payload":"bal_%d_n"}}`,
		invoiceID, invoiceID, usdt, accountID))
	return request(body, map[string]string{"crypto-pay-api-signature": cryptoBotSign(botToken, body)})
}

func (h *harness) balance(t *testing.T, id int64) int64 {
	t.Helper()
	b, err := h.ledger.BalanceOf(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (h *harness) event(t *testing.T, eventID string) *billing.PaymentEvent {
	t.Helper()
	ev, err := h.store.GetEvent(context.Background(), billing.ProviderCryptoBot, eventID)
	require.NoError(t, err)
	return ev
}

func TestHandleCreditsOnce(t *testing.T) {
	h := newHarness(t)
	h.account(t, 42)
	ctx := context.Background()

	res, err := h.reconciler.Handle(ctx, billing.ProviderCryptoBot, invoice(100, 42, "1.5"))
	require.NoError(t, err)
	assert.True(t, res.Credited)
	assert.Equal(t, billing.PaymentConfirmed, res.Event.Status)
	assert.NotEmpty(t, res.Event.TransactionID)

	for i := 0; i < 3; i++ {
		res, err = h.reconciler.Handle(ctx, billing.ProviderCryptoBot, invoice(100, 42, "1.5"))
		require.NoError(t, err)
		assert.True(t, res.Duplicate)
		assert.False(t, res.Credited)
	}

	assert.Equal(t, int64(15000), h.balance(t, 42))
	txs, err := h.ledger.History(ctx, 42, 10, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Equal(t, billing.KindTopup, txs[0].Kind)
	assert.Equal(t, 1, h.outcomes.count(billing.OutcomeTopupConfirmed))
	assert.Equal(t, []int64{42}, h.promo.accounts)

	ev := h.event(t, "100")
	assert.Equal(t, billing.PaymentConfirmed, ev.Status)
	assert.Equal(t, 4, ev.Attempts)
	assert.Len(t, ev.PayloadDigest, 64)
}

func TestHandleConcurrentDeliveries(t *testing.T) {
	h := newHarness(t)
	h.account(t, 7)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		credited int
		errs     []error
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.reconciler.Handle(context.Background(), billing.ProviderCryptoBot, invoice(555, 7, "2"))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res.Credited {
				credited++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, credited)
	assert.Equal(t, int64(20000), h.balance(t, 7))
	assert.Equal(t, 1, h.outcomes.count(billing.OutcomeTopupConfirmed))
}

func TestHandleInvalidSignatureRecordsNothing(t *testing.T) {
	h := newHarness(t)
	h.account(t, 42)

	req := invoice(101, 42, "1")
	req.Header.Set("crypto-pay-api-signature", cryptoBotSign("forged", req.Body))

	_, err := h.reconciler.Handle(context.Background(), billing.ProviderCryptoBot, req)
	assert.ErrorIs(t, err, billing.ErrInvalidSignature)

	_, err = h.store.GetEvent(context.Background(), billing.ProviderCryptoBot, "101")
	assert.Error(t, err)
	assert.Equal(t, int64(0), h.balance(t, 42))
}

func TestHandleProviderErrors(t *testing.T) {
	h := newHarness(t)

	_, err := h.reconciler.Handle(context.Background(), billing.ProviderPal24, invoice(1, 1, "1"))
	assert.ErrorIs(t, err, billing.ErrProviderDisabled)

	_, err = h.reconciler.Handle(context.Background(), "paypal", invoice(1, 1, "1"))
	assert.ErrorIs(t, err, billing.ErrUnknownProvider)
}

func TestHandleInvalidPayload(t *testing.T) {
	h := newHarness(t)

	body := []byte(`{"update_type":"invoice_paid","payload":{"invoice_id":9,"asset":"DOGE","amount":"1","payload":"bal_1_x"}}`)
	req := request(body, map[string]string{"crypto-pay-api-signature": cryptoBotSign(botToken, body)})
	_, err := h.reconciler.Handle(context.Background(), billing.ProviderCryptoBot, req)
	assert.ErrorIs(t, err, billing.ErrInvalidPayload)

	zero := invoice(10, 1, "0")
	_, err = h.reconciler.Handle(context.Background(), billing.ProviderCryptoBot, zero)
	assert.ErrorIs(t, err, billing.ErrInvalidPayload)
}

func TestHandleIgnoredUpdate(t *testing.T) {
	h := newHarness(t)
	body := []byte(`{"update_type":"invoice_created"}`)
	req := request(body, map[string]string{"crypto-pay-api-signature": cryptoBotSign(botToken, body)})

	res, err := h.reconciler.Handle(context.Background(), billing.ProviderCryptoBot, req)
	require.NoError(t, err)
	assert.True(t, res.Ignored)
}

func TestHandleUnknownAccountStaysPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.reconciler.Handle(ctx, billing.ProviderCryptoBot, invoice(200, 99, "1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrAccountNotFound)

	ev := h.event(t, "200")
	assert.Equal(t, billing.PaymentPending, ev.Status)
	assert.Equal(t, billing.PaymentConfirmed, ev.Observed)
	assert.Equal(t, 1, ev.Attempts)
	assert.NotEmpty(t, ev.LastError)

	h.account(t, 99)
	res, err := h.reconciler.Handle(ctx, billing.ProviderCryptoBot, invoice(200, 99, "1"))
	require.NoError(t, err)
	assert.True(t, res.Credited)
	assert.Equal(t, int64(10000), h.balance(t, 99))
	assert.Empty(t, h.event(t, "200").LastError)
}

func TestHandleStorageOutageIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.account(t, 5)
	ctx := context.Background()

	h.ledgerDB.setFailing(true)
	_, err := h.reconciler.Handle(ctx, billing.ProviderCryptoBot, invoice(300, 5, "1"))
	require.Error(t, err)
	assert.True(t, billing.IsRetryable(err))
	assert.Equal(t, billing.PaymentPending, h.event(t, "300").Status)

	h.ledgerDB.setFailing(false)
	res, err := h.reconciler.Handle(ctx, billing.ProviderCryptoBot, invoice(300, 5, "1"))
	require.NoError(t, err)
	assert.True(t, res.Credited)
	assert.Equal(t, int64(10000), h.balance(t, 5))
}

func TestTerminalStatesDoNotMove(t *testing.T) {
	h := newHarness(t)
	h.account(t, 8)
	ctx := context.Background()

	require.NoError(t, h.store.CreateEvent(ctx, &billing.PaymentEvent{
		Provider:    billing.ProviderCryptoBot,
		EventID:     "400",
		AccountID:   8,
		Amount:      10000,
		Currency:    "USDT",
		Status:      billing.PaymentPending,
		FirstSeenAt: h.now,
		LastSeenAt:  h.now,
	}))

	res, err := h.reconciler.Resolve(ctx, billing.ProviderCryptoBot, "400", billing.PaymentFailed)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentFailed, res.Event.Status)

	res, err = h.reconciler.Handle(ctx, billing.ProviderCryptoBot, invoice(400, 8, "1"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, billing.PaymentFailed, h.event(t, "400").Status)
	assert.Equal(t, int64(0), h.balance(t, 8))
}

func TestHandlePaysReferralCommission(t *testing.T) {
	h := newHarness(t)
	h.account(t, 1)
	ctx := context.Background()
	inviter := int64(1)
	require.NoError(t, h.store.CreateAccount(ctx, &billing.Account{ID: 2, ReferrerID: &inviter}))
	require.NoError(t, h.store.CreateRelationship(ctx, &billing.ReferralRelationship{
		ReferredID:        2,
		InviterID:         1,
		CommissionPercent: 10,
	}))

	res, err := h.reconciler.Handle(ctx, billing.ProviderCryptoBot, invoice(500, 2, "3"))
	require.NoError(t, err)
	assert.True(t, res.Credited)

	// 30000 top-up: 3000 commission plus first top-up bonuses
	assert.Equal(t, int64(30000+5000), h.balance(t, 2))
	assert.Equal(t, int64(3000+10000), h.balance(t, 1))

	_, err = h.reconciler.Handle(ctx, billing.ProviderCryptoBot, invoice(500, 2, "3"))
	require.NoError(t, err)
	assert.Equal(t, int64(13000), h.balance(t, 1))
}

func TestConfirmedObservationSurvivesLaterDeliveries(t *testing.T) {
	h := newHarness(t)
	h.account(t, 6)
	ctx := context.Background()

	h.ledgerDB.setFailing(true)
	_, err := h.reconciler.Handle(ctx, billing.ProviderCryptoBot, invoice(600, 6, "1"))
	require.Error(t, err)
	ev := h.event(t, "600")
	assert.Equal(t, billing.PaymentPending, ev.Status)
	assert.Equal(t, billing.PaymentConfirmed, ev.Observed)

	// out-of-order notifications arrive after the confirmation
	for _, late := range []billing.PaymentStatus{billing.PaymentPending, billing.PaymentFailed, billing.PaymentExpired} {
		res, err := h.reconciler.Resolve(ctx, billing.ProviderCryptoBot, "600", late)
		require.NoError(t, err, late)
		assert.Equal(t, billing.PaymentPending, res.Event.Status, late)
		assert.Equal(t, billing.PaymentConfirmed, h.event(t, "600").Observed, late)
	}

	h.advance(25 * time.Hour)
	stats, err := NewSweeper(h.reconciler, DefaultSweepConfig()).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Expired)
	assert.Equal(t, billing.PaymentPending, h.event(t, "600").Status)

	h.ledgerDB.setFailing(false)
	res, err := h.reconciler.Handle(ctx, billing.ProviderCryptoBot, invoice(600, 6, "1"))
	require.NoError(t, err)
	assert.True(t, res.Credited)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(10000), h.balance(t, 6))
}
