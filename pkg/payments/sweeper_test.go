package payments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

func (h *harness) seed(t *testing.T, provider billing.ProviderID, eventID string, accountID int64, observed billing.PaymentStatus, firstSeen, lastSeen time.Time, attempts int) {
	t.Helper()
	require.NoError(t, h.store.CreateEvent(context.Background(), &billing.PaymentEvent{
		Provider:    provider,
		EventID:     eventID,
		AccountID:   accountID,
		Amount:      10000,
		Currency:    "RUB",
		Status:      billing.PaymentPending,
		Observed:    observed,
		Attempts:    attempts,
		FirstSeenAt: firstSeen,
		LastSeenAt:  lastSeen,
	}))
}

func TestSweepExpiresStaleEvents(t *testing.T) {
	h := newHarness(t)
	h.account(t, 1)
	now := h.clock()

	h.seed(t, billing.ProviderCryptoBot, "stale", 1, billing.PaymentPending, now.Add(-25*time.Hour), now.Add(-25*time.Hour), 1)
	h.seed(t, billing.ProviderCryptoBot, "fresh", 1, billing.PaymentPending, now.Add(-time.Hour), now.Add(-time.Hour), 1)

	stats, err := NewSweeper(h.reconciler, DefaultSweepConfig()).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 0, stats.Failed)

	assert.Equal(t, billing.PaymentExpired, h.event(t, "stale").Status)
	assert.Equal(t, billing.PaymentPending, h.event(t, "fresh").Status)
	assert.Equal(t, int64(0), h.balance(t, 1))
}

func TestSweepRetriesConfirmedCredit(t *testing.T) {
	h := newHarness(t)
	h.account(t, 3)
	now := h.clock()
	sweeper := NewSweeper(h.reconciler, DefaultSweepConfig())

	// provider confirmed 10s ago; the first retry is due 30s after it
	h.seed(t, billing.ProviderCryptoBot, "owed", 3, billing.PaymentConfirmed, now.Add(-48*time.Hour), now.Add(-10*time.Second), 1)

	stats, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Credited)
	assert.Equal(t, billing.PaymentPending, h.event(t, "owed").Status, "confirmed money is never expired")

	h.advance(30 * time.Second)
	stats, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Credited)
	assert.Equal(t, billing.PaymentConfirmed, h.event(t, "owed").Status)
	assert.Equal(t, int64(10000), h.balance(t, 3))

	stats, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Scanned)
}

func TestSweepDoesNotExpireLateConfirmation(t *testing.T) {
	h := newHarness(t)
	h.account(t, 2)
	ctx := context.Background()
	now := h.clock()
	h.seed(t, billing.ProviderCryptoBot, "late", 2, billing.PaymentPending, now.Add(-25*time.Hour), now.Add(-25*time.Hour), 1)

	// the sweep listed the event as unconfirmed, then a confirmation was
	// recorded before it took the account lock
	require.NoError(t, h.store.TouchEvent(ctx, billing.ProviderCryptoBot, "late", billing.PaymentConfirmed, now, "ledger unavailable"))

	res, err := h.reconciler.Resolve(ctx, billing.ProviderCryptoBot, "late", billing.PaymentExpired)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentPending, res.Event.Status)
	assert.Equal(t, billing.PaymentPending, h.event(t, "late").Status)
}

func TestSweepPagesPastStuckEvents(t *testing.T) {
	h := newHarness(t)
	h.account(t, 1)
	now := h.clock()
	cfg := DefaultSweepConfig()
	cfg.BatchSize = 2

	// two confirmed events for a missing account keep failing and sort first
	h.seed(t, billing.ProviderCryptoBot, "stuck-1", 404, billing.PaymentConfirmed, now.Add(-72*time.Hour), now.Add(-time.Hour), 1)
	h.seed(t, billing.ProviderCryptoBot, "stuck-2", 404, billing.PaymentConfirmed, now.Add(-71*time.Hour), now.Add(-time.Hour), 1)
	h.seed(t, billing.ProviderCryptoBot, "stale", 1, billing.PaymentPending, now.Add(-48*time.Hour), now.Add(-48*time.Hour), 1)

	stats, err := NewSweeper(h.reconciler, cfg).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Scanned)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, billing.PaymentExpired, h.event(t, "stale").Status)
	assert.Equal(t, billing.PaymentPending, h.event(t, "stuck-1").Status)
}

func TestSweepBacksOffFailingCredit(t *testing.T) {
	h := newHarness(t)
	now := h.clock()
	sweeper := NewSweeper(h.reconciler, DefaultSweepConfig())

	h.seed(t, billing.ProviderCryptoBot, "orphan", 404, billing.PaymentConfirmed, now.Add(-time.Hour), now.Add(-time.Hour), 1)

	stats, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	ev := h.event(t, "orphan")
	assert.Equal(t, billing.PaymentPending, ev.Status)
	assert.Equal(t, 2, ev.Attempts)
	assert.Contains(t, ev.LastError, "account not found")

	// attempt 2 waits 60s from the failed retry
	h.advance(59 * time.Second)
	stats, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Failed)

	h.account(t, 404)
	h.advance(time.Second)
	stats, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Credited)
	assert.Equal(t, int64(10000), h.balance(t, 404))
}

func TestSweepPollsProvider(t *testing.T) {
	statuses := map[string]string{"paid-1": "succeeded", "gone-1": "canceled"}
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "shop" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/payments/")
		status, ok := statuses[id]
		if !ok {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"` + id + `","status":"` + status + `"}`))
	}))
	defer api.Close()

	money, err := NewMoney("RUB", nil)
	require.NoError(t, err)
	yk, err := NewYooKassa(YooKassaConfig{ShopID: "shop", SecretKey: "secret", APIURL: api.URL}, money, api.Client())
	require.NoError(t, err)

	h := newHarness(t, yk)
	h.account(t, 6)
	now := h.clock()
	quiet := now.Add(-15 * time.Minute)

	h.seed(t, billing.ProviderYooKassa, "paid-1", 6, billing.PaymentPending, quiet, quiet, 1)
	h.seed(t, billing.ProviderYooKassa, "gone-1", 6, billing.PaymentPending, quiet, quiet, 1)
	h.seed(t, billing.ProviderYooKassa, "flaky-1", 6, billing.PaymentPending, quiet, quiet, 1)
	h.seed(t, billing.ProviderYooKassa, "recent", 6, billing.PaymentPending, now.Add(-time.Minute), now.Add(-time.Minute), 1)

	stats, err := NewSweeper(h.reconciler, DefaultSweepConfig()).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Polled)
	assert.Equal(t, 1, stats.Credited)
	assert.Equal(t, 0, stats.Failed)

	yev, err := h.store.GetEvent(context.Background(), billing.ProviderYooKassa, "paid-1")
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentConfirmed, yev.Status)

	yev, err = h.store.GetEvent(context.Background(), billing.ProviderYooKassa, "gone-1")
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentFailed, yev.Status)

	yev, err = h.store.GetEvent(context.Background(), billing.ProviderYooKassa, "flaky-1")
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentPending, yev.Status)
	assert.Equal(t, 1, yev.Attempts, "a provider timeout records nothing")

	assert.Equal(t, int64(10000), h.balance(t, 6))
}

func TestSweepStopsOnCancelledContext(t *testing.T) {
	h := newHarness(t)
	h.account(t, 1)
	now := h.clock()
	h.seed(t, billing.ProviderCryptoBot, "stale", 1, billing.PaymentPending, now.Add(-48*time.Hour), now.Add(-48*time.Hour), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSweeper(h.reconciler, DefaultSweepConfig()).Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, billing.PaymentPending, h.event(t, "stale").Status)
}
