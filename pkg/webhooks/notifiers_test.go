package webhooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

func TestChannelNotifier(t *testing.T) {
	n := NewChannelNotifier(1)

	require.NoError(t, n.Notify(context.Background(), billing.Outcome{Type: billing.OutcomeTopupConfirmed, AccountID: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := n.Notify(ctx, billing.Outcome{Type: billing.OutcomeTopupConfirmed, AccountID: 2})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := <-n.C()
	assert.Equal(t, int64(1), got.AccountID)

	n.Close()
	n.Close()
	_, open := <-n.C()
	assert.False(t, open)
	assert.Error(t, n.Notify(context.Background(), billing.Outcome{}))
}

func TestMultiNotifier(t *testing.T) {
	var calls []string
	record := func(name string, err error) billing.Notifier {
		return billing.NotifierFunc(func(context.Context, billing.Outcome) error {
			calls = append(calls, name)
			return err
		})
	}
	boom := errors.New("boom")

	m := MultiNotifier{record("a", nil), nil, record("b", boom), record("c", nil)}
	err := m.Notify(context.Background(), billing.Outcome{Type: billing.OutcomeCommissionPaid})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b", "c"}, calls)
	assert.NoError(t, MultiNotifier{}.Notify(context.Background(), billing.Outcome{}))
}
