package payments

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

func TestMoneyToMinor(t *testing.T) {
	m, err := NewMoney("rub", map[string]string{"usdt": "92.5", "TON": "310.123"})
	require.NoError(t, err)

	tests := []struct {
		amount   string
		currency string
		want     int64
	}{
		{"149.00", "RUB", 14900},
		{"149.999", "RUB", 14999},
		{"0.01", "rub", 1},
		{"1.5", "USDT", 13875},
		{"2", "TON", 62024},
	}
	for _, tt := range tests {
		t.Run(tt.amount+tt.currency, func(t *testing.T) {
			got, err := m.ToMinor(decimal.RequireFromString(tt.amount), tt.currency)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = m.ToMinor(decimal.RequireFromString("1"), "EUR")
	assert.ErrorIs(t, err, billing.ErrInvalidPayload)
	_, err = m.ToMinor(decimal.RequireFromString("-1"), "RUB")
	assert.ErrorIs(t, err, billing.ErrInvalidPayload)
}

func TestNewMoneyRejectsBadRates(t *testing.T) {
	_, err := NewMoney("RUB", map[string]string{"USDT": "abc"})
	assert.Error(t, err)
	_, err = NewMoney("RUB", map[string]string{"USDT": "0"})
	assert.Error(t, err)
}

func TestAccountFromRef(t *testing.T) {
	tests := []struct {
		ref     string
		want    int64
		wantErr bool
	}{
		{"42", 42, false},
		{"bal_42_f00d", 42, false},
		{"topup_7", 7, false},
		{"bal_x_1", 0, true},
		{"", 0, true},
		{"-5", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := AccountFromRef(tt.ref)
			if tt.wantErr {
				assert.ErrorIs(t, err, billing.ErrInvalidPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
