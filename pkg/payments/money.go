package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

// Money converts provider amounts into minor units of the ledger currency.
// Rates give the number of ledger currency units per unit of a foreign
// currency.
type Money struct {
	Base  string
	rates map[string]decimal.Decimal
}

// NewMoney parses a rate table such as {"USDT": "92.5"}
func NewMoney(base string, rates map[string]string) (Money, error) {
	m := Money{Base: strings.ToUpper(base), rates: make(map[string]decimal.Decimal, len(rates))}
	for cur, raw := range rates {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return Money{}, fmt.Errorf("rate %s: %w", cur, err)
		}
		if !rate.IsPositive() {
			return Money{}, fmt.Errorf("rate %s must be positive", cur)
		}
		m.rates[strings.ToUpper(cur)] = rate
	}
	return m, nil
}

// ToMinor converts amount in currency to ledger minor units, truncating
// fractions of a minor unit.
func (m Money) ToMinor(amount decimal.Decimal, currency string) (int64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount %s", billing.ErrInvalidPayload, amount)
	}
	cur := strings.ToUpper(currency)
	if cur != m.Base {
		rate, ok := m.rates[cur]
		if !ok {
			return 0, fmt.Errorf("%w: no rate for currency %q", billing.ErrInvalidPayload, currency)
		}
		amount = amount.Mul(rate)
	}
	return amount.Shift(2).IntPart(), nil
}

// parseAmount parses a provider decimal string
func parseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: amount %q", billing.ErrInvalidPayload, raw)
	}
	return d, nil
}

// AccountFromRef extracts the account id from an order reference. Orders are
// minted as "<prefix>_<accountID>_<nonce>"; a bare numeric reference is the
// account id itself.
func AccountFromRef(ref string) (int64, error) {
	parts := strings.Split(strings.TrimSpace(ref), "_")
	candidate := parts[0]
	if len(parts) > 1 {
		candidate = parts[1]
	}
	id, err := strconv.ParseInt(candidate, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: no account in order reference %q", billing.ErrInvalidPayload, ref)
	}
	return id, nil
}

func hmacSHA256Hex(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// equalHex compares two hex digests in constant time, ignoring case
func equalHex(expected, got string) bool {
	return hmac.Equal([]byte(strings.ToLower(expected)), []byte(strings.ToLower(strings.TrimSpace(got))))
}
