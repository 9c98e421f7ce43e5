package payments

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

// MulenPayConfig configures the MulenPay adapter
type MulenPayConfig struct {
	Enabled   bool   `yaml:"enabled"`
	SecretKey string `yaml:"secret_key" validate:"required"`
}

// MulenPay signs callbacks with HMAC-SHA256 of the raw body in X-Signature
type MulenPay struct {
	key   []byte
	money Money
}

// NewMulenPay creates the adapter
func NewMulenPay(cfg MulenPayConfig, money Money) *MulenPay {
	return &MulenPay{key: []byte(cfg.SecretKey), money: money}
}

// Provider implements Adapter
func (m *MulenPay) Provider() billing.ProviderID { return billing.ProviderMulenPay }

// VerifySignature implements Adapter
func (m *MulenPay) VerifySignature(req *Request) error {
	sig := req.Header.Get("X-Signature")
	if sig == "" {
		return fmt.Errorf("%w: mulenpay: missing signature", billing.ErrInvalidSignature)
	}
	if !equalHex(hmacSHA256Hex(m.key, req.Body), sig) {
		return fmt.Errorf("%w: mulenpay: signature mismatch", billing.ErrInvalidSignature)
	}
	return nil
}

type mulenPayCallback struct {
	ID            json.Number `json:"id"`
	UUID          string      `json:"uuid"`
	Amount        json.Number `json:"amount"`
	Currency      string      `json:"currency"`
	PaymentStatus string      `json:"payment_status"`
	Status        string      `json:"status"`
}

// Normalize implements Adapter
func (m *MulenPay) Normalize(req *Request) (*billing.PaymentEvent, error) {
	var c mulenPayCallback
	if err := json.Unmarshal(req.Body, &c); err != nil {
		return nil, fmt.Errorf("%w: mulenpay: %v", billing.ErrInvalidPayload, err)
	}
	if c.ID == "" {
		return nil, fmt.Errorf("%w: mulenpay: missing id", billing.ErrInvalidPayload)
	}

	raw := c.PaymentStatus
	if raw == "" {
		raw = c.Status
	}
	var status billing.PaymentStatus
	switch strings.ToLower(raw) {
	case "success":
		status = billing.PaymentConfirmed
	case "cancel", "canceled", "error":
		status = billing.PaymentFailed
	default:
		status = billing.PaymentPending
	}

	amount, err := parseAmount(c.Amount.String())
	if err != nil {
		return nil, err
	}
	currency := c.Currency
	if currency == "" {
		currency = m.money.Base
	}
	minor, err := m.money.ToMinor(amount, currency)
	if err != nil {
		return nil, err
	}
	accountID, err := AccountFromRef(c.UUID)
	if err != nil {
		return nil, err
	}
	return &billing.PaymentEvent{
		Provider:  billing.ProviderMulenPay,
		EventID:   c.ID.String(),
		AccountID: accountID,
		Amount:    minor,
		Currency:  strings.ToUpper(currency),
		Status:    status,
	}, nil
}
