package payments

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

// CryptoBotConfig configures the Crypto Pay adapter
type CryptoBotConfig struct {
	Enabled bool              `yaml:"enabled"`
	Token   string            `yaml:"token" validate:"required"`
	Rates   map[string]string `yaml:"rates"`
}

// CryptoBot signs the raw body with HMAC-SHA256 keyed by SHA-256 of the API token
type CryptoBot struct {
	key   []byte
	money Money
}

// NewCryptoBot creates the adapter
func NewCryptoBot(cfg CryptoBotConfig, money Money) *CryptoBot {
	sum := sha256.Sum256([]byte(cfg.Token))
	return &CryptoBot{key: sum[:], money: money}
}

// Provider implements Adapter
func (c *CryptoBot) Provider() billing.ProviderID { return billing.ProviderCryptoBot }

// VerifySignature implements Adapter
func (c *CryptoBot) VerifySignature(req *Request) error {
	sig := req.Header.Get("crypto-pay-api-signature")
	if sig == "" {
		return fmt.Errorf("%w: cryptobot: missing signature", billing.ErrInvalidSignature)
	}
	if !equalHex(hmacSHA256Hex(c.key, req.Body), sig) {
		return fmt.Errorf("%w: cryptobot: signature mismatch", billing.ErrInvalidSignature)
	}
	return nil
}

type cryptoBotUpdate struct {
	UpdateID   int64  `json:"update_id"`
	UpdateType string `json:"update_type"`
	Payload    struct {
		InvoiceID json.Number `json:"invoice_id"`
		Status    string      `json:"status"`
		Asset     string      `json:"asset"`
		Fiat      string      `json:"fiat"`
		Amount    string      `json:"amount"`
		Payload   string      `json:"payload"`
	} `json:"payload"`
}

// Normalize implements Adapter. Only invoice_paid updates carry payment state.
func (c *CryptoBot) Normalize(req *Request) (*billing.PaymentEvent, error) {
	var u cryptoBotUpdate
	if err := json.Unmarshal(req.Body, &u); err != nil {
		return nil, fmt.Errorf("%w: cryptobot: %v", billing.ErrInvalidPayload, err)
	}
	if u.UpdateType != "invoice_paid" {
		return nil, ErrIgnored
	}
	p := u.Payload
	if p.InvoiceID == "" {
		return nil, fmt.Errorf("%w: cryptobot: missing invoice_id", billing.ErrInvalidPayload)
	}

	currency := p.Asset
	if currency == "" {
		currency = p.Fiat
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		return nil, err
	}
	minor, err := c.money.ToMinor(amount, currency)
	if err != nil {
		return nil, err
	}
	accountID, err := AccountFromRef(p.Payload)
	if err != nil {
		return nil, err
	}
	return &billing.PaymentEvent{
		Provider:  billing.ProviderCryptoBot,
		EventID:   p.InvoiceID.String(),
		AccountID: accountID,
		Amount:    minor,
		Currency:  strings.ToUpper(currency),
		Status:    billing.PaymentConfirmed,
	}, nil
}
