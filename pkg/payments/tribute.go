package payments

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

// TributeConfig configures the Tribute adapter
type TributeConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key" validate:"required"`
}

// Tribute signs the raw body with HMAC-SHA256 keyed by the API key, in trbt-signature
type Tribute struct {
	key   []byte
	money Money
}

// NewTribute creates the adapter
func NewTribute(cfg TributeConfig, money Money) *Tribute {
	return &Tribute{key: []byte(cfg.APIKey), money: money}
}

// Provider implements Adapter
func (t *Tribute) Provider() billing.ProviderID { return billing.ProviderTribute }

// VerifySignature implements Adapter
func (t *Tribute) VerifySignature(req *Request) error {
	sig := req.Header.Get("trbt-signature")
	if sig == "" {
		return fmt.Errorf("%w: tribute: missing signature", billing.ErrInvalidSignature)
	}
	if !equalHex(hmacSHA256Hex(t.key, req.Body), sig) {
		return fmt.Errorf("%w: tribute: signature mismatch", billing.ErrInvalidSignature)
	}
	return nil
}

type tributeEvent struct {
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
	Payload   struct {
		DonationRequestID int64  `json:"donation_request_id"`
		Amount            int64  `json:"amount"`
		Currency          string `json:"currency"`
		TelegramUserID    int64  `json:"telegram_user_id"`
	} `json:"payload"`
}

// Normalize implements Adapter. Donation amounts are already in minor units.
func (t *Tribute) Normalize(req *Request) (*billing.PaymentEvent, error) {
	var e tributeEvent
	if err := json.Unmarshal(req.Body, &e); err != nil {
		return nil, fmt.Errorf("%w: tribute: %v", billing.ErrInvalidPayload, err)
	}
	if e.Name != "new_donation" {
		return nil, ErrIgnored
	}
	p := e.Payload
	if p.DonationRequestID == 0 || p.TelegramUserID <= 0 {
		return nil, fmt.Errorf("%w: tribute: incomplete donation", billing.ErrInvalidPayload)
	}
	currency := p.Currency
	if currency == "" {
		currency = t.money.Base
	}
	minor, err := t.money.ToMinor(decimal.New(p.Amount, -2), currency)
	if err != nil {
		return nil, err
	}
	return &billing.PaymentEvent{
		Provider:  billing.ProviderTribute,
		EventID:   fmt.Sprintf("%d:%s", p.DonationRequestID, e.CreatedAt),
		AccountID: p.TelegramUserID,
		Amount:    minor,
		Currency:  strings.ToUpper(currency),
		Status:    billing.PaymentConfirmed,
	}, nil
}
