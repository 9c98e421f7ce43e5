package payments

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

// StarsConfig configures Telegram Stars payments received as bot updates
type StarsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	SecretToken string `yaml:"secret_token" validate:"required"`
	// Rate is the ledger currency value of one star, e.g. "1.3"
	Rate string `yaml:"rate" validate:"required,numeric"`
}

// Stars authenticates bot updates with the webhook secret token header
type Stars struct {
	secret []byte
	rate   decimal.Decimal
	money  Money
}

// NewStars creates the adapter
func NewStars(cfg StarsConfig, money Money) (*Stars, error) {
	rate, err := decimal.NewFromString(cfg.Rate)
	if err != nil || !rate.IsPositive() {
		return nil, fmt.Errorf("stars rate %q must be a positive decimal", cfg.Rate)
	}
	return &Stars{secret: []byte(cfg.SecretToken), rate: rate, money: money}, nil
}

// Provider implements Adapter
func (s *Stars) Provider() billing.ProviderID { return billing.ProviderStars }

// VerifySignature implements Adapter
func (s *Stars) VerifySignature(req *Request) error {
	got := req.Header.Get("X-Telegram-Bot-Api-Secret-Token")
	if got == "" || subtle.ConstantTimeCompare([]byte(got), s.secret) != 1 {
		return fmt.Errorf("%w: stars: bad secret token", billing.ErrInvalidSignature)
	}
	return nil
}

type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		SuccessfulPayment *struct {
			Currency                string `json:"currency"`
			TotalAmount             int64  `json:"total_amount"`
			InvoicePayload          string `json:"invoice_payload"`
			TelegramPaymentChargeID string `json:"telegram_payment_charge_id"`
		} `json:"successful_payment"`
	} `json:"message"`
}

// Normalize implements Adapter. Only messages with a successful_payment are payments.
func (s *Stars) Normalize(req *Request) (*billing.PaymentEvent, error) {
	var u telegramUpdate
	if err := json.Unmarshal(req.Body, &u); err != nil {
		return nil, fmt.Errorf("%w: stars: %v", billing.ErrInvalidPayload, err)
	}
	if u.Message == nil || u.Message.SuccessfulPayment == nil {
		return nil, ErrIgnored
	}
	sp := u.Message.SuccessfulPayment
	if sp.TelegramPaymentChargeID == "" || sp.TotalAmount <= 0 {
		return nil, fmt.Errorf("%w: stars: incomplete successful_payment", billing.ErrInvalidPayload)
	}

	accountID, err := AccountFromRef(sp.InvoicePayload)
	if err != nil {
		if u.Message.From.ID <= 0 {
			return nil, err
		}
		accountID = u.Message.From.ID
	}
	minor, err := s.money.ToMinor(decimal.NewFromInt(sp.TotalAmount).Mul(s.rate), s.money.Base)
	if err != nil {
		return nil, err
	}
	return &billing.PaymentEvent{
		Provider:  billing.ProviderStars,
		EventID:   sp.TelegramPaymentChargeID,
		AccountID: accountID,
		Amount:    minor,
		Currency:  s.money.Base,
		Status:    billing.PaymentConfirmed,
	}, nil
}
