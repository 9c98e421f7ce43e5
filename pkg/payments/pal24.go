package payments

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

// Pal24Config configures the PayPalych adapter
type Pal24Config struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token" validate:"required"`
}

// Pal24 posts form-encoded postbacks signed with
// upper(md5(OutSum + ":" + InvId + ":" + token)) in SignatureValue.
type Pal24 struct {
	token string
	money Money
}

// NewPal24 creates the adapter
func NewPal24(cfg Pal24Config, money Money) *Pal24 {
	return &Pal24{token: cfg.Token, money: money}
}

// Provider implements Adapter
func (p *Pal24) Provider() billing.ProviderID { return billing.ProviderPal24 }

// Pal24Sign computes a postback signature
func Pal24Sign(outSum, invID, token string) string {
	sum := md5.Sum([]byte(outSum + ":" + invID + ":" + token))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// VerifySignature implements Adapter
func (p *Pal24) VerifySignature(req *Request) error {
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return fmt.Errorf("%w: pal24: unreadable form", billing.ErrInvalidSignature)
	}
	sig := form.Get("SignatureValue")
	if sig == "" {
		return fmt.Errorf("%w: pal24: missing SignatureValue", billing.ErrInvalidSignature)
	}
	if !equalHex(Pal24Sign(form.Get("OutSum"), form.Get("InvId"), p.token), sig) {
		return fmt.Errorf("%w: pal24: signature mismatch", billing.ErrInvalidSignature)
	}
	return nil
}

// Normalize implements Adapter
func (p *Pal24) Normalize(req *Request) (*billing.PaymentEvent, error) {
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: pal24: %v", billing.ErrInvalidPayload, err)
	}
	invID := form.Get("InvId")
	if invID == "" {
		return nil, fmt.Errorf("%w: pal24: missing InvId", billing.ErrInvalidPayload)
	}

	var status billing.PaymentStatus
	switch strings.ToUpper(form.Get("Status")) {
	case "SUCCESS", "PAID", "OVERPAID":
		status = billing.PaymentConfirmed
	case "FAIL", "FAILED", "CANCELED":
		status = billing.PaymentFailed
	default:
		status = billing.PaymentPending
	}

	amount, err := parseAmount(form.Get("OutSum"))
	if err != nil {
		return nil, err
	}
	currency := form.Get("CurrencyIn")
	if currency == "" {
		currency = p.money.Base
	}
	minor, err := p.money.ToMinor(amount, currency)
	if err != nil {
		return nil, err
	}
	accountID, err := AccountFromRef(invID)
	if err != nil {
		return nil, err
	}
	return &billing.PaymentEvent{
		Provider:  billing.ProviderPal24,
		EventID:   invID,
		AccountID: accountID,
		Amount:    minor,
		Currency:  strings.ToUpper(currency),
		Status:    status,
	}, nil
}
