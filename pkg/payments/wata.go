package payments

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

// WataConfig configures the WATA adapter
type WataConfig struct {
	Enabled   bool   `yaml:"enabled"`
	PublicKey string `yaml:"public_key" validate:"required"`
}

// Wata signs the raw body with RSA PKCS#1 v1.5 over SHA-512, base64 in X-Signature
type Wata struct {
	key   *rsa.PublicKey
	money Money
}

// NewWata creates the adapter from a PEM encoded public key
func NewWata(cfg WataConfig, money Money) (*Wata, error) {
	key, err := parseRSAPublicKey(cfg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("wata public key: %w", err)
	}
	return &Wata{key: key, money: money}, nil
}

func parseRSAPublicKey(data string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if key, ok := pub.(*rsa.PublicKey); ok {
			return key, nil
		}
		return nil, errors.New("not an RSA key")
	}
	return x509.ParsePKCS1PublicKey(block.Bytes)
}

// Provider implements Adapter
func (w *Wata) Provider() billing.ProviderID { return billing.ProviderWata }

// VerifySignature implements Adapter
func (w *Wata) VerifySignature(req *Request) error {
	raw := strings.TrimSpace(req.Header.Get("X-Signature"))
	if raw == "" {
		return fmt.Errorf("%w: wata: missing signature", billing.ErrInvalidSignature)
	}
	sig, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("%w: wata: signature is not base64", billing.ErrInvalidSignature)
	}
	digest := sha512.Sum512(req.Body)
	if err := rsa.VerifyPKCS1v15(w.key, crypto.SHA512, digest[:], sig); err != nil {
		return fmt.Errorf("%w: wata: %v", billing.ErrInvalidSignature, err)
	}
	return nil
}

type wataWebhook struct {
	TransactionID     string          `json:"transactionId"`
	TransactionStatus string          `json:"transactionStatus"`
	OrderID           string          `json:"orderId"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
}

// Normalize implements Adapter
func (w *Wata) Normalize(req *Request) (*billing.PaymentEvent, error) {
	var p wataWebhook
	if err := json.Unmarshal(req.Body, &p); err != nil {
		return nil, fmt.Errorf("%w: wata: %v", billing.ErrInvalidPayload, err)
	}
	if p.TransactionID == "" {
		return nil, fmt.Errorf("%w: wata: missing transactionId", billing.ErrInvalidPayload)
	}

	var status billing.PaymentStatus
	switch strings.ToLower(p.TransactionStatus) {
	case "paid":
		status = billing.PaymentConfirmed
	case "declined":
		status = billing.PaymentFailed
	default:
		status = billing.PaymentPending
	}

	currency := p.Currency
	if currency == "" {
		currency = w.money.Base
	}
	minor, err := w.money.ToMinor(p.Amount, currency)
	if err != nil {
		return nil, err
	}
	accountID, err := AccountFromRef(p.OrderID)
	if err != nil {
		return nil, err
	}
	return &billing.PaymentEvent{
		Provider:  billing.ProviderWata,
		EventID:   p.TransactionID,
		AccountID: accountID,
		Amount:    minor,
		Currency:  strings.ToUpper(currency),
		Status:    status,
	}, nil
}
