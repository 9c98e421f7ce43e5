package payments

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

// HeleketConfig configures the Heleket adapter
type HeleketConfig struct {
	Enabled    bool              `yaml:"enabled"`
	MerchantID string            `yaml:"merchant_id" validate:"required"`
	APIKey     string            `yaml:"api_key" validate:"required"`
	Rates      map[string]string `yaml:"rates"`
}

// Heleket embeds an MD5 signature in the "sign" field: md5(base64(body) + key),
// where body is the payload without "sign" serialized with sorted keys and
// escaped slashes.
type Heleket struct {
	apiKey string
	money  Money
}

// NewHeleket creates the adapter
func NewHeleket(cfg HeleketConfig, money Money) *Heleket {
	return &Heleket{apiKey: cfg.APIKey, money: money}
}

// Provider implements Adapter
func (h *Heleket) Provider() billing.ProviderID { return billing.ProviderHeleket }

func decodeOrdered(body []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// HeleketSign computes the signature of a payload map (without "sign")
func HeleketSign(payload map[string]interface{}, apiKey string) (string, error) {
	clean := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if k == "sign" || v == nil {
			continue
		}
		clean[k] = v
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(clean); err != nil {
		return "", err
	}
	body := strings.ReplaceAll(strings.TrimSuffix(buf.String(), "\n"), "/", `\/`)
	sum := md5.Sum([]byte(base64.StdEncoding.EncodeToString([]byte(body)) + apiKey))
	return hex.EncodeToString(sum[:]), nil
}

// VerifySignature implements Adapter
func (h *Heleket) VerifySignature(req *Request) error {
	payload, err := decodeOrdered(req.Body)
	if err != nil {
		return fmt.Errorf("%w: heleket: unreadable body", billing.ErrInvalidSignature)
	}
	sig, _ := payload["sign"].(string)
	if sig == "" {
		return fmt.Errorf("%w: heleket: missing sign", billing.ErrInvalidSignature)
	}
	expected, err := HeleketSign(payload, h.apiKey)
	if err != nil {
		return fmt.Errorf("%w: heleket: %v", billing.ErrInvalidSignature, err)
	}
	if !equalHex(expected, sig) {
		return fmt.Errorf("%w: heleket: signature mismatch", billing.ErrInvalidSignature)
	}
	return nil
}

type heleketPayload struct {
	Type     string `json:"type"`
	UUID     string `json:"uuid"`
	OrderID  string `json:"order_id"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

func heleketStatus(status string) (billing.PaymentStatus, bool) {
	switch status {
	case "paid", "paid_over":
		return billing.PaymentConfirmed, true
	case "fail", "cancel", "system_fail", "wrong_amount", "refund_paid":
		return billing.PaymentFailed, true
	case "check", "process", "confirm_check", "wrong_amount_waiting", "locked":
		return billing.PaymentPending, true
	}
	return "", false
}

// Normalize implements Adapter
func (h *Heleket) Normalize(req *Request) (*billing.PaymentEvent, error) {
	var p heleketPayload
	if err := json.Unmarshal(req.Body, &p); err != nil {
		return nil, fmt.Errorf("%w: heleket: %v", billing.ErrInvalidPayload, err)
	}
	if p.Type != "" && p.Type != "payment" {
		return nil, ErrIgnored
	}
	status, ok := heleketStatus(p.Status)
	if !ok {
		return nil, fmt.Errorf("%w: heleket: unknown status %q", billing.ErrInvalidPayload, p.Status)
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		return nil, err
	}
	minor, err := h.money.ToMinor(amount, p.Currency)
	if err != nil {
		return nil, err
	}
	accountID, err := AccountFromRef(p.OrderID)
	if err != nil {
		return nil, err
	}
	return &billing.PaymentEvent{
		Provider:  billing.ProviderHeleket,
		EventID:   p.UUID,
		AccountID: accountID,
		Amount:    minor,
		Currency:  strings.ToUpper(p.Currency),
		Status:    status,
	}, nil
}
