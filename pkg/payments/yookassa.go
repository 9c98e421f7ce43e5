package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

// YooKassa notification source networks
var defaultYooKassaNetworks = []string{
	"185.71.76.0/27",
	"185.71.77.0/27",
	"77.75.153.0/25",
	"77.75.156.11/32",
	"77.75.156.35/32",
	"77.75.154.128/25",
	"2a02:5180::/32",
}

const defaultYooKassaAPI = "https://api.yookassa.ru/v3"

// YooKassaConfig configures the YooKassa adapter
type YooKassaConfig struct {
	Enabled         bool     `yaml:"enabled"`
	ShopID          string   `yaml:"shop_id" validate:"required"`
	SecretKey       string   `yaml:"secret_key" validate:"required"`
	AllowedNetworks []string `yaml:"allowed_networks" validate:"dive,cidr"`
	APIURL          string   `yaml:"api_url" validate:"omitempty,url"`
}

// YooKassa does not sign notifications; they are authenticated by source
// address and may be re-checked against the payments API.
type YooKassa struct {
	cfg      YooKassaConfig
	networks []*net.IPNet
	money    Money
	client   *http.Client
}

// NewYooKassa creates the adapter
func NewYooKassa(cfg YooKassaConfig, money Money, client *http.Client) (*YooKassa, error) {
	cidrs := cfg.AllowedNetworks
	if len(cidrs) == 0 {
		cidrs = defaultYooKassaNetworks
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultYooKassaAPI
	}
	if client == nil {
		client = http.DefaultClient
	}
	y := &YooKassa{cfg: cfg, money: money, client: client}
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("yookassa network %q: %w", c, err)
		}
		y.networks = append(y.networks, n)
	}
	return y, nil
}

// Provider implements Adapter
func (y *YooKassa) Provider() billing.ProviderID { return billing.ProviderYooKassa }

// VerifySignature implements Adapter by checking the client address
func (y *YooKassa) VerifySignature(req *Request) error {
	ip := net.ParseIP(req.ClientIP)
	if ip == nil {
		return fmt.Errorf("%w: yookassa: unparseable client address %q", billing.ErrInvalidSignature, req.ClientIP)
	}
	for _, n := range y.networks {
		if n.Contains(ip) {
			return nil
		}
	}
	return fmt.Errorf("%w: yookassa: address %s not allowed", billing.ErrInvalidSignature, ip)
}

type yooKassaPayment struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Paid   bool   `json:"paid"`
	Amount struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
	Metadata map[string]interface{} `json:"metadata"`
}

type yooKassaNotification struct {
	Type   string          `json:"type"`
	Event  string          `json:"event"`
	Object yooKassaPayment `json:"object"`
}

func yooKassaStatus(status string) (billing.PaymentStatus, bool) {
	switch status {
	case "succeeded":
		return billing.PaymentConfirmed, true
	case "canceled":
		return billing.PaymentFailed, true
	case "pending", "waiting_for_capture":
		return billing.PaymentPending, true
	}
	return "", false
}

// Normalize implements Adapter
func (y *YooKassa) Normalize(req *Request) (*billing.PaymentEvent, error) {
	var n yooKassaNotification
	dec := json.NewDecoder(bytes.NewReader(req.Body))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return nil, fmt.Errorf("%w: yookassa: %v", billing.ErrInvalidPayload, err)
	}
	if !strings.HasPrefix(n.Event, "payment.") {
		return nil, ErrIgnored
	}
	status, ok := yooKassaStatus(n.Object.Status)
	if !ok {
		return nil, fmt.Errorf("%w: yookassa: unknown status %q", billing.ErrInvalidPayload, n.Object.Status)
	}
	amount, err := parseAmount(n.Object.Amount.Value)
	if err != nil {
		return nil, err
	}
	minor, err := y.money.ToMinor(amount, n.Object.Amount.Currency)
	if err != nil {
		return nil, err
	}
	accountID, err := AccountFromRef(fmt.Sprint(n.Object.Metadata["user_id"]))
	if err != nil {
		return nil, err
	}
	return &billing.PaymentEvent{
		Provider:  billing.ProviderYooKassa,
		EventID:   n.Object.ID,
		AccountID: accountID,
		Amount:    minor,
		Currency:  strings.ToUpper(n.Object.Amount.Currency),
		Status:    status,
	}, nil
}

// Poll implements Poller via GET /payments/{id}
func (y *YooKassa) Poll(ctx context.Context, event *billing.PaymentEvent) (billing.PaymentStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.cfg.APIURL+"/payments/"+event.EventID, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(y.cfg.ShopID, y.cfg.SecretKey)

	resp, err := y.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return "", fmt.Errorf("%w: yookassa: %v", billing.ErrProviderTimeout, err)
		}
		return "", fmt.Errorf("yookassa poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: yookassa returned %d", billing.ErrProviderTimeout, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("yookassa poll: status %d", resp.StatusCode)
	}

	var p yooKassaPayment
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return "", fmt.Errorf("%w: yookassa poll: %v", billing.ErrInvalidPayload, err)
	}
	status, ok := yooKassaStatus(p.Status)
	if !ok {
		return "", fmt.Errorf("%w: yookassa: unknown status %q", billing.ErrInvalidPayload, p.Status)
	}
	return status, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
