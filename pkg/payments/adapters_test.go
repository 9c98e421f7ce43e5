package payments

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

func rub(t *testing.T) Money {
	t.Helper()
	m, err := NewMoney("RUB", map[string]string{"USDT": "90"})
	require.NoError(t, err)
	return m
}

func request(body []byte, headers map[string]string) *Request {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &Request{Body: body, Header: h}
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func cryptoBotSign(token string, body []byte) string {
	key := sha256.Sum256([]byte(token))
	return hmacSHA256Hex(key[:], body)
}

func TestYooKassa(t *testing.T) {
	a, err := NewYooKassa(YooKassaConfig{ShopID: "1", SecretKey: "s"}, rub(t), nil)
	require.NoError(t, err)

	body := []byte(`{"type":"notification","event":"payment.succeeded","object":{"id":"2d9a-000f","status":"succeeded","paid":true,"amount":{"value":"149.00","currency":"RUB"},"metadata":{"user_id":1234567890}}}`)

	req := request(body, nil)
	req.ClientIP = "185.71.76.5"
	require.NoError(t, a.VerifySignature(req))

	ev, err := a.Normalize(req)
	require.NoError(t, err)
	assert.Equal(t, billing.ProviderYooKassa, ev.Provider)
	assert.Equal(t, "2d9a-000f", ev.EventID)
	assert.Equal(t, int64(1234567890), ev.AccountID)
	assert.Equal(t, int64(14900), ev.Amount)
	assert.Equal(t, billing.PaymentConfirmed, ev.Status)

	req.ClientIP = "10.0.0.1"
	assert.ErrorIs(t, a.VerifySignature(req), billing.ErrInvalidSignature)
	req.ClientIP = "garbage"
	assert.ErrorIs(t, a.VerifySignature(req), billing.ErrInvalidSignature)

	canceled := []byte(`{"event":"payment.canceled","object":{"id":"p2","status":"canceled","amount":{"value":"10.00","currency":"RUB"},"metadata":{"user_id":"5"}}}`)
	ev, err = a.Normalize(request(canceled, nil))
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentFailed, ev.Status)

	_, err = a.Normalize(request([]byte(`{"event":"refund.succeeded","object":{}}`), nil))
	assert.ErrorIs(t, err, ErrIgnored)
}

func TestCryptoBot(t *testing.T) {
	a := NewCryptoBot(CryptoBotConfig{Token: "123:abc"}, rub(t))
	body := []byte(`{"update_id":9,"update_type":"invoice_paid","payload":{"invoice_id":5501,"status":"paid","asset":"USDT","amount":"2.5","payload":"bal_42_x1"}}`)

	req := request(body, map[string]string{"crypto-pay-api-signature": cryptoBotSign("123:abc", body)})
	require.NoError(t, a.VerifySignature(req))

	ev, err := a.Normalize(req)
	require.NoError(t, err)
	assert.Equal(t, "5501", ev.EventID)
	assert.Equal(t, int64(42), ev.AccountID)
	assert.Equal(t, int64(22500), ev.Amount)
	assert.Equal(t, "USDT", ev.Currency)

	bad := request(body, map[string]string{"crypto-pay-api-signature": cryptoBotSign("other", body)})
	assert.ErrorIs(t, a.VerifySignature(bad), billing.ErrInvalidSignature)
	assert.ErrorIs(t, a.VerifySignature(request(body, nil)), billing.ErrInvalidSignature)

	_, err = a.Normalize(request([]byte(`{"update_type":"invoice_expired"}`), nil))
	assert.ErrorIs(t, err, ErrIgnored)
}

func TestHeleket(t *testing.T) {
	a := NewHeleket(HeleketConfig{MerchantID: "m", APIKey: "key"}, rub(t))

	payload := map[string]interface{}{
		"type":         "payment",
		"uuid":         "b6b1-44",
		"order_id":     "bal_77_aa",
		"amount":       "500.00",
		"currency":     "RUB",
		"status":       "paid",
		"url_callback": "https://example.com/heleket",
		"is_final":     true,
	}
	sign, err := HeleketSign(payload, "key")
	require.NoError(t, err)
	payload["sign"] = sign
	body := mustJSON(t, payload)

	req := request(body, nil)
	require.NoError(t, a.VerifySignature(req))
	ev, err := a.Normalize(req)
	require.NoError(t, err)
	assert.Equal(t, "b6b1-44", ev.EventID)
	assert.Equal(t, int64(77), ev.AccountID)
	assert.Equal(t, int64(50000), ev.Amount)

	payload["amount"] = "5000.00"
	assert.ErrorIs(t, a.VerifySignature(request(mustJSON(t, payload), nil)), billing.ErrInvalidSignature)

	delete(payload, "sign")
	assert.ErrorIs(t, a.VerifySignature(request(mustJSON(t, payload), nil)), billing.ErrInvalidSignature)
}

func TestMulenPay(t *testing.T) {
	a := NewMulenPay(MulenPayConfig{SecretKey: "mulen"}, rub(t))
	body := []byte(`{"id":881,"uuid":"bal_9_q","amount":"300.50","currency":"rub","payment_status":"success"}`)

	req := request(body, map[string]string{"X-Signature": hmacSHA256Hex([]byte("mulen"), body)})
	require.NoError(t, a.VerifySignature(req))
	ev, err := a.Normalize(req)
	require.NoError(t, err)
	assert.Equal(t, "881", ev.EventID)
	assert.Equal(t, int64(9), ev.AccountID)
	assert.Equal(t, int64(30050), ev.Amount)
	assert.Equal(t, billing.PaymentConfirmed, ev.Status)

	assert.ErrorIs(t, a.VerifySignature(request(body, map[string]string{"X-Signature": "00"})), billing.ErrInvalidSignature)
}

func TestPal24(t *testing.T) {
	a := NewPal24(Pal24Config{Token: "tok"}, rub(t))
	form := url.Values{
		"InvId":      {"bal_15_z"},
		"OutSum":     {"250.00"},
		"CurrencyIn": {"RUB"},
		"Status":     {"SUCCESS"},
		"TrsId":      {"T-1"},
	}
	form.Set("SignatureValue", Pal24Sign("250.00", "bal_15_z", "tok"))
	body := []byte(form.Encode())

	req := request(body, nil)
	require.NoError(t, a.VerifySignature(req))
	ev, err := a.Normalize(req)
	require.NoError(t, err)
	assert.Equal(t, "bal_15_z", ev.EventID)
	assert.Equal(t, int64(15), ev.AccountID)
	assert.Equal(t, int64(25000), ev.Amount)

	form.Set("OutSum", "2500.00")
	assert.ErrorIs(t, a.VerifySignature(request([]byte(form.Encode()), nil)), billing.ErrInvalidSignature)
}

func TestWata(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	a, err := NewWata(WataConfig{PublicKey: string(pubPEM)}, rub(t))
	require.NoError(t, err)

	body := []byte(`{"transactionId":"w-1","transactionStatus":"Paid","orderId":"bal_3_k","amount":199.9,"currency":"RUB"}`)
	digest := sha512.Sum512(body)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA512, digest[:])
	require.NoError(t, err)

	req := request(body, map[string]string{"X-Signature": base64.StdEncoding.EncodeToString(sig)})
	require.NoError(t, a.VerifySignature(req))
	ev, err := a.Normalize(req)
	require.NoError(t, err)
	assert.Equal(t, int64(3), ev.AccountID)
	assert.Equal(t, int64(19990), ev.Amount)

	tampered := request([]byte(`{"transactionId":"w-1","transactionStatus":"Paid","orderId":"bal_3_k","amount":999.9}`),
		map[string]string{"X-Signature": base64.StdEncoding.EncodeToString(sig)})
	assert.ErrorIs(t, a.VerifySignature(tampered), billing.ErrInvalidSignature)
	assert.ErrorIs(t, a.VerifySignature(request(body, map[string]string{"X-Signature": "%%%"})), billing.ErrInvalidSignature)

	_, err = NewWata(WataConfig{PublicKey: "not a key"}, rub(t))
	assert.Error(t, err)
}

func TestStars(t *testing.T) {
	a, err := NewStars(StarsConfig{SecretToken: "s3cret", Rate: "1.3"}, rub(t))
	require.NoError(t, err)

	body := []byte(`{"update_id":1,"message":{"from":{"id":555},"successful_payment":{"currency":"XTR","total_amount":100,"invoice_payload":"stars_555_n","telegram_payment_charge_id":"ch-1"}}}`)
	req := request(body, map[string]string{"X-Telegram-Bot-Api-Secret-Token": "s3cret"})
	require.NoError(t, a.VerifySignature(req))

	ev, err := a.Normalize(req)
	require.NoError(t, err)
	assert.Equal(t, "ch-1", ev.EventID)
	assert.Equal(t, int64(555), ev.AccountID)
	assert.Equal(t, int64(13000), ev.Amount)
	assert.Equal(t, "RUB", ev.Currency)

	assert.ErrorIs(t, a.VerifySignature(request(body, map[string]string{"X-Telegram-Bot-Api-Secret-Token": "nope"})), billing.ErrInvalidSignature)

	_, err = a.Normalize(request([]byte(`{"update_id":2,"message":{"text":"hi"}}`), nil))
	assert.ErrorIs(t, err, ErrIgnored)

	_, err = NewStars(StarsConfig{SecretToken: "x", Rate: "-1"}, rub(t))
	assert.Error(t, err)
}

func TestTribute(t *testing.T) {
	a := NewTribute(TributeConfig{APIKey: "trb"}, rub(t))
	body := []byte(`{"name":"new_donation","created_at":"2026-03-01T10:00:00Z","payload":{"donation_request_id":12,"amount":50000,"currency":"rub","telegram_user_id":808}}`)

	req := request(body, map[string]string{"trbt-signature": hmacSHA256Hex([]byte("trb"), body)})
	require.NoError(t, a.VerifySignature(req))
	ev, err := a.Normalize(req)
	require.NoError(t, err)
	assert.Equal(t, "12:2026-03-01T10:00:00Z", ev.EventID)
	assert.Equal(t, int64(808), ev.AccountID)
	assert.Equal(t, int64(50000), ev.Amount)

	_, err = a.Normalize(request([]byte(`{"name":"cancelled_subscription"}`), nil))
	assert.ErrorIs(t, err, ErrIgnored)
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistryFromAdapters([]Adapter{NewTribute(TributeConfig{APIKey: "k"}, rub(t))}, billing.ProviderPal24)

	a, err := r.Lookup(billing.ProviderTribute)
	require.NoError(t, err)
	assert.Equal(t, billing.ProviderTribute, a.Provider())

	_, err = r.Lookup(billing.ProviderPal24)
	assert.ErrorIs(t, err, billing.ErrProviderDisabled)
	_, err = r.Lookup("paypal")
	assert.ErrorIs(t, err, billing.ErrUnknownProvider)
	assert.Equal(t, []billing.ProviderID{billing.ProviderTribute}, r.Enabled())
}
