package payments

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

func newTestServer(t *testing.T, h *harness) *mux.Router {
	t.Helper()
	router := mux.NewRouter()
	NewHandler(h.reconciler, nil, false).RegisterRoutes(router)
	return router
}

func post(router http.Handler, provider string, req *Request) *httptest.ResponseRecorder {
	httpReq := httptest.NewRequest(http.MethodPost, "/webhooks/"+provider, bytes.NewReader(req.Body))
	for k, v := range req.Header {
		httpReq.Header[k] = v
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httpReq)
	return rec
}

func TestHandlerAcknowledgesCredit(t *testing.T) {
	h := newHarness(t)
	h.account(t, 42)
	router := newTestServer(t, h)

	rec := post(router, "cryptobot", invoice(700, 42, "1"))
	require.Equal(t, http.StatusOK, rec.Code)

	var ack ackResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ack))
	assert.Equal(t, "ok", ack.Status)
	assert.Equal(t, "700", ack.EventID)
	assert.Equal(t, billing.PaymentConfirmed, ack.State)
	assert.False(t, ack.Duplicate)

	rec = post(router, "CryptoBot", invoice(700, 42, "1"))
	require.Equal(t, http.StatusOK, rec.Code)
	ack = ackResponse{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ack))
	assert.True(t, ack.Duplicate)
	assert.Equal(t, int64(10000), h.balance(t, 42))
}

func TestHandlerStatusCodes(t *testing.T) {
	h := newHarness(t)
	h.account(t, 42)
	router := newTestServer(t, h)

	forged := invoice(701, 42, "1")
	forged.Header.Set("crypto-pay-api-signature", "deadbeef")

	badBody := []byte(`{"update_type":"invoice_paid","payload":{"invoice_id":702,"asset":"USDT","amount":"1","payload":"nobody"}}`)
	bad := request(badBody, map[string]string{"crypto-pay-api-signature": cryptoBotSign(botToken, badBody)})

	pingBody := []byte(`{"update_type":"ping"}`)
	ping := request(pingBody, map[string]string{"crypto-pay-api-signature": cryptoBotSign(botToken, pingBody)})

	tests := []struct {
		name     string
		provider string
		req      *Request
		status   int
	}{
		{"forged signature", "cryptobot", forged, http.StatusUnauthorized},
		{"unknown provider", "paypal", invoice(1, 42, "1"), http.StatusNotFound},
		{"disabled provider", "pal24", invoice(1, 42, "1"), http.StatusNotFound},
		{"malformed payload", "cryptobot", bad, http.StatusBadRequest},
		{"ignored update", "cryptobot", ping, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(router, tt.provider, tt.req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestHandlerStorageOutageAsks503(t *testing.T) {
	h := newHarness(t)
	h.account(t, 42)
	router := newTestServer(t, h)

	h.ledgerDB.setFailing(true)
	rec := post(router, "cryptobot", invoice(703, 42, "1"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.ledgerDB.setFailing(false)
	rec = post(router, "cryptobot", invoice(703, 42, "1"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerRejectsOversizedBody(t *testing.T) {
	h := newHarness(t)
	router := newTestServer(t, h)

	big := bytes.Repeat([]byte("a"), MaxBodyBytes+1)
	rec := post(router, "cryptobot", request(big, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("x: %w", billing.ErrInvalidSignature), http.StatusUnauthorized},
		{billing.ErrUnknownProvider, http.StatusNotFound},
		{billing.ErrProviderDisabled, http.StatusNotFound},
		{billing.ErrInvalidPayload, http.StatusBadRequest},
		{billing.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{billing.ErrProviderTimeout, http.StatusServiceUnavailable},
		{billing.ErrAccountNotFound, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, StatusFor(tt.err), "%v", tt.err)
	}
}
