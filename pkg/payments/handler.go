package payments

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/httputil"
	"github.com/platinummonkey/billingcore/pkg/observability"
)

// MaxBodyBytes bounds a webhook body
const MaxBodyBytes = 1 << 20

// Handler is the HTTP ingress for provider webhooks
type Handler struct {
	reconciler *Reconciler
	logger     *observability.Logger
	trustProxy bool
}

// NewHandler creates the ingress. With trustProxy, the client address is
// taken from X-Real-IP or the first X-Forwarded-For entry.
func NewHandler(reconciler *Reconciler, logger *observability.Logger, trustProxy bool) *Handler {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Handler{reconciler: reconciler, logger: logger, trustProxy: trustProxy}
}

// RegisterRoutes registers POST /webhooks/{provider}. Middlewares run after
// route matching, so they can read the {provider} variable.
func (h *Handler) RegisterRoutes(router *mux.Router, mw ...mux.MiddlewareFunc) {
	sub := router.PathPrefix("/webhooks").Subrouter()
	sub.Use(mw...)
	sub.HandleFunc("/{provider}", h.receive).Methods(http.MethodPost)
}

type ackResponse struct {
	Status    string                `json:"status"`
	EventID   string                `json:"event_id,omitempty"`
	State     billing.PaymentStatus `json:"state,omitempty"`
	Duplicate bool                  `json:"duplicate,omitempty"`
}

// receive handles POST /webhooks/{provider}
func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	provider := billing.ProviderID(strings.ToLower(mux.Vars(r)["provider"]))
	ctx := r.Context()
	logger := h.logger.WithFields(map[string]interface{}{
		"provider":   provider,
		"request_id": observability.GetRequestID(ctx),
	})

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		httputil.WriteBadRequest(w, "unreadable body")
		return
	}

	res, err := h.reconciler.Handle(ctx, provider, &Request{
		Body:     body,
		Header:   r.Header,
		ClientIP: httputil.ClientIP(r, h.trustProxy),
		Received: time.Now().UTC(),
	})
	if err != nil {
		status := StatusFor(err)
		entry := logger.WithError(err)
		if status >= 500 {
			entry.Error("Webhook processing failed")
		} else {
			entry.Warn("Webhook rejected")
		}
		httputil.WriteErrorMessage(w, status, http.StatusText(status))
		return
	}

	ack := ackResponse{Status: "ok", Duplicate: res.Duplicate}
	if res.Event != nil {
		ack.EventID = res.Event.EventID
		ack.State = res.Event.Status
	}
	if res.Ignored {
		ack.Status = "ignored"
	}
	httputil.WriteSuccess(w, ack)
}

// StatusFor maps reconciliation errors to HTTP status codes. 5xx makes the
// provider redeliver.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, billing.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, billing.ErrUnknownProvider), errors.Is(err, billing.ErrProviderDisabled):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrInvalidPayload):
		return http.StatusBadRequest
	case billing.IsRetryable(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
