package promo

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/httputil"
)

// Handlers exposes promo code management and activation to the bot over
// the internal admin port
type Handlers struct {
	codes *Codes
}

// NewHandlers creates promo code handlers
func NewHandlers(codes *Codes) *Handlers {
	return &Handlers{codes: codes}
}

// RegisterRoutes registers the routes under router
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/codes", h.put).Methods(http.MethodPost)
	router.HandleFunc("/codes/{code}", h.get).Methods(http.MethodGet)
	router.HandleFunc("/codes/{code}/activations", h.activate).Methods(http.MethodPost)
}

func (h *Handlers) put(w http.ResponseWriter, r *http.Request) {
	var c billing.PromoCode
	if !httputil.ParseJSONOrError(w, r, &c) {
		return
	}
	if err := h.codes.Put(r.Context(), &c); err != nil {
		writeCodeError(w, err)
		return
	}
	stored, err := h.codes.Get(r.Context(), c.Code)
	if err != nil {
		writeCodeError(w, err)
		return
	}
	httputil.WriteCreated(w, stored)
}

func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	c, err := h.codes.Get(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		writeCodeError(w, err)
		return
	}
	httputil.WriteSuccess(w, c)
}

type activateRequest struct {
	AccountID int64 `json:"account_id"`
}

func (h *Handlers) activate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	res, err := h.codes.Activate(r.Context(), mux.Vars(r)["code"], req.AccountID)
	if err != nil {
		writeCodeError(w, err)
		return
	}
	httputil.WriteCreated(w, res.Transaction)
}

func writeCodeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billing.ErrPromoCodeNotFound), errors.Is(err, billing.ErrAccountNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, billing.ErrPromoCodeAlreadyUsed),
		errors.Is(err, billing.ErrPromoCodeUsedUp),
		errors.Is(err, billing.ErrPromoCodeExpired):
		httputil.WriteErrorMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, billing.ErrInvalidAmount):
		httputil.WriteBadRequest(w, err.Error())
	default:
		httputil.WriteInternalError(w, err)
	}
}
