package webhooks

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/billingcore/pkg/httputil"
)

// Handlers exposes endpoint management and delivery logs over HTTP
type Handlers struct {
	manager *Manager
}

// NewHandlers creates new endpoint handlers
func NewHandlers(manager *Manager) *Handlers {
	return &Handlers{manager: manager}
}

// RegisterRoutes registers the admin routes under router
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/endpoints", h.create).Methods(http.MethodPost)
	router.HandleFunc("/endpoints", h.list).Methods(http.MethodGet)
	router.HandleFunc("/endpoints/{id}", h.get).Methods(http.MethodGet)
	router.HandleFunc("/endpoints/{id}", h.update).Methods(http.MethodPut)
	router.HandleFunc("/endpoints/{id}", h.delete).Methods(http.MethodDelete)
	router.HandleFunc("/endpoints/{id}/activate", h.setActive(true)).Methods(http.MethodPost)
	router.HandleFunc("/endpoints/{id}/deactivate", h.setActive(false)).Methods(http.MethodPost)
	router.HandleFunc("/endpoints/{id}/deliveries", h.deliveries).Methods(http.MethodGet)
	router.HandleFunc("/endpoints/{id}/stats", h.stats).Methods(http.MethodGet)
	router.HandleFunc("/events/{id}/deliveries", h.eventDeliveries).Methods(http.MethodGet)
}

func (h *Handlers) create(w http.ResponseWriter, r *http.Request) {
	var e Endpoint
	if !httputil.ParseJSONOrError(w, r, &e) {
		return
	}
	if err := h.manager.Register(&e); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	httputil.WriteCreated(w, e.redacted())
}

func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	endpoints := h.manager.List()
	for i := range endpoints {
		endpoints[i] = endpoints[i].redacted()
	}
	httputil.WriteSuccess(w, endpoints)
}

func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	e, err := h.manager.Get(mux.Vars(r)["id"])
	if err != nil {
		writeManagerError(w, err)
		return
	}
	httputil.WriteSuccess(w, e.redacted())
}

func (h *Handlers) update(w http.ResponseWriter, r *http.Request) {
	var updates Endpoint
	if !httputil.ParseJSONOrError(w, r, &updates) {
		return
	}
	e, err := h.manager.Update(mux.Vars(r)["id"], &updates)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	httputil.WriteSuccess(w, e.redacted())
}

func (h *Handlers) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Unregister(mux.Vars(r)["id"]); err != nil {
		writeManagerError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) setActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := h.manager.SetActive(mux.Vars(r)["id"], active)
		if err != nil {
			writeManagerError(w, err)
			return
		}
		httputil.WriteSuccess(w, e.redacted())
	}
}

func (h *Handlers) deliveries(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.manager.Get(id); err != nil {
		writeManagerError(w, err)
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	httputil.WriteSuccess(w, h.manager.Deliveries().ByEndpoint(id, limit))
}

type statsResponse struct {
	DeliveryStats
	RateLimitRemaining int `json:"rate_limit_remaining"`
}

func (h *Handlers) stats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.manager.Get(id); err != nil {
		writeManagerError(w, err)
		return
	}
	httputil.WriteSuccess(w, statsResponse{
		DeliveryStats:      h.manager.Deliveries().Stats(id),
		RateLimitRemaining: h.manager.limiter.Remaining(id),
	})
}

func (h *Handlers) eventDeliveries(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, h.manager.Deliveries().ByEvent(mux.Vars(r)["id"]))
}

func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrEndpointNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, ErrInvalidEndpoint):
		httputil.WriteBadRequest(w, err.Error())
	default:
		httputil.WriteInternalError(w, err)
	}
}
