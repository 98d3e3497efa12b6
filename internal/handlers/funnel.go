package handlers

import (
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/evolvecharge/funnel/internal/catalog"
	"github.com/evolvecharge/funnel/internal/checkout"
	"github.com/evolvecharge/funnel/internal/domain"
	"github.com/evolvecharge/funnel/internal/funnel"
	"github.com/evolvecharge/funnel/internal/platform/httpx"
)

const maxFieldUpdates = 50

// SessionService starts and looks up wizard sessions.
type SessionService interface {
	Start(kind domain.FlowKind) (funnel.Controller, error)
	Session(id string) (funnel.Controller, error)
	Catalog() *catalog.Catalog
}

// FunnelHandlers exposes the catalog and the wizard session routes.
type FunnelHandlers struct {
	sessions    SessionService
	limiter     RateLimiter
	mutationsMW []func(http.Handler) http.Handler
}

// FunnelOption customises FunnelHandlers.
type FunnelOption func(*FunnelHandlers)

// WithSessionRateLimit caps session starts per client IP.
func WithSessionRateLimit(limiter RateLimiter) FunnelOption {
	return func(h *FunnelHandlers) { h.limiter = limiter }
}

// WithMutationMiddlewares wraps every session mutation, typically with idempotency.
func WithMutationMiddlewares(mw ...func(http.Handler) http.Handler) FunnelOption {
	return func(h *FunnelHandlers) { h.mutationsMW = append(h.mutationsMW, mw...) }
}

// NewFunnelHandlers constructs the funnel handlers.
func NewFunnelHandlers(sessions SessionService, opts ...FunnelOption) *FunnelHandlers {
	h := &FunnelHandlers{sessions: sessions}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the catalog and session endpoints.
func (h *FunnelHandlers) Routes(r chi.Router) {
	r.Get("/catalog", h.getCatalog)
	r.Get("/sessions/{sessionId}", h.getSession)

	r.Group(func(m chi.Router) {
		for _, mw := range h.mutationsMW {
			if mw != nil {
				m.Use(mw)
			}
		}
		m.Post("/funnels/{flow}/sessions", h.startSession)
		m.Patch("/sessions/{sessionId}/fields", h.setFields)
		m.Post("/sessions/{sessionId}/advance", h.advance)
		m.Post("/sessions/{sessionId}/retreat", h.retreat)
		m.Post("/sessions/{sessionId}/lists/{list}/items", h.addItem)
		m.Delete("/sessions/{sessionId}/lists/{list}/items/{itemId}", h.removeItem)
		m.Post("/sessions/{sessionId}/payment/prepare", h.preparePayment)
		m.Post("/sessions/{sessionId}/payment/result", h.paymentResult)
	})
}

type catalogResponse struct {
	Currency string          `json:"currency"`
	Plans    []catalog.Plan  `json:"plans"`
	AddOns   []catalog.AddOn `json:"addOns"`
}

func (h *FunnelHandlers) getCatalog(w http.ResponseWriter, r *http.Request) {
	c := h.sessions.Catalog()
	httpx.WriteJSON(w, http.StatusOK, catalogResponse{Currency: c.Currency(), Plans: c.Plans(), AddOns: c.AddOns()})
}

func (h *FunnelHandlers) startSession(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow(clientIP(r)) {
		httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many sessions started; try again shortly", http.StatusTooManyRequests))
		return
	}
	kind := domain.FlowKind(strings.ToLower(strings.TrimSpace(chi.URLParam(r, "flow"))))
	ctrl, err := h.sessions.Start(kind)
	if err != nil {
		writeFunnelError(w, r, funnel.View{}, err)
		return
	}
	w.Header().Set("Location", "/api/v1/sessions/"+ctrl.ID())
	httpx.WriteJSON(w, http.StatusCreated, ctrl.View())
}

func (h *FunnelHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ctrl.View())
}

type fieldsRequest struct {
	Updates []funnel.FieldUpdate `json:"updates"`
}

func (h *FunnelHandlers) setFields(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	var req fieldsRequest
	if err := httpx.DecodeJSON(r, &req, 64<<10); err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "body must be {\"updates\": [{\"path\", \"value\"}]}", http.StatusBadRequest))
		return
	}
	if len(req.Updates) == 0 || len(req.Updates) > maxFieldUpdates {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "between 1 and 50 updates are required", http.StatusBadRequest))
		return
	}
	for _, u := range req.Updates {
		if strings.TrimSpace(u.Path) == "" {
			httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "every update needs a path", http.StatusBadRequest))
			return
		}
	}
	view, err := ctrl.Set(req.Updates)
	respondView(w, r, view, err, http.StatusOK)
}

func (h *FunnelHandlers) advance(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	view, err := ctrl.Advance(r.Context())
	respondView(w, r, view, err, http.StatusOK)
}

func (h *FunnelHandlers) retreat(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ctrl.Retreat())
}

type addItemResponse struct {
	ItemID  string      `json:"itemId"`
	Session funnel.View `json:"session"`
}

func (h *FunnelHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	id, view, err := ctrl.AddItem(chi.URLParam(r, "list"))
	if err != nil {
		writeFunnelError(w, r, view, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, addItemResponse{ItemID: id, Session: view})
}

func (h *FunnelHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	view, err := ctrl.RemoveItem(chi.URLParam(r, "list"), chi.URLParam(r, "itemId"))
	respondView(w, r, view, err, http.StatusOK)
}

func (h *FunnelHandlers) preparePayment(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	view, err := ctrl.PreparePayment(r.Context())
	respondView(w, r, view, err, http.StatusOK)
}

func (h *FunnelHandlers) paymentResult(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.session(w, r)
	if !ok {
		return
	}
	var outcome checkout.Outcome
	if err := httpx.DecodeJSON(r, &outcome, 16<<10); err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "body must be a payment outcome", http.StatusBadRequest))
		return
	}
	view, err := ctrl.CompletePayment(r.Context(), outcome)
	respondView(w, r, view, err, http.StatusOK)
}

func (h *FunnelHandlers) session(w http.ResponseWriter, r *http.Request) (funnel.Controller, bool) {
	ctrl, err := h.sessions.Session(chi.URLParam(r, "sessionId"))
	if err != nil {
		writeFunnelError(w, r, funnel.View{}, err)
		return nil, false
	}
	return ctrl, true
}

func respondView(w http.ResponseWriter, r *http.Request, view funnel.View, err error, status int) {
	if err != nil {
		writeFunnelError(w, r, view, err)
		return
	}
	httpx.WriteJSON(w, status, view)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
