package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/evolvecharge/funnel/internal/domain"
	"github.com/evolvecharge/funnel/internal/platform/httpx"
	"github.com/evolvecharge/funnel/internal/pricing"
	"github.com/evolvecharge/funnel/internal/services"
)

// AdminOrderHandlers serves the back-office order list, board and abandoned sweep.
type AdminOrderHandlers struct {
	orders services.OrderService
}

// NewAdminOrderHandlers constructs the admin order handlers.
func NewAdminOrderHandlers(orders services.OrderService) *AdminOrderHandlers {
	return &AdminOrderHandlers{orders: orders}
}

// Routes registers the /admin/orders endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	r.Get("/orders", h.list)
	r.Get("/orders/board", h.board)
	r.Post("/orders:sweep-abandoned", h.sweep)
	r.Get("/orders/{orderId}", h.get)
}

type orderResponse struct {
	ID               string                `json:"id"`
	Number           string                `json:"number"`
	Flow             domain.FlowKind       `json:"flow"`
	Status           domain.OrderStatus    `json:"status"`
	CustomerID       string                `json:"customerId,omitempty"`
	Customer         domain.Contact        `json:"customer"`
	Address          *domain.Address       `json:"address,omitempty"`
	PlanID           string                `json:"planId,omitempty"`
	BillingCycle     domain.BillingCycle   `json:"billingCycle,omitempty"`
	AddOns           []string              `json:"addOns,omitempty"`
	Vehicles         []domain.Vehicle      `json:"vehicles,omitempty"`
	Pricing          domain.PricingSummary `json:"pricing"`
	AmountMinor      int64                 `json:"amountMinor"`
	Currency         string                `json:"currency"`
	Total            string                `json:"total"`
	PaymentIntentID  string                `json:"paymentIntentId,omitempty"`
	PaymentReference string                `json:"paymentReference,omitempty"`
	PaidAt           *time.Time            `json:"paidAt,omitempty"`
	AbandonedAt      *time.Time            `json:"abandonedAt,omitempty"`
	CreatedAt        time.Time             `json:"createdAt"`
	UpdatedAt        time.Time             `json:"updatedAt"`
}

func newOrderResponse(o domain.Order) orderResponse {
	return orderResponse{
		ID:               o.ID,
		Number:           o.Number,
		Flow:             o.Flow,
		Status:           o.Status,
		CustomerID:       o.CustomerID,
		Customer:         o.Customer,
		Address:          o.Address,
		PlanID:           o.PlanID,
		BillingCycle:     o.BillingCycle,
		AddOns:           o.AddOns,
		Vehicles:         o.Vehicles,
		Pricing:          o.Pricing,
		AmountMinor:      o.AmountMinor,
		Currency:         o.Currency,
		Total:            pricing.Format(o.Pricing.Total, o.Currency),
		PaymentIntentID:  o.PaymentIntentID,
		PaymentReference: o.PaymentReference,
		PaidAt:           o.PaidAt,
		AbandonedAt:      o.AbandonedAt,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

func newOrderResponses(orders []domain.Order) []orderResponse {
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, newOrderResponse(o))
	}
	return out
}

type orderListResponse struct {
	Orders []orderResponse `json:"orders"`
	Count  int             `json:"count"`
}

func (h *AdminOrderHandlers) list(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseOrderFilter(w, r)
	if !ok {
		return
	}
	orders, err := h.orders.ListOrders(r.Context(), filter)
	if err != nil {
		writeOrderError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderListResponse{Orders: newOrderResponses(orders), Count: len(orders)})
}

func (h *AdminOrderHandlers) get(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		writeOrderError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newOrderResponse(order))
}

type boardColumnResponse struct {
	Status      domain.OrderStatus `json:"status"`
	Count       int                `json:"count"`
	Total       string             `json:"total"`
	AmountMinor int64              `json:"amountMinor"`
	Orders      []orderResponse    `json:"orders"`
}

type boardResponse struct {
	Columns     []boardColumnResponse `json:"columns"`
	GeneratedAt time.Time             `json:"generatedAt"`
}

func (h *AdminOrderHandlers) board(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseOrderFilter(w, r)
	if !ok {
		return
	}
	board, err := h.orders.Board(r.Context(), filter)
	if err != nil {
		writeOrderError(w, r, err)
		return
	}
	resp := boardResponse{GeneratedAt: board.GeneratedAt, Columns: make([]boardColumnResponse, 0, len(board.Columns))}
	for _, col := range board.Columns {
		currency := ""
		if len(col.Orders) > 0 {
			currency = col.Orders[0].Currency
		}
		resp.Columns = append(resp.Columns, boardColumnResponse{
			Status:      col.Status,
			Count:       col.Count,
			Total:       pricing.Format(col.Total, currency),
			AmountMinor: col.AmountMinor,
			Orders:      newOrderResponses(col.Orders),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type sweepResponse struct {
	Cutoff   time.Time `json:"cutoff"`
	OrderIDs []string  `json:"orderIds"`
	Count    int       `json:"count"`
}

func (h *AdminOrderHandlers) sweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.orders.SweepAbandoned(r.Context())
	if err != nil {
		writeOrderError(w, r, err)
		return
	}
	ids := result.OrderIDs
	if ids == nil {
		ids = []string{}
	}
	httpx.WriteJSON(w, http.StatusOK, sweepResponse{Cutoff: result.Cutoff, OrderIDs: ids, Count: len(ids)})
}

// parseOrderFilter reads ?status=a,b&status=c&flow=&limit=.
func parseOrderFilter(w http.ResponseWriter, r *http.Request) (services.OrderListFilter, bool) {
	query := r.URL.Query()
	var filter services.OrderListFilter
	for _, raw := range query["status"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
				filter.Statuses = append(filter.Statuses, domain.OrderStatus(part))
			}
		}
	}
	filter.Flow = domain.FlowKind(strings.ToLower(strings.TrimSpace(query.Get("flow"))))
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "limit must be a non-negative integer", http.StatusBadRequest))
			return services.OrderListFilter{}, false
		}
		filter.Limit = limit
	}
	return filter, true
}
