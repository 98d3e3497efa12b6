package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/evolvecharge/funnel/internal/platform/httpx"
	"github.com/evolvecharge/funnel/internal/platform/requestctx"
	"github.com/evolvecharge/funnel/internal/services"
)

const (
	maxWebhookBodySize    = 64 << 10
	stripeSignatureHeader = "Stripe-Signature"
)

// WebhookHandlers receives payment processor events.
type WebhookHandlers struct {
	orders services.OrderService
}

// NewWebhookHandlers constructs the webhook handlers.
func NewWebhookHandlers(orders services.OrderService) *WebhookHandlers {
	return &WebhookHandlers{orders: orders}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	r.Post("/stripe", h.stripe)
}

type webhookResponse struct {
	Received bool   `json:"received"`
	EventID  string `json:"eventId,omitempty"`
	Type     string `json:"type,omitempty"`
	OrderID  string `json:"orderId,omitempty"`
	Handled  bool   `json:"handled"`
}

// stripe answers 2xx for every event it has dealt with, including ones that need no action, so
// the processor stops retrying. Store and finalization failures answer 5xx to get a retry.
func (h *WebhookHandlers) stripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("request_too_large", "webhook payload too large", http.StatusRequestEntityTooLarge))
		return
	}

	result, err := h.orders.HandlePaymentWebhook(ctx, payload, r.Header.Get(stripeSignatureHeader))
	if errors.Is(err, services.ErrOrderNotFound) {
		requestctx.Logger(ctx).Warn("webhook for unknown order ignored", zap.String("eventId", result.EventID), zap.Error(err))
		err = nil
	}
	if err != nil {
		writeOrderError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, webhookResponse{
		Received: true,
		EventID:  result.EventID,
		Type:     result.Type,
		OrderID:  result.OrderID,
		Handled:  result.Handled,
	})
}
