package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/evolvecharge/funnel/internal/checkout"
	"github.com/evolvecharge/funnel/internal/funnel"
	"github.com/evolvecharge/funnel/internal/platform/httpx"
	"github.com/evolvecharge/funnel/internal/platform/requestctx"
	"github.com/evolvecharge/funnel/internal/services"
	"github.com/evolvecharge/funnel/internal/wizard"
)

const msgFinalizationGeneric = "Your payment was received but the order could not be completed. Our team has been notified."

// writeFunnelError maps session and checkout failures onto the error envelope. The session view
// rides along under "session" whenever one exists so the client can re-render.
func writeFunnelError(w http.ResponseWriter, r *http.Request, view funnel.View, err error) {
	ctx := r.Context()
	var (
		stepErr  *wizard.StepError
		fieldErr *funnel.FieldError
		prepErr  *checkout.PreparationError
		finalErr *checkout.FinalizationError
		out      httpx.Error
	)

	switch {
	case errors.As(err, &stepErr):
		out = httpx.NewError("validation_failed", "Please fix the highlighted fields.", http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"errors": stepErr.Errors, "focus": stepErr.Focus})
	case errors.As(err, &fieldErr):
		out = httpx.NewError("invalid_field", fieldErr.Message, http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"errors": map[string]string{fieldErr.Path: fieldErr.Message}, "focus": fieldErr.Path})
	case errors.As(err, &prepErr):
		out = httpx.NewError("order_preparation_failed", prepErr.Message, http.StatusBadGateway)
	case errors.As(err, &finalErr):
		requestctx.Logger(ctx).Error("order finalization failed",
			zap.String("orderId", finalErr.OrderID),
			zap.String("paymentIntent", finalErr.IntentID),
			zap.Error(finalErr.Err),
		)
		out = httpx.NewError("order_finalization_failed", msgFinalizationGeneric, http.StatusInternalServerError)
	case errors.Is(err, checkout.ErrInFlight):
		out = httpx.NewError("checkout_in_progress", "Your order is already being processed.", http.StatusConflict)
	case errors.Is(err, funnel.ErrBusy):
		out = httpx.NewError("session_busy", "Your order is being prepared. Please wait.", http.StatusConflict)
	case errors.Is(err, funnel.ErrLocked), errors.Is(err, wizard.ErrComplete), errors.Is(err, wizard.ErrFrozen):
		out = httpx.NewError("session_locked", "This order can no longer be changed.", http.StatusConflict)
	case errors.Is(err, funnel.ErrNotAtPayment), errors.Is(err, wizard.ErrNotAtPayment):
		out = httpx.NewError("not_at_payment", "The session has not reached the payment step.", http.StatusConflict)
	case errors.Is(err, wizard.ErrPaymentStep):
		out = httpx.NewError("payment_required", "Complete the payment to continue.", http.StatusConflict)
	case errors.Is(err, checkout.ErrNotPrepared):
		out = httpx.NewError("payment_not_prepared", "The payment has not been prepared yet.", http.StatusConflict)
	case errors.Is(err, checkout.ErrPaymentNotConfirmed):
		out = httpx.NewError("payment_not_confirmed", checkout.MsgNotConfirmed, http.StatusConflict)
	case errors.Is(err, checkout.ErrInvalidOutcome):
		out = httpx.NewError("invalid_outcome", "Unknown payment outcome.", http.StatusBadRequest)
	case errors.Is(err, funnel.ErrListFloor):
		out = httpx.NewError("list_minimum", "At least one item is required.", http.StatusUnprocessableEntity)
	case errors.Is(err, funnel.ErrSessionNotFound):
		out = httpx.NewError("session_not_found", "Session not found or expired.", http.StatusNotFound)
	case errors.Is(err, funnel.ErrUnknownFlow):
		out = httpx.NewError("flow_not_found", "Unknown flow.", http.StatusNotFound)
	case errors.Is(err, funnel.ErrUnknownList):
		out = httpx.NewError("list_not_found", "Unknown list.", http.StatusNotFound)
	case errors.Is(err, funnel.ErrItemNotFound):
		out = httpx.NewError("item_not_found", "Item not found.", http.StatusNotFound)
	default:
		requestctx.Logger(ctx).Error("unhandled session error", zap.Error(err))
		out = httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError)
	}

	if view.SessionID != "" {
		out = out.WithDetails(map[string]any{"session": view})
	}
	httpx.WriteError(ctx, w, out)
}

// writeOrderError maps order service errors for the admin and webhook routes.
func writeOrderError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order changed concurrently", http.StatusConflict))
	case errors.Is(err, services.ErrWebhookSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
	case errors.Is(err, services.ErrWebhookNotConfigured):
		httpx.WriteError(ctx, w, httpx.NewError("webhook_not_configured", "payment webhook not configured", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_store_unavailable", "order store unavailable", http.StatusServiceUnavailable))
	default:
		requestctx.Logger(ctx).Error("order request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
	}
}
