package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/evolvecharge/funnel/internal/checkout"
	"github.com/evolvecharge/funnel/internal/domain"
	"github.com/evolvecharge/funnel/internal/payments"
	"github.com/evolvecharge/funnel/internal/repositories"
)

// DefaultAbandonAfter is how long an order may stay pending before the sweep abandons it.
const DefaultAbandonAfter = 24 * time.Hour

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderConflict indicates the order changed in a way that forbids the operation.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the order store could not be reached.
	ErrOrderUnavailable = errors.New("order: store unavailable")
	// ErrWebhookNotConfigured is returned when no webhook secret is configured.
	ErrWebhookNotConfigured = errors.New("order: payment webhook not configured")
	// ErrWebhookSignature rejects webhook payloads that fail verification.
	ErrWebhookSignature = errors.New("order: invalid webhook signature")
)

// boardStatuses is the column order of the admin board.
var boardStatuses = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusPaid,
	domain.OrderStatusAbandoned,
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders       repositories.OrderRepository
	Finalizer    *checkout.Finalizer
	Webhooks     payments.WebhookVerifier
	AbandonAfter time.Duration
	Clock        func() time.Time
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders       repositories.OrderRepository
	finalizer    *checkout.Finalizer
	webhooks     payments.WebhookVerifier
	abandonAfter time.Duration
	clock        func() time.Time
	logger       func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Webhooks != nil && deps.Finalizer == nil {
		return nil, errors.New("order service: finalizer is required to handle webhooks")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	abandonAfter := deps.AbandonAfter
	if abandonAfter <= 0 {
		abandonAfter = DefaultAbandonAfter
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:       deps.Orders,
		finalizer:    deps.Finalizer,
		webhooks:     deps.Webhooks,
		abandonAfter: abandonAfter,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) ([]domain.Order, error) {
	repoFilter, err := s.repoFilter(filter)
	if err != nil {
		return nil, err
	}
	orders, err := s.orders.List(ctx, repoFilter)
	if err != nil {
		return nil, s.mapRepoError(err)
	}
	return orders, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepoError(err)
	}
	return order, nil
}

// Board lists each status lane separately so a busy lane cannot crowd out the others. A status
// filter restricts the lanes returned.
func (s *orderService) Board(ctx context.Context, filter OrderListFilter) (OrderBoard, error) {
	statuses := boardStatuses
	if len(filter.Statuses) > 0 {
		statuses = nil
		for _, status := range boardStatuses {
			for _, wanted := range filter.Statuses {
				if wanted == status {
					statuses = append(statuses, status)
					break
				}
			}
		}
		if len(statuses) == 0 {
			return OrderBoard{}, fmt.Errorf("%w: unknown status filter", ErrOrderInvalidInput)
		}
	}

	board := OrderBoard{GeneratedAt: s.clock()}
	for _, status := range statuses {
		lane := filter
		lane.Statuses = []domain.OrderStatus{status}
		orders, err := s.ListOrders(ctx, lane)
		if err != nil {
			return OrderBoard{}, err
		}
		column := BoardColumn{Status: status, Count: len(orders), Orders: orders}
		for _, order := range orders {
			column.Total += order.Pricing.Total
			column.AmountMinor += order.AmountMinor
		}
		board.Columns = append(board.Columns, column)
	}
	return board, nil
}

func (s *orderService) SweepAbandoned(ctx context.Context) (SweepResult, error) {
	now := s.clock()
	cutoff := now.Add(-s.abandonAfter)
	ids, err := s.orders.MarkAbandoned(ctx, cutoff, now)
	if err != nil {
		return SweepResult{}, s.mapRepoError(err)
	}
	if len(ids) > 0 {
		s.logger(ctx, "order.abandoned", map[string]any{"count": len(ids), "cutoff": cutoff})
	}
	return SweepResult{Cutoff: cutoff, OrderIDs: ids}, nil
}

// HandlePaymentWebhook finalises the order of a succeeded payment intent. The widget callback
// goes through the same finalizer, so whichever arrives second changes nothing.
func (s *orderService) HandlePaymentWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	if s.webhooks == nil {
		return WebhookResult{}, ErrWebhookNotConfigured
	}
	event, err := s.webhooks.ParseEvent(payload, signature)
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			return WebhookResult{}, fmt.Errorf("%w: %v", ErrWebhookSignature, err)
		}
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	result := WebhookResult{EventID: event.ID, Type: event.Type}
	if event.Type != payments.EventIntentSucceeded {
		return result, nil
	}

	orderID, err := s.orderForIntent(ctx, event.Intent)
	if err != nil {
		return result, err
	}
	order, err := s.finalizer.Finalize(ctx, orderID, event.Intent.ID)
	if err != nil {
		s.logger(ctx, "order.finalize_failed", map[string]any{
			"orderId":       orderID,
			"paymentIntent": event.Intent.ID,
			"eventId":       event.ID,
			"error":         err.Error(),
		})
		return result, s.mapRepoError(err)
	}
	result.OrderID = order.ID
	result.Handled = true
	return result, nil
}

func (s *orderService) orderForIntent(ctx context.Context, intent payments.Intent) (string, error) {
	order, err := s.orders.FindByPaymentIntent(ctx, intent.ID)
	if err == nil {
		return order.ID, nil
	}
	if !repositories.IsNotFound(err) {
		return "", s.mapRepoError(err)
	}
	// The intent may arrive before it was attached to the order.
	if orderID := strings.TrimSpace(intent.Metadata["orderId"]); orderID != "" {
		return orderID, nil
	}
	return "", fmt.Errorf("%w: no order for payment intent %s", ErrOrderNotFound, intent.ID)
}

func (s *orderService) repoFilter(filter OrderListFilter) (repositories.OrderFilter, error) {
	if filter.Limit < 0 {
		return repositories.OrderFilter{}, fmt.Errorf("%w: limit must be positive", ErrOrderInvalidInput)
	}
	for _, status := range filter.Statuses {
		switch status {
		case domain.OrderStatusPending, domain.OrderStatusPaid, domain.OrderStatusAbandoned:
		default:
			return repositories.OrderFilter{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
		}
	}
	switch filter.Flow {
	case "", domain.FlowOrder, domain.FlowLegacy, domain.FlowDonation:
	default:
		return repositories.OrderFilter{}, fmt.Errorf("%w: unknown flow %q", ErrOrderInvalidInput, filter.Flow)
	}
	limit := filter.Limit
	if limit == 0 || limit > repositories.DefaultOrderLimit {
		limit = repositories.DefaultOrderLimit
	}
	return repositories.OrderFilter{Statuses: filter.Statuses, Flow: filter.Flow, Limit: limit}, nil
}

func (s *orderService) mapRepoError(err error) error {
	switch {
	case err == nil:
		return nil
	case repositories.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	case repositories.IsUnavailable(err):
		return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
	case repositories.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrOrderConflict, err)
	default:
		return err
	}
}
