package services

import (
	"context"
	"time"

	"github.com/evolvecharge/funnel/internal/domain"
)

// CounterService allocates sequential identifiers backed by the counter repository.
type CounterService interface {
	Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error)
	NextOrderNumber(ctx context.Context) (string, error)
}

// OrderService backs the admin back office and the processor webhook.
type OrderService interface {
	ListOrders(ctx context.Context, filter OrderListFilter) ([]domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	Board(ctx context.Context, filter OrderListFilter) (OrderBoard, error)
	SweepAbandoned(ctx context.Context) (SweepResult, error)
	HandlePaymentWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error)
}

// SystemService aggregates utility endpoints (health checks).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// CounterGenerationOptions controls how counter values are incremented and formatted.
type CounterGenerationOptions struct {
	Step      int64
	Prefix    string
	Suffix    string
	PadLength int
	Formatter func(now time.Time, value int64) string
}

// CounterValue is a raw counter value with its formatted form.
type CounterValue struct {
	Value     int64
	Formatted string
}

// OrderListFilter narrows admin order listings.
type OrderListFilter struct {
	Statuses []domain.OrderStatus
	Flow     domain.FlowKind
	Limit    int
}

// BoardColumn is one status lane of the admin board. Totals cover the listed orders.
type BoardColumn struct {
	Status      domain.OrderStatus
	Count       int
	Total       float64
	AmountMinor int64
	Orders      []domain.Order
}

// OrderBoard groups orders by status in lifecycle order.
type OrderBoard struct {
	Columns     []BoardColumn
	GeneratedAt time.Time
}

// SweepResult reports the orders moved to abandoned.
type SweepResult struct {
	Cutoff   time.Time
	OrderIDs []string
}

// WebhookResult summarises how a processor event was handled.
type WebhookResult struct {
	EventID string
	Type    string
	OrderID string
	Handled bool
}

// SystemHealthReport decorates the dependency report with build metadata.
type SystemHealthReport struct {
	domain.HealthReport
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
}
