package repositories

import (
	"context"
	"time"

	"github.com/evolvecharge/funnel/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CustomerRepository stores the customer records created while preparing an order.
type CustomerRepository interface {
	// Insert persists a new customer. An empty ID is filled in by the repository.
	Insert(ctx context.Context, customer domain.Customer) (domain.Customer, error)
	FindByID(ctx context.Context, customerID string) (domain.Customer, error)
}

// OrderRepository persists orders and enforces the status lifecycle.
type OrderRepository interface {
	// Insert persists a new pending order. An empty ID is filled in by the repository.
	Insert(ctx context.Context, order domain.Order) (domain.Order, error)
	// AttachPaymentIntent records the processor intent that makes the order payable.
	AttachPaymentIntent(ctx context.Context, orderID, intentID string, at time.Time) error
	// MarkPaid moves the order to paid and reports whether this call changed it. Marking an
	// already paid order succeeds without changes.
	MarkPaid(ctx context.Context, orderID, paymentReference string, paidAt time.Time) (domain.Order, bool, error)
	// MarkAbandoned moves pending orders created before cutoff to abandoned and returns their ids.
	MarkAbandoned(ctx context.Context, cutoff, at time.Time) ([]string, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByPaymentIntent(ctx context.Context, intentID string) (domain.Order, error)
	List(ctx context.Context, filter OrderFilter) ([]domain.Order, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// HealthRepository exposes status of downstream dependencies for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}

// OrderFilter narrows order listings. Results are newest first.
type OrderFilter struct {
	Statuses []domain.OrderStatus
	Flow     domain.FlowKind
	Limit    int
}

// DefaultOrderLimit caps listings when the filter leaves Limit unset.
const DefaultOrderLimit = 100
