// Package memory provides in-process repositories for local runs and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/evolvecharge/funnel/internal/domain"
	"github.com/evolvecharge/funnel/internal/repositories"
)

func newID() string { return ulid.Make().String() }

// CustomerRepository keeps customers in a map.
type CustomerRepository struct {
	mu        sync.RWMutex
	customers map[string]domain.Customer
}

var _ repositories.CustomerRepository = (*CustomerRepository)(nil)

// NewCustomerRepository returns an empty repository.
func NewCustomerRepository() *CustomerRepository {
	return &CustomerRepository{customers: make(map[string]domain.Customer)}
}

func (r *CustomerRepository) Insert(ctx context.Context, customer domain.Customer) (domain.Customer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Customer{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if customer.ID == "" {
		customer.ID = newID()
	}
	if _, exists := r.customers[customer.ID]; exists {
		return domain.Customer{}, repositories.Conflict("customers.insert", "customer %s already exists", customer.ID)
	}
	r.customers[customer.ID] = customer
	return customer, nil
}

func (r *CustomerRepository) FindByID(ctx context.Context, customerID string) (domain.Customer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Customer{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	customer, ok := r.customers[customerID]
	if !ok {
		return domain.Customer{}, repositories.NotFound("customers.get", "customer %s not found", customerID)
	}
	return customer, nil
}

// Len returns the number of stored customers.
func (r *CustomerRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.customers)
}

// OrderRepository keeps orders in a map and enforces the status lifecycle like the Firestore store.
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository returns an empty repository.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: make(map[string]domain.Order)}
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if order.ID == "" {
		order.ID = newID()
	}
	if _, exists := r.orders[order.ID]; exists {
		return domain.Order{}, repositories.Conflict("orders.insert", "order %s already exists", order.ID)
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}
	r.orders[order.ID] = cloneOrder(order)
	return cloneOrder(order), nil
}

func (r *OrderRepository) AttachPaymentIntent(ctx context.Context, orderID, intentID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return repositories.NotFound("orders.attach_intent", "order %s not found", orderID)
	}
	if order.PaymentIntentID != "" && order.PaymentIntentID != intentID {
		return repositories.Conflict("orders.attach_intent", "order %s already has intent %s", orderID, order.PaymentIntentID)
	}
	order.PaymentIntentID = intentID
	order.UpdatedAt = at
	r.orders[orderID] = order
	return nil
}

func (r *OrderRepository) MarkPaid(ctx context.Context, orderID, reference string, paidAt time.Time) (domain.Order, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, false, repositories.NotFound("orders.mark_paid", "order %s not found", orderID)
	}
	if order.Status == domain.OrderStatusPaid {
		return cloneOrder(order), false, nil
	}
	if !order.Status.CanTransitionTo(domain.OrderStatusPaid) {
		return domain.Order{}, false, repositories.InvalidTransition("orders.mark_paid", orderID, order.Status, domain.OrderStatusPaid)
	}
	order.Status = domain.OrderStatusPaid
	order.PaymentReference = reference
	order.PaidAt = &paidAt
	order.UpdatedAt = paidAt
	r.orders[orderID] = order
	return cloneOrder(order), true, nil
}

func (r *OrderRepository) MarkAbandoned(ctx context.Context, cutoff, at time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, order := range r.orders {
		if order.Status != domain.OrderStatusPending || !order.CreatedAt.Before(cutoff) {
			continue
		}
		order.Status = domain.OrderStatusAbandoned
		abandonedAt := at
		order.AbandonedAt = &abandonedAt
		order.UpdatedAt = at
		r.orders[id] = order
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NotFound("orders.get", "order %s not found", orderID)
	}
	return cloneOrder(order), nil
}

func (r *OrderRepository) FindByPaymentIntent(ctx context.Context, intentID string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	intentID = strings.TrimSpace(intentID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, order := range r.orders {
		if intentID != "" && order.PaymentIntentID == intentID {
			return cloneOrder(order), nil
		}
	}
	return domain.Order{}, repositories.NotFound("orders.find_by_intent", "no order for intent %s", intentID)
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderFilter) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	wanted := make(map[domain.OrderStatus]bool, len(filter.Statuses))
	for _, s := range filter.Statuses {
		wanted[s] = true
	}
	out := make([]domain.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if len(wanted) > 0 && !wanted[order.Status] {
			continue
		}
		if filter.Flow != "" && order.Flow != filter.Flow {
			continue
		}
		out = append(out, cloneOrder(order))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = repositories.DefaultOrderLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneOrder(o domain.Order) domain.Order {
	o.AddOns = append([]string(nil), o.AddOns...)
	o.Vehicles = append([]domain.Vehicle(nil), o.Vehicles...)
	if o.Address != nil {
		addr := *o.Address
		o.Address = &addr
	}
	return o
}

// CounterRepository hands out sequence values from a map.
type CounterRepository struct {
	mu     sync.Mutex
	values map[string]int64
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)

// NewCounterRepository returns an empty counter store.
func NewCounterRepository() *CounterRepository {
	return &CounterRepository{values: make(map[string]int64)}
}

func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required")
	}
	if step < 0 {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "step must be positive")
	}
	if step == 0 {
		step = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[id] += step
	return r.values[id], nil
}
