package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/oklog/ulid/v2"

	"github.com/evolvecharge/funnel/internal/domain"
	pfirestore "github.com/evolvecharge/funnel/internal/platform/firestore"
	"github.com/evolvecharge/funnel/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists orders and applies status changes inside transactions.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
	}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	if strings.TrimSpace(order.ID) == "" {
		order.ID = ulid.Make().String()
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}
	if err := r.orders.Create(ctx, order.ID, fromOrder(order)); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r *OrderRepository) AttachPaymentIntent(ctx context.Context, orderID, intentID string, at time.Time) error {
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, doc, err := r.load(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if doc.PaymentIntentID != "" && doc.PaymentIntentID != intentID {
			return repositories.Conflict("orders.attach_intent", "order %s already has intent %s", orderID, doc.PaymentIntentID)
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "paymentIntentId", Value: intentID},
			{Path: "updatedAt", Value: at.UTC()},
		})
	})
}

func (r *OrderRepository) MarkPaid(ctx context.Context, orderID, reference string, paidAt time.Time) (domain.Order, bool, error) {
	var (
		result  domain.Order
		changed bool
	)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, doc, err := r.load(ctx, tx, orderID)
		if err != nil {
			return err
		}
		current := domain.OrderStatus(doc.Status)
		if current == domain.OrderStatusPaid {
			result, changed = toOrder(orderID, doc), false
			return nil
		}
		if !current.CanTransitionTo(domain.OrderStatusPaid) {
			return repositories.InvalidTransition("orders.mark_paid", orderID, current, domain.OrderStatusPaid)
		}
		at := paidAt.UTC()
		doc.Status = string(domain.OrderStatusPaid)
		doc.PaymentReference = reference
		doc.PaidAt = &at
		doc.UpdatedAt = at
		if err := tx.Update(ref, []firestore.Update{
			{Path: "status", Value: doc.Status},
			{Path: "paymentReference", Value: reference},
			{Path: "paidAt", Value: at},
			{Path: "updatedAt", Value: at},
		}); err != nil {
			return err
		}
		result, changed = toOrder(orderID, doc), true
		return nil
	})
	if err != nil {
		return domain.Order{}, false, err
	}
	return result, changed, nil
}

func (r *OrderRepository) MarkAbandoned(ctx context.Context, cutoff, at time.Time) ([]string, error) {
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("status", "==", string(domain.OrderStatusPending)).
			Where("createdAt", "<", cutoff.UTC())
	})
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, candidate := range docs {
		id := candidate.ID
		var moved bool
		err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			moved = false
			ref, doc, err := r.load(ctx, tx, id)
			if err != nil {
				return err
			}
			if domain.OrderStatus(doc.Status) != domain.OrderStatusPending {
				return nil
			}
			moved = true
			return tx.Update(ref, []firestore.Update{
				{Path: "status", Value: string(domain.OrderStatusAbandoned)},
				{Path: "abandonedAt", Value: at.UTC()},
				{Path: "updatedAt", Value: at.UTC()},
			})
		})
		if err != nil {
			return ids, fmt.Errorf("orders.mark_abandoned %s: %w", id, err)
		}
		if moved {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return toOrder(doc.ID, doc.Data), nil
}

func (r *OrderRepository) FindByPaymentIntent(ctx context.Context, intentID string) (domain.Order, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return domain.Order{}, repositories.NotFound("orders.find_by_intent", "payment intent id is required")
	}
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("paymentIntentId", "==", intentID).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, repositories.NotFound("orders.find_by_intent", "no order for intent %s", intentID)
	}
	return toOrder(docs[0].ID, docs[0].Data), nil
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderFilter) ([]domain.Order, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = repositories.DefaultOrderLimit
	}
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		switch len(filter.Statuses) {
		case 0:
		case 1:
			q = q.Where("status", "==", string(filter.Statuses[0]))
		default:
			statuses := make([]string, 0, len(filter.Statuses))
			for _, s := range filter.Statuses {
				statuses = append(statuses, string(s))
			}
			q = q.Where("status", "in", statuses)
		}
		if filter.Flow != "" {
			q = q.Where("flow", "==", string(filter.Flow))
		}
		return q.OrderBy("createdAt", firestore.Desc).Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Order, 0, len(docs))
	for _, d := range docs {
		out = append(out, toOrder(d.ID, d.Data))
	}
	return out, nil
}

func (r *OrderRepository) load(ctx context.Context, tx *firestore.Transaction, orderID string) (*firestore.DocumentRef, orderDocument, error) {
	ref, err := r.orders.Ref(ctx, orderID)
	if err != nil {
		return nil, orderDocument{}, err
	}
	snap, err := tx.Get(ref)
	if err != nil {
		return nil, orderDocument{}, pfirestore.WrapError("orders.get", err)
	}
	doc, err := r.orders.Decode(snap)
	if err != nil {
		return nil, orderDocument{}, err
	}
	return ref, doc.Data, nil
}
