package firestore

import (
	"context"
	"errors"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/evolvecharge/funnel/internal/domain"
	pfirestore "github.com/evolvecharge/funnel/internal/platform/firestore"
	"github.com/evolvecharge/funnel/internal/repositories"
)

const customersCollection = "customers"

// CustomerRepository persists customers created during checkout.
type CustomerRepository struct {
	customers *pfirestore.Collection[customerDocument]
}

var _ repositories.CustomerRepository = (*CustomerRepository)(nil)

// NewCustomerRepository constructs a Firestore-backed customer repository.
func NewCustomerRepository(provider *pfirestore.Provider) (*CustomerRepository, error) {
	if provider == nil {
		return nil, errors.New("customer repository requires firestore provider")
	}
	return &CustomerRepository{
		customers: pfirestore.NewCollection[customerDocument](provider, customersCollection),
	}, nil
}

// Insert creates the customer document. Existing ids are rejected as conflicts.
func (r *CustomerRepository) Insert(ctx context.Context, customer domain.Customer) (domain.Customer, error) {
	if strings.TrimSpace(customer.ID) == "" {
		customer.ID = ulid.Make().String()
	}
	doc := customerDocument{
		Contact:   fromContact(customer.Contact),
		Address:   fromAddress(customer.Address),
		CreatedAt: customer.CreatedAt.UTC(),
	}
	if err := r.customers.Create(ctx, customer.ID, doc); err != nil {
		return domain.Customer{}, err
	}
	return customer, nil
}

// FindByID loads a customer.
func (r *CustomerRepository) FindByID(ctx context.Context, customerID string) (domain.Customer, error) {
	doc, err := r.customers.Get(ctx, customerID)
	if err != nil {
		return domain.Customer{}, err
	}
	return domain.Customer{
		ID:        doc.ID,
		Contact:   toContact(doc.Data.Contact),
		Address:   toAddress(doc.Data.Address),
		CreatedAt: doc.Data.CreatedAt,
	}, nil
}
