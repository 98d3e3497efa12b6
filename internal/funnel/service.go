package funnel

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/evolvecharge/funnel/internal/catalog"
	"github.com/evolvecharge/funnel/internal/checkout"
	"github.com/evolvecharge/funnel/internal/domain"
	"github.com/evolvecharge/funnel/internal/validation"
)

// TaxRates holds the configured rate per order flow. Donations are never taxed.
type TaxRates struct {
	Order  float64
	Legacy float64
}

// DefaultTaxRates are the rates used when Deps.TaxRates is nil.
var DefaultTaxRates = TaxRates{Order: 0.10, Legacy: 0.08}

// Deps bundles collaborators required to construct a Service.
type Deps struct {
	Catalog      *catalog.Catalog
	Validator    *validation.StructValidator
	Checkout     checkout.Deps
	Registry     *Registry
	TaxRates     *TaxRates
	NewSessionID func() string
	NewItemID    func() string
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Service starts wizard sessions and looks them up.
type Service struct {
	catalog      *catalog.Catalog
	checkout     checkout.Deps
	registry     *Registry
	newSessionID func() string
	newItemID    func() string
	clock        func() time.Time
	logger       *zap.Logger

	order    *Flow[domain.OrderDraft]
	legacy   *Flow[domain.OrderDraft]
	donation *Flow[domain.DonationDraft]
}

// NewService builds the three flows from deps.
func NewService(deps Deps) (*Service, error) {
	if deps.Catalog == nil {
		return nil, errors.New("funnel: catalog is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("funnel: session registry is required")
	}
	svc := &Service{
		catalog:      deps.Catalog,
		checkout:     deps.Checkout,
		registry:     deps.Registry,
		newSessionID: deps.NewSessionID,
		newItemID:    deps.NewItemID,
		clock:        deps.Clock,
		logger:       deps.Logger,
	}
	if svc.newSessionID == nil {
		svc.newSessionID = uuid.NewString
	}
	if svc.newItemID == nil {
		svc.newItemID = newULID
	}
	if svc.clock == nil {
		svc.clock = time.Now
	}
	if svc.logger == nil {
		svc.logger = zap.NewNop()
	}
	if svc.checkout.Currency == "" {
		svc.checkout.Currency = deps.Catalog.Currency()
	}
	v := deps.Validator
	if v == nil {
		v = validation.NewStructValidator(svc.clock)
	}
	rates := DefaultTaxRates
	if deps.TaxRates != nil {
		rates = *deps.TaxRates
	}
	svc.order = NewOrderFlow(deps.Catalog, v, rates.Order, svc.newItemID)
	svc.legacy = NewLegacyFlow(deps.Catalog, v, rates.Legacy, svc.newItemID)
	svc.donation = NewDonationFlow(v)
	return svc, nil
}

// Catalog returns the plan and add-on catalog the flows price against.
func (s *Service) Catalog() *catalog.Catalog { return s.catalog }

// Flows lists the flows sessions can be started for.
func (s *Service) Flows() []domain.FlowKind {
	return []domain.FlowKind{domain.FlowOrder, domain.FlowLegacy, domain.FlowDonation}
}

// Start creates and registers a new session for kind.
func (s *Service) Start(kind domain.FlowKind) (Controller, error) {
	orch, err := checkout.New(s.checkout)
	if err != nil {
		return nil, fmt.Errorf("funnel: build checkout: %w", err)
	}
	opts := SessionOptions{
		ID:       s.newSessionID(),
		Checkout: orch,
		Currency: s.catalog.Currency(),
		NewID:    s.newItemID,
		Clock:    s.clock,
		Logger:   s.logger,
	}
	var ctrl Controller
	switch kind {
	case domain.FlowOrder:
		ctrl, err = NewSession(s.order, opts)
	case domain.FlowLegacy:
		ctrl, err = NewSession(s.legacy, opts)
	case domain.FlowDonation:
		ctrl, err = NewSession(s.donation, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFlow, kind)
	}
	if err != nil {
		return nil, err
	}
	s.registry.Put(ctrl)
	s.logger.Info("wizard session started", zap.String("sessionId", ctrl.ID()), zap.String("flow", string(kind)))
	return ctrl, nil
}

// Session returns a live session.
func (s *Service) Session(id string) (Controller, error) {
	ctrl, ok := s.registry.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return ctrl, nil
}

func newULID() string { return ulid.Make().String() }
