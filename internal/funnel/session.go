package funnel

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evolvecharge/funnel/internal/checkout"
	"github.com/evolvecharge/funnel/internal/domain"
	"github.com/evolvecharge/funnel/internal/pricing"
	"github.com/evolvecharge/funnel/internal/validation"
	"github.com/evolvecharge/funnel/internal/wizard"
)

// Controller is the flow-independent surface of a wizard session used by the HTTP layer.
type Controller interface {
	ID() string
	Flow() domain.FlowKind
	View() View
	Set(updates []FieldUpdate) (View, error)
	Advance(ctx context.Context) (View, error)
	Retreat() View
	AddItem(list string) (string, View, error)
	RemoveItem(list, id string) (View, error)
	PreparePayment(ctx context.Context) (View, error)
	CompletePayment(ctx context.Context, outcome checkout.Outcome) (View, error)
	Busy() bool
}

// View is the client-facing state of a session.
type View struct {
	SessionID   string                `json:"sessionId"`
	Flow        domain.FlowKind       `json:"flow"`
	Step        int                   `json:"step"`
	StepName    string                `json:"stepName"`
	Steps       []string              `json:"steps"`
	PaymentStep int                   `json:"paymentStep"`
	Complete    bool                  `json:"complete"`
	Draft       any                   `json:"draft"`
	Errors      validation.Errors     `json:"errors"`
	Focus       string                `json:"focus,omitempty"`
	Pricing     domain.PricingSummary `json:"pricing"`
	Display     map[string]string     `json:"display"`
	Checkout    checkout.Snapshot     `json:"checkout"`
	Editable    bool                  `json:"editable"`
	UpdatedAt   time.Time             `json:"updatedAt"`
}

// Session binds one wizard to its checkout orchestrator. Field edits and step moves are
// serialised by the session mutex; remote calls run outside it behind the submitting flag.
type Session[D any] struct {
	id       string
	flow     *Flow[D]
	wiz      *wizard.Wizard[D]
	checkout *checkout.Orchestrator
	currency string
	newID    func() string
	clock    func() time.Time
	logger   *zap.Logger

	mu         sync.Mutex
	submitting bool
	updatedAt  time.Time
}

// SessionOptions carries the per-session collaborators.
type SessionOptions struct {
	ID       string
	Checkout *checkout.Orchestrator
	Currency string
	NewID    func() string
	Clock    func() time.Time
	Logger   *zap.Logger
}

// NewSession starts flow at step 1 with an empty draft.
func NewSession[D any](flow *Flow[D], opts SessionOptions) (*Session[D], error) {
	if flow == nil || flow.Apply == nil || flow.Submit == nil {
		return nil, errors.New("funnel: flow with Apply and Submit is required")
	}
	if opts.ID == "" {
		return nil, errors.New("funnel: session id is required")
	}
	if opts.Checkout == nil {
		return nil, errors.New("funnel: checkout orchestrator is required")
	}
	wiz, err := wizard.New(flow.Definition)
	if err != nil {
		return nil, err
	}
	s := &Session[D]{
		id:       opts.ID,
		flow:     flow,
		wiz:      wiz,
		checkout: opts.Checkout,
		currency: opts.Currency,
		newID:    opts.NewID,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.currency == "" {
		s.currency = "USD"
	}
	s.logger = s.logger.With(zap.String("sessionId", s.id), zap.String("flow", string(flow.Kind)))
	s.updatedAt = s.clock()
	return s, nil
}

func (s *Session[D]) ID() string { return s.id }

func (s *Session[D]) Flow() domain.FlowKind { return s.flow.Kind }

// Busy reports whether a payment call is running for the session.
func (s *Session[D]) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitting
}

func (s *Session[D]) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// Set applies updates in order and stops at the first one that fails; earlier updates stay
// applied.
func (s *Session[D]) Set(updates []FieldUpdate) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editableLocked(); err != nil {
		return s.viewLocked(), err
	}
	for _, u := range updates {
		path, raw := u.Path, u.Value
		err := s.wiz.Mutate(path, func(d *D) error { return s.flow.Apply(d, path, raw) })
		if err != nil {
			return s.viewLocked(), s.translate(err)
		}
	}
	s.touchLocked()
	return s.viewLocked(), nil
}

// Advance validates the current step and moves on. Entering the payment step prepares the
// order; the returned error is then a preparation failure and the step stays at payment.
func (s *Session[D]) Advance(ctx context.Context) (View, error) {
	s.mu.Lock()
	if s.submitting {
		view := s.viewLocked()
		s.mu.Unlock()
		return view, ErrBusy
	}
	transition, err := s.wiz.Advance()
	if err != nil {
		view := s.viewLocked()
		s.mu.Unlock()
		return view, err
	}
	s.touchLocked()
	s.logger.Debug("wizard advanced", zap.Int("from", transition.From), zap.Int("to", transition.To))
	if !transition.EnteredPayment {
		view := s.viewLocked()
		s.mu.Unlock()
		return view, nil
	}
	s.mu.Unlock()
	return s.PreparePayment(ctx)
}

// Retreat moves back one step; it is a no-op at the first and the terminal step.
func (s *Session[D]) Retreat() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiz.Retreat() {
		s.touchLocked()
	}
	return s.viewLocked()
}

// AddItem appends an item with a new stable id to list and returns that id.
func (s *Session[D]) AddItem(list string) (string, View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops, ok := s.flow.Lists[list]
	if !ok || ops.Add == nil {
		return "", s.viewLocked(), ErrUnknownList
	}
	if err := s.editableLocked(); err != nil {
		return "", s.viewLocked(), err
	}
	id := s.newItemID()
	if err := s.wiz.Mutate(list, func(d *D) error { return ops.Add(d, id) }); err != nil {
		return "", s.viewLocked(), s.translate(err)
	}
	s.touchLocked()
	return id, s.viewLocked(), nil
}

// RemoveItem drops the item and every error recorded under it.
func (s *Session[D]) RemoveItem(list, id string) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops, ok := s.flow.Lists[list]
	if !ok || ops.Remove == nil {
		return s.viewLocked(), ErrUnknownList
	}
	if err := s.editableLocked(); err != nil {
		return s.viewLocked(), err
	}
	if err := s.wiz.MutateTree(list+"."+id, func(d *D) error { return ops.Remove(d, id) }); err != nil {
		return s.viewLocked(), s.translate(err)
	}
	s.touchLocked()
	return s.viewLocked(), nil
}

// PreparePayment hands the current draft to the orchestrator. Once a payment session exists
// the draft is frozen and later calls return the same payment session.
func (s *Session[D]) PreparePayment(ctx context.Context) (View, error) {
	s.mu.Lock()
	switch {
	case s.submitting:
		view := s.viewLocked()
		s.mu.Unlock()
		return view, checkout.ErrInFlight
	case s.wiz.Complete():
		view := s.viewLocked()
		s.mu.Unlock()
		return view, nil
	case s.wiz.Step() != s.wiz.PaymentStep():
		view := s.viewLocked()
		s.mu.Unlock()
		return view, ErrNotAtPayment
	}
	sub := s.flow.Submit(s.wiz.Draft(), s.wiz.Pricing())
	s.submitting = true
	s.mu.Unlock()

	snap, err := s.checkout.Prepare(ctx, sub)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitting = false
	if snap.ClientSecret != "" {
		s.wiz.Freeze()
	}
	s.touchLocked()
	if err != nil {
		s.logger.Warn("order preparation failed", zap.Error(err))
		return s.viewLocked(), err
	}
	return s.viewLocked(), nil
}

// CompletePayment applies the widget outcome and moves to the confirmation step once the
// order is paid.
func (s *Session[D]) CompletePayment(ctx context.Context, outcome checkout.Outcome) (View, error) {
	s.mu.Lock()
	switch {
	case s.submitting:
		view := s.viewLocked()
		s.mu.Unlock()
		return view, checkout.ErrInFlight
	case s.wiz.Complete():
		view := s.viewLocked()
		s.mu.Unlock()
		return view, nil
	case s.wiz.Step() != s.wiz.PaymentStep():
		view := s.viewLocked()
		s.mu.Unlock()
		return view, ErrNotAtPayment
	}
	s.submitting = true
	s.mu.Unlock()

	snap, err := s.checkout.Complete(ctx, outcome)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitting = false
	if snap.State == checkout.StateComplete {
		if ferr := s.wiz.Finish(); ferr != nil {
			s.logger.Error("could not move wizard to confirmation", zap.Error(ferr))
		} else {
			s.logger.Info("order paid", zap.String("orderId", snap.OrderID), zap.String("orderNumber", snap.OrderNumber))
		}
	}
	s.touchLocked()
	return s.viewLocked(), err
}

func (s *Session[D]) editableLocked() error {
	switch {
	case s.submitting:
		return ErrBusy
	case s.wiz.Frozen(), s.wiz.Step() >= s.wiz.PaymentStep():
		return ErrLocked
	}
	return nil
}

func (s *Session[D]) translate(err error) error {
	if errors.Is(err, wizard.ErrFrozen) || errors.Is(err, wizard.ErrComplete) {
		return ErrLocked
	}
	return err
}

func (s *Session[D]) newItemID() string {
	if s.newID != nil {
		return s.newID()
	}
	return newULID()
}

func (s *Session[D]) touchLocked() { s.updatedAt = s.clock() }

func (s *Session[D]) viewLocked() View {
	price := s.wiz.Pricing()
	return View{
		SessionID:   s.id,
		Flow:        s.flow.Kind,
		Step:        s.wiz.Step(),
		StepName:    s.wiz.StepName(),
		Steps:       s.wiz.StepNames(),
		PaymentStep: s.wiz.PaymentStep(),
		Complete:    s.wiz.Complete(),
		Draft:       s.wiz.Draft(),
		Errors:      s.wiz.Errors(),
		Focus:       s.wiz.Focus(),
		Pricing:     price,
		Display:     display(price, s.currency),
		Checkout:    s.checkout.Snapshot(),
		Editable:    !s.submitting && !s.wiz.Frozen() && s.wiz.Step() < s.wiz.PaymentStep(),
		UpdatedAt:   s.updatedAt,
	}
}

func display(p domain.PricingSummary, currency string) map[string]string {
	return map[string]string{
		"oneTimeFee": pricing.Format(p.OneTimeFee, currency),
		"monthlyFee": pricing.Format(p.MonthlyFee, currency),
		"addOnCost":  pricing.Format(p.AddOnCost, currency),
		"subtotal":   pricing.Format(p.Subtotal, currency),
		"tax":        pricing.Format(p.Tax, currency),
		"total":      pricing.Format(p.Total, currency),
	}
}
