package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evolvecharge/funnel/internal/domain"
	"github.com/evolvecharge/funnel/internal/payments"
	"github.com/evolvecharge/funnel/internal/pricing"
	"github.com/evolvecharge/funnel/internal/repositories"
)

const defaultTimeout = 15 * time.Second

// NumberAllocator hands out display order numbers.
type NumberAllocator interface {
	NextOrderNumber(ctx context.Context) (string, error)
}

// Deps bundles collaborators required to construct an Orchestrator.
type Deps struct {
	Customers repositories.CustomerRepository
	Orders    repositories.OrderRepository
	Numbers   NumberAllocator
	Payments  payments.Provider
	Finalizer *Finalizer
	Metrics   *Metrics
	Clock     func() time.Time
	Logger    *zap.Logger
	Timeout   time.Duration
	Currency  string
}

// Orchestrator drives one draft from the payment step to a paid order. It is safe for
// concurrent use; overlapping attempts are rejected with ErrInFlight rather than queued.
type Orchestrator struct {
	customers repositories.CustomerRepository
	orders    repositories.OrderRepository
	numbers   NumberAllocator
	payments  payments.Provider
	finalizer *Finalizer
	metrics   *Metrics
	clock     func() time.Time
	logger    *zap.Logger
	timeout   time.Duration
	currency  string

	mu          sync.Mutex
	state       State
	processing  bool
	fingerprint string
	flow        domain.FlowKind
	customerID  string
	orderID     string
	orderNumber string
	intentID    string
	secret      string
	amountMinor int64
	reference   string
	lastError   string
}

// New validates deps and returns an idle orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Customers == nil:
		return nil, errors.New("checkout: customer repository is required")
	case deps.Orders == nil:
		return nil, errors.New("checkout: order repository is required")
	case deps.Numbers == nil:
		return nil, errors.New("checkout: order number allocator is required")
	case deps.Payments == nil:
		return nil, errors.New("checkout: payment provider is required")
	case deps.Finalizer == nil:
		return nil, errors.New("checkout: finalizer is required")
	}
	o := &Orchestrator{
		customers: deps.Customers,
		orders:    deps.Orders,
		numbers:   deps.Numbers,
		payments:  deps.Payments,
		finalizer: deps.Finalizer,
		metrics:   deps.Metrics,
		clock:     deps.Clock,
		logger:    deps.Logger,
		timeout:   deps.Timeout,
		currency:  strings.ToLower(strings.TrimSpace(deps.Currency)),
		state:     StateIdle,
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.timeout <= 0 {
		o.timeout = defaultTimeout
	}
	if o.currency == "" {
		o.currency = "usd"
	}
	return o, nil
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// HasSession reports whether a payment session exists.
func (o *Orchestrator) HasSession() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.secret != ""
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	return Snapshot{
		State:            o.state,
		Processing:       o.processing,
		ClientSecret:     o.secret,
		CustomerID:       o.customerID,
		OrderID:          o.orderID,
		OrderNumber:      o.orderNumber,
		PaymentIntentID:  o.intentID,
		PaymentReference: o.reference,
		AmountMinor:      o.amountMinor,
		Currency:         o.currency,
		Error:            o.lastError,
	}
}

// Prepare persists the customer and a pending order and requests a payment session. Once a
// client secret exists further calls return the current snapshot without side effects.
// Records created by a failed attempt are reused on retry as long as the submission is
// unchanged.
func (o *Orchestrator) Prepare(ctx context.Context, sub Submission) (Snapshot, error) {
	o.mu.Lock()
	if o.processing {
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap, ErrInFlight
	}
	if o.secret != "" {
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap, nil
	}
	if fp := sub.fingerprint(); fp != o.fingerprint {
		if o.orderID != "" {
			o.logger.Info("submission changed, discarding unpaid order", zap.String("orderId", o.orderID))
		}
		o.customerID, o.orderID, o.orderNumber = "", "", ""
		o.fingerprint = fp
	}
	o.processing = true
	o.state = StatePreparingOrder
	o.lastError = ""
	o.flow = sub.Flow
	o.mu.Unlock()

	err := o.prepare(ctx, sub)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.processing = false
	if err != nil {
		o.state = StatePreparationFailed
		o.lastError = MsgPreparationFailed
		if errors.Is(err, context.DeadlineExceeded) {
			o.lastError = MsgPreparationTimeout
		}
		o.metrics.preparationFailed(ctx, sub.Flow)
		o.logger.Warn("order preparation failed",
			zap.String("flow", string(sub.Flow)),
			zap.String("customerId", o.customerID),
			zap.String("orderId", o.orderID),
			zap.Error(err),
		)
		return o.snapshotLocked(), &PreparationError{Message: o.lastError, Err: err}
	}
	o.state = StateAwaitingPayment
	o.metrics.orderPrepared(ctx, sub.Flow)
	o.logger.Info("order prepared",
		zap.String("orderId", o.orderID),
		zap.String("orderNumber", o.orderNumber),
		zap.String("paymentIntent", o.intentID),
		zap.Int64("amountMinor", o.amountMinor),
	)
	return o.snapshotLocked(), nil
}

func (o *Orchestrator) prepare(ctx context.Context, sub Submission) error {
	now := o.clock().UTC()

	o.mu.Lock()
	customerID, orderID, orderNumber := o.customerID, o.orderID, o.orderNumber
	o.mu.Unlock()

	if customerID == "" {
		var customer domain.Customer
		err := o.call(ctx, func(ctx context.Context) error {
			var err error
			customer, err = o.customers.Insert(ctx, domain.Customer{Contact: sub.Contact, Address: sub.Address, CreatedAt: now})
			return err
		})
		if err != nil {
			return fmt.Errorf("create customer: %w", err)
		}
		customerID = customer.ID
		o.record(func() { o.customerID = customerID })
	}

	amountMinor := pricing.MinorUnits(sub.Pricing.Total)
	if orderID == "" {
		err := o.call(ctx, func(ctx context.Context) error {
			var err error
			orderNumber, err = o.numbers.NextOrderNumber(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("allocate order number: %w", err)
		}

		var order domain.Order
		err = o.call(ctx, func(ctx context.Context) error {
			var err error
			order, err = o.orders.Insert(ctx, domain.Order{
				Number:       orderNumber,
				Flow:         sub.Flow,
				CustomerID:   customerID,
				Customer:     sub.Contact,
				Address:      sub.Address,
				PlanID:       sub.PlanID,
				BillingCycle: sub.BillingCycle,
				AddOns:       sub.AddOns,
				Vehicles:     sub.Vehicles,
				Pricing:      sub.Pricing,
				AmountMinor:  amountMinor,
				Currency:     o.currency,
				Status:       domain.OrderStatusPending,
				CreatedAt:    now,
				UpdatedAt:    now,
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		orderID = order.ID
		o.record(func() { o.orderID, o.orderNumber = orderID, orderNumber })
	}

	var intent payments.Intent
	err := o.call(ctx, func(ctx context.Context) error {
		var err error
		intent, err = o.payments.CreateIntent(ctx, payments.IntentRequest{
			AmountMinor:    amountMinor,
			Currency:       o.currency,
			Description:    sub.Description,
			ReceiptEmail:   sub.Contact.Email,
			Metadata:       intentMetadata(sub, customerID, orderID, orderNumber),
			IdempotencyKey: "order-" + orderID,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("create payment session: %w", err)
	}
	if strings.TrimSpace(intent.ClientSecret) == "" {
		return payments.ErrMissingClientSecret
	}

	if err := o.call(ctx, func(ctx context.Context) error {
		return o.orders.AttachPaymentIntent(ctx, orderID, intent.ID, now)
	}); err != nil {
		return fmt.Errorf("attach payment intent: %w", err)
	}

	o.record(func() {
		o.intentID = intent.ID
		o.secret = intent.ClientSecret
		o.amountMinor = amountMinor
	})
	return nil
}

// Complete applies the widget outcome. Errors and incomplete payments keep the session for a
// retry. Success is verified with the processor before the order is marked paid.
func (o *Orchestrator) Complete(ctx context.Context, outcome Outcome) (Snapshot, error) {
	o.mu.Lock()
	if o.processing {
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap, ErrInFlight
	}
	switch o.state {
	case StateComplete:
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap, nil
	case StateAwaitingPayment, StateFinalizing:
	default:
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap, ErrNotPrepared
	}

	switch outcome.Status {
	case OutcomeError, OutcomeIncomplete:
		if o.state == StateAwaitingPayment {
			o.lastError = outcome.Message
			if o.lastError == "" {
				o.lastError = MsgPaymentFailed
				if outcome.Status == OutcomeIncomplete {
					o.lastError = MsgPaymentIncomplete
				}
			}
		}
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap, nil
	case OutcomeSucceeded:
	default:
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap, ErrInvalidOutcome
	}

	o.processing = true
	previous := o.state
	intentID, orderID := o.intentID, o.orderID
	o.mu.Unlock()

	// A retry from finalizing has already been verified with the processor.
	if previous == StateAwaitingPayment {
		if err := o.verify(ctx, intentID); err != nil {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.processing = false
			o.lastError = MsgNotConfirmed
			o.logger.Warn("payment not confirmed", zap.String("orderId", orderID), zap.String("paymentIntent", intentID), zap.Error(err))
			return o.snapshotLocked(), err
		}
	}

	reference := strings.TrimSpace(outcome.PaymentReference)
	if reference == "" {
		reference = intentID
	}

	o.record(func() { o.state = StateFinalizing })
	_, err := o.finalizer.Finalize(ctx, orderID, reference)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.processing = false
	if err != nil {
		o.lastError = MsgFinalization
		o.logger.Error("payment succeeded but order could not be marked paid",
			zap.String("orderId", orderID),
			zap.String("paymentIntent", intentID),
			zap.String("paymentReference", reference),
			zap.Error(err),
		)
		return o.snapshotLocked(), &FinalizationError{OrderID: orderID, IntentID: intentID, Err: err}
	}
	o.state = StateComplete
	o.reference = reference
	o.lastError = ""
	return o.snapshotLocked(), nil
}

func (o *Orchestrator) verify(ctx context.Context, intentID string) error {
	var intent payments.Intent
	err := o.call(ctx, func(ctx context.Context) error {
		if confirmer, ok := o.payments.(payments.Confirmer); ok {
			if err := confirmer.ConfirmIntent(ctx, intentID); err != nil {
				return err
			}
		}
		var err error
		intent, err = o.payments.LookupIntent(ctx, intentID)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentNotConfirmed, err)
	}
	if intent.Status != payments.StatusSucceeded {
		return fmt.Errorf("%w: intent status %s", ErrPaymentNotConfirmed, intent.Status)
	}
	return nil
}

func (o *Orchestrator) call(ctx context.Context, fn func(context.Context) error) error {
	return withTimeout(ctx, o.timeout, fn)
}

func (o *Orchestrator) record(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn()
}

func intentMetadata(sub Submission, customerID, orderID, orderNumber string) map[string]string {
	md := map[string]string{
		"customerId":  customerID,
		"orderId":     orderID,
		"orderNumber": orderNumber,
		"email":       sub.Contact.Email,
		"flow":        string(sub.Flow),
	}
	if sub.PlanID != "" {
		md["planId"] = sub.PlanID
	}
	if len(sub.AddOns) > 0 {
		md["addOns"] = metadataValue(strings.Join(sub.AddOns, ","))
	}
	if len(sub.Vehicles) > 0 {
		if data, err := json.Marshal(sub.Vehicles); err == nil {
			md["vehicles"] = metadataValue(string(data))
		}
	}
	for k, v := range sub.Metadata {
		if _, reserved := md[k]; !reserved {
			md[k] = metadataValue(v)
		}
	}
	return md
}
