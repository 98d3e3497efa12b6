package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/evolvecharge/funnel/internal/domain"
	"github.com/evolvecharge/funnel/internal/notify"
	"github.com/evolvecharge/funnel/internal/payments"
	"github.com/evolvecharge/funnel/internal/repositories"
	"github.com/evolvecharge/funnel/internal/repositories/memory"
)

type stubNumbers struct {
	mu sync.Mutex
	n  int
}

func (s *stubNumbers) NextOrderNumber(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("EC-2026-%06d", s.n), nil
}

type stubPayments struct {
	mu          sync.Mutex
	createCalls int
	createErrs  []error
	noSecret    bool
	block       chan struct{}
	entered     chan struct{}
	lookup      payments.Intent
	lookupErr   error
	lastReq     payments.IntentRequest
}

func (s *stubPayments) CreateIntent(ctx context.Context, req payments.IntentRequest) (payments.Intent, error) {
	s.mu.Lock()
	s.createCalls++
	call := s.createCalls
	s.lastReq = req
	var err error
	if len(s.createErrs) > 0 {
		err, s.createErrs = s.createErrs[0], s.createErrs[1:]
	}
	block, entered := s.block, s.entered
	s.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return payments.Intent{}, ctx.Err()
		}
	}
	if err != nil {
		return payments.Intent{}, err
	}
	intent := payments.Intent{ID: fmt.Sprintf("pi_%d", call), AmountMinor: req.AmountMinor}
	if !s.noSecret {
		intent.ClientSecret = intent.ID + "_secret"
	}
	return intent, nil
}

func (s *stubPayments) LookupIntent(ctx context.Context, id string) (payments.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return payments.Intent{}, s.lookupErr
	}
	intent := s.lookup
	intent.ID = id
	return intent, nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []notify.Confirmation
	err  error
}

func (r *recordingSender) Send(_ context.Context, msg notify.Confirmation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return r.err
}

func (r *recordingSender) messages() []notify.Confirmation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Confirmation(nil), r.sent...)
}

type blockingSender struct {
	release chan struct{}
	ctxErr  chan error
}

func (b *blockingSender) Send(ctx context.Context, _ notify.Confirmation) error {
	<-b.release
	b.ctxErr <- ctx.Err()
	return nil
}

type flakyOrders struct {
	*memory.OrderRepository
	markPaidErrs int
}

func (f *flakyOrders) MarkPaid(ctx context.Context, orderID, ref string, at time.Time) (domain.Order, bool, error) {
	if f.markPaidErrs > 0 {
		f.markPaidErrs--
		return domain.Order{}, false, repositories.Unavailable("orders.mark_paid", errors.New("backend down"))
	}
	return f.OrderRepository.MarkPaid(ctx, orderID, ref, at)
}

type fixture struct {
	orch      *Orchestrator
	customers *memory.CustomerRepository
	orders    *flakyOrders
	pay       *stubPayments
	sender    *recordingSender
	finalizer *Finalizer
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		customers: memory.NewCustomerRepository(),
		orders:    &flakyOrders{OrderRepository: memory.NewOrderRepository()},
		pay:       &stubPayments{lookup: payments.Intent{Status: payments.StatusSucceeded}},
		sender:    &recordingSender{},
	}
	clock := func() time.Time { return time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC) }
	finalizer, err := NewFinalizer(FinalizerDeps{Orders: f.orders, Notifier: f.sender, Clock: clock, Timeout: timeout})
	if err != nil {
		t.Fatalf("finalizer: %v", err)
	}
	f.finalizer = finalizer
	f.orch, err = New(Deps{
		Customers: f.customers,
		Orders:    f.orders,
		Numbers:   &stubNumbers{},
		Payments:  f.pay,
		Finalizer: finalizer,
		Clock:     clock,
		Timeout:   timeout,
		Currency:  "USD",
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return f
}

func (f *fixture) orderCount(t *testing.T) int {
	t.Helper()
	orders, err := f.orders.List(context.Background(), repositories.OrderFilter{})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	return len(orders)
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.finalizer.Wait(ctx); err != nil {
		t.Fatalf("waiting for confirmations: %v", err)
	}
}

func sampleSubmission() Submission {
	return Submission{
		Flow:     domain.FlowOrder,
		Contact:  domain.Contact{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com", Phone: "555-123-4567"},
		PlanID:   "home-diy",
		AddOns:   []string{"extended-warranty"},
		Vehicles: []domain.Vehicle{{ID: "v1", Make: "Tesla", Model: "Model 3", Year: 2024}},
		Pricing:  domain.PricingSummary{OneTimeFee: 199, AddOnCost: 40, Subtotal: 239, TaxRate: 0.1, Tax: 23.9, Total: 262.9},
	}
}

func TestPrepareCreatesOrderAndPaymentSession(t *testing.T) {
	f := newFixture(t, time.Second)
	snap, err := f.orch.Prepare(context.Background(), sampleSubmission())
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if snap.State != StateAwaitingPayment || snap.ClientSecret == "" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.AmountMinor != 26290 || snap.Currency != "usd" {
		t.Fatalf("expected 26290 usd, got %d %s", snap.AmountMinor, snap.Currency)
	}
	order, err := f.orders.FindByID(context.Background(), snap.OrderID)
	if err != nil {
		t.Fatalf("find order: %v", err)
	}
	if order.Status != domain.OrderStatusPending || order.PaymentIntentID != snap.PaymentIntentID {
		t.Fatalf("unexpected order %+v", order)
	}
	if order.CustomerID != snap.CustomerID || order.Number != "EC-2026-000001" {
		t.Fatalf("unexpected order references %+v", order)
	}
	md := f.pay.lastReq.Metadata
	if md["customerId"] != snap.CustomerID || md["email"] != "ada@example.com" || md["addOns"] != "extended-warranty" {
		t.Fatalf("unexpected metadata %v", md)
	}
	if md["vehicles"] == "" {
		t.Fatalf("expected serialized vehicles in metadata")
	}
	if f.pay.lastReq.IdempotencyKey != "order-"+snap.OrderID {
		t.Fatalf("expected idempotency key tied to the order, got %q", f.pay.lastReq.IdempotencyKey)
	}
}

func TestPrepareTwiceDoesNotDuplicateOrders(t *testing.T) {
	f := newFixture(t, time.Second)
	first, err := f.orch.Prepare(context.Background(), sampleSubmission())
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	second, err := f.orch.Prepare(context.Background(), sampleSubmission())
	if err != nil {
		t.Fatalf("second prepare: %v", err)
	}
	if first.OrderID != second.OrderID || first.ClientSecret != second.ClientSecret {
		t.Fatalf("expected identical snapshots, got %+v vs %+v", first, second)
	}
	if f.orderCount(t) != 1 || f.customers.Len() != 1 || f.pay.createCalls != 1 {
		t.Fatalf("expected a single order, customer and intent; got %d/%d/%d", f.orderCount(t), f.customers.Len(), f.pay.createCalls)
	}
}

func TestPrepareRejectsConcurrentAttempt(t *testing.T) {
	f := newFixture(t, time.Second)
	f.pay.block = make(chan struct{})
	f.pay.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Prepare(context.Background(), sampleSubmission())
		done <- err
	}()
	<-f.pay.entered

	snap, err := f.orch.Prepare(context.Background(), sampleSubmission())
	if !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
	if !snap.Processing || snap.State != StatePreparingOrder {
		t.Fatalf("expected processing snapshot, got %+v", snap)
	}

	close(f.pay.block)
	if err := <-done; err != nil {
		t.Fatalf("first prepare: %v", err)
	}
	if f.orderCount(t) != 1 {
		t.Fatalf("expected one order, got %d", f.orderCount(t))
	}
}

func TestPrepareFailureIsRetriableWithoutDuplicates(t *testing.T) {
	f := newFixture(t, time.Second)
	f.pay.createErrs = []error{errors.New("502 from processor")}

	snap, err := f.orch.Prepare(context.Background(), sampleSubmission())
	var prepErr *PreparationError
	if !errors.As(err, &prepErr) {
		t.Fatalf("expected PreparationError, got %v", err)
	}
	if snap.State != StatePreparationFailed || snap.Error != MsgPreparationFailed || snap.ClientSecret != "" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	snap, err = f.orch.Prepare(context.Background(), sampleSubmission())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if snap.State != StateAwaitingPayment || snap.Error != "" {
		t.Fatalf("unexpected snapshot after retry %+v", snap)
	}
	if f.orderCount(t) != 1 || f.customers.Len() != 1 {
		t.Fatalf("retry must reuse records, got %d orders %d customers", f.orderCount(t), f.customers.Len())
	}
}

func TestPrepareChangedSubmissionStartsNewOrder(t *testing.T) {
	f := newFixture(t, time.Second)
	f.pay.createErrs = []error{errors.New("boom")}
	_, _ = f.orch.Prepare(context.Background(), sampleSubmission())

	changed := sampleSubmission()
	changed.Pricing.Total = 300
	if _, err := f.orch.Prepare(context.Background(), changed); err != nil {
		t.Fatalf("prepare changed: %v", err)
	}
	if f.orderCount(t) != 2 {
		t.Fatalf("expected a fresh order for the changed submission, got %d", f.orderCount(t))
	}
}

func TestPrepareMissingClientSecret(t *testing.T) {
	f := newFixture(t, time.Second)
	f.pay.noSecret = true
	snap, err := f.orch.Prepare(context.Background(), sampleSubmission())
	if !errors.Is(err, payments.ErrMissingClientSecret) {
		t.Fatalf("expected ErrMissingClientSecret, got %v", err)
	}
	if snap.State != StatePreparationFailed {
		t.Fatalf("expected preparation_failed, got %s", snap.State)
	}
}

func TestPrepareTimeout(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	f.pay.block = make(chan struct{})
	defer close(f.pay.block)

	snap, err := f.orch.Prepare(context.Background(), sampleSubmission())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if snap.Error != MsgPreparationTimeout {
		t.Fatalf("expected timeout message, got %q", snap.Error)
	}
}

func TestCompleteBeforePrepare(t *testing.T) {
	f := newFixture(t, time.Second)
	if _, err := f.orch.Complete(context.Background(), Outcome{Status: OutcomeSucceeded}); !errors.Is(err, ErrNotPrepared) {
		t.Fatalf("expected ErrNotPrepared, got %v", err)
	}
}

func TestCompleteErrorKeepsSession(t *testing.T) {
	f := newFixture(t, time.Second)
	prepared, _ := f.orch.Prepare(context.Background(), sampleSubmission())

	snap, err := f.orch.Complete(context.Background(), Outcome{Status: OutcomeError, Message: "Your card was declined."})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if snap.State != StateAwaitingPayment || snap.Error != "Your card was declined." || snap.ClientSecret != prepared.ClientSecret {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	snap, _ = f.orch.Complete(context.Background(), Outcome{Status: OutcomeIncomplete})
	if snap.Error != MsgPaymentIncomplete {
		t.Fatalf("expected incomplete message, got %q", snap.Error)
	}
	if f.pay.createCalls != 1 {
		t.Fatalf("retry must not re-prepare, got %d intents", f.pay.createCalls)
	}
}

func TestCompleteSuccessMarksPaidAndNotifies(t *testing.T) {
	f := newFixture(t, time.Second)
	prepared, _ := f.orch.Prepare(context.Background(), sampleSubmission())

	snap, err := f.orch.Complete(context.Background(), Outcome{Status: OutcomeSucceeded, PaymentReference: "ch_1"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if snap.State != StateComplete || snap.PaymentReference != "ch_1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	order, _ := f.orders.FindByID(context.Background(), prepared.OrderID)
	if order.Status != domain.OrderStatusPaid || order.PaidAt == nil {
		t.Fatalf("expected paid order, got %+v", order)
	}
	f.flush(t)
	if sent := f.sender.messages(); len(sent) != 1 || sent[0].OrderNumber != prepared.OrderNumber {
		t.Fatalf("expected one confirmation, got %+v", sent)
	}

	if _, err := f.orch.Complete(context.Background(), Outcome{Status: OutcomeSucceeded}); err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
	f.flush(t)
	if sent := f.sender.messages(); len(sent) != 1 {
		t.Fatalf("confirmation must be sent once, got %d", len(sent))
	}
}

func TestConfirmationDoesNotBlockCompletion(t *testing.T) {
	f := newFixture(t, time.Second)
	sender := &blockingSender{release: make(chan struct{}), ctxErr: make(chan error, 1)}
	finalizer, err := NewFinalizer(FinalizerDeps{Orders: f.orders, Notifier: sender, Timeout: time.Second})
	if err != nil {
		t.Fatalf("finalizer: %v", err)
	}
	f.orch.finalizer = finalizer
	_, _ = f.orch.Prepare(context.Background(), sampleSubmission())

	ctx, cancel := context.WithCancel(context.Background())
	snap, err := f.orch.Complete(ctx, Outcome{Status: OutcomeSucceeded})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if snap.State != StateComplete {
		t.Fatalf("expected complete while the e-mail is pending, got %s", snap.State)
	}

	cancel()
	close(sender.release)
	if err := <-sender.ctxErr; err != nil {
		t.Fatalf("send must outlive the request context, got %v", err)
	}
	if err := finalizer.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestCompleteSucceedsWhenEmailFails(t *testing.T) {
	f := newFixture(t, time.Second)
	f.sender.err = errors.New("smtp down")
	_, _ = f.orch.Prepare(context.Background(), sampleSubmission())

	snap, err := f.orch.Complete(context.Background(), Outcome{Status: OutcomeSucceeded})
	if err != nil {
		t.Fatalf("email failure must not surface, got %v", err)
	}
	if snap.State != StateComplete {
		t.Fatalf("expected complete, got %s", snap.State)
	}
	f.flush(t)
	if sent := f.sender.messages(); len(sent) != 1 {
		t.Fatalf("expected one attempted confirmation, got %d", len(sent))
	}
}

func TestCompleteRequiresProcessorConfirmation(t *testing.T) {
	f := newFixture(t, time.Second)
	f.pay.lookup = payments.Intent{Status: payments.StatusPending}
	_, _ = f.orch.Prepare(context.Background(), sampleSubmission())

	snap, err := f.orch.Complete(context.Background(), Outcome{Status: OutcomeSucceeded})
	if !errors.Is(err, ErrPaymentNotConfirmed) {
		t.Fatalf("expected ErrPaymentNotConfirmed, got %v", err)
	}
	if snap.State != StateAwaitingPayment || snap.Error != MsgNotConfirmed {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestCompleteFinalizationFailureIsRetriable(t *testing.T) {
	f := newFixture(t, time.Second)
	f.orders.markPaidErrs = 1
	prepared, _ := f.orch.Prepare(context.Background(), sampleSubmission())

	snap, err := f.orch.Complete(context.Background(), Outcome{Status: OutcomeSucceeded})
	var finErr *FinalizationError
	if !errors.As(err, &finErr) {
		t.Fatalf("expected FinalizationError, got %v", err)
	}
	if finErr.OrderID != prepared.OrderID || snap.State != StateFinalizing || snap.Error != MsgFinalization {
		t.Fatalf("unexpected finalization state %+v / %+v", finErr, snap)
	}

	f.pay.lookupErr = errors.New("lookup unavailable")
	snap, err = f.orch.Complete(context.Background(), Outcome{Status: OutcomeSucceeded})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if snap.State != StateComplete {
		t.Fatalf("expected complete after retry, got %s", snap.State)
	}
}

func TestCompleteUnknownOutcome(t *testing.T) {
	f := newFixture(t, time.Second)
	_, _ = f.orch.Prepare(context.Background(), sampleSubmission())
	if _, err := f.orch.Complete(context.Background(), Outcome{Status: "maybe"}); !errors.Is(err, ErrInvalidOutcome) {
		t.Fatalf("expected ErrInvalidOutcome, got %v", err)
	}
}

func TestMetadataValueKeepsRunesWhole(t *testing.T) {
	cases := map[string]struct {
		in      string
		wantLen int
	}{
		"short":             {in: "  Škoda  ", wantLen: len("Škoda")},
		"ascii at limit":    {in: strings.Repeat("a", maxMetadataValue+10), wantLen: maxMetadataValue},
		"rune across limit": {in: strings.Repeat("a", maxMetadataValue-1) + "Š" + "koda", wantLen: maxMetadataValue - 1},
		"all multibyte":     {in: strings.Repeat("Š", maxMetadataValue), wantLen: maxMetadataValue},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got := metadataValue(tc.in)
			if !utf8.ValidString(got) {
				t.Fatalf("invalid UTF-8: %q", got)
			}
			if len(got) != tc.wantLen {
				t.Fatalf("expected %d bytes, got %d", tc.wantLen, len(got))
			}
		})
	}
}
