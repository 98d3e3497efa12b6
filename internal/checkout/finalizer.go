package checkout

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evolvecharge/funnel/internal/domain"
	"github.com/evolvecharge/funnel/internal/notify"
	"github.com/evolvecharge/funnel/internal/repositories"
)

// FinalizerDeps bundles the collaborators of a Finalizer.
type FinalizerDeps struct {
	Orders   repositories.OrderRepository
	Notifier notify.Sender
	Metrics  *Metrics
	Clock    func() time.Time
	Logger   *zap.Logger
	Timeout  time.Duration
}

// Finalizer marks orders paid and sends the confirmation once. Both the widget callback and the
// processor webhook go through it, so whichever arrives second is a no-op.
type Finalizer struct {
	orders   repositories.OrderRepository
	notifier notify.Sender
	metrics  *Metrics
	clock    func() time.Time
	logger   *zap.Logger
	timeout  time.Duration

	sending sync.WaitGroup
}

// NewFinalizer validates deps and fills defaults.
func NewFinalizer(deps FinalizerDeps) (*Finalizer, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout finalizer: order repository is required")
	}
	f := &Finalizer{
		orders:   deps.Orders,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		logger:   deps.Logger,
		timeout:  deps.Timeout,
	}
	if f.notifier == nil {
		f.notifier = notify.LogSender{Logger: deps.Logger}
	}
	if f.clock == nil {
		f.clock = time.Now
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	if f.timeout <= 0 {
		f.timeout = defaultTimeout
	}
	return f, nil
}

// Finalize marks the order paid with reference. The confirmation is sent in the background and
// only by the call that changed the order; its failure is logged and never returned.
func (f *Finalizer) Finalize(ctx context.Context, orderID, reference string) (domain.Order, error) {
	var (
		order   domain.Order
		changed bool
	)
	err := withTimeout(ctx, f.timeout, func(ctx context.Context) error {
		var err error
		order, changed, err = f.orders.MarkPaid(ctx, orderID, reference, f.clock().UTC())
		return err
	})
	if err != nil {
		return domain.Order{}, err
	}
	if !changed {
		return order, nil
	}

	f.metrics.orderPaid(ctx, order.Flow)
	f.logger.Info("order paid",
		zap.String("orderId", order.ID),
		zap.String("orderNumber", order.Number),
		zap.String("paymentReference", reference),
	)

	f.dispatch(ctx, notify.ConfirmationFor(order))
	return order, nil
}

// dispatch sends msg without holding up the caller. The send keeps the request's values but not
// its cancellation, so a client disconnect does not drop the e-mail.
func (f *Finalizer) dispatch(ctx context.Context, msg notify.Confirmation) {
	sendCtx := context.WithoutCancel(ctx)
	f.sending.Add(1)
	go func() {
		defer f.sending.Done()
		err := withTimeout(sendCtx, f.timeout, func(ctx context.Context) error { return f.notifier.Send(ctx, msg) })
		if err != nil {
			f.logger.Warn("confirmation email failed", zap.String("orderId", msg.OrderID), zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight confirmations finish or ctx is done.
func (f *Finalizer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.sending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func withTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(callCtx)
}
