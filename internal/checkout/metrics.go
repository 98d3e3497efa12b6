package checkout

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/evolvecharge/funnel/internal/domain"
)

const meterName = "github.com/evolvecharge/funnel/internal/checkout"

// Metrics counts order outcomes per flow.
type Metrics struct {
	prepared metric.Int64Counter
	failed   metric.Int64Counter
	paid     metric.Int64Counter
}

// NewMetrics registers the checkout counters on meter. A nil meter uses the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	prepared, err := meter.Int64Counter("funnel.orders.prepared", metric.WithDescription("Orders that reached the payment step"))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("funnel.orders.preparation_failed", metric.WithDescription("Failed order preparations"))
	if err != nil {
		return nil, err
	}
	paid, err := meter.Int64Counter("funnel.orders.paid", metric.WithDescription("Orders marked paid"))
	if err != nil {
		return nil, err
	}
	return &Metrics{prepared: prepared, failed: failed, paid: paid}, nil
}

func (m *Metrics) add(ctx context.Context, counter metric.Int64Counter, flow domain.FlowKind) {
	if m == nil || counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", string(flow))))
}

func (m *Metrics) orderPrepared(ctx context.Context, flow domain.FlowKind) {
	if m != nil {
		m.add(ctx, m.prepared, flow)
	}
}

func (m *Metrics) preparationFailed(ctx context.Context, flow domain.FlowKind) {
	if m != nil {
		m.add(ctx, m.failed, flow)
	}
}

func (m *Metrics) orderPaid(ctx context.Context, flow domain.FlowKind) {
	if m != nil {
		m.add(ctx, m.paid, flow)
	}
}
