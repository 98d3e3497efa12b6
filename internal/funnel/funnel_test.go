package funnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evolvecharge/funnel/internal/catalog"
	"github.com/evolvecharge/funnel/internal/checkout"
	"github.com/evolvecharge/funnel/internal/domain"
	"github.com/evolvecharge/funnel/internal/payments"
	"github.com/evolvecharge/funnel/internal/repositories"
	"github.com/evolvecharge/funnel/internal/repositories/memory"
	"github.com/evolvecharge/funnel/internal/validation"
	"github.com/evolvecharge/funnel/internal/wizard"
)

var testNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type sequentialNumbers struct {
	mu sync.Mutex
	n  int
}

func (s *sequentialNumbers) NextOrderNumber(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("EC-2026-%06d", s.n), nil
}

type harness struct {
	svc    *Service
	pay    *payments.SandboxProvider
	orders *memory.OrderRepository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

func newHarnessWith(t *testing.T, configure func(*Deps)) *harness {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)

	clock := func() time.Time { return testNow }
	h := &harness{pay: payments.NewSandboxProvider(false), orders: memory.NewOrderRepository()}
	finalizer, err := checkout.NewFinalizer(checkout.FinalizerDeps{Orders: h.orders, Clock: clock})
	require.NoError(t, err)

	ids := 0
	deps := Deps{
		Catalog: cat,
		Checkout: checkout.Deps{
			Customers: memory.NewCustomerRepository(),
			Orders:    h.orders,
			Numbers:   &sequentialNumbers{},
			Payments:  h.pay,
			Finalizer: finalizer,
			Clock:     clock,
			Timeout:   time.Second,
		},
		Registry: NewRegistry(time.Hour, clock, nil),
		NewItemID: func() string {
			ids++
			return fmt.Sprintf("veh%d", ids)
		},
		Clock: clock,
	}
	if configure != nil {
		configure(&deps)
	}
	h.svc, err = NewService(deps)
	require.NoError(t, err)
	return h
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func set(t *testing.T, ctrl Controller, values map[string]any) View {
	t.Helper()
	updates := make([]FieldUpdate, 0, len(values))
	for path, v := range values {
		updates = append(updates, FieldUpdate{Path: path, Value: raw(t, v)})
	}
	view, err := ctrl.Set(updates)
	require.NoError(t, err)
	return view
}

func orderDraft(t *testing.T, view View) domain.OrderDraft {
	t.Helper()
	d, ok := view.Draft.(domain.OrderDraft)
	require.True(t, ok, "draft is %T", view.Draft)
	return d
}

func fillInformation(t *testing.T, ctrl Controller, vehicleID string) {
	t.Helper()
	set(t, ctrl, map[string]any{
		"customer.firstName":               "Ada",
		"customer.lastName":                "Lovelace",
		"customer.email":                   "Ada@Example.com",
		"customer.phone":                   "(555) 123-4567",
		"vehicles." + vehicleID + ".make":  "Tesla",
		"vehicles." + vehicleID + ".model": "Model 3",
		"vehicles." + vehicleID + ".year":  "2024",
	})
}

func advanceToPayment(t *testing.T, ctrl Controller) View {
	t.Helper()
	ctx := context.Background()
	view := set(t, ctrl, map[string]any{"planId": "home-diy", "addOns.extended-warranty": true})
	_, err := ctrl.Advance(ctx)
	require.NoError(t, err)
	fillInformation(t, ctrl, orderDraft(t, view).Vehicles[0].ID)
	_, err = ctrl.Advance(ctx)
	require.NoError(t, err)
	set(t, ctrl, map[string]any{"agreeToTerms": true})
	view, err = ctrl.Advance(ctx)
	require.NoError(t, err)
	return view
}

func TestOrderFlowReachesConfirmation(t *testing.T) {
	h := newHarness(t)
	ctrl, err := h.svc.Start(domain.FlowOrder)
	require.NoError(t, err)

	view := ctrl.View()
	assert.Equal(t, 1, view.Step)
	assert.Equal(t, []string{"plan", "information", "review", "payment", wizard.ConfirmationStepName}, view.Steps)
	require.Len(t, orderDraft(t, view).Vehicles, 1)

	view = advanceToPayment(t, ctrl)
	assert.Equal(t, "payment", view.StepName)
	assert.InDelta(t, 262.90, view.Pricing.Total, 1e-9)
	assert.Contains(t, view.Display["total"], "262.90")
	assert.Equal(t, checkout.StateAwaitingPayment, view.Checkout.State)
	assert.NotEmpty(t, view.Checkout.ClientSecret)
	assert.Equal(t, int64(26290), view.Checkout.AmountMinor)
	assert.False(t, view.Editable)
	assert.Equal(t, "ada@example.com", orderDraft(t, view).Customer.Email)

	_, err = ctrl.Set([]FieldUpdate{{Path: "planId", Value: raw(t, "fleet")}})
	assert.ErrorIs(t, err, ErrLocked)

	require.True(t, h.pay.MarkSucceeded(view.Checkout.PaymentIntentID))
	view, err = ctrl.CompletePayment(context.Background(), checkout.Outcome{Status: checkout.OutcomeSucceeded, PaymentReference: "ch_1"})
	require.NoError(t, err)
	assert.True(t, view.Complete)
	assert.Equal(t, wizard.ConfirmationStepName, view.StepName)

	order, err := h.orders.FindByID(context.Background(), view.Checkout.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, order.Status)
	assert.Equal(t, "ch_1", order.PaymentReference)
	assert.Equal(t, []string{"extended-warranty"}, order.AddOns)

	assert.Equal(t, view.Step, ctrl.Retreat().Step, "retreat is a no-op once complete")
}

func TestAdvanceBlockedOnBlankInformation(t *testing.T) {
	h := newHarness(t)
	ctrl, err := h.svc.Start(domain.FlowOrder)
	require.NoError(t, err)
	set(t, ctrl, map[string]any{"planId": "home-installed"})
	_, err = ctrl.Advance(context.Background())
	require.NoError(t, err)

	view, err := ctrl.Advance(context.Background())
	var stepErr *wizard.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 2, view.Step)
	assert.Equal(t, "customer.firstName", view.Focus)
	vehicleID := orderDraft(t, view).Vehicles[0].ID
	for _, path := range []string{"customer.email", "customer.phone", "address.line1", "address.zip", "vehicles." + vehicleID + ".year"} {
		assert.Contains(t, view.Errors, path)
	}
	assert.NotContains(t, view.Errors, "address.line2")
}

func TestAddressOnlyRequiredForInstalledPlans(t *testing.T) {
	h := newHarness(t)
	ctrl, err := h.svc.Start(domain.FlowOrder)
	require.NoError(t, err)
	view := set(t, ctrl, map[string]any{"planId": "home-diy"})
	_, err = ctrl.Advance(context.Background())
	require.NoError(t, err)
	fillInformation(t, ctrl, orderDraft(t, view).Vehicles[0].ID)

	view, err = ctrl.Advance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "review", view.StepName)
}

func TestSettingFieldClearsOnlyThatError(t *testing.T) {
	h := newHarness(t)
	ctrl, err := h.svc.Start(domain.FlowOrder)
	require.NoError(t, err)
	set(t, ctrl, map[string]any{"planId": "home-diy"})
	_, err = ctrl.Advance(context.Background())
	require.NoError(t, err)
	_, err = ctrl.Advance(context.Background())
	require.Error(t, err)

	view := set(t, ctrl, map[string]any{"customer.email": "not-an-email"})
	assert.NotContains(t, view.Errors, "customer.email", "editing clears the path until the next validation")
	assert.Contains(t, view.Errors, "customer.firstName")
	assert.Equal(t, "customer.firstName", view.Focus)
}

func TestVehicleErrorsKeyedByStableID(t *testing.T) {
	h := newHarness(t)
	ctrl, err := h.svc.Start(domain.FlowOrder)
	require.NoError(t, err)
	set(t, ctrl, map[string]any{"planId": "home-diy"})
	_, err = ctrl.Advance(context.Background())
	require.NoError(t, err)

	first := orderDraft(t, ctrl.View()).Vehicles[0].ID
	second, _, err := ctrl.AddItem(VehiclesList)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	view, err := ctrl.Advance(context.Background())
	require.Error(t, err)
	assert.Contains(t, view.Errors, "vehicles."+first+".make")
	assert.Contains(t, view.Errors, "vehicles."+second+".make")

	view, err = ctrl.RemoveItem(VehiclesList, first)
	require.NoError(t, err)
	for path := range view.Errors {
		assert.NotContains(t, path, first)
	}
	assert.Contains(t, view.Errors, "vehicles."+second+".make")
	assert.Contains(t, view.Errors, "vehicles."+second+".year")
	require.Len(t, orderDraft(t, view).Vehicles, 1)
	assert.Equal(t, second, orderDraft(t, view).Vehicles[0].ID)
}

func TestRemovingLastVehicleIsRejected(t *testing.T) {
	h := newHarness(t)
	ctrl, err := h.svc.Start(domain.FlowOrder)
	require.NoError(t, err)
	only := orderDraft(t, ctrl.View()).Vehicles[0].ID

	_, err = ctrl.RemoveItem(VehiclesList, only)
	assert.ErrorIs(t, err, ErrListFloor)
	_, err = ctrl.RemoveItem(VehiclesList, "missing")
	assert.ErrorIs(t, err, ErrItemNotFound)
	_, _, err = ctrl.AddItem("chargers")
	assert.ErrorIs(t, err, ErrUnknownList)
	assert.Len(t, orderDraft(t, ctrl.View()).Vehicles, 1)
}

func TestReenteringPaymentKeepsOnePaymentSession(t *testing.T) {
	h := newHarness(t)
	ctrl, err := h.svc.Start(domain.FlowOrder)
	require.NoError(t, err)
	first := advanceToPayment(t, ctrl)

	back := ctrl.Retreat()
	assert.Equal(t, "review", back.StepName)
	assert.False(t, back.Editable)

	again, err := ctrl.Advance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Checkout.ClientSecret, again.Checkout.ClientSecret)
	assert.Equal(t, first.Checkout.OrderID, again.Checkout.OrderID)

	_, err = ctrl.PreparePayment(context.Background())
	require.NoError(t, err)
	orders, err := h.orders.List(context.Background(), repositories.OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestWidgetErrorKeepsPaymentStep(t *testing.T) {
	h := newHarness(t)
	ctrl, err := h.svc.Start(domain.FlowOrder)
	require.NoError(t, err)
	advanceToPayment(t, ctrl)

	view, err := ctrl.CompletePayment(context.Background(), checkout.Outcome{Status: checkout.OutcomeError, Message: "Card declined."})
	require.NoError(t, err)
	assert.Equal(t, "payment", view.StepName)
	assert.Equal(t, "Card declined.", view.Checkout.Error)
	assert.NotEmpty(t, view.Checkout.ClientSecret)
}

func TestUnconfirmedPaymentIsNotFinalized(t *testing.T) {
	h := newHarness(t)
	ctrl, err := h.svc.Start(domain.FlowOrder)
	require.NoError(t, err)
	advanceToPayment(t, ctrl)

	view, err := ctrl.CompletePayment(context.Background(), checkout.Outcome{Status: checkout.OutcomeSucceeded})
	assert.ErrorIs(t, err, checkout.ErrPaymentNotConfirmed)
	assert.False(t, view.Complete)
}

func TestPaymentOperationsBeforePaymentStep(t *testing.T) {
	h := newHarness(t)
	ctrl, err := h.svc.Start(domain.FlowOrder)
	require.NoError(t, err)

	_, err = ctrl.PreparePayment(context.Background())
	assert.ErrorIs(t, err, ErrNotAtPayment)
	_, err = ctrl.CompletePayment(context.Background(), checkout.Outcome{Status: checkout.OutcomeSucceeded})
	assert.ErrorIs(t, err, ErrNotAtPayment)
	assert.Equal(t, 1, ctrl.Retreat().Step)
}

func TestInvalidFieldValues(t *testing.T) {
	h := newHarness(t)
	ctrl, err := h.svc.Start(domain.FlowOrder)
	require.NoError(t, err)

	cases := []FieldUpdate{
		{Path: "planId", Value: raw(t, "platinum")},
		{Path: "billingCycle", Value: raw(t, "weekly")},
		{Path: "addOns.jetpack", Value: raw(t, true)},
		{Path: "customer.nickname", Value: raw(t, "x")},
		{Path: "vehicles.nope.make", Value: raw(t, "Tesla")},
		{Path: "agreeToTerms", Value: raw(t, "yes")},
	}
	for _, tc := range cases {
		_, err := ctrl.Set([]FieldUpdate{tc})
		var fieldErr *FieldError
		assert.True(t, errors.As(err, &fieldErr), "path %s: %v", tc.Path, err)
	}
}

func TestFreeTextIsSanitised(t *testing.T) {
	h := newHarness(t)
	ctrl, err := h.svc.Start(domain.FlowOrder)
	require.NoError(t, err)
	view := set(t, ctrl, map[string]any{"customer.firstName": "  <b>Ada</b> "})
	assert.Equal(t, "Ada", orderDraft(t, view).Customer.FirstName)
}

func TestAnnualBillingPricing(t *testing.T) {
	h := newHarness(t)
	ctrl, err := h.svc.Start(domain.FlowOrder)
	require.NoError(t, err)
	view := set(t, ctrl, map[string]any{"planId": "home-diy", "billingCycle": "annual"})
	assert.InDelta(t, 99.0/12, view.Pricing.MonthlyFee, 1e-9)
	assert.InDelta(t, 199.0, view.Pricing.Subtotal, 1e-9)
}

func TestLegacyFlowUsesItsTaxRate(t *testing.T) {
	h := newHarness(t)
	ctrl, err := h.svc.Start(domain.FlowLegacy)
	require.NoError(t, err)
	view := set(t, ctrl, map[string]any{"planId": "home-diy"})
	assert.Equal(t, []string{"plan", "information", "payment", wizard.ConfirmationStepName}, view.Steps)
	assert.InDelta(t, 0.08, view.Pricing.TaxRate, 1e-9)
	assert.InDelta(t, 214.92, view.Pricing.Total, 1e-9)

	_, err = ctrl.Advance(context.Background())
	require.NoError(t, err)
	fillInformation(t, ctrl, orderDraft(t, view).Vehicles[0].ID)
	view, err = ctrl.Advance(context.Background())
	require.Error(t, err)
	assert.Equal(t, "agreeToTerms", view.Focus)
	assert.Equal(t, validation.MsgTerms, view.Errors["agreeToTerms"])
}

func TestDonationFlow(t *testing.T) {
	h := newHarness(t)
	ctrl, err := h.svc.Start(domain.FlowDonation)
	require.NoError(t, err)

	view, err := ctrl.Advance(context.Background())
	require.Error(t, err)
	assert.Equal(t, "amount", view.Focus)

	view = set(t, ctrl, map[string]any{"amount": "$25", "dedication": "For <i>Grace</i>"})
	assert.InDelta(t, 25.0, view.Pricing.Total, 1e-9)
	assert.Zero(t, view.Pricing.Tax)
	_, err = ctrl.Advance(context.Background())
	require.NoError(t, err)

	set(t, ctrl, map[string]any{
		"donor.firstName": "Grace",
		"donor.lastName":  "Hopper",
		"donor.email":     "grace@example.com",
		"donor.phone":     "555 987 6543",
		"agreeToTerms":    true,
	})
	view, err = ctrl.Advance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "payment", view.StepName)
	assert.Equal(t, int64(2500), view.Checkout.AmountMinor)

	draft, ok := view.Draft.(domain.DonationDraft)
	require.True(t, ok)
	assert.Equal(t, "For Grace", draft.Dedication)

	order, err := h.orders.FindByID(context.Background(), view.Checkout.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.FlowDonation, order.Flow)
}

func TestDonationAmountRejectsNonFiniteValues(t *testing.T) {
	h := newHarness(t)
	ctrl, err := h.svc.Start(domain.FlowDonation)
	require.NoError(t, err)
	set(t, ctrl, map[string]any{"amount": "$40"})

	for _, value := range []string{"NaN", "Inf", "+Infinity", "-inf"} {
		_, err := ctrl.Set([]FieldUpdate{{Path: "amount", Value: raw(t, value)}})
		var fieldErr *FieldError
		require.True(t, errors.As(err, &fieldErr), "value %q: %v", value, err)
		assert.Equal(t, "amount", fieldErr.Path)
	}

	view := ctrl.View()
	assert.InDelta(t, 40.0, view.Pricing.Total, 1e-9)
	_, err = json.Marshal(view)
	require.NoError(t, err)
}

func TestValidateAmountRejectsNonFiniteDrafts(t *testing.T) {
	for _, amount := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), 0.5} {
		errs := validateAmount(domain.DonationDraft{Amount: amount})
		assert.Equal(t, msgDonationAmount, errs["amount"], "amount %v", amount)
	}
	assert.Empty(t, validateAmount(domain.DonationDraft{Amount: 1}))
}

func TestExplicitZeroTaxRatesAreKept(t *testing.T) {
	h := newHarnessWith(t, func(d *Deps) { d.TaxRates = &TaxRates{} })
	for _, kind := range []domain.FlowKind{domain.FlowOrder, domain.FlowLegacy} {
		ctrl, err := h.svc.Start(kind)
		require.NoError(t, err)
		view := set(t, ctrl, map[string]any{"planId": "home-diy"})
		assert.Zero(t, view.Pricing.TaxRate, "flow %s", kind)
		assert.Zero(t, view.Pricing.Tax, "flow %s", kind)
	}

	ctrl, err := newHarness(t).svc.Start(domain.FlowOrder)
	require.NoError(t, err)
	view := set(t, ctrl, map[string]any{"planId": "home-diy"})
	assert.InDelta(t, DefaultTaxRates.Order, view.Pricing.TaxRate, 1e-9)
}

func TestServiceSessions(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Start(domain.FlowKind("raffle"))
	assert.ErrorIs(t, err, ErrUnknownFlow)

	ctrl, err := h.svc.Start(domain.FlowOrder)
	require.NoError(t, err)
	got, err := h.svc.Session(ctrl.ID())
	require.NoError(t, err)
	assert.Equal(t, ctrl.ID(), got.ID())

	_, err = h.svc.Session("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
