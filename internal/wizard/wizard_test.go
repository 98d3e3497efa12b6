package wizard

import (
	"errors"
	"testing"

	"github.com/evolvecharge/funnel/internal/domain"
	"github.com/evolvecharge/funnel/internal/validation"
)

type testDraft struct {
	Name  string
	Email string
	Qty   int
}

func testDefinition() Definition[testDraft] {
	return Definition[testDraft]{
		Name: "test",
		Steps: []Step[testDraft]{
			{
				Name:   "details",
				Fields: []string{"name", "email"},
				Validate: func(d testDraft) validation.Errors {
					errs := make(validation.Errors)
					if d.Name == "" {
						errs.Add("name", validation.MsgRequired)
					}
					if !validation.ValidEmail(d.Email) {
						errs.Add("email", validation.MsgEmail)
					}
					return errs
				},
			},
			{Name: "review"},
			{Name: "payment"},
		},
		New: func() testDraft { return testDraft{Qty: 1} },
		Price: func(d testDraft) domain.PricingSummary {
			sub := float64(d.Qty) * 10
			return domain.PricingSummary{OneTimeFee: sub, Subtotal: sub, Total: sub}
		},
	}
}

func newTestWizard(t *testing.T) *Wizard[testDraft] {
	t.Helper()
	w, err := New(testDefinition())
	if err != nil {
		t.Fatalf("new wizard: %v", err)
	}
	return w
}

func TestNewStartsAtStepOne(t *testing.T) {
	w := newTestWizard(t)
	if w.Step() != 1 || w.StepName() != "details" {
		t.Fatalf("expected step 1 details, got %d %s", w.Step(), w.StepName())
	}
	if w.PaymentStep() != 3 || w.TerminalStep() != 4 {
		t.Fatalf("unexpected payment/terminal steps %d/%d", w.PaymentStep(), w.TerminalStep())
	}
	if w.Pricing().Total != 10 {
		t.Fatalf("expected initial price computed, got %+v", w.Pricing())
	}
}

func TestNewRejectsIncompleteDefinition(t *testing.T) {
	def := testDefinition()
	def.Steps = def.Steps[:1]
	if _, err := New(def); err == nil {
		t.Fatalf("expected error for single step definition")
	}
	def = testDefinition()
	def.Price = nil
	if _, err := New(def); err == nil {
		t.Fatalf("expected error for missing price function")
	}
}

func TestAdvanceBlockedByValidation(t *testing.T) {
	w := newTestWizard(t)

	_, err := w.Advance()
	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected StepError, got %v", err)
	}
	if w.Step() != 1 {
		t.Fatalf("step must not change, got %d", w.Step())
	}
	if len(w.Errors()) != 2 {
		t.Fatalf("expected two errors, got %v", w.Errors())
	}
	if stepErr.Focus != "name" {
		t.Fatalf("expected focus on first declared field, got %q", stepErr.Focus)
	}
}

func TestMutateClearsOnlyThatField(t *testing.T) {
	w := newTestWizard(t)
	_, _ = w.Advance()

	if err := w.Mutate("name", func(d *testDraft) error { d.Name = "Ada"; return nil }); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	errs := w.Errors()
	if _, ok := errs["name"]; ok {
		t.Fatalf("expected name error cleared")
	}
	if _, ok := errs["email"]; !ok {
		t.Fatalf("expected email error kept, got %v", errs)
	}
}

func TestMutateFailureLeavesStateUntouched(t *testing.T) {
	w := newTestWizard(t)
	_, _ = w.Advance()
	boom := errors.New("boom")

	err := w.Mutate("name", func(d *testDraft) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, ok := w.Errors()["name"]; !ok {
		t.Fatalf("expected name error kept after failed mutation")
	}
}

func TestMutateRecomputesPrice(t *testing.T) {
	w := newTestWizard(t)
	_ = w.Mutate("qty", func(d *testDraft) error { d.Qty = 3; return nil })
	if w.Pricing().Total != 30 {
		t.Fatalf("expected 30, got %v", w.Pricing().Total)
	}
	_ = w.Mutate("qty", func(d *testDraft) error { d.Qty = 2; return nil })
	if w.Pricing().Total != 20 {
		t.Fatalf("expected full recompute to 20, got %v", w.Pricing().Total)
	}
}

func TestMutateTreeClearsSubtree(t *testing.T) {
	w := newTestWizard(t)
	w.errs = validation.Errors{"items.a.x": "bad", "items.a.y": "bad", "items.ab.x": "bad"}

	_ = w.MutateTree("items.a", func(d *testDraft) error { return nil })
	errs := w.Errors()
	if len(errs) != 1 {
		t.Fatalf("expected only items.ab.x to remain, got %v", errs)
	}
	if _, ok := errs["items.ab.x"]; !ok {
		t.Fatalf("sibling with shared prefix must survive, got %v", errs)
	}
}

func TestValidateDoesNotMutate(t *testing.T) {
	w := newTestWizard(t)
	before := w.Draft()
	errs := w.Validate()
	if len(errs) == 0 {
		t.Fatalf("expected errors")
	}
	if w.Draft() != before || len(w.Errors()) != 0 {
		t.Fatalf("validate must not change wizard state")
	}
}

func TestAdvanceToPaymentAndFinish(t *testing.T) {
	w := newTestWizard(t)
	_ = w.Mutate("name", func(d *testDraft) error { d.Name = "Ada"; return nil })
	_ = w.Mutate("email", func(d *testDraft) error { d.Email = "ada@example.com"; return nil })

	tr, err := w.Advance()
	if err != nil || tr.To != 2 || tr.EnteredPayment {
		t.Fatalf("unexpected transition %+v err=%v", tr, err)
	}
	tr, err = w.Advance()
	if err != nil || !tr.EnteredPayment || tr.To != 3 {
		t.Fatalf("expected to enter payment, got %+v err=%v", tr, err)
	}
	if _, err := w.Advance(); !errors.Is(err, ErrPaymentStep) {
		t.Fatalf("expected ErrPaymentStep, got %v", err)
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !w.Complete() || w.StepName() != ConfirmationStepName {
		t.Fatalf("expected confirmation step, got %d", w.Step())
	}
	if w.Retreat() {
		t.Fatalf("retreat after completion must be a no-op")
	}
	if err := w.Mutate("name", func(d *testDraft) error { return nil }); !errors.Is(err, ErrFrozen) {
		t.Fatalf("expected ErrFrozen after completion, got %v", err)
	}
}

func TestFinishRequiresPaymentStep(t *testing.T) {
	w := newTestWizard(t)
	if err := w.Finish(); !errors.Is(err, ErrNotAtPayment) {
		t.Fatalf("expected ErrNotAtPayment, got %v", err)
	}
}

func TestRetreat(t *testing.T) {
	w := newTestWizard(t)
	if w.Retreat() || w.Step() != 1 {
		t.Fatalf("retreat at step 1 must be a no-op")
	}
	_ = w.Mutate("name", func(d *testDraft) error { d.Name = "Ada"; return nil })
	_ = w.Mutate("email", func(d *testDraft) error { d.Email = "ada@example.com"; return nil })
	_, _ = w.Advance()
	if !w.Retreat() || w.Step() != 1 {
		t.Fatalf("expected retreat to step 1, got %d", w.Step())
	}
}

func TestFreezeRejectsEdits(t *testing.T) {
	w := newTestWizard(t)
	w.Freeze()
	if err := w.Mutate("name", func(d *testDraft) error { d.Name = "x"; return nil }); !errors.Is(err, ErrFrozen) {
		t.Fatalf("expected ErrFrozen, got %v", err)
	}
	if w.Draft().Name != "" {
		t.Fatalf("frozen draft changed")
	}
}

func TestFieldOrderDrivesFocus(t *testing.T) {
	def := testDefinition()
	def.Steps[0].FieldOrder = func(testDraft) []string { return []string{"email", "name"} }
	w, err := New(def)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = w.Advance()
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Focus != "email" {
		t.Fatalf("expected focus on email, got %v", err)
	}
	if w.Focus() != "email" {
		t.Fatalf("expected live focus email, got %q", w.Focus())
	}
}
