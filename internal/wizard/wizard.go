// Package wizard implements the step sequencer shared by every funnel flow.
//
// A Wizard owns the step index, the typed draft, the current validation errors and the
// price summary derived from the draft. Flows plug in their steps, validators and pricing
// function through a Definition.
package wizard

import (
	"errors"
	"fmt"
	"strings"

	"github.com/evolvecharge/funnel/internal/domain"
	"github.com/evolvecharge/funnel/internal/validation"
)

var (
	// ErrPaymentStep is returned when Advance is called on the payment step.
	ErrPaymentStep = errors.New("wizard: payment step is left only through a completed payment")
	// ErrNotAtPayment is returned when Finish is called before the payment step.
	ErrNotAtPayment = errors.New("wizard: not at the payment step")
	// ErrComplete is returned for moves attempted after the wizard finished.
	ErrComplete = errors.New("wizard: already complete")
)

// Step is one form step. Fields lists the error paths the step owns in focus order;
// FieldOrder, when set, replaces it for steps whose paths depend on the draft.
type Step[D any] struct {
	Name       string
	Fields     []string
	FieldOrder func(D) []string
	Validate   func(D) validation.Errors
}

func (s Step[D]) focusOrder(d D) []string {
	if s.FieldOrder != nil {
		return s.FieldOrder(d)
	}
	return s.Fields
}

// Definition configures a wizard. The last step is the payment step; the confirmation step
// after it is implicit.
type Definition[D any] struct {
	Name  string
	Steps []Step[D]
	New   func() D
	Price func(D) domain.PricingSummary
}

// ConfirmationStepName names the implicit terminal step.
const ConfirmationStepName = "confirmation"

// Transition describes a successful Advance.
type Transition struct {
	From           int
	To             int
	EnteredPayment bool
}

// StepError reports the validation failures that blocked Advance.
type StepError struct {
	Step   int
	Errors validation.Errors
	Focus  string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("wizard: step %d has %d invalid field(s), first %s", e.Step, len(e.Errors), e.Focus)
}

// Wizard is not safe for concurrent use; callers serialise access.
type Wizard[D any] struct {
	def    Definition[D]
	step   int
	draft  D
	errs   validation.Errors
	price  domain.PricingSummary
	frozen bool
}

// New starts a wizard at step 1 with the definition's empty draft.
func New[D any](def Definition[D]) (*Wizard[D], error) {
	if strings.TrimSpace(def.Name) == "" {
		return nil, errors.New("wizard: definition name is required")
	}
	if len(def.Steps) < 2 {
		return nil, fmt.Errorf("wizard %s: at least one form step and a payment step are required", def.Name)
	}
	if def.New == nil || def.Price == nil {
		return nil, fmt.Errorf("wizard %s: New and Price are required", def.Name)
	}
	w := &Wizard[D]{
		def:   def,
		step:  1,
		draft: def.New(),
		errs:  make(validation.Errors),
	}
	w.price = def.Price(w.draft)
	return w, nil
}

// Name returns the definition name.
func (w *Wizard[D]) Name() string { return w.def.Name }

// Step returns the current 1-based step index.
func (w *Wizard[D]) Step() int { return w.step }

// StepName returns the name of the current step.
func (w *Wizard[D]) StepName() string { return w.stepName(w.step) }

// StepNames returns every step name including the confirmation step.
func (w *Wizard[D]) StepNames() []string {
	out := make([]string, 0, len(w.def.Steps)+1)
	for _, s := range w.def.Steps {
		out = append(out, s.Name)
	}
	return append(out, ConfirmationStepName)
}

// PaymentStep returns the index of the payment step.
func (w *Wizard[D]) PaymentStep() int { return len(w.def.Steps) }

// TerminalStep returns the index of the confirmation step.
func (w *Wizard[D]) TerminalStep() int { return len(w.def.Steps) + 1 }

// Complete reports whether the wizard reached the confirmation step.
func (w *Wizard[D]) Complete() bool { return w.step == w.TerminalStep() }

// Draft returns the current draft value.
func (w *Wizard[D]) Draft() D { return w.draft }

// Errors returns a copy of the current error set.
func (w *Wizard[D]) Errors() validation.Errors { return w.errs.Clone() }

// Focus returns the first invalid field of the current step, or "" when there is none.
func (w *Wizard[D]) Focus() string {
	step, ok := w.current()
	if !ok {
		return ""
	}
	return w.errs.First(step.focusOrder(w.draft))
}

// Pricing returns the summary derived from the current draft.
func (w *Wizard[D]) Pricing() domain.PricingSummary { return w.price }

// Frozen reports whether edits are rejected.
func (w *Wizard[D]) Frozen() bool { return w.frozen }

// Freeze rejects further edits. A submitted draft stays frozen.
func (w *Wizard[D]) Freeze() { w.frozen = true }

// ErrFrozen is returned when a frozen draft is edited.
var ErrFrozen = errors.New("wizard: draft is frozen")

// Mutate applies fn to the draft, clears the error recorded for path and recomputes the
// price. Errors on other paths are left alone. When fn fails nothing changes.
func (w *Wizard[D]) Mutate(path string, fn func(*D) error) error {
	return w.mutate(fn, func(errs validation.Errors) { errs.Clear(path) })
}

// MutateTree is Mutate for edits that remove a subtree, such as a list item: every error
// under prefix is cleared.
func (w *Wizard[D]) MutateTree(prefix string, fn func(*D) error) error {
	return w.mutate(fn, func(errs validation.Errors) {
		errs.Clear(prefix)
		errs.ClearPrefix(prefix + ".")
	})
}

func (w *Wizard[D]) mutate(fn func(*D) error, clear func(validation.Errors)) error {
	if w.frozen {
		return ErrFrozen
	}
	if w.Complete() {
		return ErrComplete
	}
	if fn == nil {
		return nil
	}
	if err := fn(&w.draft); err != nil {
		return err
	}
	clear(w.errs)
	w.price = w.def.Price(w.draft)
	return nil
}

// Validate runs the current step's validator without touching the wizard state.
func (w *Wizard[D]) Validate() validation.Errors {
	step, ok := w.current()
	if !ok || step.Validate == nil {
		return make(validation.Errors)
	}
	errs := step.Validate(w.draft)
	if errs == nil {
		errs = make(validation.Errors)
	}
	return errs
}

// Advance validates the current step and moves forward on success. On failure the error
// set is replaced by the step's errors and a *StepError naming the focus field is returned.
func (w *Wizard[D]) Advance() (Transition, error) {
	switch {
	case w.Complete():
		return Transition{}, ErrComplete
	case w.step == w.PaymentStep():
		return Transition{}, ErrPaymentStep
	}

	errs := w.Validate()
	if len(errs) > 0 {
		w.errs = errs
		return Transition{}, &StepError{Step: w.step, Errors: errs.Clone(), Focus: w.Focus()}
	}

	from := w.step
	w.step++
	w.errs = make(validation.Errors)
	return Transition{From: from, To: w.step, EnteredPayment: w.step == w.PaymentStep()}, nil
}

// Retreat moves back one step. It reports false at step 1 and after completion.
func (w *Wizard[D]) Retreat() bool {
	if w.step <= 1 || w.Complete() {
		return false
	}
	w.step--
	return true
}

// Finish moves from the payment step to the confirmation step.
func (w *Wizard[D]) Finish() error {
	switch {
	case w.Complete():
		return nil
	case w.step != w.PaymentStep():
		return ErrNotAtPayment
	}
	w.step = w.TerminalStep()
	w.frozen = true
	return nil
}

func (w *Wizard[D]) current() (Step[D], bool) {
	if w.step < 1 || w.step > len(w.def.Steps) {
		return Step[D]{}, false
	}
	return w.def.Steps[w.step-1], true
}

func (w *Wizard[D]) stepName(i int) string {
	if i == w.TerminalStep() {
		return ConfirmationStepName
	}
	if i < 1 || i > len(w.def.Steps) {
		return ""
	}
	return w.def.Steps[i-1].Name
}
