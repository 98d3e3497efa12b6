// Package checkout sequences the side effects between the last form step and a paid order.
package checkout

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/evolvecharge/funnel/internal/domain"
)

// State is the orchestrator's position in the submission state machine.
type State string

const (
	StateIdle              State = "idle"
	StatePreparingOrder    State = "preparing_order"
	StatePreparationFailed State = "preparation_failed"
	StateAwaitingPayment   State = "awaiting_payment"
	StateFinalizing        State = "finalizing"
	StateComplete          State = "complete"
)

var (
	// ErrInFlight rejects a second attempt while one is running.
	ErrInFlight = errors.New("checkout: an attempt is already in progress")
	// ErrNotPrepared is returned when a payment outcome arrives before a payment session exists.
	ErrNotPrepared = errors.New("checkout: no payment session has been prepared")
	// ErrPaymentNotConfirmed is returned when the processor does not report the payment as succeeded.
	ErrPaymentNotConfirmed = errors.New("checkout: payment not confirmed by the processor")
	// ErrInvalidOutcome rejects unknown widget outcomes.
	ErrInvalidOutcome = errors.New("checkout: unknown payment outcome")
)

// Messages surfaced to the buyer.
const (
	MsgPreparationFailed  = "We couldn't prepare your order. Please try again."
	MsgPreparationTimeout = "The payment service took too long to respond. Please try again."
	MsgPaymentFailed      = "Your payment could not be completed. Please try again."
	MsgPaymentIncomplete  = "Your payment is not complete yet. Please finish the payment steps."
	MsgNotConfirmed       = "We couldn't confirm your payment yet. Please try again in a moment."
	MsgFinalization       = "Your payment went through but we couldn't finish your order. Please contact support."
)

// PreparationError wraps failures while preparing the order.
type PreparationError struct {
	Message string
	Err     error
}

func (e *PreparationError) Error() string { return fmt.Sprintf("checkout: prepare order: %v", e.Err) }
func (e *PreparationError) Unwrap() error { return e.Err }

// FinalizationError wraps failures after the processor confirmed payment.
type FinalizationError struct {
	OrderID  string
	IntentID string
	Err      error
}

func (e *FinalizationError) Error() string {
	return fmt.Sprintf("checkout: finalize order %s (intent %s): %v", e.OrderID, e.IntentID, e.Err)
}
func (e *FinalizationError) Unwrap() error { return e.Err }

// OutcomeStatus is the terminal status reported by the hosted payment widget.
type OutcomeStatus string

const (
	OutcomeSucceeded  OutcomeStatus = "succeeded"
	OutcomeError      OutcomeStatus = "error"
	OutcomeIncomplete OutcomeStatus = "incomplete"
)

// Outcome is what the widget reported.
type Outcome struct {
	Status           OutcomeStatus `json:"status"`
	PaymentReference string        `json:"paymentReference,omitempty"`
	Message          string        `json:"message,omitempty"`
}

// Submission is the frozen draft handed to the orchestrator.
type Submission struct {
	Flow         domain.FlowKind
	Contact      domain.Contact
	Address      *domain.Address
	PlanID       string
	BillingCycle domain.BillingCycle
	AddOns       []string
	Vehicles     []domain.Vehicle
	Pricing      domain.PricingSummary
	Description  string
	Metadata     map[string]string
}

func (s Submission) fingerprint() string {
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Snapshot is a read-only view of the orchestrator.
type Snapshot struct {
	State            State  `json:"state"`
	Processing       bool   `json:"processing"`
	ClientSecret     string `json:"clientSecret,omitempty"`
	CustomerID       string `json:"customerId,omitempty"`
	OrderID          string `json:"orderId,omitempty"`
	OrderNumber      string `json:"orderNumber,omitempty"`
	PaymentIntentID  string `json:"paymentIntentId,omitempty"`
	PaymentReference string `json:"paymentReference,omitempty"`
	AmountMinor      int64  `json:"amountMinor,omitempty"`
	Currency         string `json:"currency,omitempty"`
	Error            string `json:"error,omitempty"`
}

const maxMetadataValue = 500

// metadataValue caps v at maxMetadataValue bytes without splitting a rune.
func metadataValue(v string) string {
	v = strings.TrimSpace(v)
	if len(v) <= maxMetadataValue {
		return v
	}
	cut := maxMetadataValue
	for cut > 0 && !utf8.RuneStart(v[cut]) {
		cut--
	}
	return v[:cut]
}
