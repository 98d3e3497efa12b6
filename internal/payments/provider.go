// Package payments adapts the payment processor behind a small intent-based contract.
package payments

import (
	"context"
	"errors"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or processor confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the processor reports the payment as captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the processor gave up on the payment.
	StatusFailed Status = "failed"
)

var (
	// ErrMissingClientSecret is returned when the processor accepted the request but returned no secret.
	ErrMissingClientSecret = errors.New("payments: processor returned no client secret")
	// ErrInvalidAmount rejects intents for zero or negative amounts.
	ErrInvalidAmount = errors.New("payments: amount must be positive")
	// ErrInvalidSignature is returned for webhook payloads that fail verification.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
)

// IntentRequest asks the processor for a payment session the hosted widget can confirm.
type IntentRequest struct {
	AmountMinor    int64
	Currency       string
	Description    string
	ReceiptEmail   string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is the processor's view of a payment session.
type Intent struct {
	ID           string
	ClientSecret string
	Status       Status
	AmountMinor  int64
	Currency     string
	Metadata     map[string]string
}

// Provider creates and inspects payment intents.
type Provider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	LookupIntent(ctx context.Context, intentID string) (Intent, error)
}

// Confirmer is implemented by providers without a hosted widget of their own. The client's
// success report is treated as the widget confirming the intent.
type Confirmer interface {
	ConfirmIntent(ctx context.Context, intentID string) error
}

// Event is a verified processor notification about an intent.
type Event struct {
	ID     string
	Type   string
	Intent Intent
}

// EventIntentSucceeded is the event type emitted when a payment completes.
const EventIntentSucceeded = "payment_intent.succeeded"

// WebhookVerifier authenticates and decodes processor webhooks.
type WebhookVerifier interface {
	ParseEvent(payload []byte, signatureHeader string) (Event, error)
}
