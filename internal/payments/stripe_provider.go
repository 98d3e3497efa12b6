package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
	"go.uber.org/zap"
)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	WebhookSecret string
	AccountID     string
	Backends      *stripe.Backends
	Logger        *zap.Logger
	Intents       stripePaymentIntentAPI
}

// StripeProvider implements Provider and WebhookVerifier on Stripe PaymentIntents.
type StripeProvider struct {
	intents       stripePaymentIntentAPI
	account       string
	webhookSecret string
	logger        *zap.Logger
}

var (
	_ Provider        = (*StripeProvider)(nil)
	_ WebhookVerifier = (*StripeProvider)(nil)
)

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	intents := cfg.Intents
	if intents == nil {
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		intents = client.New(apiKey, cfg.Backends).PaymentIntents
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StripeProvider{
		intents:       intents,
		account:       strings.TrimSpace(cfg.AccountID),
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		logger:        logger.Named("stripe"),
	}, nil
}

// CreateIntent creates a PaymentIntent with automatic payment methods for the hosted widget.
func (p *StripeProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if req.AmountMinor <= 0 {
		return Intent{}, ErrInvalidAmount
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.ReceiptEmail != "" {
		params.ReceiptEmail = stripe.String(req.ReceiptEmail)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	intent, err := p.intents.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}
	if intent == nil || strings.TrimSpace(intent.ClientSecret) == "" {
		return Intent{}, ErrMissingClientSecret
	}

	p.logger.Info("payment intent created",
		zap.String("paymentIntent", intent.ID),
		zap.Int64("amount", intent.Amount),
		zap.String("currency", string(intent.Currency)),
	)
	return toIntent(intent), nil
}

// LookupIntent retrieves a PaymentIntent by id.
func (p *StripeProvider) LookupIntent(ctx context.Context, intentID string) (Intent, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return Intent{}, errors.New("stripe: payment intent id is required")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.intents.Get(intentID, params)
	if err != nil {
		return Intent{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	return toIntent(intent), nil
}

// ParseEvent verifies the Stripe-Signature header and decodes payment intent events.
func (p *StripeProvider) ParseEvent(payload []byte, signatureHeader string) (Event, error) {
	if p.webhookSecret == "" {
		return Event{}, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := Event{ID: event.ID, Type: string(event.Type)}
	if !strings.HasPrefix(out.Type, "payment_intent.") || event.Data == nil {
		return out, nil
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return Event{}, fmt.Errorf("stripe: decode payment intent event: %w", err)
	}
	out.Intent = toIntent(&intent)
	return out, nil
}

func toIntent(intent *stripe.PaymentIntent) Intent {
	if intent == nil {
		return Intent{}
	}
	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	}
	metadata := make(map[string]string, len(intent.Metadata))
	for k, v := range intent.Metadata {
		metadata[k] = v
	}
	return Intent{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       status,
		AmountMinor:  intent.Amount,
		Currency:     strings.ToLower(string(intent.Currency)),
		Metadata:     metadata,
	}
}
