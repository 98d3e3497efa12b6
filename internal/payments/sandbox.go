package payments

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

// SandboxProvider is an in-process Provider for local runs without processor credentials.
// Intents it creates report success once MarkSucceeded is called, immediately when
// AutoSucceed is set, or on the client's success report when built WithResultConfirmation.
type SandboxProvider struct {
	AutoSucceed bool

	confirmOnResult bool

	mu      sync.Mutex
	intents map[string]Intent
	byKey   map[string]string
}

var (
	_ Provider  = (*SandboxProvider)(nil)
	_ Confirmer = (*SandboxProvider)(nil)
)

// SandboxOption customises a SandboxProvider.
type SandboxOption func(*SandboxProvider)

// WithResultConfirmation lets a succeeded payment result confirm the pending intent, standing in
// for the hosted widget.
func WithResultConfirmation() SandboxOption {
	return func(s *SandboxProvider) { s.confirmOnResult = true }
}

// NewSandboxProvider returns an empty sandbox.
func NewSandboxProvider(autoSucceed bool, opts ...SandboxOption) *SandboxProvider {
	s := &SandboxProvider{
		AutoSucceed: autoSucceed,
		intents:     make(map[string]Intent),
		byKey:       make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *SandboxProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if err := ctx.Err(); err != nil {
		return Intent{}, err
	}
	if req.AmountMinor <= 0 {
		return Intent{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return s.intents[id], nil
	}
	id := "pi_sandbox_" + strings.ToLower(ulid.Make().String())
	intent := Intent{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       StatusPending,
		AmountMinor:  req.AmountMinor,
		Currency:     strings.ToLower(req.Currency),
		Metadata:     req.Metadata,
	}
	if s.AutoSucceed {
		intent.Status = StatusSucceeded
	}
	s.intents[id] = intent
	if req.IdempotencyKey != "" {
		s.byKey[req.IdempotencyKey] = id
	}
	return intent, nil
}

func (s *SandboxProvider) LookupIntent(ctx context.Context, intentID string) (Intent, error) {
	if err := ctx.Err(); err != nil {
		return Intent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[intentID]
	if !ok {
		return Intent{}, errors.New("sandbox: payment intent not found")
	}
	return intent, nil
}

// MarkSucceeded flips an intent to succeeded, as the hosted widget would after payment.
func (s *SandboxProvider) MarkSucceeded(intentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[intentID]
	if !ok {
		return false
	}
	intent.Status = StatusSucceeded
	s.intents[intentID] = intent
	return true
}

// ConfirmIntent marks intentID succeeded when result confirmation is enabled and is a no-op
// otherwise.
func (s *SandboxProvider) ConfirmIntent(ctx context.Context, intentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.confirmOnResult {
		return nil
	}
	if !s.MarkSucceeded(intentID) {
		return errors.New("sandbox: payment intent not found")
	}
	return nil
}
