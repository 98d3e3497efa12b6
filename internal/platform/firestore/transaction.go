package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

// TxFunc is the body of a transaction. It may run more than once when Firestore retries on
// contention, so it must not have side effects outside tx.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxOption tunes a transaction.
type TxOption func(*txSettings)

type txSettings struct {
	maxAttempts int
	timeout     time.Duration
	readOnly    bool
}

// WithMaxAttempts caps contention retries.
func WithMaxAttempts(n int) TxOption {
	return func(s *txSettings) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithTxTimeout bounds the whole transaction including retries. A tighter caller deadline wins.
func WithTxTimeout(d time.Duration) TxOption {
	return func(s *txSettings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithReadOnly marks the transaction read-only.
func WithReadOnly() TxOption {
	return func(s *txSettings) { s.readOnly = true }
}

// RunTransaction runs fn on client. Errors come back wrapped with repository semantics, except
// categorised errors returned by fn, which pass through untouched.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc, opts ...TxOption) error {
	switch {
	case client == nil:
		return WrapError("transaction", errors.New("firestore: client is nil"))
	case fn == nil:
		return WrapError("transaction", errors.New("firestore: transaction function is nil"))
	}

	settings := txSettings{maxAttempts: 5, timeout: 15 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > settings.timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, settings.timeout)
		defer cancel()
	}

	txOpts := []firestore.TransactionOption{firestore.MaxAttempts(settings.maxAttempts)}
	if settings.readOnly {
		txOpts = append(txOpts, firestore.ReadOnly)
	}
	return WrapError("transaction", client.RunTransaction(ctx, fn, txOpts...))
}
