package repositories

import (
	"errors"
	"fmt"

	"github.com/evolvecharge/funnel/internal/domain"
)

// IsNotFound reports whether err is a repository error for a missing record.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err is a repository error for a conflicting write.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err is a transient backend failure.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

type errorKind int

const (
	kindNotFound errorKind = iota + 1
	kindConflict
	kindUnavailable
)

// StoreError is the RepositoryError returned by the in-process stores.
type StoreError struct {
	Op   string
	Err  error
	kind errorKind
}

// NotFound builds a not-found error for op.
func NotFound(op string, format string, args ...any) *StoreError {
	return &StoreError{Op: op, Err: fmt.Errorf(format, args...), kind: kindNotFound}
}

// Conflict builds a conflict error for op.
func Conflict(op string, format string, args ...any) *StoreError {
	return &StoreError{Op: op, Err: fmt.Errorf(format, args...), kind: kindConflict}
}

// Unavailable builds a transient failure for op.
func Unavailable(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err, kind: kindUnavailable}
}

func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StoreError) IsNotFound() bool    { return e != nil && e.kind == kindNotFound }
func (e *StoreError) IsConflict() bool    { return e != nil && e.kind == kindConflict }
func (e *StoreError) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

// InvalidTransition is the conflict returned when an order status change breaks the lifecycle.
func InvalidTransition(op, orderID string, from, to domain.OrderStatus) *StoreError {
	return Conflict(op, "order %s cannot move from %s to %s", orderID, from, to)
}

// CounterErrorCode enumerates failure reasons for counter operations.
type CounterErrorCode string

const (
	// CounterErrorInvalidInput indicates the caller supplied invalid arguments.
	CounterErrorInvalidInput CounterErrorCode = "counter_invalid_input"
	// CounterErrorExhausted indicates the counter cannot be incremented further.
	CounterErrorExhausted CounterErrorCode = "counter_exhausted"
)

// CounterError wraps counter-specific failures with machine readable codes.
type CounterError struct {
	Code    CounterErrorCode
	Message string
}

func (e *CounterError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// NewCounterError constructs a typed counter error.
func NewCounterError(code CounterErrorCode, message string) *CounterError {
	if message == "" {
		message = string(code)
	}
	return &CounterError{Code: code, Message: message}
}
