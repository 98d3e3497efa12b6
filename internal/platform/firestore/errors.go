package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies a Firestore failure for the repository layer.
type Kind int

const (
	KindOther Kind = iota
	KindNotFound
	KindConflict
	KindUnavailable
)

// kindOf maps gRPC status codes onto repository categories. Aborted is transaction contention.
func kindOf(code codes.Code) Kind {
	switch code {
	case codes.NotFound:
		return KindNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted, codes.OutOfRange:
		return KindConflict
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return KindUnavailable
	default:
		return KindOther
	}
}

// Error satisfies repositories.RepositoryError.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) IsNotFound() bool    { return e != nil && e.Kind == KindNotFound }
func (e *Error) IsConflict() bool    { return e != nil && e.Kind == KindConflict }
func (e *Error) IsUnavailable() bool { return e != nil && e.Kind == KindUnavailable }

// categorised matches errors that already carry repository semantics, such as a conflict
// raised inside a transaction body.
type categorised interface {
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// WrapError attaches op and a Kind to err. Cancellation is returned as the plain context error
// and already categorised errors are returned as is.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	code := status.Code(err)
	switch code {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}

	var own *Error
	if errors.As(err, &own) {
		if own.Op == "" {
			own.Op = op
		}
		return own
	}
	var typed categorised
	if errors.As(err, &typed) {
		return err
	}
	return &Error{Op: op, Kind: kindOf(code), Err: err}
}
