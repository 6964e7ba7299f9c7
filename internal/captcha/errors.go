package captcha

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error kinds. Match them with errors.Is.
var (
	// ErrPermanent marks failures that are never retried: bad credentials,
	// invalid site key, zero balance, unsupported task type.
	ErrPermanent = errors.New("permanent")
	// ErrTransient marks failures retried by the resilience layer.
	ErrTransient = errors.New("transient")
	// ErrCircuitOpen marks calls rejected without network I/O.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrDeadlineExceeded marks tasks whose poll budget was consumed.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	// ErrConfiguration marks construction-time failures.
	ErrConfiguration = errors.New("configuration")
	// ErrSolutionNotFound is returned by solution readers for unknown ids.
	ErrSolutionNotFound = errors.New("solution not found")
)

// Error is a classified failure. Kind is one of the sentinel errors above.
type Error struct {
	Kind error
	Op   string
	Code string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the error kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Permanent builds an ErrPermanent error.
func Permanent(op, code string, err error) error {
	return &Error{Kind: ErrPermanent, Op: op, Code: code, Err: err}
}

// Transient builds an ErrTransient error.
func Transient(op, code string, err error) error {
	return &Error{Kind: ErrTransient, Op: op, Code: code, Err: err}
}

// CircuitOpen builds an ErrCircuitOpen error for target.
func CircuitOpen(target string) error {
	return &Error{Kind: ErrCircuitOpen, Op: "call " + target}
}

// DeadlineExceeded builds an ErrDeadlineExceeded error.
func DeadlineExceeded(op string, budget time.Duration) error {
	return &Error{Kind: ErrDeadlineExceeded, Op: op, Err: fmt.Errorf("no solution within %s", budget)}
}

// Configuration builds an ErrConfiguration error.
func Configuration(op, msg string) error {
	return &Error{Kind: ErrConfiguration, Op: op, Err: errors.New(msg)}
}

// Reason maps err onto a stable label for logs, metrics, and request metadata.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermanent):
		return "permanent"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrDeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "unknown"
	}
}

// IsRetryable reports whether the resilience layer may retry err.
// Unclassified errors count as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, ErrPermanent) &&
		!errors.Is(err, ErrCircuitOpen) &&
		!errors.Is(err, ErrConfiguration) &&
		!errors.Is(err, ErrDeadlineExceeded)
}
