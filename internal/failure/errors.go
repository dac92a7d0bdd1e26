// Package failure defines the error taxonomy shared by the pipeline core and its collaborators.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for retry and reporting decisions
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindIsolationViolation Kind = "isolation_violation"
	KindUpstream           Kind = "upstream_service_error"
	KindEncryption         Kind = "encryption_error"
	KindTimeout            Kind = "timeout_error"
	KindCancelled          Kind = "cancelled"
	KindNotFound           Kind = "not_found"
	KindInternal           Kind = "internal_error"
)

// Error is a classified error. Message is safe to surface in run state and
// status responses; Cause may carry collaborator detail and is never surfaced.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so errors.Is(err, failure.ErrTimeout) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && e.Kind == t.Kind
}

// Sentinels for errors.Is comparisons by kind.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrIsolationViolation = &Error{Kind: KindIsolationViolation}
	ErrUpstream           = &Error{Kind: KindUpstream}
	ErrEncryption         = &Error{Kind: KindEncryption}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrCancelled          = &Error{Kind: KindCancelled}
	ErrNotFound           = &Error{Kind: KindNotFound}
)

// New creates a classified error
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Validation creates a validation error (fatal, not retried)
func Validation(message string, cause error) *Error {
	return New(KindValidation, message, cause)
}

// IsolationViolation creates the highest-severity boundary error
func IsolationViolation(message string, cause error) *Error {
	return New(KindIsolationViolation, message, cause)
}

// Upstream creates a transient collaborator error (retryable)
func Upstream(message string, cause error) *Error {
	return New(KindUpstream, message, cause)
}

// Encryption creates an encrypt/decrypt failure (fatal)
func Encryption(message string, cause error) *Error {
	return New(KindEncryption, message, cause)
}

// Timeout creates a timeout error (retryable per stage)
func Timeout(message string, cause error) *Error {
	return New(KindTimeout, message, cause)
}

// Cancelled creates a cancellation error
func Cancelled(message string, cause error) *Error {
	return New(KindCancelled, message, cause)
}

// NotFound creates a not-found error
func NotFound(message string) *Error {
	return New(KindNotFound, message, nil)
}

// KindOf returns the kind of the first classified error in the chain.
// Bare context errors map to timeout and cancelled; anything else is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// Retryable reports whether the stage executor may retry after err
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstream, KindTimeout:
		return true
	default:
		return false
	}
}

// Critical reports whether err must take the security alert path
func Critical(err error) bool {
	switch KindOf(err) {
	case KindIsolationViolation, KindEncryption:
		return true
	default:
		return false
	}
}

// SafeMessage returns the surfaceable message for err: the taxonomy message of
// the first classified error, or a generic text for unclassified errors.
func SafeMessage(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Message != "" {
		return fe.Message
	}
	switch KindOf(err) {
	case KindTimeout:
		return "operation timed out"
	case KindCancelled:
		return "operation cancelled"
	default:
		return "internal error"
	}
}
