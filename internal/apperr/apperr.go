// Package apperr defines the error taxonomy shared by every component.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error by what went wrong, not where.
type Kind string

const (
	KindNotFound           Kind = "NOT_FOUND"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindIntegrationFailure Kind = "INTEGRATION_FAILURE"
	KindValidationFailure  Kind = "VALIDATION_FAILURE"
	KindStateConflict      Kind = "STATE_CONFLICT"
	KindTimeout            Kind = "TIMEOUT"
	KindInternal           Kind = "INTERNAL"
)

// Error is a classified error with optional structured details.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewNotFound creates an error for a missing user, session or resource.
func NewNotFound(resource, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]any{"resource": resource, "id": id},
	}
}

// NewUnauthorized creates an error for an unknown or disabled sender.
func NewUnauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

// NewIntegrationFailure wraps a failure of an external dependency.
func NewIntegrationFailure(dependency string, err error) *Error {
	return &Error{
		Kind:    KindIntegrationFailure,
		Message: dependency + " call failed",
		Details: map[string]any{"dependency": dependency},
		Err:     err,
	}
}

// NewValidationFailure creates an error for malformed input.
func NewValidationFailure(msg string) *Error {
	return &Error{Kind: KindValidationFailure, Message: msg}
}

// NewStateConflict creates an error for an illegal transition or a lost race.
func NewStateConflict(msg string, details map[string]any) *Error {
	return &Error{Kind: KindStateConflict, Message: msg, Details: details}
}

// NewTimeout creates an error for an operation that ran past its deadline.
func NewTimeout(op string, err error) *Error {
	return &Error{
		Kind:    KindTimeout,
		Message: op + " timed out",
		Details: map[string]any{"operation": op},
		Err:     err,
	}
}

// NewInternal wraps an unexpected fault.
func NewInternal(err error) *Error {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// KindOf reports the Kind of err. Deadline errors map to KindTimeout and
// anything unclassified maps to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether a call site may retry after err. Deterministic
// rejections (state conflicts, validation) are never retried.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindIntegrationFailure, KindTimeout:
		return true
	default:
		return false
	}
}
