package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the machine-readable error classification returned to clients.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation_error"
	KindInsufficientCredits ErrorKind = "insufficient_credits"
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindIdempotencyConflict ErrorKind = "idempotency_conflict"
	KindIdempotencyMismatch ErrorKind = "idempotency_mismatch"
	KindNotFound            ErrorKind = "not_found"
	KindInternal            ErrorKind = "internal_error"
)

// Error is a classified failure surfaced by the orchestration layer.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind onto a response status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindIdempotencyMismatch:
		return http.StatusUnprocessableEntity
	case KindInsufficientCredits:
		return http.StatusPaymentRequired
	case KindProviderUnavailable:
		return http.StatusBadGateway
	case KindIdempotencyConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind.
func Wrap(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of err, or KindInternal when err is unclassified.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
