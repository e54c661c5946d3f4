// Package apperr defines the error kinds shared across the server core.
// Stores and primitives surface errors untouched; the HTTP layer maps the
// kind to a status code and an RFC 6749 error body where applicable.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the HTTP boundary.
type Kind int

const (
	// BadRequest is malformed or invalid input.
	BadRequest Kind = iota

	// Unauthorized is a missing or invalid credential.
	Unauthorized

	// Forbidden is an authenticated caller that is not permitted,
	// including federation-link violations.
	Forbidden

	// NotFound is a missing entity or an expired ephemeral record.
	NotFound

	// Conflict is a uniqueness violation.
	Conflict

	// MfaRequired is a login that must continue with a second factor.
	MfaRequired

	// Upstream is a failed call to a federation partner.
	Upstream

	// Internal is misconfiguration, decrypt failure, or a DB error.
	Internal

	// Connection is a network-level failure.
	Connection
)

// String returns the kind name for logs.
func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad_request"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case MfaRequired:
		return "mfa_required"
	case Upstream:
		return "upstream_error"
	case Connection:
		return "connection_error"
	default:
		return "internal_error"
	}
}

// Status maps the kind to an HTTP status code.
func (k Kind) Status() int {
	switch k {
	case BadRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case MfaRequired:
		return http.StatusNotAcceptable
	case Upstream:
		return http.StatusBadGateway
	case Connection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a kinded error. Message is safe to show to the caller; Err carries
// the internal cause and is never serialized into responses.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// New returns an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an Error of the given kind wrapping an internal cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Errorf returns an Error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
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

// KindOf returns the kind of err if it is (or wraps) an *Error.
// Unclassified errors report Internal so nothing leaks by accident.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// MessageOf returns the caller-safe message of err, or a generic fallback for
// unclassified errors so internal detail never reaches a response body.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "an internal error occurred"
}
