// Package errors classifies every failure the core can produce so that
// transport layers can map outcomes without parsing message text.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Kind partitions failures by how the caller should react.
type Kind string

const (
	// KindValidation marks malformed or out-of-range input, rejected
	// before any mutation.
	KindValidation Kind = "validation"
	// KindAuthorization marks a caller identity mismatch on a guarded
	// operation. No state change.
	KindAuthorization Kind = "authorization"
	// KindPrecondition marks a well-formed request arriving in the wrong
	// state: breaker active, paused, holding period unmet, budget
	// exhausted, nonce mismatch, duplicate message. Retryable.
	KindPrecondition Kind = "precondition"
	// KindNotFound marks a lookup of an entity that does not exist.
	KindNotFound Kind = "not_found"
	// KindInvariant marks arithmetic or bookkeeping that would corrupt
	// ledger state. The operation aborts with no partial writes.
	KindInvariant Kind = "invariant"
	// KindInternal marks infrastructure failures (storage, transport).
	KindInternal Kind = "internal"
)

// Error carries a Kind, a human readable message, and an optional cause.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	cause error
}

var _ error = (*Error)(nil)

// E builds an error of the given kind.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef builds an error of the given kind with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Error implements error.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap returns a copy of the error with the cause attached.
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain returns a copy of the error with the message replaced.
func (e *Error) Explain(format string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(format, args...)
	return &err
}

// Is matches on Kind so sentinel comparisons survive wrapping and copies.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind && (other.Message == "" || other.Message == e.Message)
	}
	return false
}

// KindOf extracts the Kind from anywhere in err's chain. Errors outside
// this package report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a failure kind to the status code the API layer sends.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindPrecondition:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
