// Package apperr defines the error taxonomy shared by the checkout domain and
// its boundaries. Every error that reaches a caller is classified by Kind and
// carries a stable machine code plus a message suitable for direct display.
package apperr

import (
	"github.com/go-faster/errors"
)

// Kind classifies an error by who can fix it.
type Kind string

const (
	// KindValidation is a malformed or missing request field.
	KindValidation Kind = "validation"
	// KindBusinessRule is a well-formed request that violates a business rule.
	KindBusinessRule Kind = "business_rule"
	// KindConflict is a business rule violation caused by the current state of
	// the resource, such as paying an order twice.
	KindConflict Kind = "conflict"
	// KindNotFound is an unknown order or discount code.
	KindNotFound Kind = "not_found"
	// KindExternalService is a processor rejection, timeout or transport error.
	KindExternalService Kind = "external_service"
	// KindPersistence is a repository or transaction failure.
	KindPersistence Kind = "persistence"
	// KindInternal is anything unclassified.
	KindInternal Kind = "internal"
)

// Error is a classified error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

// New returns a classified error without a cause. Values returned by New are
// intended to be used as sentinels.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the same sentinel. Copies made by With and
// Wrap keep matching their origin.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// With returns a copy of e with a different display message.
func (e *Error) With(message string) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: message, Err: e.Err}
}

// Wrap returns a copy of e that records cause.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Err: cause}
}

// Validation returns a validation error with the given message.
func Validation(message string) *Error {
	return New(KindValidation, "validation_failed", message)
}

// Persistence wraps a storage failure.
func Persistence(err error, op string) *Error {
	return &Error{Kind: KindPersistence, Code: "persistence_failure", Message: op, Err: err}
}

// From extracts the classified error from err's chain. Unclassified errors
// are reported as KindInternal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Code: "internal_error", Message: "internal error", Err: err}
}

// KindOf returns the Kind of err.
func KindOf(err error) Kind {
	return From(err).Kind
}
