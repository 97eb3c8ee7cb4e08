// Package herr implements the closed error-kind taxonomy Hydrus's engine
// operations return across the job boundary. The HTTP framing layer maps
// Kind to a status code via HTTPStatus.
package herr

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// Kind classifies an engine failure for the caller.
type Kind string

const (
	Unauthorized      Kind = "unauthorized"
	Forbidden         Kind = "forbidden"
	NotFound          Kind = "not_found"
	Conflict          Kind = "conflict"
	Busy              Kind = "busy"
	BadRequest        Kind = "bad_request"
	BandwidthExceeded Kind = "bandwidth_exceeded"
	Internal          Kind = "internal"
	ShuttingDown      Kind = "shutting_down"
)

// HTTPStatus maps a Kind to the status code the framing layer should surface.
func (k Kind) HTTPStatus() int {
	switch k {
	case Unauthorized:
		return 401
	case Forbidden:
		return 403
	case NotFound:
		return 404
	case Conflict:
		return 409
	case Busy:
		return 503
	case BadRequest:
		return 400
	case BandwidthExceeded:
		return 429
	case ShuttingDown:
		return 503
	case Internal:
		return 500
	default:
		return 500
	}
}

// Error is the concrete error type every engine operation returns when it
// fails in a way the caller must distinguish by kind.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
	Stack string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, herr.Busy) style checks by comparing Kind
// against a sentinel *Error carrying only a Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New constructs a kind-tagged error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf constructs a kind-tagged error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an arbitrary error with a kind, preserving it as the cause.
// If err is already an *Error, its kind is preserved rather than overwritten,
// since the innermost classification is normally the most specific one.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	return &Error{Kind: kind, Msg: err.Error(), Cause: err}
}

// Internalf builds an Internal-kind error with a captured stack trace,
// for unclassified failures surfacing at the DB serializer job boundary.
func Internalf(format string, args ...any) *Error {
	return &Error{Kind: Internal, Msg: fmt.Sprintf(format, args...), Stack: string(debug.Stack())}
}

// FromRecover converts a recovered panic value into an Internal error with
// a captured stack, for use at the serializer's per-job recover() site.
func FromRecover(r any) *Error {
	return &Error{Kind: Internal, Msg: fmt.Sprintf("panic: %v", r), Stack: string(debug.Stack())}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, defaulting to Internal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
