// Package cmerr defines the communication manager's error taxonomy: a
// small set of Kinds every subsystem reports through, so callers can
// branch on "what kind of failure" without parsing messages.
package cmerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Kinds are compared with errors.Is, not type
// assertion, so wrapping with fmt.Errorf("...: %w", err) still works.
type Kind string

const (
	// NotFound: a named entity is absent (node, instance, service, mount
	// point, URL scheme, label).
	NotFound Kind = "not_found"

	// WrongState: an operation was attempted in an incompatible state
	// (double start/stop, update while already updating).
	WrongState Kind = "wrong_state"

	// InvalidArgument: malformed input (bad path, bad algorithm name, IV
	// length wrong, content larger than quota).
	InvalidArgument Kind = "invalid_argument"

	// InvalidChecksum: content hash does not match the expected value.
	InvalidChecksum Kind = "invalid_checksum"

	// NoMemory: a bounded container is full, or a per-instance quota
	// cannot satisfy the request.
	NoMemory Kind = "no_memory"

	// Timeout: a bounded wait expired (SM connection, status).
	Timeout Kind = "timeout"

	// Canceled: an in-flight operation was aborted by an explicit Cancel
	// or by shutdown.
	Canceled Kind = "canceled"

	// Failed: generic downstream failure from a collaborator; the
	// original cause is preserved via Unwrap.
	Failed Kind = "failed"
)

// Error is a Kind-carrying error. The zero value is not useful; construct
// with New or Wrap.
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

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, cmerr.NotFound) work by comparing Kinds; it also
// lets errors.Is(err, someKindSentinel) work when someKindSentinel is
// itself a *Error with no Cause (used for the package-level Is helpers
// below).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New creates an *Error of the given Kind with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error of the given Kind that preserves cause in its
// error chain (errors.Unwrap(wrapped) == cause).
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Wrapf is Wrap with fmt.Sprintf-style formatting for the message.
func Wrapf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err (or anything it wraps) is a *Error of kind k.
func Is(err error, k Kind) bool {
	return errors.Is(err, &Error{Kind: k})
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
