// Package ingesterr implements the six-kind error taxonomy of the error handling design:
// every non-fatal error surfaced to a worker boundary carries one of these kinds, and the
// worker converts it into a single terminal event with a concise message. Modeled on the
// terminal-vs-retryable outcome classification in the control-plane engine this daemon's
// worker pool is adapted from: outcomes are distinguished by kind, not by sentinel error
// identity, so callers branch on Kind() rather than pointer-comparing errors.
package ingesterr

import (
	"errors"
	"fmt"
)

// Kind is one of the error taxonomy's six named kinds.
type Kind string

const (
	OrderInvalid     Kind = "ORDER_INVALID"
	PreprocessFailed Kind = "PREPROCESS_FAILED"
	ImportFailed     Kind = "IMPORT_FAILED"
	RewireFailed     Kind = "REWIRE_FAILED"
	TransientDB      Kind = "TRANSIENT_DB"
	FatalBoot        Kind = "FATAL_BOOT"
)

// Error wraps an underlying cause with a taxonomy Kind and a human-readable, one-line
// message suitable for a terminal event row.
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

// New constructs a taxonomy error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a taxonomy error wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an *Error.
// Returns ImportFailed as the default kind for unclassified errors, since the Importer
// is the last pipeline step and an unclassified failure there is the common case.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ImportFailed
}

// Message extracts a concise, one-line human message suitable for a terminal event.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Message
	}
	return err.Error()
}
