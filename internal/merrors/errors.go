// Package merrors provides memento's structured error model: a fixed set of
// error Kinds carried through the pipeline instead of string
// matching, so callers can decide retry-vs-dead-letter without parsing
// messages.
package merrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure mode. Every Kind maps to a retry policy
// understood by the ingestion pipeline and facade (see Retryable).
type Kind int

const (
	KindInputValidation Kind = iota
	KindNotFound
	KindConflict
	KindQueueOverflow
	KindTimeout
	KindStoreUnavailable
	KindProviderUnavailable
	KindInvalidTransition
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInputValidation:
		return "input_validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindQueueOverflow:
		return "queue_overflow"
	case KindTimeout:
		return "timeout"
	case KindStoreUnavailable:
		return "store_unavailable"
	case KindProviderUnavailable:
		return "provider_unavailable"
	case KindInvalidTransition:
		return "invalid_transition"
	default:
		return "internal"
	}
}

// Retryable reports whether callers should retry an operation that failed
// with this Kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindQueueOverflow, KindTimeout, KindStoreUnavailable:
		return true
	default:
		return false
	}
}

// Error is memento's structured error type: a Kind plus a human message,
// optional details, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Details string
	Cause   error
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a new Error of the given Kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an underlying error with a Kind and message.
func Wrap(cause error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Wrapf wraps an underlying error with a formatted message.
func Wrapf(cause error, kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithDetails attaches additional context and returns the same error
// (modifies in place).
func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

func (e *Error) WithDetailsf(format string, args ...interface{}) *Error {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindInternal when err is
// not a *Error.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindInternal
}

// Convenience constructors for the named kinds above.

func NotFound(what string) *Error {
	return Newf(KindNotFound, "%s not found", what)
}

func Conflict(message string) *Error {
	return New(KindConflict, message)
}

func InputValidation(message string) *Error {
	return New(KindInputValidation, message)
}

func StoreUnavailable(cause error, store string) *Error {
	return Wrapf(cause, KindStoreUnavailable, "%s store unavailable", store)
}

func Timeout(operation string) *Error {
	return Newf(KindTimeout, "operation timed out: %s", operation)
}

func QueueOverflow(partition string, current, limit int) *Error {
	return Newf(KindQueueOverflow, "queue overflow on partition %s (%d/%d)", partition, current, limit).
		WithDetailsf("partition=%s current=%d limit=%d", partition, current, limit)
}

func InvalidTransition(from, to string) *Error {
	return Newf(KindInvalidTransition, "invalid state transition: %s -> %s", from, to)
}
