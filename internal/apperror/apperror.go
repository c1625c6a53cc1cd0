// Package apperror defines the classified error type shared by every
// component of the notification pipeline.
package apperror

import (
	"errors"
	"fmt"
)

// Kind categorizes an error so callers can decide whether to retry,
// fix their input, or fix configuration.
type Kind string

const (
	// KindInvalidArgument means the caller passed a structurally wrong or
	// missing input. Not retryable without caller changes.
	KindInvalidArgument Kind = "invalid_argument"
	// KindInvalidData means a content-level problem such as missing content.
	KindInvalidData Kind = "invalid_data"
	// KindInvalidConfig means the component was configured in a way it
	// cannot operate with.
	KindInvalidConfig Kind = "invalid_config"
	// KindNotFound means a named resource (file, template, key) is absent.
	KindNotFound Kind = "not_found"
	// KindEmpty means a collection that must have entries has none.
	KindEmpty Kind = "empty"
	// KindUpstream means a remote collaborator failed or returned an
	// unusable result.
	KindUpstream Kind = "upstream_error"
	// KindRetryable means conditions may change without caller action;
	// the operation should be requeued rather than discarded.
	KindRetryable Kind = "retryable"
	// KindUnexpectedState means rendering or delivery failed in a way not
	// otherwise classified.
	KindUnexpectedState Kind = "unexpected_state"
	// KindInternal is used for failures of internal bookkeeping calls.
	KindInternal Kind = "internal"
)

// Error is the error type returned across component boundaries. The
// message is always prefixed with the component that raised it.
type Error struct {
	Kind      Kind
	Component string
	Message   string
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Component != "" {
		msg = e.Component + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without an underlying cause.
func New(kind Kind, component, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Message:   fmt.Sprintf(format, args...),
	}
}

// Wrap creates an Error that carries err as its cause.
func Wrap(err error, kind Kind, component, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Message:   fmt.Sprintf(format, args...),
		Err:       err,
	}
}

// KindOf returns the kind of the outermost *Error in err's chain, or the
// empty Kind if there is none.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// Is reports whether the outermost *Error in err's chain has the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err signals that the caller should requeue.
func IsRetryable(err error) bool {
	return Is(err, KindRetryable)
}

// Has reports whether any *Error in err's chain has the given kind.
func Has(err error, kind Kind) bool {
	for err != nil {
		var appErr *Error
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Kind == kind {
			return true
		}
		err = appErr.Err
	}
	return false
}
