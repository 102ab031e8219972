package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure so that callers can pick a response without
// inspecting messages.
type Kind string

const (
	// KindNotFound is an unknown pipeline, stage or run identifier.
	KindNotFound Kind = "NotFound"
	// KindInvalidToken is a malformed counter input.
	KindInvalidToken Kind = "InvalidToken"
	// KindConflict rejects a write that lost against the current run state.
	KindConflict Kind = "Conflict"
	// KindUnauthorized is an approval or authorization failure.
	KindUnauthorized Kind = "Unauthorized"
	// KindUpstreamFailure is an unreachable or erroring delegated-approval workflow.
	KindUpstreamFailure Kind = "UpstreamFailure"
	// KindUnavailable is returned while the server is drained.
	KindUnavailable Kind = "Unavailable"
	// KindInternal is anything unclassified.
	KindInternal Kind = "Internal"
)

type Error struct {
	Kind    Kind
	Message string

	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.cause.Error()
	}
	return e.Message + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New returns an error of the given kind.
func New(kind Kind, message string) error {
	return &Error{
		Kind:    kind,
		Message: message,
	}
}

func Newf(kind Kind, format string, args ...interface{}) error {
	return New(kind, fmt.Sprintf(format, args...))
}

// WithKind classifies cause, keeping it reachable through Unwrap.
func WithKind(kind Kind, cause error, message string) error {
	return &Error{
		Kind:    kind,
		Message: message,
		cause:   cause,
	}
}

// KindOf reports the kind of the outermost classified error in the chain,
// KindInternal when there is none and "" for a nil error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the message of the outermost classified error, or the
// plain error text.
func MessageOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Errorf returns an unclassified error with a stack trace.
func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// CodeError is the JSON error body written by the transports.
type CodeError struct {
	Code    int    `json:"code,omitempty"`
	Kind    Kind   `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// Err restores the classified error a CodeError was written from.
func (c *CodeError) Err() error {
	kind := c.Kind
	if kind == "" {
		kind = KindInternal
	}
	return New(kind, c.Message)
}

func (c *CodeError) JSON() string {
	byte, _ := json.Marshal(c)
	return string(byte)
}

func (c *CodeError) Error() string {
	return c.Message
}
