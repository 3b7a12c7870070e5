// Package operr defines the typed error used across the broker and the agent.
// Every failure that crosses a component boundary is an *operr.Error carrying
// a Kind from a closed set, a human-readable message, and a details map that
// survives onto the wire (JSON-RPC error data, IPC error objects, audit
// records).
//
// Kinds unwrap to the matching github.com/containerd/errdefs sentinel, so
// callers can classify with errors.Is without importing this package:
//
//	if errors.Is(err, errdefs.ErrNotFound) { ... }
//
// The dispatcher performs the single mapping from Kind to the outward
// JSON-RPC code; nothing else in the tree translates errors to wire codes.
package operr

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Kind classifies an error. The set is closed; introducing a new kind means
// extending the dispatcher's wire mapping and the audit vocabulary as well.
type Kind string

const (
	KindInvalidArgument    Kind = "invalid_argument"
	KindPermissionDenied   Kind = "permission_denied"
	KindUnavailable        Kind = "unavailable"
	KindFailedPrecondition Kind = "failed_precondition"
	KindNotFound           Kind = "not_found"
	KindUnauthenticated    Kind = "unauthenticated"
	KindInternal           Kind = "internal"
	KindTimeout            Kind = "timeout"
	KindProtocolError      Kind = "protocol_error"
)

// kindSentinels maps each Kind to the errdefs sentinel it unwraps to.
// Timeout unwraps to context.DeadlineExceeded so deadline-aware callers need
// no special case; protocol errors unwrap to ErrDataLoss, the closest match
// for a garbled or oversized frame.
var kindSentinels = map[Kind]error{
	KindInvalidArgument:    errdefs.ErrInvalidArgument,
	KindPermissionDenied:   errdefs.ErrPermissionDenied,
	KindUnavailable:        errdefs.ErrUnavailable,
	KindFailedPrecondition: errdefs.ErrFailedPrecondition,
	KindNotFound:           errdefs.ErrNotFound,
	KindUnauthenticated:    errdefs.ErrUnauthenticated,
	KindInternal:           errdefs.ErrInternal,
	KindTimeout:            context.DeadlineExceeded,
	KindProtocolError:      errdefs.ErrDataLoss,
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	_, ok := kindSentinels[k]
	return ok
}

// ParseKind returns the Kind named by s, or false when s is not a kind.
func ParseKind(s string) (Kind, bool) {
	k := Kind(s)
	return k, k.Valid()
}

// Error is the typed error. Details may be nil; callers that need to attach
// context use With, which copies lazily so shared errors are never mutated.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
}

// New creates an Error of the given kind. Unknown kinds are coerced to
// internal rather than propagating an unclassifiable error.
func New(kind Kind, message string) *Error {
	if !kind.Valid() {
		kind = KindInternal
	}
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Unwrap returns the errdefs sentinel for the error's kind.
func (e *Error) Unwrap() error {
	return kindSentinels[e.Kind]
}

// Is matches another *Error of the same kind, so two typed errors compare
// equal under errors.Is regardless of message. Sentinel matching happens via
// Unwrap and needs no handling here.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// With returns a copy of the error with an added detail entry.
func (e *Error) With(key string, value any) *Error {
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &Error{Kind: e.Kind, Message: e.Message, Details: details}
}

// WithDetails returns a copy of the error with all entries of m merged in.
func (e *Error) WithDetails(m map[string]any) *Error {
	details := make(map[string]any, len(e.Details)+len(m))
	for k, v := range e.Details {
		details[k] = v
	}
	for k, v := range m {
		details[k] = v
	}
	return &Error{Kind: e.Kind, Message: e.Message, Details: details}
}

// As extracts the *Error from err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// KindOf returns the kind of err. Non-typed errors classify as internal;
// context cancellation and deadline expiry classify as timeout so transport
// code can pass raw context errors upward.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// Internalize wraps an unexpected error as kind internal, recording the Go
// type name of the original error in details.exception_type as required for
// last-resort wrapping. Typed errors pass through unchanged.
func Internalize(err error) *Error {
	if e, ok := As(err); ok {
		return e
	}
	return New(KindInternal, err.Error()).With("exception_type", fmt.Sprintf("%T", err))
}

// Convenience constructors for the kinds that appear throughout the tree.

func InvalidArgumentf(format string, args ...any) *Error {
	return Newf(KindInvalidArgument, format, args...)
}

func PermissionDeniedf(format string, args ...any) *Error {
	return Newf(KindPermissionDenied, format, args...)
}

func Unavailablef(format string, args ...any) *Error {
	return Newf(KindUnavailable, format, args...)
}

func FailedPreconditionf(format string, args ...any) *Error {
	return Newf(KindFailedPrecondition, format, args...)
}

func NotFoundf(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

func Unauthenticatedf(format string, args ...any) *Error {
	return Newf(KindUnauthenticated, format, args...)
}

func Internalf(format string, args ...any) *Error {
	return Newf(KindInternal, format, args...)
}

func Timeoutf(format string, args ...any) *Error {
	return Newf(KindTimeout, format, args...)
}

func Protocolf(format string, args ...any) *Error {
	return Newf(KindProtocolError, format, args...)
}
