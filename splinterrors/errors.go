// Package splinterrors defines the single error taxonomy shared by every
// Splinter component: a bounded set of kinds, not a tree of wrapped
// exception types. Callers that need to branch on failure class use Is/As
// against a Kind rather than comparing sentinel values per package.
package splinterrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the caller and the runtime are expected
// to react, not by which package raised it.
type Kind int

const (
	// Unknown is the zero value, so a missing Kind assignment does not
	// silently match InvalidArgument; KindOf returns it for errors that
	// carry no Kind.
	Unknown Kind = iota
	// InvalidArgument covers malformed payloads, unknown circuit ids, and
	// bad vote targets. Never retried.
	InvalidArgument
	// InvalidState covers an action attempted from a state that disallows
	// it, e.g. voting on an already-committed proposal. Never retried.
	InvalidState
	// Unauthorized covers signature failures and permission denials.
	// Never retried.
	Unauthorized
	// Transport covers dropped connections and unreachable peers.
	// Recovered locally by reconnection.
	Transport
	// Internal covers store failures and serialization errors. Logged,
	// fatal to the operation, never retried automatically.
	Internal
	// Timeout covers an expired deadline, e.g. a consensus vote window.
	// Converted into an Abort path by the caller.
	Timeout
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case InvalidState:
		return "invalid_state"
	case Unauthorized:
		return "unauthorized"
	case Transport:
		return "transport"
	case Internal:
		return "internal"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the concrete type every Splinter component returns for
// anything surfaced across a package boundary. Component is the
// originating subsystem (e.g. "admin_service", "peer_manager") and is
// included in the message so logs can be grepped without a stack trace.
type Error struct {
	Kind      Kind
	Component string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Component, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Component, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, letting
// callers write errors.Is(err, splinterrors.New(splinterrors.Timeout, "", "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New constructs an Error with no cause.
func New(kind Kind, component, message string) *Error {
	return &Error{Kind: kind, Component: component, Message: message}
}

// Wrap attaches kind and component context to an existing error. It
// returns nil if err is nil, so callers can call it unconditionally on
// a possibly-nil error.
func Wrap(kind Kind, component, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Component: component, Message: message, Cause: err}
}

// OfKind is a sentinel usable with errors.Is to test only the Kind,
// ignoring Component/Message/Cause.
func OfKind(kind Kind) error {
	return &Error{Kind: kind}
}

// KindOf extracts the Kind from err, returning Unknown if err is not (and
// does not wrap) a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
