// Package failure defines the outcomes that end a provisioning attempt.
// Every kind is terminal for the attempt; none is retried automatically.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies why a provisioning attempt did not produce a written tag.
type Kind int

const (
	// Unknown is returned by KindOf for errors that carry no Kind.
	Unknown Kind = iota
	HardwareUnavailable
	HardwareDisabled
	UnsupportedTag
	NotWritable
	InsufficientCapacity
	TransportError
)

// String returns the stable identifier used in logs, the journal and the API.
func (k Kind) String() string {
	switch k {
	case HardwareUnavailable:
		return "hardware_unavailable"
	case HardwareDisabled:
		return "hardware_disabled"
	case UnsupportedTag:
		return "unsupported_tag"
	case NotWritable:
		return "not_writable"
	case InsufficientCapacity:
		return "insufficient_capacity"
	case TransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// Message returns the user-facing text for the kind.
func (k Kind) Message() string {
	switch k {
	case HardwareUnavailable:
		return "NFC not supported"
	case HardwareDisabled:
		return "Enable NFC to continue"
	case UnsupportedTag:
		return "This tag type is not supported"
	case NotWritable:
		return "Tag is read-only"
	case InsufficientCapacity:
		return "Tag is too small for the payload"
	default:
		return "Failed to write tag"
	}
}

// Error is a classified failure, optionally wrapping the hardware error behind it.
type Error struct {
	Kind Kind
	Err  error
}

// New returns an *Error of the given kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf returns an *Error of the given kind with a formatted cause.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, failure.New(failure.NotWritable, nil))
// works regardless of the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind carried by err, or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}
