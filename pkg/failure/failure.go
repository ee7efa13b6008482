// Package failure defines the closed error taxonomy returned by the broker core.
package failure

import (
	"errors"
	"fmt"
)

// Kind discriminates broker failures.
type Kind string

const (
	UnknownContract          Kind = "UNKNOWN_CONTRACT"
	NoEligibleImplementation Kind = "NO_ELIGIBLE_IMPLEMENTATION"
	AmbiguousImplementation  Kind = "AMBIGUOUS_IMPLEMENTATION"
	TransportFailure         Kind = "TRANSPORT_FAILURE"
	Timeout                  Kind = "TIMEOUT"
	ContractConflict         Kind = "CONTRACT_CONFLICT"
	DuplicateImplementation  Kind = "DUPLICATE_IMPLEMENTATION"
	InvalidArgument          Kind = "INVALID_ARGUMENT"
)

var kinds = map[Kind]bool{
	UnknownContract:          true,
	NoEligibleImplementation: true,
	AmbiguousImplementation:  true,
	TransportFailure:         true,
	Timeout:                  true,
	ContractConflict:         true,
	DuplicateImplementation:  true,
	InvalidArgument:          true,
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return kinds[k]
}

// Retryable reports whether a caller may reasonably retry after this kind.
// Timeout is not retryable by default because remote side effects are unknown.
func (k Kind) Retryable() bool {
	return k == TransportFailure || k == NoEligibleImplementation
}

// Error is a structured broker failure.
type Error struct {
	Kind           Kind
	Contract       string
	Implementation string
	Message        string
	Cause          error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.Contract != "" {
		msg += " (contract=" + e.Contract
		if e.Implementation != "" {
			msg += " implementation=" + e.Implementation
		}
		msg += ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind, so errors.Is(err, &Error{Kind: Timeout}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Contract == "" && t.Implementation == ""
}

// Retryable delegates to the kind.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// New creates an Error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error carrying cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithTarget returns a copy of e annotated with contract and implementation ids.
func (e *Error) WithTarget(contract, implementation string) *Error {
	cp := *e
	cp.Contract = contract
	cp.Implementation = implementation
	return &cp
}

// KindOf extracts the kind from err, or "" when err is not a broker failure.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err is a broker failure of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
