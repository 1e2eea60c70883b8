package provider

import (
	"errors"
	"fmt"
)

// Kind classifies provider failures. The state machine reacts to the kind,
// never to the underlying cause.
type Kind string

const (
	KindAuth      Kind = "auth"
	KindTransient Kind = "transient"
	KindProtocol  Kind = "protocol"
	KindConflict  Kind = "conflict"
)

// Sentinel errors for errors.Is checks
var (
	ErrAuth      = errors.New("authentication failed")
	ErrTransient = errors.New("transient provider failure")
	ErrProtocol  = errors.New("unexpected provider response")
	ErrConflict  = errors.New("plan change already pending")
)

// Error is a classified provider failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// NewError creates a classified provider error
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.sentinel())
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.sentinel(), e.Err)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.sentinel()}
	}
	return []error{e.sentinel(), e.Err}
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindAuth:
		return ErrAuth
	case KindConflict:
		return ErrConflict
	case KindProtocol:
		return ErrProtocol
	default:
		return ErrTransient
	}
}

// KindOf returns the kind of err. Unclassified errors are treated as transient
// so that an unknown failure is retried rather than halting polling.
func KindOf(err error) Kind {
	var pe *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		return pe.Kind
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	default:
		return KindTransient
	}
}
