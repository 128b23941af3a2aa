package auth

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so transports can map it to a status code.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthorized
	KindForbidden
	KindConflict
	KindNotFound
	KindInvalidInput
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid_input"
	case KindUnavailable:
		return "service_unavailable"
	default:
		return "unknown"
	}
}

// Error carries a kind, a client-safe reason and an optional cause.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := "auth: " + e.Kind.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any sentinel of the same kind, so errors.Is(err, ErrForbidden)
// holds for every forbidden error regardless of its reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrForbidden    = &Error{Kind: KindForbidden}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrInvalidInput = &Error{Kind: KindInvalidInput}
	ErrUnavailable  = &Error{Kind: KindUnavailable}
)

// Codec failures. They are never returned to transports directly; the gate
// turns them into Unauthorized errors.
var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: expired token")
)

func newError(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func unauthorized(reason string) error { return newError(KindUnauthorized, reason, nil) }

func forbidden(reason string) error { return newError(KindForbidden, reason, nil) }

func invalidInput(format string, args ...any) error {
	return newError(KindInvalidInput, fmt.Sprintf(format, args...), nil)
}

// unavailable wraps a collaborator failure unless it already carries a kind.
func unavailable(op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return newError(KindUnavailable, op, err)
}

// KindOf reports the kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ReasonOf returns the client-safe reason attached to err.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Reason != "" {
			return e.Reason
		}
		return e.Kind.String()
	}
	return ""
}
