// Package errors defines the fault taxonomy shared by the bridge components.
// Every fault kind maps to a named handling policy: configuration faults are
// fatal at startup, transient faults are retried with backoff, rate-limit faults
// are waited out, permanent faults drop the notice, auth faults disable a source
// channel or stop the process, persistence faults are logged and swallowed.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a fault.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindTransient
	KindRateLimit
	KindPermanent
	KindAuth
	KindPersistence
)

// String returns the code used in logs.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "CONFIG"
	case KindTransient:
		return "TRANSIENT"
	case KindRateLimit:
		return "RATE_LIMIT"
	case KindPermanent:
		return "PERMANENT"
	case KindAuth:
		return "AUTH"
	case KindPersistence:
		return "PERSISTENCE"
	default:
		return "UNKNOWN"
	}
}

// ApplicationError is implemented by every classified fault.
type ApplicationError interface {
	error
	Kind() Kind
	Unwrap() error
}

// Error is a classified fault with an optional cause.
type Error struct {
	kind       Kind
	message    string
	err        error
	retryAfter time.Duration
	status     int
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}

	return e.message
}

func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) Unwrap() error {
	return e.err
}

// RetryAfter is the upstream rate-limit hint. Zero for other kinds.
func (e *Error) RetryAfter() time.Duration {
	return e.retryAfter
}

// Status is the HTTP status reported upstream, or 0 when unknown.
func (e *Error) Status() int {
	return e.status
}

// WithStatus records the upstream HTTP status on e and returns it.
func (e *Error) WithStatus(status int) *Error {
	e.status = status
	return e
}

// KindOf returns the kind of the first classified error in err's chain,
// or KindUnknown.
func KindOf(err error) Kind {
	var appErr ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Kind()
	}

	return KindUnknown
}

// RetryAfterOf returns the rate-limit hint carried by err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.kind == KindRateLimit {
		return e.retryAfter, true
	}

	return 0, false
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func NewConfigError(message string, cause error) *Error {
	return &Error{kind: KindConfig, message: message, err: cause}
}

func NewTransientError(message string, cause error) *Error {
	return &Error{kind: KindTransient, message: message, err: cause}
}

func NewRateLimitError(message string, retryAfter time.Duration, cause error) *Error {
	return &Error{kind: KindRateLimit, message: message, err: cause, retryAfter: retryAfter}
}

func NewPermanentError(message string, cause error) *Error {
	return &Error{kind: KindPermanent, message: message, err: cause}
}

func NewAuthError(message string, cause error) *Error {
	return &Error{kind: KindAuth, message: message, err: cause}
}

func NewPersistenceError(message string, cause error) *Error {
	return &Error{kind: KindPersistence, message: message, err: cause}
}
