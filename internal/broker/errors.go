package broker

import (
	"errors"
	"fmt"
)

// ErrorKind classifies broker failures so callers can choose a policy
// without string matching.
type ErrorKind int

const (
	// Transient errors (timeouts, rate limits) are safe to retry.
	Transient ErrorKind = iota
	// Permanent errors (rejected order, bad symbol) must not be retried.
	Permanent
	// AmbiguousFill means the broker accepted the order but its final
	// state could not be determined; the reconciliation sweep owns it.
	AmbiguousFill
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case AmbiguousFill:
		return "ambiguous-fill"
	default:
		return "unknown"
	}
}

// Error is the uniform error type returned by Gateway implementations.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker %s: %s (%s): %v", e.Op, e.Msg, e.Kind, e.Err)
	}
	return fmt.Sprintf("broker %s: %s (%s)", e.Op, e.Msg, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a broker error.
func NewError(kind ErrorKind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// IsTransient reports whether err is a transient broker error.
func IsTransient(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == Transient
}

// IsPermanent reports whether err is a permanent broker error.
func IsPermanent(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == Permanent
}
