package ledger

import (
	"errors"
	"fmt"
)

// Class partitions ledger errors for retry decisions. The coordinator's
// nonce retry loop and the transient view-call retry both depend on it.
type Class int

const (
	ClassOther Class = iota
	ClassNonceConflict
	ClassRateLimited
	ClassNetworkTransient
	ClassExecutionFailure
)

func (c Class) String() string {
	switch c {
	case ClassNonceConflict:
		return "nonce_conflict"
	case ClassRateLimited:
		return "rate_limited"
	case ClassNetworkTransient:
		return "network_transient"
	case ClassExecutionFailure:
		return "execution_failure"
	default:
		return "other"
	}
}

// Error is a classified ledger failure.
type Error struct {
	Class   Class
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ledger: %s: %s: %v", e.Class, e.Message, e.Cause)
	}
	return fmt.Sprintf("ledger: %s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError wraps cause as a classified ledger error.
func NewError(class Class, cause error, format string, args ...any) *Error {
	return &Error{Class: class, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Classify extracts the error class, defaulting to ClassOther for errors
// that did not originate from a ledger client.
func Classify(err error) Class {
	var le *Error
	if errors.As(err, &le) {
		return le.Class
	}
	return ClassOther
}

// IsTransient reports whether err is worth retrying transparently inside a
// single dispatch attempt (rate limiting or a transport hiccup).
func IsTransient(err error) bool {
	switch Classify(err) {
	case ClassRateLimited, ClassNetworkTransient:
		return true
	}
	return false
}
