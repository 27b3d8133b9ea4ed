package runtime

import (
	"errors"
	"fmt"
)

// ErrSessionReset is the cancellation cause set by Session.Reset.
var ErrSessionReset = errors.New("session reset")

// SessionErrorKind classifies session failures.
type SessionErrorKind int

const (
	// SessionErrorJob indicates the job itself failed (job error outcome).
	SessionErrorJob SessionErrorKind = iota
	// SessionErrorTransport indicates every delivery tier was exhausted
	// (transport failure outcome).
	SessionErrorTransport
	// SessionErrorPolicy indicates history recording failed (policy failure
	// outcome).
	SessionErrorPolicy
	// SessionErrorCanceled indicates local cancellation (canceled outcome).
	SessionErrorCanceled
)

func (k SessionErrorKind) String() string {
	switch k {
	case SessionErrorJob:
		return "job"
	case SessionErrorTransport:
		return "transport"
	case SessionErrorPolicy:
		return "policy"
	case SessionErrorCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("SessionErrorKind(%d)", int(k))
	}
}

// SessionError is a classified session failure.
type SessionError struct {
	// Kind selects the outcome.
	Kind SessionErrorKind
	// Op is the step that failed ("start", "continue", "watch", "history", "resume").
	Op string
	// Err is the underlying error.
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func newSessionError(kind SessionErrorKind, op string, err error) *SessionError {
	return &SessionError{Kind: kind, Op: op, Err: err}
}

func isSessionKind(err error, kind SessionErrorKind) bool {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// IsJobError returns true if the error is a job failure.
func IsJobError(err error) bool {
	return isSessionKind(err, SessionErrorJob)
}

// IsTransportError returns true if every delivery tier was exhausted.
func IsTransportError(err error) bool {
	return isSessionKind(err, SessionErrorTransport)
}

// IsPolicyError returns true if the error is a history policy failure.
func IsPolicyError(err error) bool {
	return isSessionKind(err, SessionErrorPolicy)
}

// IsCanceledError returns true if the error is due to local cancellation.
func IsCanceledError(err error) bool {
	return isSessionKind(err, SessionErrorCanceled)
}
