package transport

import (
	"errors"
	"fmt"
)

// ErrTransportExhausted is returned when every delivery tier failed before
// the job reached a terminal status.
var ErrTransportExhausted = errors.New("transport exhausted")

// ErrIdleTimeout is returned by a stream read after the inactivity watchdog
// closed it.
var ErrIdleTimeout = errors.New("stream inactivity timeout")

// ErrorKind classifies transport errors.
type ErrorKind int

const (
	// ErrorConnect indicates the request could not be sent or answered.
	ErrorConnect ErrorKind = iota
	// ErrorStatus indicates a non-2xx response.
	ErrorStatus
	// ErrorStream indicates the event stream ended or failed.
	ErrorStream
	// ErrorSocket indicates the push-socket failed.
	ErrorSocket
	// ErrorPoll indicates a status poll failed.
	ErrorPoll
	// ErrorExhausted indicates no tier is left.
	ErrorExhausted
	// ErrorCanceled indicates the context was canceled.
	ErrorCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorConnect:
		return "connect"
	case ErrorStatus:
		return "status"
	case ErrorStream:
		return "stream"
	case ErrorSocket:
		return "socket"
	case ErrorPoll:
		return "poll"
	case ErrorExhausted:
		return "exhausted"
	case ErrorCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error is a classified transport error.
type Error struct {
	Kind ErrorKind
	// Op names the operation, e.g. "start" or "status".
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func isKind(err error, kind ErrorKind) bool {
	var tErr *Error
	if errors.As(err, &tErr) {
		return tErr.Kind == kind
	}
	return false
}

// IsExhausted returns true if every tier failed.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrTransportExhausted) || isKind(err, ErrorExhausted)
}

// IsCanceled returns true if the error is due to context cancellation.
func IsCanceled(err error) bool {
	return isKind(err, ErrorCanceled)
}

// IsStatus returns true if the server answered with a non-2xx status.
func IsStatus(err error) bool {
	return isKind(err, ErrorStatus)
}

// IsClientError returns true for 4xx responses, which are not retried.
func IsClientError(err error) bool {
	var sErr *StatusError
	if errors.As(err, &sErr) {
		return sErr.Code >= 400 && sErr.Code < 500
	}
	return false
}
