package lode

import (
	"errors"
	"fmt"
	"strings"
)

// Storage failure kinds. Match with errors.Is.
var (
	ErrTimeout          = errors.New("operation timed out")
	ErrAccessDenied     = errors.New("access denied")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrDiskFull         = errors.New("no space left on device")
	ErrThrottled        = errors.New("rate limited")
	ErrAuth             = errors.New("authentication failed")
	ErrNetwork          = errors.New("network error")
	ErrUnclassified     = errors.New("storage error")
)

// StorageError is a history storage failure with its kind. The cause stays
// in the chain.
type StorageError struct {
	Kind error
	// Op is "write", "read" or "init".
	Op string
	// Path is the dataset or snapshot involved, if any.
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("history %s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("history %s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is matches the kind sentinel.
func (e *StorageError) Is(target error) bool { return e.Kind == target }

// NewStorageError creates a storage error of the given kind.
func NewStorageError(kind error, op, path string, err error) *StorageError {
	return &StorageError{Kind: kind, Op: op, Path: path, Err: err}
}

// WrapWriteError classifies a failed write. A nil err stays nil.
func WrapWriteError(err error, path string) error { return wrap("write", path, err) }

// WrapReadError classifies a failed read. A nil err stays nil.
func WrapReadError(err error, path string) error { return wrap("read", path, err) }

// WrapInitError classifies a failed client or dataset setup. A nil err
// stays nil.
func WrapInitError(err error, dataset string) error { return wrap("init", dataset, err) }

func wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return NewStorageError(classifyError(err), op, path, err)
}

// kindRules are checked in order; the first rule with a matching fragment
// wins. Fragments are compared case-insensitively.
var kindRules = []struct {
	kind      error
	fragments []string
}{
	{ErrTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{ErrAccessDenied, []string{"AccessDenied", "Forbidden", "403"}},
	{ErrPermissionDenied, []string{"permission denied", "EACCES"}},
	{ErrNotFound, []string{"no such file", "does not exist", "NoSuchKey", "NoSuchBucket", "ENOENT", "404"}},
	{ErrDiskFull, []string{"no space left", "disk full", "ENOSPC", "quota exceeded"}},
	{ErrThrottled, []string{"SlowDown", "TooManyRequests", "rate exceeded", "throttl", "429"}},
	{ErrAuth, []string{"NoCredentialProviders", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "Unauthorized", "401"}},
	{ErrNetwork, []string{"connection refused", "connection reset", "no route to host", "network unreachable", "no such host", "dial tcp"}},
}

func classifyError(err error) error {
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return ErrTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, r := range kindRules {
		for _, f := range r.fragments {
			if strings.Contains(msg, strings.ToLower(f)) {
				return r.kind
			}
		}
	}
	return ErrUnclassified
}

// IsRetryable reports whether a later flush may succeed where this one
// failed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrThrottled) || errors.Is(err, ErrNetwork)
}
