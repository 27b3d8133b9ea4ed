// Package iox provides close and drain helpers for streams and responses.
package iox

import (
	"io"
	"sync"
)

// maxDrain bounds how much of a response body DrainClose reads so a
// misbehaving server cannot hold the connection open.
const maxDrain = 64 * 1024

// DiscardClose closes c and discards the error.
// Use in defer statements where close errors are unactionable:
//
//	defer iox.DiscardClose(f)
func DiscardClose(c io.Closer) { _ = c.Close() }

// DrainClose reads what is left of a response body, up to a bound, and
// closes it so the HTTP connection can be reused.
func DrainClose(rc io.ReadCloser) {
	_, _ = io.CopyN(io.Discard, rc, maxDrain)
	_ = rc.Close()
}

// CloseFunc returns a cleanup function that closes c.
// Designed for t.Cleanup and b.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(client))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DiscardErr calls fn and discards the returned error.
// Use for non-Close cleanup calls (e.g. logger Sync) where errors are
// unactionable:
//
//	defer iox.DiscardErr(logger.Sync)
func DiscardErr(fn func() error) { _ = fn() }

// OnceCloser wraps a ReadCloser so that only the first Close reaches the
// underlying stream. Later calls return the first result.
type OnceCloser struct {
	io.ReadCloser

	once sync.Once
	err  error
}

// NewOnceCloser wraps rc.
func NewOnceCloser(rc io.ReadCloser) *OnceCloser {
	return &OnceCloser{ReadCloser: rc}
}

// Close closes the underlying stream once.
func (c *OnceCloser) Close() error {
	c.once.Do(func() { c.err = c.ReadCloser.Close() })
	return c.err
}
