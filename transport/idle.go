package transport

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInactivityTimeout is how long a stream or job may stay silent.
const DefaultInactivityTimeout = 30 * time.Minute

// idleReader closes the wrapped stream when no bytes arrive for timeout.
// The blocked Read then fails with ErrIdleTimeout.
type idleReader struct {
	rc       io.ReadCloser
	timeout  time.Duration
	timer    *time.Timer
	timedOut atomic.Bool
	once     sync.Once
	closeErr error
}

func newIdleReader(rc io.ReadCloser, timeout time.Duration) *idleReader {
	if timeout <= 0 {
		timeout = DefaultInactivityTimeout
	}
	r := &idleReader{rc: rc, timeout: timeout}
	r.timer = time.AfterFunc(timeout, func() {
		r.timedOut.Store(true)
		_ = r.Close()
	})
	return r
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 && !r.timedOut.Load() {
		r.timer.Reset(r.timeout)
	}
	if err != nil && r.timedOut.Load() {
		return n, ErrIdleTimeout
	}
	return n, err
}

// Close stops the watchdog and closes the stream. Safe to call more than
// once and concurrently with Read.
func (r *idleReader) Close() error {
	r.once.Do(func() {
		r.timer.Stop()
		r.closeErr = r.rc.Close()
	})
	return r.closeErr
}

// TimedOut reports whether the watchdog closed the stream.
func (r *idleReader) TimedOut() bool {
	return r.timedOut.Load()
}
