// Package adapter defines the notification boundary for finished jobs.
//
// Adapters publish a job-finished notification to downstream systems once a
// session ends. The runtime owns adapter lifecycle; users provide
// configuration only.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventTypeJobFinished is the event_type of every notification.
const EventTypeJobFinished = "job_finished"

// Usage is the accumulated usage of the finished job.
type Usage struct {
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
	Requests int64   `json:"requests"`
}

// JobFinishedEvent is the payload published when a session ends.
type JobFinishedEvent struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"` // always "job_finished"
	SessionID       string `json:"session_id"`
	JobID           string `json:"job_id,omitempty"`
	ParentJobID     string `json:"parent_job_id,omitempty"`
	FileID          string `json:"file_id"`
	Attempt         int    `json:"attempt"`

	// Status is the final job status (completed, errored, abandoned).
	Status string `json:"status"`
	// Outcome is the session outcome (completed, job_error, ...).
	Outcome string `json:"outcome"`
	// Reason is how the job reached its terminal status.
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`

	PassesCompleted int   `json:"passes_completed"`
	TotalPasses     int   `json:"total_passes"`
	Usage           Usage `json:"usage"`

	Timestamp  string `json:"timestamp"` // RFC 3339
	DurationMs int64  `json:"duration_ms"`
	EventCount int64  `json:"event_count"`
}

// Adapter publishes job-finished events to a downstream system.
type Adapter interface {
	// Publish sends a job-finished event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *JobFinishedEvent) error

	// Close releases adapter resources.
	Close() error
}

// Backoff is the wait before retry i (1-based): 500ms doubling per retry.
func Backoff(i int) time.Duration {
	if i < 1 {
		return 0
	}
	return time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
}

// Sleep waits for the retry backoff or until ctx is done.
func Sleep(ctx context.Context, retry int) error {
	t := time.NewTimer(Backoff(retry))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Retry gives up on it at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Retry calls fn once plus up to retries more times, sleeping the backoff
// between calls. Errors are prefixed with name.
func Retry(ctx context.Context, name string, retries int, fn func(context.Context) error) error {
	var err error
	for i := range retries + 1 {
		if i > 0 {
			if serr := Sleep(ctx, i); serr != nil {
				return fmt.Errorf("%s: canceled during backoff: %w", name, serr)
			}
		} else if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("%s: %w", name, cerr)
		}

		if err = fn(ctx); err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return fmt.Errorf("%s: non-retriable error: %w", name, perm.err)
		}
	}
	return fmt.Errorf("%s: failed after %d attempts: %w", name, retries+1, err)
}
