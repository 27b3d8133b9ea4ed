package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/pithecene-io/refinewatch/log"
	"github.com/pithecene-io/refinewatch/metrics"
	"github.com/pithecene-io/refinewatch/policy"
	"github.com/pithecene-io/refinewatch/resume"
	"github.com/pithecene-io/refinewatch/tracker"
	"github.com/pithecene-io/refinewatch/transport"
	"github.com/pithecene-io/refinewatch/types"
)

// recorder is the channel sink of one attempt. It applies events to the
// tracker and reacts to the resulting change:
//   - state-changing events are offered to the history policy
//   - the policy is flushed after pass_complete and terminal events
//   - snapshot changes are persisted through the coordinator
//   - the stuck-job watchdog re-evaluates every state
//
// The channel calls Apply from a single goroutine.
type recorder struct {
	ctx         context.Context
	tracker     *tracker.Tracker
	policy      policy.Policy
	coordinator *resume.Coordinator
	watchdog    *tracker.Watchdog
	collector   *metrics.Collector
	logger      *log.Logger
	now         func() time.Time

	// fail aborts the attempt on an unrecoverable policy error.
	fail func(error)

	meta   *types.SessionMeta
	seq    int64
	events int64

	mu  sync.Mutex
	err error
}

// Apply implements transport.Sink.
func (r *recorder) Apply(ev types.Event) (tracker.State, tracker.Change) {
	state, change := r.tracker.Apply(ev)
	r.events++

	if change.NewJob {
		jobID := state.JobID()
		r.meta = r.meta.WithJob(jobID)
		r.logger = r.logger.WithJob(jobID)
		r.collector.SetJobID(jobID)
		r.logger.Info("job announced", map[string]any{
			"source": string(ev.Source),
		})
	}

	if !change.Noop {
		r.record(ev, change)
	}

	if change.SnapshotChanged {
		if err := r.coordinator.Remember(state); err != nil {
			r.logger.Warn("failed to persist resume snapshot", map[string]any{
				"error": err.Error(),
			})
		}
	}

	if change.Terminal {
		r.terminal(ev, state)
	}

	r.watchdog.Observe(state)
	return state, change
}

func (r *recorder) record(ev types.Event, change tracker.Change) {
	if r.Err() != nil {
		return
	}

	r.seq++
	rec := types.NewEventRecord(r.meta, r.seq, ev, r.now())
	if err := r.policy.IngestEvent(r.ctx, rec); err != nil {
		r.abort(err)
		return
	}

	if ev.Type != types.EventTypePassComplete && !change.Terminal {
		return
	}
	// A failed flush keeps the buffer; the final flush decides the outcome.
	if err := r.policy.Flush(r.ctx); err != nil {
		r.logger.Warn("history flush failed", map[string]any{
			"error":      err.Error(),
			"event_type": string(ev.Type),
		})
	}
}

func (r *recorder) terminal(ev types.Event, state tracker.State) {
	job := state.Job
	fields := map[string]any{
		"status": string(job.Status),
		"reason": string(job.Reason),
		"source": string(ev.Source),
		"passes": state.CompletedPasses(),
	}

	switch job.Status {
	case types.JobCompleted:
		r.collector.IncJobCompleted()
		if job.Reason == types.ReasonAssumedComplete {
			r.collector.IncJobAssumedComplete()
			r.logger.Warn("job assumed complete (degraded)", fields)
			return
		}
		r.logger.Info("job completed", fields)
	case types.JobErrored:
		r.collector.IncJobErrored()
		fields["error"] = job.Error
		r.logger.Error("job errored", fields)
	}
}

func (r *recorder) abort(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()

	r.logger.Error("history policy failed", map[string]any{
		"error": err.Error(),
	})
	r.fail(err)
}

// Err returns the first policy error, if any.
func (r *recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

var _ transport.Sink = (*recorder)(nil)
