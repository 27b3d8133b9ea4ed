package tracker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pithecene-io/refinewatch/types"
)

// Update is published to feeds after every state-changing event.
type Update struct {
	Event  types.Event
	Change Change
	State  State
}

// Feed is a per-subscriber update channel.
// A feed whose buffer is full drops updates instead of blocking the fold.
type Feed struct {
	ch      chan Update
	dropped atomic.Int64
	closed  bool
}

// C returns the receive side of the feed. It is closed by Unsubscribe
// and Tracker.Close.
func (f *Feed) C() <-chan Update {
	return f.ch
}

// Dropped returns the number of updates dropped because the feed was full.
func (f *Feed) Dropped() int64 {
	return f.dropped.Load()
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithAttempt sets the attempt number stamped into resume snapshots.
func WithAttempt(attempt int) Option {
	return func(t *Tracker) {
		if attempt > 0 {
			t.state.Attempt = attempt
		}
	}
}

// WithStartPass sets the absolute number of the job's first pass for a
// continuation job.
func WithStartPass(pass int) Option {
	return func(t *Tracker) {
		if pass > 0 {
			t.state.StartPass = pass
		}
	}
}

// WithClock overrides the clock used for creation and capture times.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// Tracker serializes Apply for one job and fans updates out to feeds.
// All methods are safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	state  State
	feeds  []*Feed
	now    func() time.Time
	closed bool
}

// New creates a tracker with an empty state.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		state: State{Passes: make(map[int]types.Pass), Attempt: 1},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Apply folds ev into the tracked state in a single critical section.
// It returns a copy of the resulting state and the change record.
func (t *Tracker) Apply(ev types.Event) (State, Change) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next, ch := Apply(t.state, ev)
	if ch.Noop {
		return t.state.Clone(), ch
	}
	t.stamp(&next, ch)
	t.state = next
	t.publish(Update{Event: ev, Change: ch, State: next.Clone()})
	return next.Clone(), ch
}

// Abandon marks the job abandoned if it is not terminal.
func (t *Tracker) Abandon(detail string) (State, Change) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next, ch := Abandon(t.state, detail)
	if ch.Noop {
		return t.state.Clone(), ch
	}
	t.state = next
	t.publish(Update{Change: ch, State: next.Clone()})
	return next.Clone(), ch
}

// State returns a copy of the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Clone()
}

// TakeSnapshot removes and returns the resume snapshot, or nil.
func (t *Tracker) TakeSnapshot() *types.ResumeSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.state.Snapshot
	t.state.Snapshot = nil
	return snap
}

// Subscribe registers a feed with the given buffer size.
// A closed tracker returns an already-closed feed.
func (t *Tracker) Subscribe(buffer int) *Feed {
	if buffer < 1 {
		buffer = 1
	}
	f := &Feed{ch: make(chan Update, buffer)}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		f.closed = true
		close(f.ch)
		return f
	}
	t.feeds = append(t.feeds, f)
	return f
}

// Unsubscribe removes and closes a feed. Safe to call more than once.
func (t *Tracker) Unsubscribe(f *Feed) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, candidate := range t.feeds {
		if candidate == f {
			t.feeds = append(t.feeds[:i], t.feeds[i+1:]...)
			break
		}
	}
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}

// Close closes every feed. Apply keeps working after Close but publishes
// nothing.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, f := range t.feeds {
		if !f.closed {
			f.closed = true
			close(f.ch)
		}
	}
	t.feeds = nil
}

// stamp fills in wall-clock fields that the pure fold cannot know.
func (t *Tracker) stamp(s *State, ch Change) {
	if ch.NewJob && s.Job != nil && s.Job.CreatedAt.IsZero() {
		s.Job.CreatedAt = t.now()
	}
	if ch.SnapshotChanged && s.Snapshot != nil {
		s.Snapshot.CapturedAt = t.now()
	}
}

// publish must be called with t.mu held.
func (t *Tracker) publish(u Update) {
	for _, f := range t.feeds {
		select {
		case f.ch <- u:
		default:
			f.dropped.Add(1)
		}
	}
}
