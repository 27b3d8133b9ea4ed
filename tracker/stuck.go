package tracker

import (
	"sync"
	"time"

	"github.com/pithecene-io/refinewatch/types"
)

// DefaultAssumeCompleteAfter is how long a job that finished its last pass
// may stay silent before it is assumed complete.
const DefaultAssumeCompleteAfter = 2 * time.Minute

// ReasonAssumedComplete is the reason carried by the synthesized event.
const ReasonAssumedComplete = "assumed_complete"

// StuckPolicy decides when a job that never sent a terminal is treated as
// done.
//
// The heuristic only looks at pass numbers: a job whose final pass completed
// but whose last stage (upload) is still running will be assumed complete too.
type StuckPolicy struct {
	AssumeCompleteAfter time.Duration
}

// Suspect reports whether s looks finished but has no terminal signal.
func (p StuckPolicy) Suspect(s State) bool {
	if s.Job == nil || s.Terminal() {
		return false
	}
	target := s.TargetPasses()
	return target > 0 && s.LastCompletedPass() >= target
}

func (p StuckPolicy) wait() time.Duration {
	if p.AssumeCompleteAfter <= 0 {
		return DefaultAssumeCompleteAfter
	}
	return p.AssumeCompleteAfter
}

// Watchdog arms a timer while the tracked state is suspect and fires a
// synthesized complete event if no terminal arrives in time.
type Watchdog struct {
	policy StuckPolicy
	fire   func(types.Event)

	mu      sync.Mutex
	timer   *time.Timer
	gen     int
	stopped bool
	fired   bool
}

// NewWatchdog creates a watchdog delivering its event through fire.
func NewWatchdog(policy StuckPolicy, fire func(types.Event)) *Watchdog {
	return &Watchdog{policy: policy, fire: fire}
}

// Observe re-evaluates the policy against the latest state.
// The deadline is measured from the first suspect observation and is not
// extended by later events.
func (w *Watchdog) Observe(s State) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.fired {
		return
	}

	if !w.policy.Suspect(s) {
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		return
	}
	if w.timer != nil {
		return
	}
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(w.policy.wait(), func() { w.trigger(gen) })
}

// Armed reports whether a deadline is pending.
func (w *Watchdog) Armed() bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

// Stop disarms the watchdog permanently.
func (w *Watchdog) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watchdog) trigger(gen int) {
	w.mu.Lock()
	if w.stopped || w.fired || gen != w.gen || w.timer == nil {
		w.mu.Unlock()
		return
	}
	w.fired = true
	w.timer = nil
	w.mu.Unlock()

	w.fire(types.Terminal(types.EventTypeComplete, types.SourceWatchdog, ReasonAssumedComplete))
}
