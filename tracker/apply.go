// Package tracker folds progress events into job and pass state.
//
// Apply is a pure function: it never mutates its input and the same events
// applied in any interleaving of their delivery paths converge on the same
// state. Every rule is idempotent and forward-only:
//   - pass statuses only move pending → running → error → completed
//   - stage statuses only move forward
//   - passes of a terminal job are settled after every change
//   - cost is folded at most once per pass
//   - the first terminal signal wins; later ones are no-ops
//   - detail events (a late pass_complete) still apply after a terminal
package tracker

import (
	"maps"
	"slices"
	"time"

	"github.com/pithecene-io/refinewatch/types"
)

// State is the tracked state of a single job.
// Values returned by Apply and Tracker.State are independent copies.
type State struct {
	// Job is nil until the first event carrying a job identifier.
	Job *types.Job
	// Passes is keyed by pass number.
	Passes map[int]types.Pass
	// Usage accumulates pass costs.
	Usage types.Usage
	// Snapshot is the resume snapshot, nil when none qualifies.
	Snapshot *types.ResumeSnapshot
	// Attempt is copied into snapshots (1 for the original job).
	Attempt int
	// StartPass is the absolute number of the job's first pass. A
	// continuation announces the passes it still has to run but numbers
	// them from StartPass. Zero means 1.
	StartPass int
	// Applied counts events that changed state.
	Applied int64
}

// Change describes the effects of one Apply call that callers react to.
type Change struct {
	// NewJob is set when a job identifier was learned for the first time.
	NewJob bool
	// Terminal is set when this event moved the job to a terminal status.
	Terminal bool
	// Errored is set when the terminal status is errored.
	Errored bool
	// SnapshotChanged is set when the resume snapshot was replaced or cleared.
	SnapshotChanged bool
	// Noop is set when the event did not change state.
	Noop bool
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	if s.Job != nil {
		job := *s.Job
		job.Planned = slices.Clone(s.Job.Planned)
		out.Job = &job
	}
	out.Passes = make(map[int]types.Pass, len(s.Passes))
	for n, p := range s.Passes {
		p.Stages = maps.Clone(p.Stages)
		out.Passes[n] = p
	}
	if s.Snapshot != nil {
		snap := *s.Snapshot
		out.Snapshot = &snap
	}
	return out
}

// Terminal reports whether the job reached a terminal status.
func (s State) Terminal() bool {
	return s.Job != nil && s.Job.Status.IsTerminal()
}

// JobID returns the job identifier or "" if unknown.
func (s State) JobID() string {
	if s.Job == nil {
		return ""
	}
	return s.Job.ID
}

// LastCompletedPass returns the highest completed pass number, or 0.
func (s State) LastCompletedPass() int {
	last := 0
	for n, p := range s.Passes {
		if p.Status == types.PassCompleted && n > last {
			last = n
		}
	}
	return last
}

// TargetPasses returns the absolute pass number the job is expected to
// finish at: the early-stop pass if one was announced, else the last pass.
func (s State) TargetPasses() int {
	if s.Job == nil {
		return 0
	}
	if s.Job.TruncatedAt > 0 {
		return s.Job.TruncatedAt
	}
	return s.lastPass()
}

// lastPass is the absolute number of the job's final pass, or 0 while the
// pass count is unknown.
func (s State) lastPass() int {
	if s.Job == nil || s.Job.TotalPasses == 0 {
		return 0
	}
	return max(s.StartPass, 1) - 1 + s.Job.TotalPasses
}

// CompletedPasses counts passes in the completed status.
func (s State) CompletedPasses() int {
	n := 0
	for _, p := range s.Passes {
		if p.Status == types.PassCompleted {
			n++
		}
	}
	return n
}

// PassNumbers returns the tracked pass numbers in ascending order.
func (s State) PassNumbers() []int {
	return slices.Sorted(maps.Keys(s.Passes))
}

// Apply folds ev into s and returns the new state.
// Invalid events and events for a different job are no-ops.
func Apply(s State, ev types.Event) (State, Change) {
	if !ev.Valid() {
		return s, Change{Noop: true}
	}
	if s.Job != nil && s.Job.ID != "" && ev.JobID != "" && ev.JobID != s.Job.ID {
		return s, Change{Noop: true}
	}

	next := s.Clone()
	var ch Change
	changed := false

	switch ev.Type {
	case types.EventTypeJob:
		changed, ch.NewJob = applyJob(&next, ev)
	case types.EventTypePassStart:
		changed = applyPassStart(&next, ev)
	case types.EventTypeStageUpdate:
		changed = applyStageUpdate(&next, ev)
	case types.EventTypeProgress:
		changed = applyProgress(&next, ev)
	case types.EventTypePassComplete:
		changed, ch.SnapshotChanged = applyPassComplete(&next, ev)
	case types.EventTypePlan:
		changed = applyPlan(&next, ev)
	case types.EventTypeEarlyStop:
		changed = applyEarlyStop(&next, ev)
	case types.EventTypeComplete:
		changed, ch.SnapshotChanged = applyComplete(&next, ev)
		ch.Terminal = changed
	case types.EventTypeError:
		changed = applyError(&next, ev)
		ch.Terminal = changed
		ch.Errored = changed
	case types.EventTypeStreamEnd:
		changed = applyStreamEnd(&next)
	}

	if !changed {
		return s, Change{Noop: true}
	}
	if next.Terminal() {
		closePasses(&next)
	}
	fillSnapshot(&next)
	next.Applied++
	return next, ch
}

// Abandon marks a non-terminal job abandoned after every transport tier was
// exhausted. It is a no-op for terminal jobs.
func Abandon(s State, detail string) (State, Change) {
	if s.Terminal() {
		return s, Change{Noop: true}
	}
	next := s.Clone()
	job := ensureJob(&next, "")
	job.Status = types.JobAbandoned
	job.Reason = types.ReasonTransportLost
	job.Error = detail
	next.Applied++
	return next, Change{Terminal: true}
}

// ensureJob returns the job, creating an anonymous one if none is known.
func ensureJob(s *State, jobID string) *types.Job {
	if s.Job == nil {
		s.Job = &types.Job{ID: jobID, Status: types.JobCreated}
	}
	return s.Job
}

// ensurePass returns a copy of the pass, creating it pending if unknown.
// Lower pass numbers never seen are backfilled as pending.
func ensurePass(s *State, n int) types.Pass {
	if p, ok := s.Passes[n]; ok {
		return p
	}
	for i := 1; i < n; i++ {
		if _, ok := s.Passes[i]; !ok {
			s.Passes[i] = types.Pass{Number: i, Status: types.PassPending}
		}
	}
	return types.Pass{Number: n, Status: types.PassPending}
}

// markActivity moves the job to running and tracks the highest pass.
func markActivity(s *State, ev types.Event) {
	job := ensureJob(s, ev.JobID)
	if job.ID == "" && ev.JobID != "" {
		job.ID = ev.JobID
	}
	if job.Status == types.JobCreated {
		job.Status = types.JobRunning
	}
	if ev.Pass > job.CurrentPass {
		job.CurrentPass = ev.Pass
	}
}

func advancePass(p *types.Pass, to types.PassStatus) bool {
	if to.Rank() <= p.Status.Rank() {
		return false
	}
	p.Status = to
	return true
}

func applyJob(s *State, ev types.Event) (changed, newJob bool) {
	if s.Job == nil || s.Job.ID == "" {
		job := ensureJob(s, ev.JobID)
		job.ID = ev.JobID
		if job.FileID == "" {
			job.FileID = ev.FileID
		}
		if job.TotalPasses == 0 {
			job.TotalPasses = ev.TotalPasses
		}
		return true, true
	}
	// Duplicate announcement: only fill in what is still unknown.
	if s.Job.FileID == "" && ev.FileID != "" {
		s.Job.FileID = ev.FileID
		changed = true
	}
	if s.Job.TotalPasses == 0 && ev.TotalPasses > 0 {
		s.Job.TotalPasses = ev.TotalPasses
		changed = true
	}
	return changed, false
}

func applyPassStart(s *State, ev types.Event) bool {
	before := snapshotJob(s)
	markActivity(s, ev)
	p := ensurePass(s, ev.Pass)
	changed := advancePass(&p, types.PassRunning)
	if p.CurrentStage == "" {
		p.CurrentStage = types.StageStarting
		changed = true
	}
	s.Passes[ev.Pass] = p
	return changed || before != snapshotJob(s)
}

func applyStageUpdate(s *State, ev types.Event) bool {
	before := snapshotJob(s)
	markActivity(s, ev)
	p := ensurePass(s, ev.Pass)
	_, existed := s.Passes[ev.Pass]
	changed := !existed

	if p.Status.Rank() < types.PassRunning.Rank() {
		p.Status = types.PassRunning
		changed = true
	}

	if p.Stages == nil {
		p.Stages = make(map[types.StageName]types.Stage)
	}
	st, ok := p.Stages[ev.Stage]
	if !ok || ev.Status.Rank() > st.Status.Rank() {
		st.Name = ev.Stage
		st.Status = ev.Status
		if st.Status == types.StageCompleted && ev.DurationMs > 0 {
			st.Duration = time.Duration(ev.DurationMs) * time.Millisecond
		}
		p.Stages[ev.Stage] = st
		changed = true

		// Current stage is the furthest stage reported for the pass.
		if stageIndex(ev.Stage) >= stageIndex(p.CurrentStage) {
			p.CurrentStage = ev.Stage
		}
	}

	s.Passes[ev.Pass] = p
	return changed || before != snapshotJob(s)
}

func applyProgress(s *State, ev types.Event) bool {
	before := snapshotJob(s)
	markActivity(s, ev)
	p := ensurePass(s, ev.Pass)
	_, existed := s.Passes[ev.Pass]
	changed := !existed

	if p.Status.Rank() < types.PassRunning.Rank() {
		p.Status = types.PassRunning
		changed = true
	}
	if p.CurrentStage == "" {
		p.CurrentStage = types.StageStarting
		changed = true
	}
	if !p.Finalized {
		if ev.InputChars > 0 && ev.InputChars != p.InputChars {
			p.InputChars = ev.InputChars
			changed = true
		}
		if ev.OutputChars > 0 && ev.OutputChars != p.OutputChars {
			p.OutputChars = ev.OutputChars
			changed = true
		}
	}
	s.Passes[ev.Pass] = p
	return changed || before != snapshotJob(s)
}

func applyPassComplete(s *State, ev types.Event) (changed, snapshotChanged bool) {
	before := snapshotJob(s)
	markActivity(s, ev)
	p := ensurePass(s, ev.Pass)
	_, existed := s.Passes[ev.Pass]
	changed = !existed

	if advancePass(&p, types.PassCompleted) {
		changed = true
	}

	if !p.Finalized {
		if ev.InputChars > 0 {
			p.InputChars = ev.InputChars
		}
		if ev.OutputChars > 0 {
			p.OutputChars = ev.OutputChars
		}
		p.Metrics = ev.Metrics
		p.Cost = ev.Cost
		p.OutputPath = ev.OutputPath
		p.Finalized = true
		if ev.Cost != nil {
			s.Usage = s.Usage.Add(*ev.Cost)
		}
		changed = true
	}
	s.Passes[ev.Pass] = p

	// A completed job has released its snapshot.
	if ev.HasFullOutput() && s.Job.Status != types.JobCompleted {
		snap := s.Snapshot
		if snap == nil || ev.Pass > snap.Pass || (ev.Pass == snap.Pass && ev.TextContent != snap.Output) {
			s.Snapshot = &types.ResumeSnapshot{
				JobID:       s.Job.ID,
				FileID:      firstNonEmpty(ev.FileID, s.Job.FileID),
				Pass:        ev.Pass,
				Output:      ev.TextContent,
				TotalPasses: s.lastPass(),
				Attempt:     s.Attempt,
			}
			snapshotChanged = true
			changed = true
		}
	}
	return changed || before != snapshotJob(s), snapshotChanged
}

func applyPlan(s *State, ev types.Event) bool {
	job := ensureJob(s, ev.JobID)
	changed := false
	if job.TotalPasses == 0 && ev.TotalPasses > 0 {
		job.TotalPasses = ev.TotalPasses
		changed = true
	}
	if len(job.Planned) == 0 && len(ev.Stages) > 0 {
		job.Planned = slices.Clone(ev.Stages)
		changed = true
	}
	return changed
}

func applyEarlyStop(s *State, ev types.Event) bool {
	job := ensureJob(s, ev.JobID)
	if job.TruncatedAt != 0 {
		return false
	}
	job.TruncatedAt = ev.Pass
	return true
}

func applyComplete(s *State, ev types.Event) (changed, snapshotChanged bool) {
	if s.Terminal() {
		return false, false
	}
	job := ensureJob(s, ev.JobID)
	job.Status = types.JobCompleted
	job.Reason = terminalReason(ev)

	if s.Snapshot != nil {
		s.Snapshot = nil
		snapshotChanged = true
	}
	return true, snapshotChanged
}

func applyError(s *State, ev types.Event) bool {
	if s.Terminal() {
		return false
	}
	job := ensureJob(s, ev.JobID)
	job.Status = types.JobErrored
	job.Reason = terminalReason(ev)
	job.Error = errorDetail(ev)
	return true
}

// closePasses settles the passes of a terminal job. It runs after every
// change so a pass event arriving after the terminal on another path lands
// in the same place as one that arrived before it. A completed job
// force-closes open passes with their last observed sizes; an errored job
// marks running passes error. A later pass_complete still lifts error to
// completed.
func closePasses(s *State) {
	for n, p := range s.Passes {
		switch {
		case s.Job.Status == types.JobCompleted && p.Status != types.PassCompleted:
			p.Status = types.PassCompleted
		case s.Job.Status == types.JobErrored && p.Status == types.PassRunning:
			p.Status = types.PassError
		default:
			continue
		}
		s.Passes[n] = p
	}
}

// fillSnapshot completes the identity of a snapshot taken before the job
// announcement was seen.
func fillSnapshot(s *State) {
	if s.Snapshot == nil || s.Job == nil {
		return
	}
	if s.Snapshot.JobID == "" {
		s.Snapshot.JobID = s.Job.ID
	}
	if s.Snapshot.FileID == "" {
		s.Snapshot.FileID = s.Job.FileID
	}
	if s.Snapshot.TotalPasses == 0 {
		s.Snapshot.TotalPasses = s.lastPass()
	}
}

func applyStreamEnd(s *State) bool {
	job := ensureJob(s, "")
	if job.StreamEnded {
		return false
	}
	job.StreamEnded = true
	return true
}

func terminalReason(ev types.Event) types.TerminalReason {
	switch ev.Source {
	case types.SourceMarker:
		return types.ReasonMarker
	case types.SourceWatchdog:
		return types.ReasonAssumedComplete
	default:
		return types.ReasonEvent
	}
}

func errorDetail(ev types.Event) string {
	switch {
	case ev.Message != "" && ev.Detail != "":
		return ev.Message + ": " + ev.Detail
	case ev.Message != "":
		return ev.Message
	case ev.Detail != "":
		return ev.Detail
	case ev.Reason != "":
		return ev.Reason
	default:
		return "job reported an error"
	}
}

func stageIndex(name types.StageName) int {
	for i, st := range types.Stages {
		if st == name {
			return i
		}
	}
	return -1
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// jobMark is the comparable subset of Job touched by markActivity.
type jobMark struct {
	present bool
	id      string
	status  types.JobStatus
	current int
}

func snapshotJob(s *State) jobMark {
	if s.Job == nil {
		return jobMark{}
	}
	return jobMark{present: true, id: s.Job.ID, status: s.Job.Status, current: s.Job.CurrentPass}
}
