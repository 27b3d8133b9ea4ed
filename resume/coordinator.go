// Package resume decides whether a failed job can be continued and builds
// the continuation request.
//
// A job is resumable iff a resume snapshot exists: at least one pass
// completed with its full output retained. A continuation starts a new job
// at snapshot.pass+1 with the snapshot output as inline input. Each job is
// resumed at most once and the chain is bounded by MaxResumes.
package resume

import (
	"context"
	"errors"
	"fmt"

	"github.com/pithecene-io/refinewatch/log"
	"github.com/pithecene-io/refinewatch/tracker"
	"github.com/pithecene-io/refinewatch/types"
)

// DefaultMaxResumes bounds the continuation chain.
const DefaultMaxResumes = 1

var (
	// ErrNotResumable is returned when no snapshot exists.
	ErrNotResumable = errors.New("job is not resumable")
	// ErrResumeLimit is returned when the continuation chain is exhausted.
	ErrResumeLimit = errors.New("resume limit reached")
	// ErrNothingRemaining is returned when the snapshot already covers the
	// target pass count.
	ErrNothingRemaining = errors.New("no passes remain after snapshot")
)

// Offer is the result of evaluating a failed job.
type Offer struct {
	// Resumable is true when a snapshot exists.
	Resumable bool
	// Fatal is true when the job failed before any pass completed.
	Fatal bool
	// JobID is the failed job.
	JobID string
	// Error is the job's error detail.
	Error string
	// Snapshot is the candidate snapshot, nil when not resumable.
	Snapshot *types.ResumeSnapshot
}

// NextPass is the pass a continuation would start at.
func (o Offer) NextPass() int {
	if o.Snapshot == nil {
		return 0
	}
	return o.Snapshot.Pass + 1
}

// Evaluate inspects tracked state and reports whether it can be resumed.
func Evaluate(s tracker.State) Offer {
	offer := Offer{JobID: s.JobID()}
	if s.Job != nil {
		offer.Error = s.Job.Error
	}
	if s.Snapshot != nil {
		snap := *s.Snapshot
		offer.Resumable = true
		offer.Snapshot = &snap
		return offer
	}
	offer.Fatal = s.LastCompletedPass() == 0
	return offer
}

// BuildContinuation constructs the continuation for a snapshot.
// base supplies the early-stop flag and tuning of the original request, and
// its pass count when the snapshot does not know the target.
func BuildContinuation(snap *types.ResumeSnapshot, base types.StartRequest) (types.ContinuationRequest, error) {
	if snap == nil {
		return types.ContinuationRequest{}, ErrNotResumable
	}
	target := snap.TotalPasses
	if target == 0 {
		target = base.Passes
	}
	remaining := target - snap.Pass
	if remaining <= 0 {
		return types.ContinuationRequest{}, fmt.Errorf("%w: snapshot pass %d of %d", ErrNothingRemaining, snap.Pass, target)
	}

	req := types.ContinuationRequest{
		StartRequest: types.StartRequest{
			FileIDs:   []string{snap.FileID},
			Passes:    remaining,
			EarlyStop: base.EarlyStop,
			Tuning:    base.Tuning,
		},
		StartPass:   snap.Pass + 1,
		InputText:   snap.Output,
		ParentJobID: snap.JobID,
	}
	if err := req.Validate(); err != nil {
		return types.ContinuationRequest{}, fmt.Errorf("build continuation: %w", err)
	}
	return req, nil
}

// SnapshotHolder is the tracker surface the coordinator consumes snapshots
// from.
type SnapshotHolder interface {
	State() tracker.State
	TakeSnapshot() *types.ResumeSnapshot
}

// Decision is the outcome of Resolve.
type Decision struct {
	Offer Offer
	// Offered is false when the job was not resumable or the chain is
	// exhausted.
	Offered bool
	// Accepted is the decider's answer.
	Accepted bool
	// Request is set when accepted.
	Request *types.ContinuationRequest
	// Next is the session identity for the continuation, set when accepted.
	Next *types.SessionMeta
}

// Coordinator runs the resume flow for errored jobs.
type Coordinator struct {
	decider    Decider
	store      Store
	maxResumes int
	logger     *log.Logger
}

// Config configures a Coordinator.
type Config struct {
	Decider    Decider
	Store      Store
	MaxResumes int
	Logger     *log.Logger
}

// NewCoordinator creates a coordinator. A nil decider never resumes and a
// nil store persists nothing.
func NewCoordinator(cfg Config) *Coordinator {
	c := &Coordinator{
		decider:    cfg.Decider,
		store:      cfg.Store,
		maxResumes: cfg.MaxResumes,
		logger:     cfg.Logger,
	}
	if c.decider == nil {
		c.decider = Never{}
	}
	if c.store == nil {
		c.store = NopStore{}
	}
	if c.maxResumes <= 0 {
		c.maxResumes = DefaultMaxResumes
	}
	if c.logger == nil {
		c.logger = log.NewNop()
	}
	return c
}

// Remember persists the current snapshot, or forgets it if the tracker
// cleared it. Called whenever the tracker reports a snapshot change.
func (c *Coordinator) Remember(s tracker.State) error {
	if s.Snapshot != nil {
		return c.store.Save(*s.Snapshot)
	}
	if id := s.JobID(); id != "" {
		return c.store.Delete(id)
	}
	return nil
}

// Resolve runs the resume flow for an errored job.
//
// The snapshot is consumed from holder on both acceptance and rejection;
// the old job stays errored either way.
func (c *Coordinator) Resolve(ctx context.Context, meta types.SessionMeta, holder SnapshotHolder, base types.StartRequest) (Decision, error) {
	state := holder.State()
	offer := Evaluate(state)
	d := Decision{Offer: offer}

	if !offer.Resumable {
		c.logger.Warn("job failed without a resumable pass", map[string]any{
			"fatal": offer.Fatal,
			"error": offer.Error,
		})
		return d, ErrNotResumable
	}
	if meta.Attempt > c.maxResumes {
		c.logger.Warn("resume limit reached", map[string]any{
			"attempt":     meta.Attempt,
			"max_resumes": c.maxResumes,
		})
		return d, ErrResumeLimit
	}

	d.Offered = true
	accepted, err := c.decider.Decide(ctx, offer)
	if err != nil {
		return d, fmt.Errorf("resume decision: %w", err)
	}
	d.Accepted = accepted

	snap := holder.TakeSnapshot()
	if snap == nil {
		// Consumed concurrently; fall back to the evaluated copy.
		snap = offer.Snapshot
	}
	if err := c.store.Delete(snap.JobID); err != nil {
		c.logger.Warn("failed to delete stored snapshot", map[string]any{"error": err.Error()})
	}

	if !accepted {
		c.logger.Info("resume declined", map[string]any{"pass": snap.Pass})
		return d, nil
	}

	req, err := BuildContinuation(snap, base)
	if err != nil {
		return d, err
	}
	d.Request = &req
	d.Next = Next(meta, snap.JobID)

	c.logger.Info("resuming job", map[string]any{
		"start_pass": req.StartPass,
		"passes":     req.Passes,
		"attempt":    d.Next.Attempt,
	})
	return d, nil
}

// Next returns the session identity of a continuation of parentJobID.
func Next(meta types.SessionMeta, parentJobID string) *types.SessionMeta {
	parent := parentJobID
	return &types.SessionMeta{
		SessionID:   meta.SessionID,
		FileID:      meta.FileID,
		ParentJobID: &parent,
		Attempt:     meta.Attempt + 1,
	}
}
