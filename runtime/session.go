// Package runtime orchestrates a watch session: it starts (or continues) a
// job, feeds the transport channel into the tracker, records history,
// resolves resume offers and classifies the outcome.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/pithecene-io/refinewatch/adapter"
	"github.com/pithecene-io/refinewatch/log"
	"github.com/pithecene-io/refinewatch/metrics"
	"github.com/pithecene-io/refinewatch/policy"
	"github.com/pithecene-io/refinewatch/resume"
	"github.com/pithecene-io/refinewatch/tracker"
	"github.com/pithecene-io/refinewatch/transport"
	"github.com/pithecene-io/refinewatch/types"
)

// finalizeTimeout bounds the flush, metrics write and notification after
// the session ends, independent of the caller's context.
const finalizeTimeout = 30 * time.Second

// API is the refinement API surface a session drives.
type API interface {
	transport.API
	Start(ctx context.Context, req types.StartRequest) (io.ReadCloser, error)
	Continue(ctx context.Context, req types.ContinuationRequest) (io.ReadCloser, error)
}

// MetricsWriter persists the session metrics snapshot.
// lode.LodeClient satisfies it.
type MetricsWriter interface {
	WriteMetrics(ctx context.Context, snap metrics.Snapshot, fileID string, completedAt time.Time) error
}

// SessionConfig configures a session.
type SessionConfig struct {
	// API is the refinement API client (required).
	API API
	// Meta is the session identity of the first attempt (required).
	Meta *types.SessionMeta
	// Request is the job-start request. It also supplies the early-stop
	// flag and tuning of continuations.
	Request types.StartRequest
	// Continuation starts the session from a stored snapshot instead of
	// Request.
	Continuation *types.ContinuationRequest
	// Channel configures the transport channel. Logger and Metrics are
	// set per attempt.
	Channel transport.ChannelConfig
	// Stuck configures the stuck-job watchdog.
	Stuck tracker.StuckPolicy
	// Policy records history. If nil, history is counted but not stored.
	Policy policy.Policy
	// Coordinator resolves resume offers. If nil, jobs are never resumed.
	Coordinator *resume.Coordinator
	// Adapter is notified once the session ends. Optional.
	Adapter adapter.Adapter
	// MetricsWriter persists the metrics snapshot once the session ends. Optional.
	MetricsWriter MetricsWriter
	// Collector records session metrics. If nil, nothing is recorded.
	Collector *metrics.Collector
	// LogOutput receives structured logs (default os.Stderr).
	LogOutput io.Writer
	// OnAttempt is called with each attempt's tracker before events flow.
	// The progress view subscribes here.
	OnAttempt func(meta types.SessionMeta, t *tracker.Tracker)
	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// AttemptResult is the result of one job of the continuation chain.
type AttemptResult struct {
	Meta      types.SessionMeta
	State     tracker.State
	Transport transport.Result
	// Err is the classified attempt failure, nil when the job reached a
	// terminal status through the channel.
	Err error
	// Decision is set when the attempt ended errored and the resume flow ran.
	Decision *resume.Decision
	Events   int64
}

// SessionResult is the result of a session.
type SessionResult struct {
	// Meta is the identity of the final attempt.
	Meta types.SessionMeta
	// State is the tracked state of the final attempt.
	State tracker.State
	// Attempts lists every attempt in order.
	Attempts []AttemptResult
	Outcome  *Outcome
	Duration time.Duration
	// PolicyStats is the history policy statistics.
	PolicyStats policy.Stats
	// EventCount is the number of events delivered across attempts.
	EventCount int64
}

// Tier is the last active transport tier of the final attempt.
func (r *SessionResult) Tier() transport.Tier {
	if len(r.Attempts) == 0 {
		return ""
	}
	return r.Attempts[len(r.Attempts)-1].Transport.Tier
}

// Session watches one job and its continuations.
type Session struct {
	cfg    SessionConfig
	logger *log.Logger
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelCauseFunc
	reset  bool
}

// NewSession validates cfg and creates a session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.API == nil {
		return nil, errors.New("session requires an API client")
	}
	if cfg.Meta == nil {
		return nil, errors.New("session requires session metadata")
	}
	if err := cfg.Meta.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session metadata: %w", err)
	}
	if cfg.Continuation != nil {
		if err := cfg.Continuation.Validate(); err != nil {
			return nil, fmt.Errorf("invalid continuation: %w", err)
		}
		if cfg.Request.Passes == 0 {
			cfg.Request = cfg.Continuation.StartRequest
		}
	} else if err := cfg.Request.Validate(); err != nil {
		return nil, fmt.Errorf("invalid start request: %w", err)
	}

	if cfg.Policy == nil {
		cfg.Policy = policy.NewNoopPolicy()
	}
	if cfg.LogOutput == nil {
		cfg.LogOutput = os.Stderr
	}
	if cfg.Coordinator == nil {
		cfg.Coordinator = resume.NewCoordinator(resume.Config{
			Logger: log.NewLoggerTo(cfg.Meta, cfg.LogOutput),
		})
	}
	if cfg.Channel.SocketHeaders == nil {
		if h, ok := cfg.API.(interface{ Headers() http.Header }); ok {
			cfg.Channel.SocketHeaders = h.Headers
		}
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Session{
		cfg:    cfg,
		logger: log.NewLoggerTo(cfg.Meta, cfg.LogOutput),
		now:    now,
	}, nil
}

// Reset cancels the session. The current attempt stops all delivery paths
// and the job stays in its last-known status.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset = true
	if s.cancel != nil {
		s.cancel(ErrSessionReset)
	}
}

func (s *Session) beginAttempt(ctx context.Context) (context.Context, context.CancelCauseFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reset {
		return nil, nil, false
	}
	attemptCtx, cancel := context.WithCancelCause(ctx)
	s.cancel = cancel
	return attemptCtx, cancel, true
}

// Run watches the job until it completes, fails without a resume, every
// tier is exhausted, or ctx is canceled.
//
// Execution flow:
//  1. Start the job (or its continuation) and open the event stream
//  2. Run the transport channel into the tracker
//  3. Flush history
//  4. On a job error, run the resume flow and loop with the continuation
//  5. Classify the outcome, persist metrics and notify the adapter
//
// Run only returns an error for a session that cannot run at all; every
// job and transport failure is reported through the result outcome.
func (s *Session) Run(ctx context.Context) (*SessionResult, error) {
	started := s.now()
	meta := *s.cfg.Meta
	cont := s.cfg.Continuation

	s.logger.Info("session started", map[string]any{
		"file_ids": s.cfg.Request.FileIDs,
		"passes":   s.cfg.Request.Passes,
		"resuming": cont != nil,
	})

	result := &SessionResult{}
	var finalErr error

	for {
		ar, trk := s.runAttempt(ctx, meta, cont)
		result.Attempts = append(result.Attempts, ar)
		result.EventCount += ar.Events
		finalErr = ar.Err

		if ar.Err != nil || ar.State.Job == nil || ar.State.Job.Status != types.JobErrored {
			break
		}

		next, err := s.resolve(ctx, meta, trk, &result.Attempts[len(result.Attempts)-1])
		if err != nil {
			finalErr = err
			break
		}
		if next == nil {
			break
		}
		meta = *next.Next
		cont = next.Request
	}

	last := result.Attempts[len(result.Attempts)-1]
	result.Meta = last.Meta
	result.State = last.State
	result.Outcome = DetermineOutcome(last.State, finalErr)
	result.Duration = s.now().Sub(started)

	s.finalize(ctx, result)
	return result, nil
}

// runAttempt watches a single job of the chain.
func (s *Session) runAttempt(ctx context.Context, meta types.SessionMeta, cont *types.ContinuationRequest) (AttemptResult, *tracker.Tracker) {
	ar := AttemptResult{Meta: meta}
	logger := log.NewLoggerTo(&meta, s.cfg.LogOutput)

	opts := []tracker.Option{tracker.WithAttempt(meta.Attempt), tracker.WithClock(s.now)}
	if cont != nil {
		opts = append(opts, tracker.WithStartPass(cont.StartPass))
	}
	trk := tracker.New(opts...)
	defer trk.Close()

	attemptCtx, cancel, ok := s.beginAttempt(ctx)
	if !ok {
		ar.State = trk.State()
		ar.Err = newSessionError(SessionErrorCanceled, "start", ErrSessionReset)
		return ar, trk
	}
	defer cancel(nil)

	if s.cfg.OnAttempt != nil {
		s.cfg.OnAttempt(meta, trk)
	}

	op := "start"
	s.cfg.Collector.IncJobStarted()
	var body io.ReadCloser
	var err error
	if cont != nil {
		op = "continue"
		logger.Info("continuing job", map[string]any{
			"start_pass": cont.StartPass,
			"passes":     cont.Passes,
		})
		body, err = s.cfg.API.Continue(attemptCtx, *cont)
	} else {
		body, err = s.cfg.API.Start(attemptCtx, s.cfg.Request)
	}
	if err != nil {
		ar.State = trk.State()
		ar.Err = s.classifyOpenError(attemptCtx, op, err, logger)
		return ar, trk
	}

	rec := &recorder{
		ctx:         attemptCtx,
		tracker:     trk,
		policy:      s.cfg.Policy,
		coordinator: s.cfg.Coordinator,
		collector:   s.cfg.Collector,
		logger:      logger,
		now:         s.now,
		fail:        func(err error) { cancel(err) },
		meta:        &meta,
	}

	chCfg := s.cfg.Channel
	chCfg.Logger = logger
	chCfg.Metrics = s.cfg.Collector
	ch := transport.NewChannel(s.cfg.API, rec, chCfg)

	rec.watchdog = tracker.NewWatchdog(s.cfg.Stuck, func(ev types.Event) {
		if !ch.Inject(ev) {
			logger.Debug("watchdog fired after channel stopped", nil)
		}
	})

	res, runErr := ch.Run(attemptCtx, body)
	rec.watchdog.Stop()
	ar.Transport = res
	ar.Events = rec.events

	flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	flushErr := s.cfg.Policy.Flush(flushCtx)
	flushCancel()
	if flushErr != nil {
		logger.Warn("history flush failed", map[string]any{"error": flushErr.Error()})
	}

	switch {
	case rec.Err() != nil:
		ar.Err = newSessionError(SessionErrorPolicy, "history", rec.Err())
	case runErr != nil && (transport.IsCanceled(runErr) || ctx.Err() != nil):
		ar.Err = newSessionError(SessionErrorCanceled, "watch", cancelCause(attemptCtx, runErr))
		logger.Info("session canceled", map[string]any{"tier": string(res.Tier)})
	case runErr != nil:
		trk.Abandon(runErr.Error())
		s.cfg.Collector.IncJobAbandoned()
		ar.Err = newSessionError(SessionErrorTransport, "watch", runErr)
		logger.Error("transport exhausted", map[string]any{
			"error": runErr.Error(),
			"tier":  string(res.Tier),
		})
	case flushErr != nil:
		ar.Err = newSessionError(SessionErrorPolicy, "history", flushErr)
	}

	ar.State = trk.State()
	return ar, trk
}

func (s *Session) classifyOpenError(ctx context.Context, op string, err error, logger *log.Logger) error {
	if ctx.Err() != nil {
		return newSessionError(SessionErrorCanceled, op, cancelCause(ctx, err))
	}
	logger.Error("failed to open event stream", map[string]any{
		"op":    op,
		"error": err.Error(),
	})
	if transport.IsClientError(err) {
		return newSessionError(SessionErrorJob, op, err)
	}
	return newSessionError(SessionErrorTransport, op, err)
}

// resolve runs the resume flow for an errored attempt. It returns the
// accepted decision, nil when the session should stop with the job error.
func (s *Session) resolve(ctx context.Context, meta types.SessionMeta, trk *tracker.Tracker, ar *AttemptResult) (*resume.Decision, error) {
	d, err := s.cfg.Coordinator.Resolve(ctx, meta, trk, s.cfg.Request)
	ar.Decision = &d
	if d.Offered {
		s.cfg.Collector.IncResumeOffered()
	}

	switch {
	case err == nil && d.Accepted:
		s.cfg.Collector.IncResumeAccepted()
		return &d, nil
	case err == nil:
		return nil, nil
	case errors.Is(err, resume.ErrNotResumable), errors.Is(err, resume.ErrResumeLimit):
		return nil, nil
	case ctx.Err() != nil:
		return nil, newSessionError(SessionErrorCanceled, "resume", cancelCause(ctx, err))
	default:
		return nil, newSessionError(SessionErrorJob, "resume", err)
	}
}

// finalize closes the policy and publishes metrics and the notification.
func (s *Session) finalize(ctx context.Context, result *SessionResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if err := s.cfg.Policy.Close(); err != nil {
		s.logger.Warn("history close failed", map[string]any{"error": err.Error()})
	}
	result.PolicyStats = s.cfg.Policy.Stats()
	ps := result.PolicyStats
	s.cfg.Collector.AbsorbPolicyStats(ps.TotalEvents, ps.EventsPersisted, ps.EventsDropped, ps.DroppedByTypeStrings())

	if s.cfg.MetricsWriter != nil && s.cfg.Collector != nil {
		if err := s.cfg.MetricsWriter.WriteMetrics(ctx, s.cfg.Collector.Snapshot(), result.Meta.FileID, s.now()); err != nil {
			s.logger.Warn("failed to write session metrics", map[string]any{"error": err.Error()})
		}
	}

	if s.cfg.Adapter != nil {
		event := BuildJobFinishedEvent(result, s.now())
		if err := s.cfg.Adapter.Publish(ctx, event); err != nil {
			s.logger.Warn("failed to publish job notification", map[string]any{"error": err.Error()})
		}
		if err := s.cfg.Adapter.Close(); err != nil {
			s.logger.Warn("failed to close adapter", map[string]any{"error": err.Error()})
		}
	}

	s.logger.Info("session finished", map[string]any{
		"outcome":  string(result.Outcome.Status),
		"attempts": len(result.Attempts),
		"events":   result.EventCount,
		"duration": result.Duration.String(),
		"degraded": result.Outcome.Degraded,
	})
}

// cancelCause prefers the recorded cancellation cause over the context
// error that surfaced it.
func cancelCause(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return err
}
