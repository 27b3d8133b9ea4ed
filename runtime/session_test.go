package runtime

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/refinewatch/adapter"
	"github.com/pithecene-io/refinewatch/metrics"
	"github.com/pithecene-io/refinewatch/policy"
	"github.com/pithecene-io/refinewatch/resume"
	"github.com/pithecene-io/refinewatch/tracker"
	"github.com/pithecene-io/refinewatch/transport"
	"github.com/pithecene-io/refinewatch/types"
)

const (
	lineJob       = `data: {"type":"job","jobId":"job-1","fileId":"file-1","totalPasses":3}`
	linePass1     = `data: {"type":"pass_start","jobId":"job-1","pass":1}`
	linePass1Done = `data: {"type":"pass_complete","jobId":"job-1","fileId":"file-1","pass":1,"textContent":"draft one","cost":{"tokens":10,"cost":0.5,"requests":1}}`
	linePass2Done = `data: {"type":"pass_complete","jobId":"job-1","fileId":"file-1","pass":2,"cost":{"tokens":5,"cost":0.25,"requests":1}}`
	linePass3Done = `data: {"type":"pass_complete","jobId":"job-1","fileId":"file-1","pass":3}`
	lineComplete  = `data: {"type":"complete","jobId":"job-1"}`
	lineError     = `data: {"type":"error","jobId":"job-1","message":"model overloaded"}`

	lineJob2      = `data: {"type":"job","jobId":"job-2","fileId":"file-1","totalPasses":2}`
	lineJob2Done  = `data: {"type":"pass_complete","jobId":"job-2","fileId":"file-1","pass":2}`
	lineJob2Final = `data: {"type":"complete","jobId":"job-2"}`
	lineJob2Text  = `data: {"type":"pass_complete","jobId":"job-2","fileId":"file-1","pass":2,"textContent":"draft two"}`
	lineJob2Error = `data: {"type":"error","jobId":"job-2","message":"model overloaded"}`

	lineJob3      = `data: {"type":"job","jobId":"job-3","fileId":"file-1","totalPasses":1}`
	lineJob3Done  = `data: {"type":"pass_complete","jobId":"job-3","fileId":"file-1","pass":3}`
	lineJob3Final = `data: {"type":"complete","jobId":"job-3"}`
)

// stream is one scripted response body. open keeps the body open after the
// lines until the channel closes it.
type stream struct {
	lines []string
	open  bool
	err   error
}

type fakeAPI struct {
	t       *testing.T
	streams []stream

	mu        sync.Mutex
	opened    int
	continued []types.ContinuationRequest
}

func (f *fakeAPI) next() (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.opened >= len(f.streams) {
		return nil, errors.New("no scripted stream")
	}
	s := f.streams[f.opened]
	f.opened++
	if s.err != nil {
		return nil, s.err
	}
	payload := strings.Join(s.lines, "\n") + "\n"
	if !s.open {
		return io.NopCloser(strings.NewReader(payload)), nil
	}
	pr, pw := io.Pipe()
	go func() { _, _ = pw.Write([]byte(payload)) }()
	f.t.Cleanup(func() { _ = pw.Close() })
	return pr, nil
}

func (f *fakeAPI) Start(_ context.Context, _ types.StartRequest) (io.ReadCloser, error) {
	return f.next()
}

func (f *fakeAPI) Continue(_ context.Context, req types.ContinuationRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.continued = append(f.continued, req)
	f.mu.Unlock()
	return f.next()
}

func (f *fakeAPI) Status(_ context.Context, _ string) (types.Event, error) {
	return types.Event{}, errors.New("status unavailable")
}

func (f *fakeAPI) SocketURL(string) string { return "" }

type recordingAdapter struct {
	events []*adapter.JobFinishedEvent
	closed bool
}

func (a *recordingAdapter) Publish(_ context.Context, ev *adapter.JobFinishedEvent) error {
	a.events = append(a.events, ev)
	return nil
}

func (a *recordingAdapter) Close() error {
	a.closed = true
	return nil
}

type recordingMetricsWriter struct {
	snaps   []metrics.Snapshot
	fileIDs []string
}

func (w *recordingMetricsWriter) WriteMetrics(_ context.Context, snap metrics.Snapshot, fileID string, _ time.Time) error {
	w.snaps = append(w.snaps, snap)
	w.fileIDs = append(w.fileIDs, fileID)
	return nil
}

func baseConfig(api API) SessionConfig {
	return SessionConfig{
		API:     api,
		Meta:    &types.SessionMeta{SessionID: "sess-1", FileID: "file-1", Attempt: 1},
		Request: types.StartRequest{FileIDs: []string{"file-1"}, Passes: 3},
		Channel: transport.ChannelConfig{
			DisableSocket:   true,
			PollInterval:    time.Millisecond,
			MaxPollFailures: 2,
		},
		LogOutput: io.Discard,
	}
}

func runSession(t *testing.T, cfg SessionConfig) *SessionResult {
	t.Helper()
	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	result, err := s.Run(t.Context())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return result
}

func TestSession_Completes(t *testing.T) {
	api := &fakeAPI{t: t, streams: []stream{
		{lines: []string{lineJob, linePass1, linePass1Done, linePass2Done, linePass3Done, lineComplete}},
	}}
	sink := policy.NewStubSink()
	ad := &recordingAdapter{}
	mw := &recordingMetricsWriter{}
	collector := metrics.NewCollector("strict", "fs", "sess-1")

	cfg := baseConfig(api)
	cfg.Policy = policy.NewStrictPolicy(sink)
	cfg.Adapter = ad
	cfg.MetricsWriter = mw
	cfg.Collector = collector

	result := runSession(t, cfg)

	if result.Outcome.Status != OutcomeCompleted || result.Outcome.ExitCode() != ExitCodeCompleted {
		t.Fatalf("outcome = %+v", result.Outcome)
	}
	if len(result.Attempts) != 1 || result.EventCount != 6 {
		t.Errorf("attempts = %d, events = %d", len(result.Attempts), result.EventCount)
	}
	if result.State.Usage.Tokens != 15 {
		t.Errorf("tokens = %d, want 15", result.State.Usage.Tokens)
	}

	ss := sink.Stats()
	if ss.EventsWritten != 6 || !ss.Closed {
		t.Errorf("sink = %+v", ss)
	}
	if sink.Written[0].JobID != "job-1" || sink.Written[0].Seq != 1 {
		t.Errorf("first record = %+v", sink.Written[0])
	}

	if len(ad.events) != 1 || !ad.closed {
		t.Fatalf("adapter events = %d, closed = %v", len(ad.events), ad.closed)
	}
	ev := ad.events[0]
	if ev.JobID != "job-1" || ev.Outcome != "completed" || ev.Status != "completed" || ev.PassesCompleted != 3 {
		t.Errorf("notification = %+v", ev)
	}

	if len(mw.snaps) != 1 || mw.fileIDs[0] != "file-1" {
		t.Fatalf("metrics writes = %d", len(mw.snaps))
	}
	snap := mw.snaps[0]
	if snap.JobsStarted != 1 || snap.JobsCompleted != 1 || snap.JobID != "job-1" || snap.EventsPersisted != 6 {
		t.Errorf("metrics = %+v", snap)
	}
}

func TestSession_ErrorResumedToCompletion(t *testing.T) {
	api := &fakeAPI{t: t, streams: []stream{
		{lines: []string{lineJob, linePass1, linePass1Done, lineError}},
		{lines: []string{lineJob2, lineJob2Done, lineJob2Final}},
	}}
	collector := metrics.NewCollector("noop", "fs", "sess-1")

	var attempts []types.SessionMeta
	cfg := baseConfig(api)
	cfg.Collector = collector
	cfg.Coordinator = resume.NewCoordinator(resume.Config{Decider: resume.Auto{}})
	cfg.OnAttempt = func(meta types.SessionMeta, _ *tracker.Tracker) {
		attempts = append(attempts, meta)
	}

	result := runSession(t, cfg)

	if result.Outcome.Status != OutcomeCompleted {
		t.Fatalf("outcome = %+v", result.Outcome)
	}
	if len(result.Attempts) != 2 || len(attempts) != 2 {
		t.Fatalf("attempts = %d, callbacks = %d", len(result.Attempts), len(attempts))
	}
	if result.Meta.Attempt != 2 || result.Meta.ParentJobID == nil || *result.Meta.ParentJobID != "job-1" {
		t.Errorf("final meta = %+v", result.Meta)
	}
	if result.State.JobID() != "job-2" {
		t.Errorf("final job = %q", result.State.JobID())
	}

	d := result.Attempts[0].Decision
	if d == nil || !d.Offered || !d.Accepted {
		t.Fatalf("decision = %+v", d)
	}
	if len(api.continued) != 1 {
		t.Fatalf("continuations = %d", len(api.continued))
	}
	cont := api.continued[0]
	if cont.StartPass != 2 || cont.Passes != 2 || cont.InputText != "draft one" || cont.ParentJobID != "job-1" {
		t.Errorf("continuation = %+v", cont)
	}

	snap := collector.Snapshot()
	if snap.JobsStarted != 2 || snap.JobsErrored != 1 || snap.JobsCompleted != 1 {
		t.Errorf("job counters = %+v", snap)
	}
	if snap.ResumesOffered != 1 || snap.ResumesAccepted != 1 {
		t.Errorf("resume counters = %+v", snap)
	}
}

func TestSession_SecondResumeContinuesFromAbsolutePass(t *testing.T) {
	api := &fakeAPI{t: t, streams: []stream{
		{lines: []string{lineJob, linePass1, linePass1Done, lineError}},
		{lines: []string{lineJob2, lineJob2Text, lineJob2Error}},
		{lines: []string{lineJob3, lineJob3Done, lineJob3Final}},
	}}
	cfg := baseConfig(api)
	cfg.Collector = metrics.NewCollector("noop", "fs", "sess-1")
	cfg.Coordinator = resume.NewCoordinator(resume.Config{Decider: resume.Auto{}, MaxResumes: 2})

	result := runSession(t, cfg)

	if result.Outcome.Status != OutcomeCompleted || len(result.Attempts) != 3 {
		t.Fatalf("outcome = %+v, attempts = %d", result.Outcome, len(result.Attempts))
	}
	if len(api.continued) != 2 {
		t.Fatalf("continuations = %d, want 2", len(api.continued))
	}
	second := api.continued[1]
	if second.StartPass != 3 || second.Passes != 1 || second.InputText != "draft two" || second.ParentJobID != "job-2" {
		t.Errorf("second continuation = %+v, want pass 3 of 3 from job-2", second)
	}
	if got := result.Attempts[1].State.TargetPasses(); got != 3 {
		t.Errorf("second attempt target = %d, want 3", got)
	}
}

func TestSession_ResumeDeclinedIsJobError(t *testing.T) {
	api := &fakeAPI{t: t, streams: []stream{
		{lines: []string{lineJob, linePass1, linePass1Done, lineError}},
	}}

	result := runSession(t, baseConfig(api))

	if result.Outcome.Status != OutcomeJobError || result.Outcome.ExitCode() != ExitCodeJobError {
		t.Fatalf("outcome = %+v", result.Outcome)
	}
	if !strings.Contains(result.Outcome.Message, "model overloaded") {
		t.Errorf("message = %q", result.Outcome.Message)
	}
	d := result.Attempts[0].Decision
	if d == nil || !d.Offered || d.Accepted {
		t.Errorf("decision = %+v", d)
	}
}

func TestSession_FatalErrorNotOffered(t *testing.T) {
	api := &fakeAPI{t: t, streams: []stream{
		{lines: []string{lineJob, linePass1, lineError}},
	}}
	cfg := baseConfig(api)
	cfg.Coordinator = resume.NewCoordinator(resume.Config{Decider: resume.Auto{}})

	result := runSession(t, cfg)

	if result.Outcome.Status != OutcomeJobError {
		t.Fatalf("outcome = %+v", result.Outcome)
	}
	if d := result.Attempts[0].Decision; d == nil || d.Offered {
		t.Errorf("decision = %+v, want not offered", d)
	}
	if api.opened != 1 {
		t.Errorf("opened %d streams, want 1", api.opened)
	}
}

func TestSession_PolicyFailure(t *testing.T) {
	api := &fakeAPI{t: t, streams: []stream{
		{lines: []string{lineJob, linePass1}, open: true},
	}}
	sink := policy.NewStubSink()
	sink.SetError(errors.New("disk full"))

	cfg := baseConfig(api)
	cfg.Policy = policy.NewStrictPolicy(sink)

	result := runSession(t, cfg)

	if result.Outcome.Status != OutcomePolicyFailure || result.Outcome.ExitCode() != ExitCodePolicyFailure {
		t.Fatalf("outcome = %+v", result.Outcome)
	}
	if !IsPolicyError(result.Attempts[0].Err) {
		t.Errorf("attempt err = %v", result.Attempts[0].Err)
	}
}

func TestSession_TransportExhausted(t *testing.T) {
	api := &fakeAPI{t: t, streams: []stream{
		{lines: []string{lineJob, linePass1}},
	}}
	collector := metrics.NewCollector("noop", "fs", "sess-1")
	cfg := baseConfig(api)
	cfg.Collector = collector

	result := runSession(t, cfg)

	if result.Outcome.Status != OutcomeTransportFailure || result.Outcome.ExitCode() != ExitCodeTransportFailure {
		t.Fatalf("outcome = %+v", result.Outcome)
	}
	if result.State.Job == nil || result.State.Job.Status != types.JobAbandoned {
		t.Errorf("job = %+v, want abandoned", result.State.Job)
	}
	if !result.Attempts[0].Transport.Polled {
		t.Error("expected polling fallback")
	}
	if got := collector.Snapshot().JobsAbandoned; got != 1 {
		t.Errorf("JobsAbandoned = %d, want 1", got)
	}
}

func TestSession_StartErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want OutcomeStatus
	}{
		{"rejected request", &transport.StatusError{Code: 422, Body: "bad file"}, OutcomeJobError},
		{"server error", &transport.StatusError{Code: 503}, OutcomeTransportFailure},
		{"connection refused", errors.New("connection refused"), OutcomeTransportFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{t: t, streams: []stream{{err: tt.err}}}
			result := runSession(t, baseConfig(api))
			if result.Outcome.Status != tt.want {
				t.Errorf("outcome = %+v, want %s", result.Outcome, tt.want)
			}
		})
	}
}

func TestSession_ResetCancels(t *testing.T) {
	api := &fakeAPI{t: t, streams: []stream{
		{lines: []string{lineJob, linePass1}, open: true},
	}}
	cfg := baseConfig(api)

	var s *Session
	cfg.OnAttempt = func(types.SessionMeta, *tracker.Tracker) { s.Reset() }
	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	result, err := s.Run(t.Context())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome.Status != OutcomeCanceled || result.Outcome.ExitCode() != ExitCodeCanceled {
		t.Fatalf("outcome = %+v", result.Outcome)
	}
	if !errors.Is(result.Attempts[0].Err, ErrSessionReset) {
		t.Errorf("attempt err = %v, want ErrSessionReset", result.Attempts[0].Err)
	}
}

func TestSession_ResetBeforeRun(t *testing.T) {
	api := &fakeAPI{t: t}
	s, err := NewSession(baseConfig(api))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	s.Reset()

	result, err := s.Run(t.Context())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome.Status != OutcomeCanceled {
		t.Errorf("outcome = %+v", result.Outcome)
	}
	if api.opened != 0 {
		t.Errorf("opened %d streams after reset", api.opened)
	}
}

func TestSession_StuckJobAssumedComplete(t *testing.T) {
	api := &fakeAPI{t: t, streams: []stream{
		{lines: []string{lineJob, linePass1Done, linePass2Done, linePass3Done}, open: true},
	}}
	collector := metrics.NewCollector("noop", "fs", "sess-1")
	cfg := baseConfig(api)
	cfg.Collector = collector
	cfg.Stuck = tracker.StuckPolicy{AssumeCompleteAfter: 10 * time.Millisecond}

	result := runSession(t, cfg)

	if result.Outcome.Status != OutcomeCompleted || !result.Outcome.Degraded {
		t.Fatalf("outcome = %+v, want degraded completion", result.Outcome)
	}
	if result.State.Job.Reason != types.ReasonAssumedComplete {
		t.Errorf("reason = %q", result.State.Job.Reason)
	}
	if got := collector.Snapshot().JobsAssumedComplete; got != 1 {
		t.Errorf("JobsAssumedComplete = %d, want 1", got)
	}
}

func TestNewSession_Validation(t *testing.T) {
	api := &fakeAPI{}
	tests := []struct {
		name   string
		mutate func(*SessionConfig)
	}{
		{"no api", func(c *SessionConfig) { c.API = nil }},
		{"no meta", func(c *SessionConfig) { c.Meta = nil }},
		{"bad attempt", func(c *SessionConfig) { c.Meta.Attempt = 0 }},
		{"no files", func(c *SessionConfig) { c.Request.FileIDs = nil }},
		{"bad continuation", func(c *SessionConfig) {
			c.Continuation = &types.ContinuationRequest{StartRequest: c.Request, StartPass: 1}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig(api)
			tt.mutate(&cfg)
			if _, err := NewSession(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewSession_ContinuationSuppliesRequest(t *testing.T) {
	cont := &types.ContinuationRequest{
		StartRequest: types.StartRequest{FileIDs: []string{"file-1"}, Passes: 2},
		StartPass:    2,
		InputText:    "draft one",
		ParentJobID:  "job-1",
	}
	parent := "job-1"
	cfg := baseConfig(&fakeAPI{})
	cfg.Request = types.StartRequest{}
	cfg.Continuation = cont
	cfg.Meta = &types.SessionMeta{SessionID: "sess-1", FileID: "file-1", Attempt: 2, ParentJobID: &parent}

	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if s.cfg.Request.Passes != 2 {
		t.Errorf("Request = %+v, want continuation request", s.cfg.Request)
	}
}
