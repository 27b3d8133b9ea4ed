package cmd

import (
	"errors"
	"flag"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/refinewatch/cli/config"
	"github.com/pithecene-io/refinewatch/lode"
	"github.com/pithecene-io/refinewatch/replay"
	"github.com/pithecene-io/refinewatch/resume"
	"github.com/pithecene-io/refinewatch/runtime"
	"github.com/pithecene-io/refinewatch/tracker"
	"github.com/pithecene-io/refinewatch/types"
)

func TestReadOnlyFlags_IncludesTUI(t *testing.T) {
	hasTUI := false
	for _, f := range ReadOnlyFlags() {
		if f.Names()[0] == "tui" {
			hasTUI = true
			break
		}
	}
	if !hasTUI {
		t.Error("ReadOnlyFlags should include --tui flag for explicit error handling")
	}
}

func TestValidatePolicyConfig(t *testing.T) {
	tests := []struct {
		name        string
		choice      policyChoice
		errContains string
	}{
		{"strict", policyChoice{name: "strict"}, ""},
		{"buffered with events", policyChoice{name: "buffered", maxEvents: 100}, ""},
		{"buffered with bytes", policyChoice{name: "buffered", maxBytes: 1 << 20}, ""},
		{"noop", policyChoice{name: "noop"}, ""},
		{"buffered without limits", policyChoice{name: "buffered"}, "buffer limits"},
		{"unknown", policyChoice{name: "lossy"}, "invalid --policy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePolicyConfig(tt.choice)
			checkErr(t, err, tt.errContains)
		})
	}
}

func TestValidateHistoryConfig(t *testing.T) {
	tests := []struct {
		name        string
		h           historyChoice
		errContains string
	}{
		{"fs without path", historyChoice{backend: "fs"}, ""},
		{"s3 with path", historyChoice{backend: "s3", path: "bucket/prefix"}, ""},
		{"s3 without path", historyChoice{backend: "s3"}, "--history-path is required"},
		{"unknown backend", historyChoice{backend: "gcs"}, "invalid --history-backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkErr(t, validateHistoryConfig(tt.h), tt.errContains)
		})
	}
}

func TestValidateAdapterConfig(t *testing.T) {
	tests := []struct {
		name        string
		a           adapterChoice
		errContains string
	}{
		{"none", adapterChoice{}, ""},
		{"webhook", adapterChoice{kind: "webhook", url: "http://hooks.local/x"}, ""},
		{"redis", adapterChoice{kind: "redis", url: "redis://localhost:6379"}, ""},
		{"url without adapter", adapterChoice{url: "http://hooks.local/x"}, "requires --adapter"},
		{"webhook without url", adapterChoice{kind: "webhook"}, "--adapter-url is required"},
		{"unknown", adapterChoice{kind: "sqs", url: "x"}, "invalid --adapter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkErr(t, validateAdapterConfig(tt.a), tt.errContains)
		})
	}
}

func TestBuildAdapter(t *testing.T) {
	if a, err := buildAdapter(adapterChoice{}); err != nil || a != nil {
		t.Errorf("no adapter: got %v, %v", a, err)
	}
	a, err := buildAdapter(adapterChoice{kind: "webhook", url: "http://hooks.local/x"})
	if err != nil || a == nil {
		t.Fatalf("webhook: got %v, %v", a, err)
	}
	_ = a.Close()
	a, err = buildAdapter(adapterChoice{kind: "redis", url: "redis://localhost:6379"})
	if err != nil || a == nil {
		t.Fatalf("redis: got %v, %v", a, err)
	}
	_ = a.Close()
}

func TestParseHeaders(t *testing.T) {
	got, err := parseHeaders([]string{"Authorization=Bearer abc", "X-Trace=1=2"}, map[string]string{"X-Team": "docs", "X-Trace": "0"})
	if err != nil {
		t.Fatalf("parseHeaders: %v", err)
	}
	want := map[string]string{"Authorization": "Bearer abc", "X-Trace": "1=2", "X-Team": "docs"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}

	if _, err := parseHeaders([]string{"no-equals"}, nil); err == nil {
		t.Error("expected error for header without =")
	}
}

func TestConfigVal(t *testing.T) {
	if got := configVal(nil, func(c *config.Config) string { return c.API.BaseURL }); got != "" {
		t.Errorf("expected empty for nil config, got %q", got)
	}
	cfg := &config.Config{API: config.APIConfig{BaseURL: "http://api.local"}}
	if got := configVal(cfg, func(c *config.Config) string { return c.API.BaseURL }); got != "http://api.local" {
		t.Errorf("got %q", got)
	}
}

func TestResolveString(t *testing.T) {
	newCtx := func(set bool) *cli.Context {
		app := cli.NewApp()
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		fs.String("policy", "strict", "")
		if set {
			_ = fs.Set("policy", "buffered")
		}
		return cli.NewContext(app, fs, nil)
	}

	if got := resolveString(newCtx(true), "policy", "noop"); got != "buffered" {
		t.Errorf("expected CLI to win, got %q", got)
	}
	if got := resolveString(newCtx(false), "policy", "noop"); got != "noop" {
		t.Errorf("expected config fallback, got %q", got)
	}
	if got := resolveString(newCtx(false), "policy", ""); got != "strict" {
		t.Errorf("expected flag default, got %q", got)
	}
}

func TestResolveDuration(t *testing.T) {
	app := cli.NewApp()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Duration("poll-interval", 0, "")
	c := cli.NewContext(app, fs, nil)

	if got := resolveDuration(c, "poll-interval", 3*time.Second); got != 3*time.Second {
		t.Errorf("expected config fallback 3s, got %v", got)
	}
	_ = fs.Set("poll-interval", "500ms")
	if got := resolveDuration(c, "poll-interval", 3*time.Second); got != 500*time.Millisecond {
		t.Errorf("expected CLI 500ms to win, got %v", got)
	}
}

func TestMilestone(t *testing.T) {
	s := statusState("job-1", types.Event{Type: types.EventTypeJob, JobID: "job-1", TotalPasses: 3})
	meta := types.SessionMeta{Attempt: 1}

	tests := []struct {
		name string
		meta types.SessionMeta
		u    tracker.Update
		want string
	}{
		{
			name: "new job",
			meta: meta,
			u:    tracker.Update{Event: types.Event{Type: types.EventTypeJob}, Change: tracker.Change{NewJob: true}, State: s},
			want: "job job-1 started (3 passes)",
		},
		{
			name: "new job on a later attempt",
			meta: types.SessionMeta{Attempt: 2},
			u:    tracker.Update{Event: types.Event{Type: types.EventTypeJob}, Change: tracker.Change{NewJob: true}, State: s},
			want: "job job-1 started (attempt 2, 3 passes)",
		},
		{
			name: "pass complete",
			meta: meta,
			u:    tracker.Update{Event: types.Event{Type: types.EventTypePassComplete, Pass: 2}, State: s},
			want: "pass 2/3 completed",
		},
		{
			name: "early stop",
			meta: meta,
			u:    tracker.Update{Event: types.Event{Type: types.EventTypeEarlyStop, Pass: 2}, State: s},
			want: "stopping early after pass 2",
		},
		{
			name: "progress is quiet",
			meta: meta,
			u:    tracker.Update{Event: types.Event{Type: types.EventTypeProgress, Pass: 2}, State: s},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := milestone(tt.meta, tt.u); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeCapture(t *testing.T) {
	capture := strings.Join([]string{
		`data: {"type":"job","jobId":"job-1","totalPasses":2}`,
		`: keepalive`,
		`data: data: {"type":"pass_start","pass":1}`,
		`data: {not json`,
		`: proxy-complete`,
		``,
	}, "\n")

	lines, stats, err := decodeCapture(strings.NewReader(capture), 7)
	if err != nil {
		t.Fatalf("decodeCapture: %v", err)
	}
	if stats.Events != 2 || stats.Malformed != 1 || stats.Markers != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if len(lines) != 5 {
		t.Fatalf("lines = %d, want 5", len(lines))
	}
	if !lines[0].Kept || lines[0].Type != "job" {
		t.Errorf("line 1 = %+v", lines[0])
	}
	if lines[3].Kept {
		t.Errorf("malformed line kept: %+v", lines[3])
	}
}

// --- command integration through the replay backend ---

// newTestApp creates a cli.App with every command wired up and
// ExitErrHandler suppressed so errors are returned instead of calling os.Exit.
func newTestApp() *cli.App {
	app := cli.NewApp()
	app.Commands = []*cli.Command{
		StartCommand(),
		ResumeCommand(),
		StatusCommand(),
		HistoryCommand(),
		VersionCommand("test"),
	}
	app.ExitErrHandler = func(*cli.Context, error) {}
	return app
}

func replayServer(t *testing.T, script string) string {
	t.Helper()
	s, err := replay.ParseScript([]byte(script))
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	ts := httptest.NewServer(replay.NewServer(s, nil))
	t.Cleanup(ts.Close)
	return ts.URL
}

func exitCodeOf(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return 0
	}
	var ec cli.ExitCoder
	if !errors.As(err, &ec) {
		t.Fatalf("error is not an exit coder: %v", err)
	}
	return ec.ExitCode()
}

func watchArgs(t *testing.T, url, stateDir string, extra ...string) []string {
	t.Helper()
	args := []string{
		"--api-url", url,
		"--no-socket",
		"--poll-interval", "5ms",
		"--max-poll-failures", "2",
		"--resume-mode", "never",
		"--state-dir", stateDir,
		"--log-file", filepath.Join(t.TempDir(), "watch.log"),
		"--quiet",
	}
	return append(args, extra...)
}

func TestStartAction_Completes(t *testing.T) {
	t.Chdir(t.TempDir())
	url := replayServer(t, `
jobs:
  - job_id: job-1
    file_id: file-1
    stream:
      - event: {type: job, totalPasses: 2}
      - event: {type: pass_complete, pass: 1, textContent: "draft"}
      - event: {type: pass_complete, pass: 2}
      - event: {type: complete}
`)
	historyDir := t.TempDir()
	reportPath := filepath.Join(t.TempDir(), "report.json")

	args := append([]string{"refinewatch", "start", "--file", "file-1", "--passes", "2"},
		watchArgs(t, url, t.TempDir(), "--history-path", historyDir, "--report", reportPath)...)
	err := newTestApp().Run(args)
	if code := exitCodeOf(t, err); code != runtime.ExitCodeCompleted {
		t.Fatalf("exit code = %d (%v)", code, err)
	}

	ds, err := lode.NewReadDatasetFS("", historyDir)
	if err != nil {
		t.Fatalf("NewReadDatasetFS: %v", err)
	}
	records, err := lode.QueryHistory(t.Context(), ds, lode.HistoryFilter{JobID: "job-1"})
	if err != nil {
		t.Fatalf("QueryHistory: %v", err)
	}
	if len(records) < 4 {
		t.Errorf("history has %d records, want at least 4", len(records))
	}
	if counts := countByType("job-1", records); counts.ByKey["pass_complete"] != 2 {
		t.Errorf("counts = %+v", counts)
	}
	if _, err := lode.QueryLatestMetrics(t.Context(), ds, "", ""); err != nil {
		t.Errorf("QueryLatestMetrics: %v", err)
	}

	data, err := os.ReadFile(reportPath)
	if err != nil {
		t.Fatalf("report not written: %v", err)
	}
	if !strings.Contains(string(data), `"outcome": "completed"`) {
		t.Errorf("report = %s", data)
	}
}

func TestStartAction_ExitCodes(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   int
	}{
		{
			name: "job error",
			script: `
jobs:
  - job_id: job-1
    stream:
      - event: {type: job, totalPasses: 2}
      - event: {type: error, message: "model unavailable"}
`,
			want: runtime.ExitCodeJobError,
		},
		{
			name: "rejected start",
			script: `
jobs:
  - reject: 422
`,
			want: runtime.ExitCodeJobError,
		},
		{
			name: "polling exhausted",
			script: `
jobs:
  - job_id: job-1
    stream:
      - event: {type: job, totalPasses: 2}
    status:
      - code: 503
`,
			want: runtime.ExitCodeTransportFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			url := replayServer(t, tt.script)
			args := append([]string{"refinewatch", "start", "--file", "file-1", "--passes", "2"}, watchArgs(t, url, t.TempDir())...)
			err := newTestApp().Run(args)
			if code := exitCodeOf(t, err); code != tt.want {
				t.Errorf("exit code = %d, want %d (%v)", code, tt.want, err)
			}
		})
	}
}

func TestStartAction_ConfigErrors(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		errContains string
	}{
		{
			name:        "missing api url",
			args:        []string{"--file", "f", "--quiet"},
			errContains: "--api-url is required",
		},
		{
			name:        "bad policy",
			args:        []string{"--file", "f", "--api-url", "http://127.0.0.1:1", "--policy", "lossy"},
			errContains: "invalid --policy",
		},
		{
			name:        "prompt with tui",
			args:        []string{"--file", "f", "--api-url", "http://127.0.0.1:1", "--tui", "--resume-mode", "prompt"},
			errContains: "cannot be combined with --tui",
		},
		{
			name:        "bad tuning",
			args:        []string{"--file", "f", "--api-url", "http://127.0.0.1:1", "--tuning", "[1]"},
			errContains: "invalid --tuning",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			err := newTestApp().Run(append([]string{"refinewatch", "start"}, tt.args...))
			if code := exitCodeOf(t, err); code != exitConfigError {
				t.Errorf("exit code = %d, want %d", code, exitConfigError)
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.errContains)
			}
		})
	}
}

func TestStartAction_ConfigFileSuppliesAPI(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	url := replayServer(t, `
jobs:
  - job_id: job-1
    stream:
      - event: {type: job, totalPasses: 1}
      - event: {type: complete}
`)
	cfg := "api:\n  base_url: " + url + "\njob:\n  passes: 1\ntransport:\n  disable_socket: true\n"
	if err := os.WriteFile(filepath.Join(dir, config.DefaultPath), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	err := newTestApp().Run([]string{"refinewatch", "start", "--file", "file-1", "--quiet",
		"--resume-mode", "never", "--state-dir", t.TempDir(), "--log-file", filepath.Join(dir, "log")})
	if code := exitCodeOf(t, err); code != runtime.ExitCodeCompleted {
		t.Errorf("exit code = %d (%v)", code, err)
	}
}

func TestResumeAction_ContinuesFromSnapshot(t *testing.T) {
	t.Chdir(t.TempDir())
	url := replayServer(t, `
jobs:
  - job_id: job-2
    file_id: file-1
    start_pass: 2
    stream:
      - event: {type: job, totalPasses: 2}
      - event: {type: pass_complete, pass: 2}
      - event: {type: complete}
`)
	stateDir := t.TempDir()
	store, err := resume.NewFileStore(stateDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(types.ResumeSnapshot{
		JobID:       "job-1",
		FileID:      "file-1",
		Pass:        1,
		Output:      "first draft",
		TotalPasses: 3,
		Attempt:     1,
	}); err != nil {
		t.Fatal(err)
	}

	args := append([]string{"refinewatch", "resume"}, watchArgs(t, url, stateDir)...)
	args = append(args, "job-1")
	err = newTestApp().Run(args)
	if code := exitCodeOf(t, err); code != runtime.ExitCodeCompleted {
		t.Fatalf("exit code = %d (%v)", code, err)
	}
	if _, err := store.Load("job-1"); !errors.Is(err, resume.ErrNoSnapshot) {
		t.Errorf("snapshot still stored: %v", err)
	}
}

func TestResumeAction_NoSnapshot(t *testing.T) {
	t.Chdir(t.TempDir())
	args := append([]string{"refinewatch", "resume"}, watchArgs(t, "http://127.0.0.1:1", t.TempDir())...)
	args = append(args, "job-404")
	err := newTestApp().Run(args)
	if code := exitCodeOf(t, err); code != runtime.ExitCodeJobError {
		t.Errorf("exit code = %d (%v)", code, err)
	}
}

func TestStatusState(t *testing.T) {
	s := statusState("job-1", types.Event{Type: types.EventTypePassStart, Pass: 2, TotalPasses: 4})
	resp := newStatusResponse("job-1", types.Event{Type: types.EventTypePassStart, Pass: 2}, s)
	if resp.JobStatus != string(types.JobRunning) || resp.TotalPasses != 4 {
		t.Errorf("resp = %+v", resp)
	}
}

func checkErr(t *testing.T, err error, contains string) {
	t.Helper()
	if contains == "" {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		return
	}
	if err == nil || !strings.Contains(err.Error(), contains) {
		t.Errorf("error = %v, want it to contain %q", err, contains)
	}
}

func TestNewVersionResponse(t *testing.T) {
	resp := newVersionResponse("abc123")
	if resp.Version != types.Version || resp.Commit != "abc123" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.GoVersion == "" || !strings.Contains(resp.Platform, "/") {
		t.Errorf("build fields = %+v", resp)
	}
}
