package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/refinewatch/adapter"
	"github.com/pithecene-io/refinewatch/adapter/redis"
	"github.com/pithecene-io/refinewatch/adapter/webhook"
	"github.com/pithecene-io/refinewatch/cli/config"
	"github.com/pithecene-io/refinewatch/cli/tui"
	"github.com/pithecene-io/refinewatch/lode"
	"github.com/pithecene-io/refinewatch/log"
	"github.com/pithecene-io/refinewatch/metrics"
	"github.com/pithecene-io/refinewatch/policy"
	"github.com/pithecene-io/refinewatch/resume"
	"github.com/pithecene-io/refinewatch/runtime"
	"github.com/pithecene-io/refinewatch/tracker"
	"github.com/pithecene-io/refinewatch/transport"
	"github.com/pithecene-io/refinewatch/types"
)

// exitConfigError is returned for unusable flags or config. It shares the
// transport failure code: the job was never watched.
const exitConfigError = runtime.ExitCodeTransportFailure

// defaultStateDir holds resume snapshots when neither flag nor config
// names one.
const defaultStateDir = ".refinewatch/snapshots"

// policyChoice holds parsed history policy configuration.
type policyChoice struct {
	name      string
	maxEvents int
	maxBytes  int64
}

// historyChoice holds parsed history storage configuration.
type historyChoice struct {
	dataset     string
	backend     string // "fs" or "s3"
	path        string // fs: directory, s3: [s3://]bucket/prefix
	s3Region    string
	s3Endpoint  string
	s3PathStyle bool
}

func (h historyChoice) s3Location() (lode.S3Location, error) {
	loc, err := lode.ParseS3Location(h.path)
	if err != nil {
		return loc, err
	}
	loc.Region = h.s3Region
	loc.Endpoint = h.s3Endpoint
	loc.UsePathStyle = h.s3PathStyle
	return loc, nil
}

// adapterChoice holds parsed notification configuration.
type adapterChoice struct {
	kind    string
	url     string
	channel string
	headers map[string]string
	timeout time.Duration
	retries *int
}

// resumeChoice holds parsed resume flow configuration.
type resumeChoice struct {
	mode       resume.Mode
	stateDir   string
	maxResumes int
}

// watchSettings is the resolved flag and config state of a watch command.
type watchSettings struct {
	policy  policyChoice
	history historyChoice
	adapter adapterChoice
	resume  resumeChoice
	channel transport.ChannelConfig
	stuck   tracker.StuckPolicy

	metricsAddr string
	reportPath  string
	logFile     string
	tui         bool
	quiet       bool
}

// resolveWatchSettings merges flags over cfg and validates the result.
func resolveWatchSettings(c *cli.Context, cfg *config.Config) (watchSettings, error) {
	s := watchSettings{
		policy: policyChoice{
			name:      resolveString(c, "policy", configVal(cfg, func(c *config.Config) string { return c.History.Policy })),
			maxEvents: resolveInt(c, "buffer-events", configVal(cfg, func(c *config.Config) int { return c.History.BufferEvents })),
			maxBytes:  resolveInt64(c, "buffer-bytes", configVal(cfg, func(c *config.Config) int64 { return c.History.BufferBytes })),
		},
		history: historyChoice{
			dataset:     configVal(cfg, func(c *config.Config) string { return c.History.Dataset }),
			backend:     resolveString(c, "history-backend", configVal(cfg, func(c *config.Config) string { return c.History.Backend })),
			path:        resolveString(c, "history-path", configVal(cfg, func(c *config.Config) string { return c.History.Path })),
			s3Region:    resolveString(c, "history-s3-region", configVal(cfg, func(c *config.Config) string { return c.History.Region })),
			s3Endpoint:  resolveString(c, "history-s3-endpoint", configVal(cfg, func(c *config.Config) string { return c.History.Endpoint })),
			s3PathStyle: resolveBool(c, "history-s3-path-style", configVal(cfg, func(c *config.Config) bool { return c.History.S3PathStyle })),
		},
		adapter: adapterChoice{
			kind:    resolveString(c, "adapter", configVal(cfg, func(c *config.Config) string { return c.Adapter.Type })),
			url:     resolveString(c, "adapter-url", configVal(cfg, func(c *config.Config) string { return c.Adapter.URL })),
			channel: resolveString(c, "adapter-channel", configVal(cfg, func(c *config.Config) string { return c.Adapter.Channel })),
			headers: configVal(cfg, func(c *config.Config) map[string]string { return c.Adapter.Headers }),
			timeout: resolveDuration(c, "adapter-timeout", configVal(cfg, func(c *config.Config) time.Duration { return c.Adapter.Timeout.Duration })),
			retries: configVal(cfg, func(c *config.Config) *int { return c.Adapter.Retries }),
		},
		channel: transport.ChannelConfig{
			PollInterval:      resolveDuration(c, "poll-interval", configVal(cfg, func(c *config.Config) time.Duration { return c.Transport.PollInterval.Duration })),
			MaxPollFailures:   resolveInt(c, "max-poll-failures", configVal(cfg, func(c *config.Config) int { return c.Transport.MaxPollFailures })),
			InactivityTimeout: resolveDuration(c, "inactivity-timeout", configVal(cfg, func(c *config.Config) time.Duration { return c.API.InactivityTimeout.Duration })),
			DisableSocket:     resolveBool(c, "no-socket", configVal(cfg, func(c *config.Config) bool { return c.Transport.DisableSocket })),
		},
		stuck: tracker.StuckPolicy{
			AssumeCompleteAfter: resolveDuration(c, "assume-complete-after", configVal(cfg, func(c *config.Config) time.Duration { return c.Watchdog.AssumeCompleteAfter.Duration })),
		},
		metricsAddr: resolveString(c, "metrics-addr", configVal(cfg, func(c *config.Config) string { return c.Metrics.Addr })),
		reportPath:  c.String("report"),
		logFile:     c.String("log-file"),
		tui:         c.Bool("tui"),
		quiet:       c.Bool("quiet"),
	}
	if c.IsSet("adapter-retries") {
		n := c.Int("adapter-retries")
		s.adapter.retries = &n
	}
	if s.policy.name == "" {
		s.policy.name = "strict"
	}
	if s.history.backend == "" {
		s.history.backend = "fs"
	}

	modeStr := resolveString(c, "resume-mode", configVal(cfg, func(c *config.Config) string { return c.Resume.Mode }))
	mode, err := resume.ParseMode(modeStr)
	if err != nil {
		return s, err
	}
	// Nobody can answer a prompt without a terminal or under the live view.
	if modeStr == "" && (!isTTY(os.Stdin) || s.tui) {
		mode = resume.ModeNever
	}
	if mode == resume.ModePrompt && s.tui {
		return s, errors.New("--resume-mode prompt cannot be combined with --tui; use auto or never")
	}
	s.resume = resumeChoice{
		mode:       mode,
		stateDir:   resolveString(c, "state-dir", configVal(cfg, func(c *config.Config) string { return c.Resume.StateDir })),
		maxResumes: resolveInt(c, "max-resumes", configVal(cfg, func(c *config.Config) int { return c.Resume.MaxResumes })),
	}
	if s.resume.stateDir == "" {
		s.resume.stateDir = defaultStateDir
	}

	if err := validatePolicyConfig(s.policy); err != nil {
		return s, err
	}
	if err := validateHistoryConfig(s.history); err != nil {
		return s, err
	}
	if err := validateAdapterConfig(s.adapter); err != nil {
		return s, err
	}
	return s, nil
}

func validatePolicyConfig(choice policyChoice) error {
	switch choice.name {
	case "strict":
		if choice.maxEvents > 0 || choice.maxBytes > 0 {
			fmt.Fprintf(os.Stderr, "Warning: buffer flags ignored for strict policy\n")
		}
		return nil
	case "buffered":
		if choice.maxEvents <= 0 && choice.maxBytes <= 0 {
			return errors.New("buffered policy requires buffer limits: set --buffer-events > 0 or --buffer-bytes > 0")
		}
		return nil
	case "noop":
		return nil
	default:
		return fmt.Errorf("invalid --policy %q (must be strict, buffered, or noop)", choice.name)
	}
}

func validateHistoryConfig(h historyChoice) error {
	switch h.backend {
	case "fs":
		return nil
	case "s3":
		if h.path == "" {
			return errors.New("--history-path is required for the s3 backend (bucket/prefix)")
		}
		return nil
	default:
		return fmt.Errorf("invalid --history-backend %q (must be fs or s3)", h.backend)
	}
}

func validateAdapterConfig(a adapterChoice) error {
	switch a.kind {
	case "":
		if a.url != "" {
			return errors.New("--adapter-url requires --adapter (webhook or redis)")
		}
		return nil
	case "webhook", "redis":
		if a.url == "" {
			return fmt.Errorf("--adapter-url is required for the %s adapter", a.kind)
		}
		return nil
	default:
		return fmt.Errorf("invalid --adapter %q (must be webhook or redis)", a.kind)
	}
}

// buildClient creates the API client from flags and config.
func buildClient(c *cli.Context, cfg *config.Config) (*transport.Client, error) {
	baseURL := resolveString(c, "api-url", configVal(cfg, func(c *config.Config) string { return c.API.BaseURL }))
	if baseURL == "" {
		return nil, errors.New("--api-url is required (or set api.base_url in the config file)")
	}
	headers, err := parseHeaders(c.StringSlice("header"), configVal(cfg, func(c *config.Config) map[string]string { return c.API.Headers }))
	if err != nil {
		return nil, err
	}
	return transport.NewClient(transport.ClientConfig{
		BaseURL:        baseURL,
		Headers:        headers,
		ConnectTimeout: resolveDuration(c, "connect-timeout", configVal(cfg, func(c *config.Config) time.Duration { return c.API.ConnectTimeout.Duration })),
	})
}

// parseHeaders merges Name=Value flags over config headers.
func parseHeaders(flags []string, base map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(base)+len(flags))
	for k, v := range base {
		out[k] = v
	}
	for _, h := range flags {
		name, value, ok := strings.Cut(h, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid --header %q (want Name=Value)", h)
		}
		out[strings.TrimSpace(name)] = value
	}
	return out, nil
}

// buildPolicy creates the history policy. Without a history path nothing
// is stored and the noop policy only counts. The returned LodeClient is
// nil unless history is stored; it doubles as the metrics writer.
func buildPolicy(ctx context.Context, choice policyChoice, h historyChoice, meta *types.SessionMeta, startTime time.Time, collector *metrics.Collector, logger *log.Logger) (policy.Policy, *lode.LodeClient, error) {
	if choice.name == "noop" || h.path == "" {
		return policy.NewNoopPolicy(), nil, nil
	}

	cfg := lode.Config{
		Dataset:        h.dataset,
		FileID:         meta.FileID,
		Day:            lode.DeriveDay(startTime),
		Policy:         choice.name,
		StorageBackend: h.backend,
	}

	var client *lode.LodeClient
	var err error
	switch h.backend {
	case "s3":
		var loc lode.S3Location
		if loc, err = h.s3Location(); err == nil {
			client, err = lode.NewLodeS3Client(ctx, cfg, loc)
		}
	default:
		client, err = lode.NewLodeClient(cfg, h.path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create history storage: %w", err)
	}

	sink := lode.NewInstrumentedSink(lode.NewSink(client), collector)
	switch choice.name {
	case "buffered":
		pol, err := policy.NewBufferedPolicy(sink, policy.BufferedConfig{
			MaxBufferEvents: choice.maxEvents,
			MaxBufferBytes:  choice.maxBytes,
			Logger:          logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return pol, client, nil
	default:
		return policy.NewStrictPolicy(sink), client, nil
	}
}

// buildAdapter creates the job-finished notifier, nil when none is set.
func buildAdapter(a adapterChoice) (adapter.Adapter, error) {
	switch a.kind {
	case "webhook":
		cfg := webhook.Config{URL: a.url, Headers: a.headers, Timeout: a.timeout, Retries: webhook.DefaultRetries}
		if a.retries != nil {
			cfg.Retries = *a.retries
		}
		return webhook.New(cfg)
	case "redis":
		cfg := redis.Config{URL: a.url, Channel: a.channel, Timeout: a.timeout, Retries: redis.DefaultRetries, LatestKey: redis.DefaultLatestKey}
		if a.retries != nil {
			cfg.Retries = *a.retries
		}
		return redis.New(cfg)
	default:
		return nil, nil
	}
}

// buildCoordinator creates the resume coordinator over the snapshot store.
func buildCoordinator(r resumeChoice, logger *log.Logger) (*resume.Coordinator, error) {
	store, err := resume.NewFileStore(r.stateDir)
	if err != nil {
		return nil, err
	}
	return resume.NewCoordinator(resume.Config{
		Decider:    resume.NewDecider(r.mode, os.Stdin, os.Stderr),
		Store:      store,
		MaxResumes: r.maxResumes,
		Logger:     logger,
	}), nil
}

// serveMetrics exposes the collector until the returned stop is called.
func serveMetrics(addr string, collector *metrics.Collector, logger *log.Logger) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}
	handler, err := metrics.Handler(collector)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", map[string]any{"error": err.Error()})
		}
	}()
	logger.Info("serving metrics", map[string]any{"addr": ln.Addr().String()})
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// newSessionMeta creates the identity of a first attempt.
func newSessionMeta(fileID string) *types.SessionMeta {
	return &types.SessionMeta{
		SessionID: uuid.NewString(),
		FileID:    fileID,
		Attempt:   1,
	}
}

// watchJob runs a session with the resolved settings. It returns the
// result and the final metrics snapshot.
func watchJob(c *cli.Context, api runtime.API, meta *types.SessionMeta, req types.StartRequest, cont *types.ContinuationRequest, s watchSettings) (*runtime.SessionResult, metrics.Snapshot, error) {
	startTime := time.Now()

	logOut := io.Writer(os.Stderr)
	switch {
	case s.logFile != "":
		f, err := os.OpenFile(s.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, metrics.Snapshot{}, cli.Exit(fmt.Sprintf("cannot open log file: %v", err), exitConfigError)
		}
		defer func() { _ = f.Close() }()
		logOut = f
	case s.tui:
		logOut = io.Discard
	}
	logger := log.NewLoggerTo(meta, logOut)

	collector := metrics.NewCollector(s.policy.name, s.history.backend, meta.SessionID)

	pol, lodeClient, err := buildPolicy(c.Context, s.policy, s.history, meta, startTime, collector, logger)
	if err != nil {
		return nil, metrics.Snapshot{}, cli.Exit(err.Error(), exitConfigError)
	}
	notifier, err := buildAdapter(s.adapter)
	if err != nil {
		_ = pol.Close()
		return nil, metrics.Snapshot{}, cli.Exit(fmt.Sprintf("invalid adapter config: %v", err), exitConfigError)
	}
	coord, err := buildCoordinator(s.resume, logger)
	if err != nil {
		_ = pol.Close()
		return nil, metrics.Snapshot{}, cli.Exit(err.Error(), exitConfigError)
	}
	stopMetrics, err := serveMetrics(s.metricsAddr, collector, logger)
	if err != nil {
		_ = pol.Close()
		return nil, metrics.Snapshot{}, cli.Exit(err.Error(), exitConfigError)
	}
	defer stopMetrics()

	sessCfg := runtime.SessionConfig{
		API:          api,
		Meta:         meta,
		Request:      req,
		Continuation: cont,
		Channel:      s.channel,
		Stuck:        s.stuck,
		Policy:       pol,
		Coordinator:  coord,
		Collector:    collector,
		LogOutput:    logOut,
	}
	if notifier != nil {
		sessCfg.Adapter = notifier
	}
	if lodeClient != nil {
		sessCfg.MetricsWriter = lodeClient
	}

	var sess *runtime.Session
	var progress *tui.Progress
	var lines *linePrinter
	switch {
	case s.tui:
		progress = tui.NewProgress(func() { sess.Reset() }, tea.WithAltScreen())
		sessCfg.OnAttempt = progress.Attach
	case !s.quiet:
		lines = newLinePrinter(os.Stdout)
		sessCfg.OnAttempt = lines.Attach
	}

	sess, err = runtime.NewSession(sessCfg)
	if err != nil {
		_ = pol.Close()
		return nil, metrics.Snapshot{}, cli.Exit(err.Error(), exitConfigError)
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			sess.Reset()
		case <-ctx.Done():
		}
	}()

	var result *runtime.SessionResult
	if progress != nil {
		done := make(chan error, 1)
		go func() {
			var runErr error
			result, runErr = sess.Run(ctx)
			if result != nil {
				progress.Finish(string(result.Outcome.Status), result.Outcome.Message)
			} else {
				progress.Finish("error", runErr.Error())
			}
			done <- runErr
		}()
		if err := progress.Run(); err != nil {
			sess.Reset()
		}
		err = <-done
	} else {
		result, err = sess.Run(ctx)
		if lines != nil {
			lines.Wait()
		}
	}
	if err != nil {
		return nil, metrics.Snapshot{}, fmt.Errorf("session failed: %w", err)
	}
	return result, collector.Snapshot(), nil
}

// finishWatch prints and writes the session report and returns the exit
// error carrying the outcome code.
func finishWatch(result *runtime.SessionResult, snap metrics.Snapshot, s watchSettings) error {
	report := runtime.BuildSessionReport(result, snap, s.policy.name)

	if s.reportPath != "" {
		if err := runtime.WriteSessionReport(report, s.reportPath); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
	if !s.quiet {
		printSessionReport(os.Stdout, report)
	}
	return cli.Exit("", report.ExitCode)
}
