// Package cmd provides CLI commands for the refinewatch binary.
package cmd

import (
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/refinewatch/cli/config"
)

// Shared flags for read-only commands.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables Bubble Tea interactive mode.
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Enable interactive TUI mode",
	}

	// ConfigFlag points at a refinewatch.yaml file.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to config file (default ./" + config.DefaultPath + " if present)",
		EnvVars: []string{"REFINEWATCH_CONFIG"},
	}
)

// ReadOnlyFlags returns the shared flags for all read-only commands.
// Includes --tui so that unsupported commands can provide explicit error messages
// instead of generic "flag not defined" errors.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
		TUIFlag,
	}
}

// apiFlags are the connection flags shared by every command that talks to
// the refinement API.
func apiFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		&cli.StringFlag{
			Name:    "api-url",
			Usage:   "Refinement API base URL",
			EnvVars: []string{"REFINEWATCH_API_URL"},
		},
		&cli.StringSliceFlag{
			Name:  "header",
			Usage: "Extra request header as Name=Value (repeatable)",
		},
		&cli.DurationFlag{
			Name:  "connect-timeout",
			Usage: "Bound on dial and response headers",
		},
	}
}

// watchFlags are the flags of the commands that watch a job (start, resume).
func watchFlags() []cli.Flag {
	return append(apiFlags(),
		// Delivery tiers
		&cli.DurationFlag{
			Name:  "inactivity-timeout",
			Usage: "Close a silent stream after this long",
		},
		&cli.DurationFlag{
			Name:  "poll-interval",
			Usage: "Spacing between status polls",
		},
		&cli.IntFlag{
			Name:  "max-poll-failures",
			Usage: "Consecutive poll failures before giving up",
		},
		&cli.BoolFlag{
			Name:  "no-socket",
			Usage: "Skip the push-socket upgrade",
		},
		&cli.DurationFlag{
			Name:  "assume-complete-after",
			Usage: "Silence after the final pass before the job is assumed complete",
		},
		// Resume flow
		&cli.StringFlag{
			Name:  "resume-mode",
			Usage: "Answer to resume offers: prompt, auto, never",
		},
		&cli.StringFlag{
			Name:  "state-dir",
			Usage: "Directory holding resume snapshots",
		},
		&cli.IntFlag{
			Name:  "max-resumes",
			Usage: "Resumes allowed per session",
		},
		// History
		&cli.StringFlag{
			Name:  "policy",
			Usage: "History policy: strict, buffered, noop",
		},
		&cli.IntFlag{
			Name:  "buffer-events",
			Usage: "Max buffered events (buffered policy)",
		},
		&cli.Int64Flag{
			Name:  "buffer-bytes",
			Usage: "Max buffer size in bytes (buffered policy)",
		},
		&cli.StringFlag{
			Name:  "history-backend",
			Usage: "History storage backend: fs or s3",
		},
		&cli.StringFlag{
			Name:  "history-path",
			Usage: "History storage path (fs: directory, s3: bucket/prefix)",
		},
		&cli.StringFlag{
			Name:  "history-s3-region",
			Usage: "AWS region for the s3 backend (optional, uses default chain)",
		},
		&cli.StringFlag{
			Name:  "history-s3-endpoint",
			Usage: "Custom endpoint for S3-compatible providers",
		},
		&cli.BoolFlag{
			Name:  "history-s3-path-style",
			Usage: "Force path-style S3 addressing",
		},
		// Notification
		&cli.StringFlag{
			Name:  "adapter",
			Usage: "Job-finished notification: webhook or redis",
		},
		&cli.StringFlag{
			Name:  "adapter-url",
			Usage: "Webhook endpoint or redis URL",
		},
		&cli.StringFlag{
			Name:  "adapter-channel",
			Usage: "Redis pub/sub channel",
		},
		&cli.DurationFlag{
			Name:  "adapter-timeout",
			Usage: "Per-notification timeout",
		},
		&cli.IntFlag{
			Name:  "adapter-retries",
			Usage: "Notification retries",
		},
		// Output
		&cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "Serve Prometheus metrics on this address while watching",
		},
		&cli.StringFlag{
			Name:  "report",
			Usage: "Write the session report as JSON to this path (- for stderr)",
		},
		&cli.BoolFlag{
			Name:  "tui",
			Usage: "Show a live progress view",
		},
		&cli.StringFlag{
			Name:  "log-file",
			Usage: "Write structured logs here instead of stderr",
		},
		&cli.BoolFlag{
			Name:  "quiet",
			Usage: "Suppress progress lines and the result summary",
		},
	)
}

// loadConfig loads the --config file, or ./refinewatch.yaml when present.
func loadConfig(c *cli.Context) (*config.Config, error) {
	return config.LoadOptional(c.String("config"))
}

// configVal extracts a value from cfg, returning the zero value for nil.
func configVal[T any](cfg *config.Config, fn func(*config.Config) T) T {
	if cfg == nil {
		var zero T
		return zero
	}
	return fn(cfg)
}

// resolveString returns the flag when set explicitly, else the config
// value, else the flag default.
func resolveString(c *cli.Context, name, cfgVal string) string {
	if c.IsSet(name) || cfgVal == "" {
		return c.String(name)
	}
	return cfgVal
}

// resolveInt follows resolveString precedence.
func resolveInt(c *cli.Context, name string, cfgVal int) int {
	if c.IsSet(name) || cfgVal == 0 {
		return c.Int(name)
	}
	return cfgVal
}

// resolveInt64 follows resolveString precedence.
func resolveInt64(c *cli.Context, name string, cfgVal int64) int64 {
	if c.IsSet(name) || cfgVal == 0 {
		return c.Int64(name)
	}
	return cfgVal
}

// resolveBool returns true if either the flag or the config sets it.
func resolveBool(c *cli.Context, name string, cfgVal bool) bool {
	if c.IsSet(name) {
		return c.Bool(name)
	}
	return cfgVal || c.Bool(name)
}

// resolveDuration follows resolveString precedence.
func resolveDuration(c *cli.Context, name string, cfgVal time.Duration) time.Duration {
	if c.IsSet(name) || cfgVal == 0 {
		return c.Duration(name)
	}
	return cfgVal
}

func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
