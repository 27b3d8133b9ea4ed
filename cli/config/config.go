package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/refinewatch/resume"
)

// Config represents a refinewatch.yaml configuration file.
// All values are optional and act as defaults for command flags.
// CLI flags always override config values.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Transport TransportConfig `yaml:"transport"`
	Job       JobConfig       `yaml:"job"`
	Resume    ResumeConfig    `yaml:"resume"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	History   HistoryConfig   `yaml:"history"`
	Adapter   AdapterConfig   `yaml:"adapter"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// APIConfig holds the refinement API connection settings.
type APIConfig struct {
	BaseURL           string            `yaml:"base_url"`
	Headers           map[string]string `yaml:"headers,omitempty"`
	ConnectTimeout    Duration          `yaml:"connect_timeout"`
	InactivityTimeout Duration          `yaml:"inactivity_timeout"`
}

// TransportConfig holds delivery tier settings.
type TransportConfig struct {
	PollInterval    Duration `yaml:"poll_interval"`
	MaxPollFailures int      `yaml:"max_poll_failures"`
	DisableSocket   bool     `yaml:"disable_socket"`
}

// JobConfig holds job-start defaults.
type JobConfig struct {
	Passes    int            `yaml:"passes"`
	EarlyStop bool           `yaml:"early_stop"`
	Tuning    map[string]any `yaml:"tuning,omitempty"`
}

// ResumeConfig holds resume flow settings.
type ResumeConfig struct {
	Mode       string `yaml:"mode"`
	StateDir   string `yaml:"state_dir"`
	MaxResumes int    `yaml:"max_resumes"`
}

// WatchdogConfig holds stuck-job settings.
type WatchdogConfig struct {
	AssumeCompleteAfter Duration `yaml:"assume_complete_after"`
}

// HistoryConfig holds event history storage defaults.
type HistoryConfig struct {
	Policy       string `yaml:"policy"`
	BufferEvents int    `yaml:"buffer_events"`
	BufferBytes  int64  `yaml:"buffer_bytes"`
	Dataset      string `yaml:"dataset"`
	Backend      string `yaml:"backend"`
	Path         string `yaml:"path"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	S3PathStyle  bool   `yaml:"s3_path_style"`
}

// AdapterConfig holds adapter defaults from the config file.
type AdapterConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// MetricsConfig holds the metrics endpoint settings.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	if d.Duration == 0 {
		return "", nil
	}
	return d.String(), nil
}

// Validate checks enumerated values. Empty values are left to flag defaults.
func (c *Config) Validate() error {
	var errs []error
	if c.Resume.Mode != "" {
		if _, err := resume.ParseMode(c.Resume.Mode); err != nil {
			errs = append(errs, fmt.Errorf("resume.mode: %w", err))
		}
	}
	switch c.History.Policy {
	case "", "strict", "buffered", "noop":
	default:
		errs = append(errs, fmt.Errorf("history.policy: unknown policy %q", c.History.Policy))
	}
	switch c.History.Backend {
	case "", "fs", "s3":
	default:
		errs = append(errs, fmt.Errorf("history.backend: unknown backend %q", c.History.Backend))
	}
	switch c.Adapter.Type {
	case "", "webhook", "redis":
	default:
		errs = append(errs, fmt.Errorf("adapter.type: unknown adapter %q", c.Adapter.Type))
	}
	if c.Job.Passes < 0 {
		errs = append(errs, fmt.Errorf("job.passes: must be >= 0, got %d", c.Job.Passes))
	}
	if c.Transport.MaxPollFailures < 0 {
		errs = append(errs, fmt.Errorf("transport.max_poll_failures: must be >= 0, got %d", c.Transport.MaxPollFailures))
	}
	return errors.Join(errs...)
}
