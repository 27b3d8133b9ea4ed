// Package replay serves scripted refinement jobs over the same surface as
// the real API: a job-start event stream, status polling and the push
// socket. It backs local development (`refinewatch serve-replay`) and the
// transport and runtime integration tests.
package replay

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/refinewatch/cli/config"
)

// Handle selects how a job-start request is answered.
type Handle string

const (
	// HandleStream answers with a text/event-stream body.
	HandleStream Handle = "stream"
	// HandleJSON answers with a single JSON event (a polling handle).
	HandleJSON Handle = "json"
)

// Script is a replay script file.
//
//	interval: 20ms
//	jobs:
//	  - file_id: file-1
//	    stream:
//	      - event: {type: job, totalPasses: 2}
//	      - event: {type: pass_complete, pass: 1, textContent: "draft"}
//	      - raw: ": proxy-complete"
type Script struct {
	// Interval is the default delay before each step.
	Interval config.Duration `yaml:"interval"`
	Jobs     []JobScript     `yaml:"jobs"`
}

// JobScript scripts one job.
type JobScript struct {
	// Name labels the job in logs.
	Name string `yaml:"name"`
	// JobID is the announced job id. Empty assigns a random id.
	JobID string `yaml:"job_id"`
	// FileID fills events that carry no fileId.
	FileID string `yaml:"file_id"`
	// StartPass matches continuation requests by startPass. Zero matches
	// job-start requests.
	StartPass int `yaml:"start_pass"`
	// Reject answers the job-start request with this HTTP status.
	Reject int `yaml:"reject"`
	// Handle is stream (default) or json.
	Handle Handle `yaml:"handle"`
	// Stream is written to the event stream, or the first event is the JSON
	// handle.
	Stream []Step `yaml:"stream"`
	// Hold keeps the stream open after its steps until the client leaves.
	Hold bool `yaml:"hold"`
	// Socket is sent over the push socket.
	Socket []Step `yaml:"socket"`
	// Status answers successive status polls. The last step repeats.
	Status []Step `yaml:"status"`
}

// Step is one scripted delivery.
type Step struct {
	// Event is a JSON event. jobId and fileId are filled when absent.
	Event map[string]any `yaml:"event"`
	// Raw is written verbatim (stream lines, socket text).
	Raw string `yaml:"raw"`
	// Delay overrides the script interval for this step.
	Delay *config.Duration `yaml:"delay"`
	// Code is an HTTP status for status steps, or a close code for socket
	// steps.
	Code int `yaml:"code"`
}

// LoadScript reads and validates a script file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return ParseScript(data)
}

// ParseScript decodes and validates a script.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid script: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the script.
func (s *Script) Validate() error {
	if len(s.Jobs) == 0 {
		return errors.New("script has no jobs")
	}
	var errs []error
	for i, j := range s.Jobs {
		switch j.Handle {
		case "", HandleStream:
		case HandleJSON:
			if len(j.Stream) == 0 || j.Stream[0].Event == nil {
				errs = append(errs, fmt.Errorf("jobs[%d]: json handle needs an event as its first stream step", i))
			}
		default:
			errs = append(errs, fmt.Errorf("jobs[%d]: unknown handle %q", i, j.Handle))
		}
		if j.StartPass == 1 || j.StartPass < 0 {
			errs = append(errs, fmt.Errorf("jobs[%d]: start_pass must be 0 or >= 2, got %d", i, j.StartPass))
		}
		for k, st := range append(append(append([]Step{}, j.Stream...), j.Socket...), j.Status...) {
			if st.Event == nil && st.Raw == "" && st.Code == 0 {
				errs = append(errs, fmt.Errorf("jobs[%d]: step %d is empty", i, k))
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Script) delay(st Step) time.Duration {
	if st.Delay != nil {
		return st.Delay.Duration
	}
	return s.Interval.Duration
}
