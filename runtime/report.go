package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pithecene-io/refinewatch/adapter"
	"github.com/pithecene-io/refinewatch/metrics"
	"github.com/pithecene-io/refinewatch/types"
)

// SessionReport is the structured JSON report written by --report.
type SessionReport struct {
	SessionID   string        `json:"session_id"`
	JobID       string        `json:"job_id,omitempty"`
	ParentJobID string        `json:"parent_job_id,omitempty"`
	FileID      string        `json:"file_id"`
	Attempt     int           `json:"attempt"`
	Outcome     OutcomeStatus `json:"outcome"`
	Message     string        `json:"message"`
	Degraded    bool          `json:"degraded,omitempty"`
	ExitCode    int           `json:"exit_code"`
	DurationMs  int64         `json:"duration_ms"`
	EventCount  int64         `json:"event_count"`
	Tier        string        `json:"tier,omitempty"`

	Job      *ReportJob        `json:"job,omitempty"`
	Attempts []ReportAttempt   `json:"attempts"`
	Policy   *ReportPolicy     `json:"policy"`
	Metrics  *metrics.Snapshot `json:"metrics"`
}

// ReportJob holds the final job state in the report.
type ReportJob struct {
	Status          types.JobStatus      `json:"status"`
	Reason          types.TerminalReason `json:"reason,omitempty"`
	Error           string               `json:"error,omitempty"`
	TotalPasses     int                  `json:"total_passes"`
	PassesCompleted int                  `json:"passes_completed"`
	TruncatedAt     int                  `json:"truncated_at,omitempty"`
	Usage           types.Usage          `json:"usage"`
}

// ReportAttempt summarizes one job of the continuation chain.
type ReportAttempt struct {
	Attempt  int    `json:"attempt"`
	JobID    string `json:"job_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Tier     string `json:"tier,omitempty"`
	Events   int64  `json:"events"`
	Error    string `json:"error,omitempty"`
	Resumed  bool   `json:"resumed,omitempty"`
	Declined bool   `json:"declined,omitempty"`
}

// ReportPolicy holds policy stats in the report.
type ReportPolicy struct {
	Name            string           `json:"name"`
	EventsReceived  int64            `json:"events_received"`
	EventsPersisted int64            `json:"events_persisted"`
	EventsDropped   int64            `json:"events_dropped"`
	DroppedByType   map[string]int64 `json:"dropped_by_type,omitempty"`
}

// BuildSessionReport composes a SessionReport from a SessionResult and
// metrics snapshot. The policyName is the policy name string (e.g. "strict",
// "buffered", "noop").
func BuildSessionReport(result *SessionResult, snap metrics.Snapshot, policyName string) *SessionReport {
	report := &SessionReport{
		SessionID:  result.Meta.SessionID,
		FileID:     result.Meta.FileID,
		Attempt:    result.Meta.Attempt,
		Outcome:    result.Outcome.Status,
		Message:    result.Outcome.Message,
		Degraded:   result.Outcome.Degraded,
		ExitCode:   result.Outcome.ExitCode(),
		DurationMs: result.Duration.Milliseconds(),
		EventCount: result.EventCount,
		Tier:       string(result.Tier()),
		Policy: &ReportPolicy{
			Name:            policyName,
			EventsReceived:  result.PolicyStats.TotalEvents,
			EventsPersisted: result.PolicyStats.EventsPersisted,
			EventsDropped:   result.PolicyStats.EventsDropped,
			DroppedByType:   result.PolicyStats.DroppedByTypeStrings(),
		},
		Metrics: &snap,
	}
	report.JobID = result.State.JobID()
	if result.Meta.ParentJobID != nil {
		report.ParentJobID = *result.Meta.ParentJobID
	}

	if job := result.State.Job; job != nil {
		report.Job = &ReportJob{
			Status:          job.Status,
			Reason:          job.Reason,
			Error:           job.Error,
			TotalPasses:     result.State.TargetPasses(),
			PassesCompleted: result.State.CompletedPasses(),
			TruncatedAt:     job.TruncatedAt,
			Usage:           result.State.Usage,
		}
	}

	for _, ar := range result.Attempts {
		ra := ReportAttempt{
			Attempt: ar.Meta.Attempt,
			JobID:   ar.State.JobID(),
			Tier:    string(ar.Transport.Tier),
			Events:  ar.Events,
		}
		if ar.State.Job != nil {
			ra.Status = string(ar.State.Job.Status)
		}
		if ar.Err != nil {
			ra.Error = ar.Err.Error()
		}
		if d := ar.Decision; d != nil && d.Offered {
			ra.Resumed = d.Accepted
			ra.Declined = !d.Accepted
		}
		report.Attempts = append(report.Attempts, ra)
	}

	return report
}

// BuildJobFinishedEvent composes the adapter notification for a session.
func BuildJobFinishedEvent(result *SessionResult, at time.Time) *adapter.JobFinishedEvent {
	state := result.State
	event := &adapter.JobFinishedEvent{
		ContractVersion: types.Version,
		EventType:       adapter.EventTypeJobFinished,
		SessionID:       result.Meta.SessionID,
		JobID:           state.JobID(),
		FileID:          result.Meta.FileID,
		Attempt:         result.Meta.Attempt,
		Outcome:         string(result.Outcome.Status),
		Degraded:        result.Outcome.Degraded,
		PassesCompleted: state.CompletedPasses(),
		TotalPasses:     state.TargetPasses(),
		Usage: adapter.Usage{
			Tokens:   state.Usage.Tokens,
			Cost:     state.Usage.Cost,
			Requests: state.Usage.Requests,
		},
		Timestamp:  at.UTC().Format(time.RFC3339),
		DurationMs: result.Duration.Milliseconds(),
		EventCount: result.EventCount,
	}
	if result.Meta.ParentJobID != nil {
		event.ParentJobID = *result.Meta.ParentJobID
	}
	if job := state.Job; job != nil {
		event.Status = string(job.Status)
		event.Reason = string(job.Reason)
		event.Error = job.Error
		if event.FileID == "" {
			event.FileID = job.FileID
		}
	}
	return event
}

// WriteSessionReport writes the report as JSON to the specified path.
// If path is "-", writes to stderr.
func WriteSessionReport(report *SessionReport, path string) error {
	if path == "" {
		return errors.New("report path must not be empty")
	}

	if path == "-" {
		if err := writeSessionReportTo(report, os.Stderr); err != nil {
			return fmt.Errorf("failed to write report to stderr: %w", err)
		}
		return nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	if err := writeSessionReportTo(report, f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	return f.Close()
}

// writeSessionReportTo writes report JSON to any writer.
func writeSessionReportTo(report *SessionReport, w io.Writer) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
