package types

import "time"

// JobStatus is the lifecycle status of a job.
type JobStatus string

const (
	JobCreated   JobStatus = "created"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobErrored   JobStatus = "errored"
	JobAbandoned JobStatus = "abandoned"
)

// IsTerminal returns true for statuses no event can leave.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobErrored || s == JobAbandoned
}

// PassStatus is the status of a single pass.
type PassStatus string

const (
	PassPending   PassStatus = "pending"
	PassRunning   PassStatus = "running"
	PassCompleted PassStatus = "completed"
	PassError     PassStatus = "error"
)

// Rank orders pass statuses; a pass only moves to a higher rank. Error
// ranks below completed so a late pass_complete still finalizes the pass.
func (s PassStatus) Rank() int {
	switch s {
	case PassPending:
		return 0
	case PassRunning:
		return 1
	case PassError:
		return 2
	case PassCompleted:
		return 3
	default:
		return -1
	}
}

// StageName is one of the fixed, ordered sub-steps of a pass.
type StageName string

const (
	StageRead   StageName = "read"
	StagePrep   StageName = "prep"
	StageRefine StageName = "refine"
	StagePost   StageName = "post"
	StageWrite  StageName = "write"
	StageUpload StageName = "upload"

	// StageStarting is the display stage of a pass that has not reported one.
	StageStarting StageName = "starting"
)

// Stages is the canonical stage order.
var Stages = []StageName{StageRead, StagePrep, StageRefine, StagePost, StageWrite, StageUpload}

// Known reports whether s is one of the fixed stages.
func (s StageName) Known() bool {
	for _, st := range Stages {
		if st == s {
			return true
		}
	}
	return false
}

// StageStatus is the status of a stage within a pass.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageError     StageStatus = "error"
)

// Known reports whether s is a valid stage status.
func (s StageStatus) Known() bool {
	switch s {
	case StagePending, StageRunning, StageCompleted, StageError:
		return true
	}
	return false
}

// Rank orders stage statuses; a stage only moves to a higher rank.
func (s StageStatus) Rank() int {
	switch s {
	case StagePending:
		return 0
	case StageRunning:
		return 1
	case StageCompleted, StageError:
		return 2
	default:
		return -1
	}
}

// TerminalReason records how a job reached its terminal status.
type TerminalReason string

const (
	ReasonEvent           TerminalReason = "event"
	ReasonMarker          TerminalReason = "marker"
	ReasonAssumedComplete TerminalReason = "assumed_complete"
	ReasonTransportLost   TerminalReason = "transport_lost"
)

// Stage is the tracked state of one stage.
type Stage struct {
	Name     StageName     `json:"name"`
	Status   StageStatus   `json:"status"`
	Duration time.Duration `json:"duration"`
}

// Pass is the tracked state of one pass.
type Pass struct {
	Number       int                 `json:"number"`
	Status       PassStatus          `json:"status"`
	CurrentStage StageName           `json:"current_stage"`
	Stages       map[StageName]Stage `json:"stages,omitempty"`
	InputChars   int64               `json:"input_chars"`
	OutputChars  int64               `json:"output_chars"`
	Metrics      *Metrics            `json:"metrics,omitempty"`
	Cost         *Cost               `json:"cost,omitempty"`
	OutputPath   string              `json:"output_path,omitempty"`
	// Finalized is set once the pass_complete details have been folded.
	// A pass force-closed by a terminal signal is completed but not finalized.
	Finalized bool `json:"finalized"`
}

// Job is the tracked state of a job.
type Job struct {
	ID          string         `json:"id"`
	FileID      string         `json:"file_id,omitempty"`
	TotalPasses int            `json:"total_passes"`
	Status      JobStatus      `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	CurrentPass int            `json:"current_pass"`
	TruncatedAt int            `json:"truncated_at,omitempty"`
	Reason      TerminalReason `json:"reason,omitempty"`
	Error       string         `json:"error,omitempty"`
	StreamEnded bool           `json:"stream_ended,omitempty"`
	Planned     []StageName    `json:"planned,omitempty"`
}

// Usage is the per-job usage accumulator.
type Usage struct {
	Tokens   int64   `json:"tokens" msgpack:"tokens"`
	Cost     float64 `json:"cost" msgpack:"cost"`
	Requests int64   `json:"requests" msgpack:"requests"`
}

// Add folds a pass cost into the accumulator.
func (u Usage) Add(c Cost) Usage {
	return Usage{
		Tokens:   u.Tokens + c.Tokens,
		Cost:     u.Cost + c.Cost,
		Requests: u.Requests + c.Requests,
	}
}

// ResumeSnapshot is the retained output of the most recent completed pass
// that carried its full text.
type ResumeSnapshot struct {
	JobID       string    `json:"job_id" msgpack:"job_id"`
	FileID      string    `json:"file_id" msgpack:"file_id"`
	Pass        int       `json:"pass" msgpack:"pass"`
	Output      string    `json:"-" msgpack:"output"`
	TotalPasses int       `json:"total_passes" msgpack:"total_passes"`
	Attempt     int       `json:"attempt" msgpack:"attempt"`
	CapturedAt  time.Time `json:"captured_at" msgpack:"captured_at"`
}
