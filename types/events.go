// Package types defines the event vocabulary and job model for refinewatch.
//
//nolint:revive // types is a common Go package naming convention
package types

// EventType is the discriminator of a progress event.
type EventType string

// Event type constants. The set is closed; anything else decodes as
// EventTypeIgnored.
const (
	EventTypeJob          EventType = "job"
	EventTypePassStart    EventType = "pass_start"
	EventTypeStageUpdate  EventType = "stage_update"
	EventTypePassComplete EventType = "pass_complete"
	EventTypeProgress     EventType = "progress"
	EventTypePlan         EventType = "plan"
	EventTypeEarlyStop    EventType = "early_stop"
	EventTypeComplete     EventType = "complete"
	EventTypeError        EventType = "error"
	EventTypeStreamEnd    EventType = "stream_end"

	// EventTypeIgnored marks a payload whose tag is not part of the vocabulary.
	EventTypeIgnored EventType = "ignored"
)

var knownEventTypes = map[EventType]bool{
	EventTypeJob:          true,
	EventTypePassStart:    true,
	EventTypeStageUpdate:  true,
	EventTypePassComplete: true,
	EventTypeProgress:     true,
	EventTypePlan:         true,
	EventTypeEarlyStop:    true,
	EventTypeComplete:     true,
	EventTypeError:        true,
	EventTypeStreamEnd:    true,
}

// ParseEventType maps a wire tag onto the closed set.
func ParseEventType(s string) EventType {
	t := EventType(s)
	if knownEventTypes[t] {
		return t
	}
	return EventTypeIgnored
}

// IsTerminal returns true if this event type ends the job.
func (e EventType) IsTerminal() bool {
	return e == EventTypeComplete || e == EventTypeError
}

// Source identifies the delivery path an event arrived on.
// It is assigned client-side and never appears on the wire.
type Source string

const (
	SourceSSE      Source = "sse"
	SourceSocket   Source = "socket"
	SourcePoll     Source = "poll"
	SourceMarker   Source = "marker"
	SourceWatchdog Source = "watchdog"
)

// Metrics are the quality figures reported with a completed pass.
type Metrics struct {
	// DetectionRisk maps detector name to a risk score in [0,1].
	DetectionRisk map[string]float64 `json:"detectionRisk,omitempty" msgpack:"detection_risk,omitempty"`
	// ChangePercent is the share of the text the pass rewrote.
	ChangePercent float64 `json:"changePercent,omitempty" msgpack:"change_percent,omitempty"`
	// LatencyMs is the wall time of the pass in milliseconds.
	LatencyMs int64 `json:"latencyMs,omitempty" msgpack:"latency_ms,omitempty"`
}

// Cost is the usage billed for a single pass.
type Cost struct {
	Tokens   int64   `json:"tokens" msgpack:"tokens"`
	Cost     float64 `json:"cost" msgpack:"cost"`
	Requests int64   `json:"requests" msgpack:"requests"`
}

// Event is a decoded progress event.
//
// Event is a tagged union: Type selects which of the optional fields are
// meaningful. Events are values and are never mutated after decode.
type Event struct {
	Type EventType `json:"type"`

	JobID       string `json:"jobId,omitempty"`
	FileID      string `json:"fileId,omitempty"`
	Pass        int    `json:"pass,omitempty"`
	TotalPasses int    `json:"totalPasses,omitempty"`

	// Stage fields (stage_update).
	Stage      StageName   `json:"stage,omitempty"`
	Status     StageStatus `json:"status,omitempty"`
	DurationMs int64       `json:"durationMs,omitempty"`

	// Size counters (progress, pass_complete).
	InputChars  int64 `json:"inputChars,omitempty"`
	OutputChars int64 `json:"outputChars,omitempty"`

	// pass_complete details.
	Metrics     *Metrics `json:"metrics,omitempty"`
	Cost        *Cost    `json:"cost,omitempty"`
	OutputPath  string   `json:"outputPath,omitempty"`
	TextContent string   `json:"textContent,omitempty"`

	// plan.
	Stages []StageName `json:"stages,omitempty"`

	// early_stop, error, complete.
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`

	// Source is the delivery path. Not part of the wire format.
	Source Source `json:"-"`
	// Synthetic is set for events produced by markers or watchdogs.
	Synthetic bool `json:"-"`
}

// Valid reports whether the type-specific required fields are present.
// The tracker treats invalid events as no-ops.
func (e Event) Valid() bool {
	switch e.Type {
	case EventTypeJob:
		return e.JobID != ""
	case EventTypePassStart, EventTypeProgress, EventTypeEarlyStop:
		return e.Pass > 0
	case EventTypeStageUpdate:
		return e.Pass > 0 && e.Stage.Known() && e.Status.Known()
	case EventTypePassComplete:
		return e.Pass > 0 && e.FileID != ""
	case EventTypePlan, EventTypeComplete, EventTypeError, EventTypeStreamEnd:
		return true
	default:
		return false
	}
}

// HasFullOutput reports whether a pass_complete carries its full output text.
func (e Event) HasFullOutput() bool {
	return e.Type == EventTypePassComplete && e.TextContent != ""
}

// Terminal builds a synthesized terminal event.
func Terminal(t EventType, source Source, reason string) Event {
	return Event{
		Type:      t,
		Reason:    reason,
		Source:    source,
		Synthetic: true,
	}
}
