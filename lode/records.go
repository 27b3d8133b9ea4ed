package lode

import (
	"time"

	"github.com/pithecene-io/refinewatch/metrics"
	"github.com/pithecene-io/refinewatch/types"
)

// RecordKind discriminator values.
const (
	RecordKindEvent   = "event"
	RecordKindMetrics = "metrics"
)

// metricsEventType is the event_type partition of session metrics records.
const metricsEventType = "metrics"

// unknownPartition fills a partition key the record does not carry.
const unknownPartition = "unknown"

// toEventRecordMap converts an applied event to a map for Lode storage.
// Lode HiveLayout requires records as map[string]any.
func toEventRecordMap(r *types.EventRecord, cfg Config) map[string]any {
	fileID := r.FileID
	if fileID == "" {
		fileID = cfg.FileID
	}
	m := map[string]any{
		"record_kind": RecordKindEvent,
		"session_id":  r.SessionID,
		"attempt":     r.Attempt,
		"seq":         r.Seq,
		"type":        string(r.Type),
		"source":      string(r.Source),
		"synthetic":   r.Synthetic,
		"received_at": r.ReceivedAt.UTC().Format(time.RFC3339Nano),
		"event":       eventMap(r.Event),

		// partition keys
		"file_id":    orUnknown(fileID),
		"day":        cfg.Day,
		"job_id":     orUnknown(r.JobID),
		"event_type": string(r.Type),
	}
	return m
}

// eventMap flattens the wire fields of an event. Empty fields are omitted,
// matching the wire encoding.
func eventMap(ev types.Event) map[string]any {
	m := map[string]any{"type": string(ev.Type)}
	put := func(k string, v any, ok bool) {
		if ok {
			m[k] = v
		}
	}
	put("jobId", ev.JobID, ev.JobID != "")
	put("fileId", ev.FileID, ev.FileID != "")
	put("pass", ev.Pass, ev.Pass != 0)
	put("totalPasses", ev.TotalPasses, ev.TotalPasses != 0)
	put("stage", string(ev.Stage), ev.Stage != "")
	put("status", string(ev.Status), ev.Status != "")
	put("durationMs", ev.DurationMs, ev.DurationMs != 0)
	put("inputChars", ev.InputChars, ev.InputChars != 0)
	put("outputChars", ev.OutputChars, ev.OutputChars != 0)
	put("outputPath", ev.OutputPath, ev.OutputPath != "")
	put("textContent", ev.TextContent, ev.TextContent != "")
	put("reason", ev.Reason, ev.Reason != "")
	put("message", ev.Message, ev.Message != "")
	put("detail", ev.Detail, ev.Detail != "")
	if ev.Cost != nil {
		m["cost"] = map[string]any{
			"tokens":   ev.Cost.Tokens,
			"cost":     ev.Cost.Cost,
			"requests": ev.Cost.Requests,
		}
	}
	if ev.Metrics != nil {
		mm := map[string]any{}
		if len(ev.Metrics.DetectionRisk) > 0 {
			risk := make(map[string]any, len(ev.Metrics.DetectionRisk))
			for k, v := range ev.Metrics.DetectionRisk {
				risk[k] = v
			}
			mm["detectionRisk"] = risk
		}
		if ev.Metrics.ChangePercent != 0 {
			mm["changePercent"] = ev.Metrics.ChangePercent
		}
		if ev.Metrics.LatencyMs != 0 {
			mm["latencyMs"] = ev.Metrics.LatencyMs
		}
		m["metrics"] = mm
	}
	if len(ev.Stages) > 0 {
		stages := make([]any, len(ev.Stages))
		for i, s := range ev.Stages {
			stages[i] = string(s)
		}
		m["stages"] = stages
	}
	return m
}

// toMetricsRecordMap converts a session metrics snapshot to a map for
// storage at event_type=metrics.
func toMetricsRecordMap(s metrics.Snapshot, cfg Config, fileID string, completedAt time.Time) map[string]any {
	if fileID == "" {
		fileID = cfg.FileID
	}
	return map[string]any{
		"record_kind":  RecordKindMetrics,
		"session_id":   s.SessionID,
		"completed_at": completedAt.UTC().Format(time.RFC3339Nano),

		"jobs_started":          s.JobsStarted,
		"jobs_completed":        s.JobsCompleted,
		"jobs_errored":          s.JobsErrored,
		"jobs_abandoned":        s.JobsAbandoned,
		"jobs_assumed_complete": s.JobsAssumedComplete,
		"sessions_canceled":     s.SessionsCanceled,
		"resumes_offered":       s.ResumesOffered,
		"resumes_accepted":      s.ResumesAccepted,
		"events_by_source":      int64Map(s.EventsBySource),
		"events_noop":           s.EventsNoop,
		"socket_upgrades":       s.SocketUpgrades,
		"socket_fallbacks":      s.SocketFallbacks,
		"poll_requests":         s.PollRequests,
		"poll_failures":         s.PollFailures,
		"inactivity_timeouts":   s.InactivityTimeouts,
		"lines_dropped":         s.LinesDropped,
		"heartbeats":            s.Heartbeats,
		"events_received":       s.EventsReceived,
		"events_persisted":      s.EventsPersisted,
		"events_dropped":        s.EventsDropped,
		"dropped_by_type":       int64Map(s.DroppedByType),
		"lode_write_success":    s.LodeWriteSuccess,
		"lode_write_failure":    s.LodeWriteFailure,
		"policy":                s.Policy,
		"storage_backend":       s.StorageBackend,

		// partition keys
		"file_id":    orUnknown(fileID),
		"day":        cfg.Day,
		"job_id":     orUnknown(s.JobID),
		"event_type": metricsEventType,
	}
}

func int64Map(in map[string]int64) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func orUnknown(s string) string {
	if s == "" {
		return unknownPartition
	}
	return s
}
