package types

import "time"

// EventRecord is an applied event as recorded in history.
//
// Source and Synthetic are copied out of the event because they are not
// part of the event wire format.
type EventRecord struct {
	SessionID  string    `json:"session_id"`
	JobID      string    `json:"job_id"`
	FileID     string    `json:"file_id,omitempty"`
	Attempt    int       `json:"attempt"`
	Seq        int64     `json:"seq"`
	Type       EventType `json:"type"`
	Source     Source    `json:"source"`
	Synthetic  bool      `json:"synthetic,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	Event      Event     `json:"event"`
}

// NewEventRecord builds a history record for an applied event.
func NewEventRecord(meta *SessionMeta, seq int64, ev Event, at time.Time) *EventRecord {
	rec := &EventRecord{
		Seq:        seq,
		Type:       ev.Type,
		Source:     ev.Source,
		Synthetic:  ev.Synthetic,
		ReceivedAt: at.UTC(),
		JobID:      ev.JobID,
		FileID:     ev.FileID,
		Event:      ev,
	}
	if meta != nil {
		rec.SessionID = meta.SessionID
		rec.Attempt = meta.Attempt
		if rec.JobID == "" && meta.JobID != nil {
			rec.JobID = *meta.JobID
		}
		if rec.FileID == "" {
			rec.FileID = meta.FileID
		}
	}
	return rec
}
