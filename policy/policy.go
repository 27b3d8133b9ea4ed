// Package policy defines how applied events are recorded to history.
package policy

import (
	"context"
	"maps"
	"sync"

	"github.com/pithecene-io/refinewatch/types"
)

// Policy controls buffering, dropping and persistence of history records.
//
// Rules:
//   - May drop: progress, plan, stage_update
//   - Must NOT drop: job, pass_start, pass_complete, early_stop, complete,
//     error, stream_end
//   - Policy must not alter records
//   - Policy failure ends the session with a history failure
type Policy interface {
	// IngestEvent handles a record.
	// May drop droppable types; returns an error for a non-droppable record
	// it cannot accept.
	IngestEvent(ctx context.Context, rec *types.EventRecord) error

	// Flush writes any buffered records.
	// Called after each completed pass and on session end.
	Flush(ctx context.Context) error

	// Close releases policy resources.
	Close() error

	// Stats returns a consistent snapshot of policy counters.
	Stats() Stats
}

// Stats represents policy observability metrics.
type Stats struct {
	// TotalEvents is the total number of records received.
	TotalEvents int64
	// EventsPersisted is the number of records persisted.
	EventsPersisted int64
	// EventsDropped is the total number of records dropped.
	EventsDropped int64
	// DroppedByType maps event types to drop counts.
	DroppedByType map[types.EventType]int64
	// BufferSize is the current buffer size in bytes (if buffered).
	BufferSize int64
	// FlushCount is the number of flush operations.
	FlushCount int64
	// Errors is the count of write errors encountered.
	Errors int64
}

// DroppedByTypeStrings returns DroppedByType keyed by plain strings.
func (s Stats) DroppedByTypeStrings() map[string]int64 {
	out := make(map[string]int64, len(s.DroppedByType))
	for k, v := range s.DroppedByType {
		out[string(k)] = v
	}
	return out
}

// droppableTypes are the event types a policy may drop. The tracker folds
// none of them into resumable state.
var droppableTypes = map[types.EventType]bool{
	types.EventTypeProgress:    true,
	types.EventTypePlan:        true,
	types.EventTypeStageUpdate: true,
}

// IsDroppable returns true if the event type may be dropped by policy.
func IsDroppable(eventType types.EventType) bool {
	return droppableTypes[eventType]
}

// DroppableTypes returns the set of event types that may be dropped.
func DroppableTypes() map[types.EventType]bool {
	return maps.Clone(droppableTypes)
}

// statsRecorder is an internal helper for thread-safe stats management.
//
// Lock discipline:
//   - StrictPolicy uses the locking methods
//   - BufferedPolicy uses the Locked methods only while holding
//     BufferedPolicy.mu, keeping buffer state and counters atomic
type statsRecorder struct {
	mu    sync.Mutex
	stats Stats
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{
		stats: Stats{
			DroppedByType: make(map[types.EventType]int64),
		},
	}
}

func (r *statsRecorder) incTotalEvents() {
	r.mu.Lock()
	r.stats.TotalEvents++
	r.mu.Unlock()
}

func (r *statsRecorder) incEventsPersisted(n int64) {
	r.mu.Lock()
	r.stats.EventsPersisted += n
	r.mu.Unlock()
}

func (r *statsRecorder) incEventsDropped(eventType types.EventType) {
	r.mu.Lock()
	r.incEventsDroppedLocked(eventType)
	r.mu.Unlock()
}

func (r *statsRecorder) incErrors() {
	r.mu.Lock()
	r.stats.Errors++
	r.mu.Unlock()
}

func (r *statsRecorder) incFlush() {
	r.mu.Lock()
	r.stats.FlushCount++
	r.mu.Unlock()
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(r.stats.BufferSize)
}

// --- Locked methods for BufferedPolicy ---
// Caller must hold BufferedPolicy.mu.

func (r *statsRecorder) incTotalEventsLocked() {
	r.stats.TotalEvents++
}

func (r *statsRecorder) incEventsPersistedLocked(n int64) {
	r.stats.EventsPersisted += n
}

func (r *statsRecorder) incEventsDroppedLocked(eventType types.EventType) {
	r.stats.EventsDropped++
	r.stats.DroppedByType[eventType]++
}

func (r *statsRecorder) incErrorsLocked() {
	r.stats.Errors++
}

func (r *statsRecorder) incFlushLocked() {
	r.stats.FlushCount++
}

func (r *statsRecorder) setBufferSizeLocked(bytes int64) {
	r.stats.BufferSize = bytes
}

func (r *statsRecorder) snapshotLocked(bufferSize int64) Stats {
	s := r.stats
	s.BufferSize = bufferSize
	s.DroppedByType = maps.Clone(r.stats.DroppedByType)
	return s
}
