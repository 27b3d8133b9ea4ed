// Package metrics provides per-session metrics collection.
//
// The Collector accumulates counters while a session watches a job and its
// continuations. It has no internal dependencies. History policy and decoder
// counters are absorbed from their stats at session end rather than
// recorded live, avoiding double-counting.
package metrics

import (
	"maps"
	"sync"
)

// Snapshot is an immutable point-in-time view of all session metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Job lifecycle
	JobsStarted         int64
	JobsCompleted       int64
	JobsErrored         int64
	JobsAbandoned       int64
	JobsAssumedComplete int64
	SessionsCanceled    int64

	// Resume
	ResumesOffered  int64
	ResumesAccepted int64

	// Transport
	EventsBySource     map[string]int64
	EventsNoop         int64
	SocketUpgrades     int64
	SocketFallbacks    int64
	PollRequests       int64
	PollFailures       int64
	InactivityTimeouts int64

	// Decoder (absorbed from sse.Stats)
	LinesDropped int64
	Heartbeats   int64

	// History (absorbed from policy.Stats)
	EventsReceived  int64
	EventsPersisted int64
	EventsDropped   int64
	DroppedByType   map[string]int64

	// Lode / Storage
	LodeWriteSuccess int64
	LodeWriteFailure int64

	// Dimensions (informational, set at construction)
	Policy         string
	StorageBackend string
	SessionID      string
	JobID          string
}

// Collector accumulates metrics during a session.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	jobsStarted         int64
	jobsCompleted       int64
	jobsErrored         int64
	jobsAbandoned       int64
	jobsAssumedComplete int64
	sessionsCanceled    int64

	resumesOffered  int64
	resumesAccepted int64

	eventsBySource     map[string]int64
	eventsNoop         int64
	socketUpgrades     int64
	socketFallbacks    int64
	pollRequests       int64
	pollFailures       int64
	inactivityTimeouts int64

	linesDropped int64
	heartbeats   int64

	eventsReceived  int64
	eventsPersisted int64
	eventsDropped   int64
	droppedByType   map[string]int64

	lodeWriteSuccess int64
	lodeWriteFailure int64

	policy         string
	storageBackend string
	sessionID      string
	jobID          string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(policy, storageBackend, sessionID string) *Collector {
	return &Collector{
		eventsBySource: make(map[string]int64),
		droppedByType:  make(map[string]int64),
		policy:         policy,
		storageBackend: storageBackend,
		sessionID:      sessionID,
	}
}

func (c *Collector) inc(field *int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// SetJobID records the current job dimension. A continuation replaces it.
func (c *Collector) SetJobID(jobID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.jobID = jobID
	c.mu.Unlock()
}

// --- Job lifecycle ---

// IncJobStarted records a job-start or continuation request.
func (c *Collector) IncJobStarted() {
	if c == nil {
		return
	}
	c.inc(&c.jobsStarted)
}

// IncJobCompleted records a job that completed.
func (c *Collector) IncJobCompleted() {
	if c == nil {
		return
	}
	c.inc(&c.jobsCompleted)
}

// IncJobErrored records a job that errored.
func (c *Collector) IncJobErrored() {
	if c == nil {
		return
	}
	c.inc(&c.jobsErrored)
}

// IncJobAbandoned records a job whose transport tiers were all exhausted.
func (c *Collector) IncJobAbandoned() {
	if c == nil {
		return
	}
	c.inc(&c.jobsAbandoned)
}

// IncJobAssumedComplete records a completion synthesized by the stuck-job
// watchdog. It is counted in addition to IncJobCompleted.
func (c *Collector) IncJobAssumedComplete() {
	if c == nil {
		return
	}
	c.inc(&c.jobsAssumedComplete)
}

// IncSessionCanceled records a session canceled locally.
func (c *Collector) IncSessionCanceled() {
	if c == nil {
		return
	}
	c.inc(&c.sessionsCanceled)
}

// --- Resume ---

// IncResumeOffered records a resume offer.
func (c *Collector) IncResumeOffered() {
	if c == nil {
		return
	}
	c.inc(&c.resumesOffered)
}

// IncResumeAccepted records an accepted resume offer.
func (c *Collector) IncResumeAccepted() {
	if c == nil {
		return
	}
	c.inc(&c.resumesAccepted)
}

// --- Transport ---

// IncEvent records an event delivered on the given path.
// The source is a string to keep this package free of the types package.
func (c *Collector) IncEvent(source string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.eventsBySource[source]++
	c.mu.Unlock()
}

// IncEventNoop records a delivered event that did not change state,
// typically a duplicate from a second delivery path.
func (c *Collector) IncEventNoop() {
	if c == nil {
		return
	}
	c.inc(&c.eventsNoop)
}

// IncSocketUpgrade records a push-socket upgrade attempt.
func (c *Collector) IncSocketUpgrade() {
	if c == nil {
		return
	}
	c.inc(&c.socketUpgrades)
}

// IncSocketFallback records a fallback from the socket to polling.
func (c *Collector) IncSocketFallback() {
	if c == nil {
		return
	}
	c.inc(&c.socketFallbacks)
}

// IncPollRequest records a status poll.
func (c *Collector) IncPollRequest() {
	if c == nil {
		return
	}
	c.inc(&c.pollRequests)
}

// IncPollFailure records a failed status poll.
func (c *Collector) IncPollFailure() {
	if c == nil {
		return
	}
	c.inc(&c.pollFailures)
}

// IncInactivityTimeout records an inactivity watchdog expiry.
func (c *Collector) IncInactivityTimeout() {
	if c == nil {
		return
	}
	c.inc(&c.inactivityTimeouts)
}

// AbsorbDecoderStats adds decoder counters. Called once per stream.
func (c *Collector) AbsorbDecoderStats(dropped, heartbeats int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.linesDropped += dropped
	c.heartbeats += heartbeats
	c.mu.Unlock()
}

// --- Lode / Storage ---
// Lode counters are per-call, not per-record.

// IncLodeWriteSuccess records a successful Lode write operation (per-call).
func (c *Collector) IncLodeWriteSuccess() {
	if c == nil {
		return
	}
	c.inc(&c.lodeWriteSuccess)
}

// IncLodeWriteFailure records a failed Lode write operation (per-call).
func (c *Collector) IncLodeWriteFailure() {
	if c == nil {
		return
	}
	c.inc(&c.lodeWriteFailure)
}

// --- History (absorbed from policy.Stats) ---

// AbsorbPolicyStats adds history counters from policy.Stats.
// Called once per job with the final policy stats snapshot. The
// droppedByType map keys are string-typed event types.
func (c *Collector) AbsorbPolicyStats(totalEvents, persisted, dropped int64, droppedByType map[string]int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.eventsReceived += totalEvents
	c.eventsPersisted += persisted
	c.eventsDropped += dropped
	for k, v := range droppedByType {
		c.droppedByType[k] += v
	}
	c.mu.Unlock()
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		JobsStarted:         c.jobsStarted,
		JobsCompleted:       c.jobsCompleted,
		JobsErrored:         c.jobsErrored,
		JobsAbandoned:       c.jobsAbandoned,
		JobsAssumedComplete: c.jobsAssumedComplete,
		SessionsCanceled:    c.sessionsCanceled,

		ResumesOffered:  c.resumesOffered,
		ResumesAccepted: c.resumesAccepted,

		EventsBySource:     maps.Clone(c.eventsBySource),
		EventsNoop:         c.eventsNoop,
		SocketUpgrades:     c.socketUpgrades,
		SocketFallbacks:    c.socketFallbacks,
		PollRequests:       c.pollRequests,
		PollFailures:       c.pollFailures,
		InactivityTimeouts: c.inactivityTimeouts,

		LinesDropped: c.linesDropped,
		Heartbeats:   c.heartbeats,

		EventsReceived:  c.eventsReceived,
		EventsPersisted: c.eventsPersisted,
		EventsDropped:   c.eventsDropped,
		DroppedByType:   maps.Clone(c.droppedByType),

		LodeWriteSuccess: c.lodeWriteSuccess,
		LodeWriteFailure: c.lodeWriteFailure,

		Policy:         c.policy,
		StorageBackend: c.storageBackend,
		SessionID:      c.sessionID,
		JobID:          c.jobID,
	}
}
