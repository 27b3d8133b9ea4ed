package policy

import (
	"context"
	"sync"

	"github.com/pithecene-io/refinewatch/types"
)

// Sink abstracts persistence for policies.
// Implementations may write to storage or stub for testing.
//
// Writes are batch-oriented to serve both strict (batch of 1) and buffered
// policies.
type Sink interface {
	// WriteEvents persists a batch of records.
	// Must preserve ordering within the batch.
	WriteEvents(ctx context.Context, records []*types.EventRecord) error

	// Close releases any resources held by the sink.
	Close() error
}

// StubSink is a test sink that accepts writes without persisting.
type StubSink struct {
	mu sync.Mutex

	// EventsWritten is the total count of records written.
	EventsWritten int64
	// EventBatches is the number of WriteEvents calls.
	EventBatches int64
	// Closed indicates whether Close was called.
	Closed bool

	// Written stores all written records for inspection.
	Written []*types.EventRecord

	// ErrorOnWrite, if non-nil, is returned by WriteEvents.
	ErrorOnWrite error
}

// NewStubSink creates a new stub sink for testing.
func NewStubSink() *StubSink {
	return &StubSink{}
}

// WriteEvents records the batch without persisting.
func (s *StubSink) WriteEvents(_ context.Context, records []*types.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ErrorOnWrite != nil {
		return s.ErrorOnWrite
	}

	s.EventBatches++
	s.EventsWritten += int64(len(records))
	s.Written = append(s.Written, records...)
	return nil
}

// SetError sets the error returned by subsequent writes.
func (s *StubSink) SetError(err error) {
	s.mu.Lock()
	s.ErrorOnWrite = err
	s.mu.Unlock()
}

// Types returns the event types written, in order.
func (s *StubSink) Types() []types.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.EventType, len(s.Written))
	for i, r := range s.Written {
		out[i] = r.Type
	}
	return out
}

// Close marks the sink as closed.
func (s *StubSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Closed = true
	return nil
}

// Stats returns a snapshot of sink statistics.
func (s *StubSink) Stats() StubSinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return StubSinkStats{
		EventsWritten: s.EventsWritten,
		EventBatches:  s.EventBatches,
		Closed:        s.Closed,
	}
}

// StubSinkStats is a snapshot of StubSink statistics.
type StubSinkStats struct {
	EventsWritten int64
	EventBatches  int64
	Closed        bool
}
