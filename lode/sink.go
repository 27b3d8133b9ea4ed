// Package lode records job event history in a Lode dataset.
//
// Records are Hive-partitioned by file_id/day/job_id/event_type, so the
// history of one job, or one event type across jobs of a file, can be read
// without scanning the whole dataset.
package lode

import (
	"context"
	"time"

	"github.com/pithecene-io/refinewatch/policy"
	"github.com/pithecene-io/refinewatch/types"
)

// DefaultDataset is the dataset ID used for event history.
const DefaultDataset = "refinewatch"

// partitionKeys is the Hive layout shared by the write and read paths.
var partitionKeys = []string{"file_id", "day", "job_id", "event_type"}

// DeriveDay computes the partition day from a timestamp.
// Format: YYYY-MM-DD in UTC.
func DeriveDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Config holds history sink configuration.
type Config struct {
	// Dataset is the Lode dataset ID (default "refinewatch").
	Dataset string
	// FileID is the fallback file partition for records that carry none.
	FileID string
	// Day is the partition day, fixed at session start (YYYY-MM-DD UTC).
	Day string
	// Policy is recorded with session metrics.
	Policy string
	// StorageBackend is recorded with session metrics ("fs" or "s3").
	StorageBackend string
}

// Client abstracts the Lode storage client.
type Client interface {
	// WriteEvents writes a batch of records in order.
	WriteEvents(ctx context.Context, records []*types.EventRecord) error

	// Close releases client resources.
	Close() error
}

// Sink is a Lode-backed implementation of policy.Sink.
type Sink struct {
	client Client
}

// NewSink creates a new history sink.
func NewSink(client Client) *Sink {
	return &Sink{client: client}
}

// WriteEvents implements policy.Sink.
func (s *Sink) WriteEvents(ctx context.Context, records []*types.EventRecord) error {
	return s.client.WriteEvents(ctx, records)
}

// Close implements policy.Sink.
func (s *Sink) Close() error {
	return s.client.Close()
}

var _ policy.Sink = (*Sink)(nil)

// StubClient records writes without persisting.
type StubClient struct {
	Batches [][]*types.EventRecord
	Closed  bool
}

// NewStubClient creates a new stub client.
func NewStubClient() *StubClient {
	return &StubClient{}
}

// WriteEvents implements Client.
func (c *StubClient) WriteEvents(_ context.Context, records []*types.EventRecord) error {
	c.Batches = append(c.Batches, records)
	return nil
}

// Close implements Client.
func (c *StubClient) Close() error {
	c.Closed = true
	return nil
}

var _ Client = (*StubClient)(nil)
