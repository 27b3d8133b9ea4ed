package lode

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/refinewatch/metrics"
	"github.com/pithecene-io/refinewatch/types"
)

// ErrClientClosed is returned by writes after Close.
var ErrClientClosed = errors.New("lode client closed")

// LodeClient is a Lode-backed implementation of Client.
// Uses Lode's HiveLayout with partition keys: file_id/day/job_id/event_type.
type LodeClient struct {
	dataset lode.Dataset
	config  Config

	mu     sync.Mutex // serializes writes
	closed bool
}

// NewLodeClient creates a new Lode client with filesystem storage.
// The root parameter is the base directory for Hive-partitioned storage.
func NewLodeClient(cfg Config, root string) (*LodeClient, error) {
	return NewLodeClientWithFactory(cfg, lode.NewFSFactory(root))
}

// NewLodeClientWithFactory creates a new Lode client with a custom store factory.
// Use lode.NewMemoryFactory() for testing.
func NewLodeClientWithFactory(cfg Config, factory lode.StoreFactory) (*LodeClient, error) {
	if cfg.Dataset == "" {
		cfg.Dataset = DefaultDataset
	}
	if cfg.Day == "" {
		cfg.Day = DeriveDay(time.Now())
	}
	ds, err := newDataset(cfg.Dataset, factory)
	if err != nil {
		return nil, WrapInitError(err, cfg.Dataset)
	}
	return &LodeClient{dataset: ds, config: cfg}, nil
}

func newDataset(dataset string, factory lode.StoreFactory) (lode.Dataset, error) {
	return lode.NewDataset(
		lode.DatasetID(dataset),
		factory,
		lode.WithHiveLayout(partitionKeys...),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

// Config returns the client configuration with defaults applied.
func (c *LodeClient) Config() Config {
	return c.config
}

// WriteEvents writes a batch of applied events as one snapshot.
// Each record lands in its file_id/day/job_id/event_type partition.
func (c *LodeClient) WriteEvents(ctx context.Context, records []*types.EventRecord) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, toEventRecordMap(r, c.config))
	}
	return c.write(ctx, rows)
}

// WriteMetrics writes a session metrics snapshot to the event_type=metrics
// partition of the session's job.
func (c *LodeClient) WriteMetrics(ctx context.Context, snap metrics.Snapshot, fileID string, completedAt time.Time) error {
	if snap.Policy == "" {
		snap.Policy = c.config.Policy
	}
	if snap.StorageBackend == "" {
		snap.StorageBackend = c.config.StorageBackend
	}
	return c.write(ctx, []any{toMetricsRecordMap(snap, c.config, fileID, completedAt)})
}

func (c *LodeClient) write(ctx context.Context, rows []any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if _, err := c.dataset.Write(ctx, rows, lode.Metadata{}); err != nil {
		return WrapWriteError(err, c.config.Dataset)
	}
	return nil
}

// Close releases client resources. Later writes fail with ErrClientClosed.
func (c *LodeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Verify LodeClient implements Client.
var _ Client = (*LodeClient)(nil)
