package policy

import (
	"context"

	"github.com/pithecene-io/refinewatch/types"
)

// NoopPolicy accepts all records without persisting them. It is used when
// history is disabled.
//
// Stats keep droppable vs non-droppable semantics:
//   - Droppable records are counted as dropped
//   - Non-droppable records are counted as persisted
type NoopPolicy struct {
	stats *statsRecorder
}

// NewNoopPolicy creates a new no-op policy.
func NewNoopPolicy() *NoopPolicy {
	return &NoopPolicy{stats: newStatsRecorder()}
}

// IngestEvent accepts the record but does not persist it.
func (p *NoopPolicy) IngestEvent(_ context.Context, rec *types.EventRecord) error {
	p.stats.incTotalEvents()
	if IsDroppable(rec.Type) {
		p.stats.incEventsDropped(rec.Type)
	} else {
		p.stats.incEventsPersisted(1)
	}
	return nil
}

// Flush is a no-op.
func (p *NoopPolicy) Flush(_ context.Context) error {
	p.stats.incFlush()
	return nil
}

// Close is a no-op.
func (p *NoopPolicy) Close() error {
	return nil
}

// Stats returns the policy statistics.
func (p *NoopPolicy) Stats() Stats {
	return p.stats.snapshot()
}
