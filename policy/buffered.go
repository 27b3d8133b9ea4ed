package policy

import (
	"context"
	"errors"
	"sync"

	"github.com/pithecene-io/refinewatch/log"
	"github.com/pithecene-io/refinewatch/types"
)

// BufferedConfig configures a BufferedPolicy.
type BufferedConfig struct {
	// MaxBufferEvents is the maximum number of records to buffer.
	// Zero means no limit (use MaxBufferBytes instead).
	MaxBufferEvents int

	// MaxBufferBytes is the maximum buffer size in bytes (estimated).
	// Zero means no limit (use MaxBufferEvents instead).
	// At least one limit must be set.
	MaxBufferBytes int64

	// Logger is an optional logger for drop and flush reporting.
	Logger *log.Logger
}

// DefaultBufferedConfig returns sensible defaults for buffered policy.
func DefaultBufferedConfig() BufferedConfig {
	return BufferedConfig{
		MaxBufferEvents: 1000,
		MaxBufferBytes:  10 * 1024 * 1024, // 10 MB
	}
}

// ErrBufferFull is returned when the buffer is full and the record is
// non-droppable.
var ErrBufferFull = errors.New("buffer full: cannot accept non-droppable event")

// ErrInvalidConfig is returned when BufferedConfig is invalid.
var ErrInvalidConfig = errors.New("invalid config: at least one of MaxBufferEvents or MaxBufferBytes must be set")

// BufferedPolicy implements buffered persistence with drop rules.
//
//   - Bounded buffer with explicit limits
//   - May drop: progress, plan, stage_update
//   - Batch writes on flush, in delivery order
//   - A failed flush keeps the whole buffer (at-least-once)
type BufferedPolicy struct {
	sink   Sink
	config BufferedConfig
	logger *log.Logger

	mu          sync.Mutex // guards buffer state only
	buffer      []*types.EventRecord
	bufferBytes int64
	stats       *statsRecorder
}

// NewBufferedPolicy creates a new buffered policy.
func NewBufferedPolicy(sink Sink, config BufferedConfig) (*BufferedPolicy, error) {
	if config.MaxBufferEvents <= 0 && config.MaxBufferBytes <= 0 {
		return nil, ErrInvalidConfig
	}

	return &BufferedPolicy{
		sink:   sink,
		config: config,
		logger: config.Logger,
		buffer: make([]*types.EventRecord, 0, min(max(config.MaxBufferEvents, 100), 1000)),
		stats:  newStatsRecorder(),
	}, nil
}

// IngestEvent buffers the record, applying drop rules if the buffer is full.
//
// Drop strategy when full:
//   - droppable incoming record: drop it
//   - non-droppable and the buffer holds a droppable record: evict the oldest
//     droppable
//   - otherwise: ErrBufferFull
func (p *BufferedPolicy) IngestEvent(_ context.Context, rec *types.EventRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.incTotalEventsLocked()

	size := estimateRecordSize(rec)

	if p.hasRoomForEvent(size) {
		p.appendRecord(rec, size)
		return nil
	}

	if IsDroppable(rec.Type) {
		p.stats.incEventsDroppedLocked(rec.Type)
		p.logDrop(rec.Type, "buffer_full")
		return nil
	}

	// Evict until there is room or nothing droppable is left.
	for p.dropOldestDroppable() {
		if p.hasRoomForEvent(size) {
			p.appendRecord(rec, size)
			return nil
		}
	}

	p.stats.incErrorsLocked()
	p.logBufferOverflow(rec.Type)
	return ErrBufferFull
}

// appendRecord adds a record to the buffer. Caller must hold mu.
func (p *BufferedPolicy) appendRecord(rec *types.EventRecord, size int64) {
	p.buffer = append(p.buffer, rec)
	p.bufferBytes += size
	p.stats.setBufferSizeLocked(p.bufferBytes)
}

// Flush writes all buffered records to the sink. On failure the batch is
// put back ahead of anything ingested during the write (at-least-once).
func (p *BufferedPolicy) Flush(ctx context.Context) error {
	p.mu.Lock()
	p.stats.incFlushLocked()
	batch := p.buffer
	p.buffer = make([]*types.EventRecord, 0, cap(batch))
	p.recalculateBufferBytes()
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := p.sink.WriteEvents(ctx, batch); err != nil {
		p.mu.Lock()
		p.stats.incErrorsLocked()
		p.buffer = append(batch, p.buffer...)
		p.recalculateBufferBytes()
		p.mu.Unlock()
		p.logFlushFailure(err)
		return err
	}

	p.mu.Lock()
	p.stats.incEventsPersistedLocked(int64(len(batch)))
	p.mu.Unlock()

	return nil
}

// recalculateBufferBytes recalculates bufferBytes from the buffer.
// Caller must hold mu.
func (p *BufferedPolicy) recalculateBufferBytes() {
	var total int64
	for _, rec := range p.buffer {
		total += estimateRecordSize(rec)
	}
	p.bufferBytes = total
	p.stats.setBufferSizeLocked(p.bufferBytes)
}

// Close flushes remaining data and closes the sink.
func (p *BufferedPolicy) Close() error {
	// Best-effort flush on close
	_ = p.Flush(context.Background())
	return p.sink.Close()
}

// Stats returns an atomic snapshot of policy statistics.
func (p *BufferedPolicy) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.stats.snapshotLocked(p.bufferBytes)
}

// Pending returns the number of buffered records.
func (p *BufferedPolicy) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

func (p *BufferedPolicy) hasRoomForEvent(size int64) bool {
	if p.config.MaxBufferEvents > 0 && len(p.buffer) >= p.config.MaxBufferEvents {
		return false
	}
	return p.config.MaxBufferBytes <= 0 || p.bufferBytes+size <= p.config.MaxBufferBytes
}

// dropOldestDroppable removes the oldest droppable record from the buffer.
// Caller must hold mu.
func (p *BufferedPolicy) dropOldestDroppable() bool {
	for i, rec := range p.buffer {
		if !IsDroppable(rec.Type) {
			continue
		}
		p.buffer = append(p.buffer[:i], p.buffer[i+1:]...)
		p.bufferBytes -= estimateRecordSize(rec)
		p.stats.setBufferSizeLocked(p.bufferBytes)
		p.stats.incEventsDroppedLocked(rec.Type)
		p.logDrop(rec.Type, "evicted_for_non_droppable")
		return true
	}
	return false
}

// estimateRecordSize returns a rough size in bytes for buffer accounting.
// Pass output text dominates.
func estimateRecordSize(rec *types.EventRecord) int64 {
	size := int64(200)
	ev := rec.Event
	size += int64(len(ev.TextContent) + len(ev.Message) + len(ev.Detail) + len(ev.OutputPath))
	size += int64(len(ev.Stages) * 16)
	if ev.Metrics != nil {
		size += int64(len(ev.Metrics.DetectionRisk) * 32)
	}
	return size
}

func (p *BufferedPolicy) logDrop(eventType types.EventType, reason string) {
	if p.logger == nil {
		return
	}
	p.logger.Warn("event dropped", map[string]any{
		"event_type": string(eventType),
		"reason":     reason,
		"policy":     "buffered",
	})
}

func (p *BufferedPolicy) logBufferOverflow(eventType types.EventType) {
	if p.logger == nil {
		return
	}
	p.logger.Error("buffer overflow", map[string]any{
		"event_type": string(eventType),
		"policy":     "buffered",
	})
}

func (p *BufferedPolicy) logFlushFailure(err error) {
	if p.logger == nil {
		return
	}
	p.logger.Error("flush failed", map[string]any{
		"error":  err.Error(),
		"policy": "buffered",
	})
}
