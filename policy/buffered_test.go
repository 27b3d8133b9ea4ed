package policy_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/pithecene-io/refinewatch/policy"
	"github.com/pithecene-io/refinewatch/types"
)

// helper to create policy or fail test
func mustNewBufferedPolicy(t *testing.T, sink policy.Sink, config policy.BufferedConfig) *policy.BufferedPolicy {
	t.Helper()
	pol, err := policy.NewBufferedPolicy(sink, config)
	if err != nil {
		t.Fatalf("NewBufferedPolicy failed: %v", err)
	}
	return pol
}

func TestNewBufferedPolicy_RequiresLimit(t *testing.T) {
	_, err := policy.NewBufferedPolicy(policy.NewStubSink(), policy.BufferedConfig{})
	if !errors.Is(err, policy.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestBufferedPolicy_BuffersUntilFlush(t *testing.T) {
	sink := policy.NewStubSink()
	pol := mustNewBufferedPolicy(t, sink, policy.BufferedConfig{MaxBufferEvents: 10})

	for i := int64(1); i <= 5; i++ {
		if err := pol.IngestEvent(t.Context(), record(i, types.EventTypePassStart)); err != nil {
			t.Fatalf("IngestEvent: %v", err)
		}
	}
	if sink.Stats().EventsWritten != 0 {
		t.Fatalf("sink written before flush: %d", sink.Stats().EventsWritten)
	}
	if pol.Pending() != 5 {
		t.Fatalf("Pending = %d, want 5", pol.Pending())
	}

	if err := pol.Flush(t.Context()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	ss := sink.Stats()
	if ss.EventsWritten != 5 || ss.EventBatches != 1 {
		t.Errorf("sink = %+v, want 5 records in 1 batch", ss)
	}
	for i, rec := range sink.Written {
		if rec.Seq != int64(i+1) {
			t.Errorf("record %d has seq %d", i, rec.Seq)
		}
	}
	stats := pol.Stats()
	if stats.EventsPersisted != 5 || stats.BufferSize != 0 || pol.Pending() != 0 {
		t.Errorf("stats = %+v, pending = %d", stats, pol.Pending())
	}
}

func TestBufferedPolicy_DropsIncomingDroppableWhenFull(t *testing.T) {
	sink := policy.NewStubSink()
	pol := mustNewBufferedPolicy(t, sink, policy.BufferedConfig{MaxBufferEvents: 2})

	_ = pol.IngestEvent(t.Context(), record(1, types.EventTypeJob))
	_ = pol.IngestEvent(t.Context(), record(2, types.EventTypePassStart))

	if err := pol.IngestEvent(t.Context(), record(3, types.EventTypeProgress)); err != nil {
		t.Fatalf("droppable ingest failed: %v", err)
	}

	stats := pol.Stats()
	if stats.EventsDropped != 1 || stats.DroppedByType[types.EventTypeProgress] != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if pol.Pending() != 2 {
		t.Errorf("Pending = %d, want 2", pol.Pending())
	}
}

func TestBufferedPolicy_EvictsOldestDroppable(t *testing.T) {
	sink := policy.NewStubSink()
	pol := mustNewBufferedPolicy(t, sink, policy.BufferedConfig{MaxBufferEvents: 3})

	_ = pol.IngestEvent(t.Context(), record(1, types.EventTypeJob))
	_ = pol.IngestEvent(t.Context(), record(2, types.EventTypeStageUpdate))
	_ = pol.IngestEvent(t.Context(), record(3, types.EventTypeProgress))

	if err := pol.IngestEvent(t.Context(), record(4, types.EventTypePassComplete)); err != nil {
		t.Fatalf("non-droppable ingest failed: %v", err)
	}
	if err := pol.Flush(t.Context()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := sink.Types()
	want := []types.EventType{types.EventTypeJob, types.EventTypeProgress, types.EventTypePassComplete}
	if len(got) != len(want) {
		t.Fatalf("written = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("written[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if pol.Stats().DroppedByType[types.EventTypeStageUpdate] != 1 {
		t.Errorf("DroppedByType = %v", pol.Stats().DroppedByType)
	}
}

func TestBufferedPolicy_FullOfNonDroppableFails(t *testing.T) {
	pol := mustNewBufferedPolicy(t, policy.NewStubSink(), policy.BufferedConfig{MaxBufferEvents: 2})

	_ = pol.IngestEvent(t.Context(), record(1, types.EventTypeJob))
	_ = pol.IngestEvent(t.Context(), record(2, types.EventTypePassStart))

	err := pol.IngestEvent(t.Context(), record(3, types.EventTypeComplete))
	if !errors.Is(err, policy.ErrBufferFull) {
		t.Fatalf("err = %v, want ErrBufferFull", err)
	}
	if pol.Stats().Errors != 1 {
		t.Errorf("Errors = %d, want 1", pol.Stats().Errors)
	}
}

func TestBufferedPolicy_ByteLimitCountsOutputText(t *testing.T) {
	pol := mustNewBufferedPolicy(t, policy.NewStubSink(), policy.BufferedConfig{MaxBufferBytes: 2000})

	big := record(1, types.EventTypePassComplete)
	big.Event.TextContent = strings.Repeat("x", 1500)
	if err := pol.IngestEvent(t.Context(), big); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if got := pol.Stats().BufferSize; got != 1700 {
		t.Errorf("BufferSize = %d, want 1700", got)
	}

	second := record(2, types.EventTypePassComplete)
	second.Event.TextContent = strings.Repeat("y", 500)
	if err := pol.IngestEvent(t.Context(), second); !errors.Is(err, policy.ErrBufferFull) {
		t.Fatalf("err = %v, want ErrBufferFull", err)
	}
}

func TestBufferedPolicy_FailedFlushKeepsOrder(t *testing.T) {
	sink := policy.NewStubSink()
	pol := mustNewBufferedPolicy(t, sink, policy.BufferedConfig{MaxBufferEvents: 10})

	_ = pol.IngestEvent(t.Context(), record(1, types.EventTypeJob))
	_ = pol.IngestEvent(t.Context(), record(2, types.EventTypePassStart))

	sink.SetError(errors.New("unavailable"))
	if err := pol.Flush(t.Context()); err == nil {
		t.Fatal("expected flush error")
	}
	if pol.Pending() != 2 {
		t.Fatalf("Pending = %d after failed flush, want 2", pol.Pending())
	}

	_ = pol.IngestEvent(t.Context(), record(3, types.EventTypeComplete))
	sink.SetError(nil)
	if err := pol.Flush(t.Context()); err != nil {
		t.Fatalf("retry flush: %v", err)
	}

	if len(sink.Written) != 3 {
		t.Fatalf("written %d records, want 3", len(sink.Written))
	}
	for i, rec := range sink.Written {
		if rec.Seq != int64(i+1) {
			t.Errorf("written[%d].Seq = %d", i, rec.Seq)
		}
	}
	stats := pol.Stats()
	if stats.Errors != 1 || stats.FlushCount != 2 || stats.EventsPersisted != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestBufferedPolicy_CloseFlushes(t *testing.T) {
	sink := policy.NewStubSink()
	pol := mustNewBufferedPolicy(t, sink, policy.DefaultBufferedConfig())

	_ = pol.IngestEvent(t.Context(), record(1, types.EventTypeJob))
	if err := pol.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ss := sink.Stats()
	if ss.EventsWritten != 1 || !ss.Closed {
		t.Errorf("sink = %+v", ss)
	}
}

func BenchmarkBufferedPolicy_Ingest(b *testing.B) {
	pol, err := policy.NewBufferedPolicy(policy.NewStubSink(), policy.BufferedConfig{MaxBufferEvents: 1 << 20})
	if err != nil {
		b.Fatal(err)
	}
	rec := record(1, types.EventTypeProgress)
	ctx := b.Context()

	b.ReportAllocs()
	for b.Loop() {
		if err := pol.IngestEvent(ctx, rec); err != nil {
			b.Fatal(err)
		}
	}
}
