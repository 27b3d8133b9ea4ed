package lode

import (
	"context"
	"errors"
	"testing"

	"github.com/pithecene-io/refinewatch/metrics"
	"github.com/pithecene-io/refinewatch/types"
)

type failingClient struct {
	err error
}

func (c *failingClient) WriteEvents(context.Context, []*types.EventRecord) error { return c.err }
func (c *failingClient) Close() error                                            { return nil }

func TestSink_DelegatesToClient(t *testing.T) {
	client := NewStubClient()
	sink := NewSink(client)

	rec := testRecord("job-1", 1, 1, types.Event{Type: types.EventTypeJob})
	if err := sink.WriteEvents(t.Context(), []*types.EventRecord{rec}); err != nil {
		t.Fatalf("WriteEvents failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(client.Batches) != 1 || client.Batches[0][0] != rec {
		t.Errorf("batches = %v", client.Batches)
	}
	if !client.Closed {
		t.Error("client not closed")
	}
}

func TestInstrumentedSink_CountsOutcomes(t *testing.T) {
	collector := metrics.NewCollector("strict", "fs", "sess-1")
	batch := []*types.EventRecord{testRecord("job-1", 1, 1, types.Event{Type: types.EventTypeJob})}

	ok := NewInstrumentedSink(NewSink(NewStubClient()), collector)
	_ = ok.WriteEvents(t.Context(), batch)
	_ = ok.WriteEvents(t.Context(), batch)

	writeErr := NewStorageError(ErrDiskFull, "write", "refinewatch", errors.New("ENOSPC"))
	bad := NewInstrumentedSink(NewSink(&failingClient{err: writeErr}), collector)
	if err := bad.WriteEvents(t.Context(), batch); !errors.Is(err, ErrDiskFull) {
		t.Errorf("err = %v, want ErrDiskFull", err)
	}

	snap := collector.Snapshot()
	if snap.LodeWriteSuccess != 2 || snap.LodeWriteFailure != 1 {
		t.Errorf("success=%d failure=%d, want 2/1", snap.LodeWriteSuccess, snap.LodeWriteFailure)
	}
}

func TestInstrumentedSink_NilCollector(t *testing.T) {
	sink := NewInstrumentedSink(NewSink(NewStubClient()), nil)
	if err := sink.WriteEvents(t.Context(), nil); err != nil {
		t.Fatalf("WriteEvents failed: %v", err)
	}
}
