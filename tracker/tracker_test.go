package tracker

import (
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/refinewatch/types"
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestTracker_ApplyStampsAndPublishes(t *testing.T) {
	tr := New(WithAttempt(2), WithClock(fixedClock))
	feed := tr.Subscribe(8)

	_, ch := tr.Apply(jobEvent("job-1", 3))
	if !ch.NewJob {
		t.Fatal("NewJob not reported")
	}
	tr.Apply(passComplete(1, "text", nil))

	state := tr.State()
	if !state.Job.CreatedAt.Equal(fixedClock()) {
		t.Errorf("CreatedAt = %v, want %v", state.Job.CreatedAt, fixedClock())
	}
	if state.Snapshot == nil || state.Snapshot.Attempt != 2 {
		t.Fatalf("Snapshot = %+v, want attempt 2", state.Snapshot)
	}
	if !state.Snapshot.CapturedAt.Equal(fixedClock()) {
		t.Errorf("CapturedAt = %v", state.Snapshot.CapturedAt)
	}

	first := <-feed.C()
	if first.Event.Type != types.EventTypeJob || !first.Change.NewJob {
		t.Errorf("first update = %+v", first)
	}
	second := <-feed.C()
	if !second.Change.SnapshotChanged {
		t.Errorf("second update change = %+v, want SnapshotChanged", second.Change)
	}
}

func TestTracker_NoopNotPublished(t *testing.T) {
	tr := New()
	feed := tr.Subscribe(4)

	tr.Apply(jobEvent("job-1", 3))
	tr.Apply(jobEvent("job-1", 3))

	<-feed.C()
	select {
	case u := <-feed.C():
		t.Errorf("unexpected update for duplicate: %+v", u)
	default:
	}
}

func TestTracker_SlowFeedDrops(t *testing.T) {
	tr := New()
	slow := tr.Subscribe(1)
	fast := tr.Subscribe(16)

	tr.Apply(jobEvent("job-1", 5))
	for n := 1; n <= 4; n++ {
		tr.Apply(passStart(n))
	}

	if got := slow.Dropped(); got != 4 {
		t.Errorf("slow.Dropped() = %d, want 4", got)
	}
	if got := fast.Dropped(); got != 0 {
		t.Errorf("fast.Dropped() = %d, want 0", got)
	}
	if got := len(fast.C()); got != 5 {
		t.Errorf("fast buffered = %d, want 5", got)
	}
}

func TestTracker_StateIsCopy(t *testing.T) {
	tr := New()
	tr.Apply(jobEvent("job-1", 2))
	tr.Apply(passStart(1))

	s := tr.State()
	s.Job.Status = types.JobCompleted
	delete(s.Passes, 1)

	again := tr.State()
	if again.Job.Status != types.JobRunning {
		t.Errorf("Status = %q, tracker state leaked", again.Job.Status)
	}
	if _, ok := again.Passes[1]; !ok {
		t.Error("pass 1 missing, tracker state leaked")
	}
}

func TestTracker_TakeSnapshot(t *testing.T) {
	tr := New()
	tr.Apply(jobEvent("job-1", 5))
	tr.Apply(passComplete(2, "pass two", nil))

	snap := tr.TakeSnapshot()
	if snap == nil || snap.Pass != 2 {
		t.Fatalf("TakeSnapshot = %+v, want pass 2", snap)
	}
	if tr.TakeSnapshot() != nil {
		t.Error("snapshot not consumed")
	}
}

func TestTracker_StartPassCarriedIntoSnapshot(t *testing.T) {
	tr := New(WithAttempt(2), WithStartPass(3), WithStartPass(0))
	tr.Apply(jobEvent("job-2", 2))
	tr.Apply(passComplete(3, "pass three", nil))

	snap := tr.TakeSnapshot()
	if snap == nil || snap.Pass != 3 || snap.TotalPasses != 4 || snap.Attempt != 2 {
		t.Fatalf("TakeSnapshot = %+v, want pass 3 of 4 on attempt 2", snap)
	}
}

func TestTracker_UnsubscribeAndClose(t *testing.T) {
	tr := New()
	a := tr.Subscribe(1)
	b := tr.Subscribe(1)

	tr.Unsubscribe(a)
	tr.Unsubscribe(a)
	if _, ok := <-a.C(); ok {
		t.Error("unsubscribed feed still open")
	}

	tr.Close()
	if _, ok := <-b.C(); ok {
		t.Error("feed still open after Close")
	}

	late := tr.Subscribe(1)
	if _, ok := <-late.C(); ok {
		t.Error("feed from closed tracker is open")
	}

	// Apply keeps folding after Close.
	tr.Apply(jobEvent("job-1", 1))
	if tr.State().JobID() != "job-1" {
		t.Error("Apply after Close did not fold")
	}
}

func TestTracker_ConcurrentApply(t *testing.T) {
	tr := New()
	tr.Apply(jobEvent("job-1", 20))

	var wg sync.WaitGroup
	for _, src := range []types.Source{types.SourceSSE, types.SourceSocket, types.SourcePoll} {
		wg.Add(1)
		go func(src types.Source) {
			defer wg.Done()
			for n := 1; n <= 20; n++ {
				ev := passComplete(n, "", &types.Cost{Tokens: 1})
				ev.Source = src
				tr.Apply(ev)
			}
		}(src)
	}
	wg.Wait()

	s := tr.State()
	if s.Usage.Tokens != 20 {
		t.Errorf("Usage.Tokens = %d, want 20", s.Usage.Tokens)
	}
	if s.CompletedPasses() != 20 {
		t.Errorf("CompletedPasses = %d, want 20", s.CompletedPasses())
	}
}
