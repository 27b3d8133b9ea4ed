package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestCollector_IncrementMethods(t *testing.T) {
	c := NewCollector("strict", "fs", "sess-001")

	c.IncJobStarted()
	c.IncJobStarted()
	c.IncJobCompleted()
	c.IncJobErrored()
	c.IncJobAbandoned()
	c.IncJobAssumedComplete()
	c.IncSessionCanceled()
	c.IncResumeOffered()
	c.IncResumeAccepted()
	c.IncEvent("sse")
	c.IncEvent("sse")
	c.IncEvent("socket")
	c.IncEventNoop()
	c.IncSocketUpgrade()
	c.IncSocketFallback()
	c.IncPollRequest()
	c.IncPollRequest()
	c.IncPollRequest()
	c.IncPollFailure()
	c.IncInactivityTimeout()
	c.IncLodeWriteSuccess()
	c.IncLodeWriteSuccess()
	c.IncLodeWriteFailure()
	c.SetJobID("job-9")

	s := c.Snapshot()

	checks := []struct {
		name string
		got  int64
		want int64
	}{
		{"JobsStarted", s.JobsStarted, 2},
		{"JobsCompleted", s.JobsCompleted, 1},
		{"JobsErrored", s.JobsErrored, 1},
		{"JobsAbandoned", s.JobsAbandoned, 1},
		{"JobsAssumedComplete", s.JobsAssumedComplete, 1},
		{"SessionsCanceled", s.SessionsCanceled, 1},
		{"ResumesOffered", s.ResumesOffered, 1},
		{"ResumesAccepted", s.ResumesAccepted, 1},
		{"EventsBySource[sse]", s.EventsBySource["sse"], 2},
		{"EventsBySource[socket]", s.EventsBySource["socket"], 1},
		{"EventsNoop", s.EventsNoop, 1},
		{"SocketUpgrades", s.SocketUpgrades, 1},
		{"SocketFallbacks", s.SocketFallbacks, 1},
		{"PollRequests", s.PollRequests, 3},
		{"PollFailures", s.PollFailures, 1},
		{"InactivityTimeouts", s.InactivityTimeouts, 1},
		{"LodeWriteSuccess", s.LodeWriteSuccess, 2},
		{"LodeWriteFailure", s.LodeWriteFailure, 1},
	}
	for _, ch := range checks {
		if ch.got != ch.want {
			t.Errorf("%s = %d, want %d", ch.name, ch.got, ch.want)
		}
	}

	if s.Policy != "strict" || s.StorageBackend != "fs" || s.SessionID != "sess-001" || s.JobID != "job-9" {
		t.Errorf("dimensions = %q %q %q %q", s.Policy, s.StorageBackend, s.SessionID, s.JobID)
	}
}

func TestCollector_AbsorbStatsAccumulates(t *testing.T) {
	c := NewCollector("buffered", "s3", "sess")

	c.AbsorbPolicyStats(10, 8, 2, map[string]int64{"progress": 2})
	c.AbsorbPolicyStats(5, 5, 0, map[string]int64{"progress": 1, "plan": 1})
	c.AbsorbDecoderStats(3, 7)
	c.AbsorbDecoderStats(1, 1)

	s := c.Snapshot()
	if s.EventsReceived != 15 || s.EventsPersisted != 13 || s.EventsDropped != 2 {
		t.Errorf("history = %d/%d/%d, want 15/13/2", s.EventsReceived, s.EventsPersisted, s.EventsDropped)
	}
	if s.DroppedByType["progress"] != 3 || s.DroppedByType["plan"] != 1 {
		t.Errorf("DroppedByType = %v", s.DroppedByType)
	}
	if s.LinesDropped != 4 || s.Heartbeats != 8 {
		t.Errorf("decoder = %d/%d, want 4/8", s.LinesDropped, s.Heartbeats)
	}
}

func TestCollector_SnapshotIsolation(t *testing.T) {
	c := NewCollector("strict", "fs", "sess")
	c.IncEvent("poll")

	s := c.Snapshot()
	s.EventsBySource["poll"] = 99

	if got := c.Snapshot().EventsBySource["poll"]; got != 1 {
		t.Errorf("EventsBySource[poll] = %d after mutating snapshot, want 1", got)
	}
}

func TestCollector_NilReceiver(t *testing.T) {
	var c *Collector

	c.IncJobStarted()
	c.IncJobCompleted()
	c.IncEvent("sse")
	c.IncPollFailure()
	c.SetJobID("x")
	c.AbsorbPolicyStats(1, 1, 0, nil)
	c.AbsorbDecoderStats(1, 1)

	s := c.Snapshot()
	if s.JobsStarted != 0 {
		t.Errorf("nil collector snapshot = %+v", s)
	}
}

func TestCollector_ConcurrentIncrements(t *testing.T) {
	c := NewCollector("strict", "fs", "sess")

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.IncEvent("sse")
			c.IncPollRequest()
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	if s.EventsBySource["sse"] != 50 || s.PollRequests != 50 {
		t.Errorf("got %d events / %d polls, want 50/50", s.EventsBySource["sse"], s.PollRequests)
	}
}

func TestHandler_ExposesCounters(t *testing.T) {
	c := NewCollector("strict", "fs", "sess-1")
	c.IncJobCompleted()
	c.IncEvent("socket")
	c.AbsorbPolicyStats(2, 1, 1, map[string]int64{"progress": 1})

	h, err := Handler(c)
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`refinewatch_jobs_completed_total{policy="strict",session_id="sess-1",storage_backend="fs"} 1`,
		`refinewatch_events_total{policy="strict",session_id="sess-1",source="socket",storage_backend="fs"} 1`,
		`refinewatch_history_events_dropped_by_type_total{event_type="progress",policy="strict",session_id="sess-1",storage_backend="fs"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q\n%s", want, text)
		}
	}
}
