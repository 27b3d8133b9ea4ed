package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pithecene-io/refinewatch/adapter"
	"github.com/pithecene-io/refinewatch/iox"
)

func testEvent() *adapter.JobFinishedEvent {
	return &adapter.JobFinishedEvent{
		ContractVersion: "0.3.0",
		EventType:       adapter.EventTypeJobFinished,
		SessionID:       "sess-001",
		JobID:           "job-002",
		ParentJobID:     "job-001",
		FileID:          "file-001",
		Attempt:         2,
		Status:          "errored",
		Outcome:         "job_error",
		Error:           "model overloaded",
		PassesCompleted: 1,
		TotalPasses:     3,
		Timestamp:       "2026-10-01T12:00:00Z",
		DurationMs:      1500,
		EventCount:      12,
	}
}

// receiver answers successive posts with codes; the last code repeats.
func receiver(t *testing.T, codes ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var posts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := int(posts.Add(1))
		w.WriteHeader(codes[min(n, len(codes))-1])
	}))
	t.Cleanup(ts.Close)
	return ts, &posts
}

func TestPublish_DeliversEvent(t *testing.T) {
	var (
		received adapter.JobFinishedEvent
		header   http.Header
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		header = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	a, err := New(Config{
		URL:     ts.URL,
		Headers: map[string]string{"Authorization": "Bearer test-token", "Content-Type": "text/plain"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer iox.DiscardClose(a)

	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got := header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := header.Get(EventHeader); got != adapter.EventTypeJobFinished {
		t.Errorf("%s = %q", EventHeader, got)
	}
	if got := header.Get("Authorization"); got != "Bearer test-token" {
		t.Errorf("Authorization = %q", got)
	}
	if received.JobID != "job-002" || received.ParentJobID != "job-001" {
		t.Errorf("lineage = %s <- %s", received.JobID, received.ParentJobID)
	}
	if received.Outcome != "job_error" || received.Error != "model overloaded" {
		t.Errorf("outcome = %s (%s)", received.Outcome, received.Error)
	}
}

func TestPublish_StatusHandling(t *testing.T) {
	tests := []struct {
		name      string
		codes     []int
		retries   int
		wantPosts int32
		wantErr   bool
	}{
		{"created", []int{201}, 3, 1, false},
		{"accepted", []int{202}, 3, 1, false},
		{"recovers after 5xx", []int{500, 503, 200}, 3, 3, false},
		{"5xx exhausts retries", []int{502}, 2, 3, true},
		{"bad request is final", []int{400}, 3, 1, true},
		{"unauthorized is final", []int{401}, 3, 1, true},
		{"not found is final", []int{404}, 3, 1, true},
		{"no retries", []int{500}, 0, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, posts := receiver(t, tt.codes...)
			a, err := New(Config{URL: ts.URL, Retries: tt.retries, Timeout: 5 * time.Second})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer iox.DiscardClose(a)

			err = a.Publish(t.Context(), testEvent())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Publish err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := posts.Load(); got != tt.wantPosts {
				t.Errorf("posts = %d, want %d", got, tt.wantPosts)
			}
			var se *StatusError
			if tt.wantErr && !errors.As(err, &se) {
				t.Errorf("err = %v, want a StatusError in the chain", err)
			}
		})
	}
}

func TestPublish_ContextCanceled(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	a, err := New(Config{URL: ts.URL, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer iox.DiscardClose(a)

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	if err := a.Publish(ctx, testEvent()); err == nil {
		t.Fatal("expected error on canceled context")
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty URL")
	}
	if _, err := New(Config{URL: "http://hooks.local", Retries: -1}); err == nil {
		t.Error("expected error for negative retries")
	}

	a, err := New(Config{URL: "http://hooks.local", Retries: 5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.config.Timeout != DefaultTimeout || a.config.Retries != 5 {
		t.Errorf("config = %+v", a.config)
	}
}
