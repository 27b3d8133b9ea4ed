package cmd

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pithecene-io/refinewatch/runtime"
	"github.com/pithecene-io/refinewatch/tracker"
	"github.com/pithecene-io/refinewatch/types"
)

// linePrinter writes one line per milestone of each attempt.
type linePrinter struct {
	w  io.Writer
	wg sync.WaitGroup
}

func newLinePrinter(w io.Writer) *linePrinter {
	return &linePrinter{w: w}
}

// Attach subscribes to an attempt's tracker.
func (p *linePrinter) Attach(meta types.SessionMeta, trk *tracker.Tracker) {
	feed := trk.Subscribe(256)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for u := range feed.C() {
			if line := milestone(meta, u); line != "" {
				fmt.Fprintln(p.w, line)
			}
		}
	}()
}

// Wait blocks until every attached feed drained.
func (p *linePrinter) Wait() {
	p.wg.Wait()
}

// milestone describes an update worth a line, or returns "".
func milestone(meta types.SessionMeta, u tracker.Update) string {
	s := u.State
	switch {
	case u.Change.NewJob:
		if meta.Attempt > 1 {
			return fmt.Sprintf("job %s started (attempt %d, %d passes)", s.JobID(), meta.Attempt, s.TargetPasses())
		}
		return fmt.Sprintf("job %s started (%d passes)", s.JobID(), s.TargetPasses())
	case u.Change.Terminal:
		job := s.Job
		switch job.Status {
		case types.JobErrored:
			return fmt.Sprintf("job %s errored: %s", job.ID, job.Error)
		case types.JobAbandoned:
			return fmt.Sprintf("job %s abandoned: %s", job.ID, job.Error)
		}
		if job.Reason == types.ReasonAssumedComplete {
			return fmt.Sprintf("job %s assumed complete", job.ID)
		}
		return fmt.Sprintf("job %s completed", job.ID)
	case u.Event.Type == types.EventTypePassComplete:
		return fmt.Sprintf("pass %d/%d completed", u.Event.Pass, s.TargetPasses())
	case u.Event.Type == types.EventTypeEarlyStop:
		return fmt.Sprintf("stopping early after pass %d", u.Event.Pass)
	default:
		return ""
	}
}

func printSessionReport(w io.Writer, report *runtime.SessionReport) {
	fmt.Fprintf(w, "\nsession_id=%s, attempt=%d, outcome=%s, duration=%s\n",
		report.SessionID,
		report.Attempt,
		report.Outcome,
		(time.Duration(report.DurationMs) * time.Millisecond).Round(time.Millisecond),
	)

	fmt.Fprintf(w, "\n=== Session Result ===\n")
	if report.JobID != "" {
		fmt.Fprintf(w, "Job ID:       %s\n", report.JobID)
	}
	if report.ParentJobID != "" {
		fmt.Fprintf(w, "Parent Job:   %s\n", report.ParentJobID)
	}
	fmt.Fprintf(w, "File ID:      %s\n", report.FileID)
	fmt.Fprintf(w, "Outcome:      %s\n", report.Outcome)
	fmt.Fprintf(w, "Message:      %s\n", report.Message)
	fmt.Fprintf(w, "Tier:         %s\n", report.Tier)
	fmt.Fprintf(w, "Events:       %d\n", report.EventCount)

	if job := report.Job; job != nil {
		fmt.Fprintf(w, "\n=== Job ===\n")
		fmt.Fprintf(w, "Status:       %s\n", job.Status)
		fmt.Fprintf(w, "Passes:       %d / %d\n", job.PassesCompleted, job.TotalPasses)
		fmt.Fprintf(w, "Tokens:       %d\n", job.Usage.Tokens)
		fmt.Fprintf(w, "Cost:         %.4f\n", job.Usage.Cost)
		if job.Error != "" {
			fmt.Fprintf(w, "Error:        %s\n", job.Error)
		}
	}

	if len(report.Attempts) > 1 {
		fmt.Fprintf(w, "\n=== Attempts ===\n")
		for _, a := range report.Attempts {
			fmt.Fprintf(w, "  %d  %-12s %-10s events=%d\n", a.Attempt, a.JobID, a.Status, a.Events)
		}
	}

	if p := report.Policy; p != nil {
		fmt.Fprintf(w, "\n=== History ===\n")
		fmt.Fprintf(w, "Policy:           %s\n", p.Name)
		fmt.Fprintf(w, "Events Received:  %d\n", p.EventsReceived)
		fmt.Fprintf(w, "Events Persisted: %d\n", p.EventsPersisted)
		fmt.Fprintf(w, "Events Dropped:   %d\n", p.EventsDropped)
	}
}
