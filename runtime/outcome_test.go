package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/pithecene-io/refinewatch/tracker"
	"github.com/pithecene-io/refinewatch/types"
)

func stateWith(status types.JobStatus, reason types.TerminalReason) tracker.State {
	return tracker.State{Job: &types.Job{ID: "job-1", Status: status, Reason: reason, Error: "boom"}}
}

func TestDetermineOutcome(t *testing.T) {
	tests := []struct {
		name     string
		state    tracker.State
		err      error
		want     OutcomeStatus
		exit     int
		degraded bool
	}{
		{"completed", stateWith(types.JobCompleted, types.ReasonEvent), nil, OutcomeCompleted, 0, false},
		{"completed by marker", stateWith(types.JobCompleted, types.ReasonMarker), nil, OutcomeCompleted, 0, false},
		{"assumed complete", stateWith(types.JobCompleted, types.ReasonAssumedComplete), nil, OutcomeCompleted, 0, true},
		{"errored", stateWith(types.JobErrored, types.ReasonEvent), nil, OutcomeJobError, 1, false},
		{"abandoned", stateWith(types.JobAbandoned, types.ReasonTransportLost), nil, OutcomeTransportFailure, 2, false},
		{"running without terminal", stateWith(types.JobRunning, ""), nil, OutcomeTransportFailure, 2, false},
		{"no job", tracker.State{}, nil, OutcomeTransportFailure, 2, false},
		{
			"policy error wins over completion",
			stateWith(types.JobCompleted, types.ReasonEvent),
			newSessionError(SessionErrorPolicy, "history", errors.New("disk full")),
			OutcomePolicyFailure, 3, false,
		},
		{
			"canceled",
			stateWith(types.JobRunning, ""),
			newSessionError(SessionErrorCanceled, "watch", context.Canceled),
			OutcomeCanceled, 4, false,
		},
		{
			"transport",
			tracker.State{},
			newSessionError(SessionErrorTransport, "start", errors.New("connection refused")),
			OutcomeTransportFailure, 2, false,
		},
		{
			"rejected start",
			tracker.State{},
			newSessionError(SessionErrorJob, "start", errors.New("unexpected status 422")),
			OutcomeJobError, 1, false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetermineOutcome(tt.state, tt.err)
			if got.Status != tt.want {
				t.Errorf("Status = %s, want %s (%s)", got.Status, tt.want, got.Message)
			}
			if got.ExitCode() != tt.exit {
				t.Errorf("ExitCode = %d, want %d", got.ExitCode(), tt.exit)
			}
			if got.Degraded != tt.degraded {
				t.Errorf("Degraded = %v, want %v", got.Degraded, tt.degraded)
			}
		})
	}
}

func TestSessionError_Classification(t *testing.T) {
	err := fmt.Errorf("attempt 2: %w", newSessionError(SessionErrorPolicy, "history", errors.New("x")))

	if !IsPolicyError(err) {
		t.Error("IsPolicyError = false through wrapping")
	}
	if IsJobError(err) || IsTransportError(err) || IsCanceledError(err) {
		t.Error("matched another kind")
	}
	if IsPolicyError(errors.New("plain")) {
		t.Error("plain error classified")
	}
	if got := SessionErrorCanceled.String(); got != "canceled" {
		t.Errorf("String = %q", got)
	}
}
