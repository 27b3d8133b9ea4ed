package runtime

import (
	"fmt"

	"github.com/pithecene-io/refinewatch/tracker"
	"github.com/pithecene-io/refinewatch/types"
)

// Process exit codes.
const (
	ExitCodeCompleted        = 0 // job completed (possibly assumed)
	ExitCodeJobError         = 1 // job errored and was not resumed to completion
	ExitCodeTransportFailure = 2 // every delivery tier exhausted
	ExitCodePolicyFailure    = 3 // history could not be recorded
	ExitCodeCanceled         = 4 // canceled locally
)

// OutcomeStatus is the session outcome category.
type OutcomeStatus string

const (
	OutcomeCompleted        OutcomeStatus = "completed"
	OutcomeJobError         OutcomeStatus = "job_error"
	OutcomeTransportFailure OutcomeStatus = "transport_failure"
	OutcomePolicyFailure    OutcomeStatus = "policy_failure"
	OutcomeCanceled         OutcomeStatus = "canceled"
)

// Outcome is the classified result of a session.
type Outcome struct {
	Status  OutcomeStatus
	Message string
	// Degraded is set when completion was assumed by the stuck-job watchdog.
	Degraded bool
}

// ExitCode maps the outcome to the process exit code.
func (o *Outcome) ExitCode() int {
	switch o.Status {
	case OutcomeCompleted:
		return ExitCodeCompleted
	case OutcomeJobError:
		return ExitCodeJobError
	case OutcomeTransportFailure:
		return ExitCodeTransportFailure
	case OutcomePolicyFailure:
		return ExitCodePolicyFailure
	case OutcomeCanceled:
		return ExitCodeCanceled
	default:
		return ExitCodeJobError
	}
}

// DetermineOutcome classifies the final attempt.
//
// A session error is authoritative: policy and cancellation failures win
// over whatever the job reached. Otherwise the job status decides; a job
// that never reached a terminal status is a transport failure.
func DetermineOutcome(s tracker.State, err error) *Outcome {
	switch {
	case IsPolicyError(err):
		return &Outcome{Status: OutcomePolicyFailure, Message: fmt.Sprintf("history policy failure: %v", err)}
	case IsCanceledError(err):
		return &Outcome{Status: OutcomeCanceled, Message: "session canceled"}
	case IsTransportError(err):
		return &Outcome{Status: OutcomeTransportFailure, Message: fmt.Sprintf("transport failure: %v", err)}
	case IsJobError(err):
		return &Outcome{Status: OutcomeJobError, Message: err.Error()}
	}

	if s.Job == nil {
		return &Outcome{Status: OutcomeTransportFailure, Message: "no job announced"}
	}

	switch s.Job.Status {
	case types.JobCompleted:
		if s.Job.Reason == types.ReasonAssumedComplete {
			return &Outcome{
				Status:   OutcomeCompleted,
				Message:  "job assumed complete after its final pass",
				Degraded: true,
			}
		}
		return &Outcome{Status: OutcomeCompleted, Message: "job completed"}
	case types.JobErrored:
		msg := "job errored"
		if s.Job.Error != "" {
			msg = "job errored: " + s.Job.Error
		}
		return &Outcome{Status: OutcomeJobError, Message: msg}
	case types.JobAbandoned:
		return &Outcome{Status: OutcomeTransportFailure, Message: "job abandoned: " + s.Job.Error}
	default:
		return &Outcome{Status: OutcomeTransportFailure, Message: fmt.Sprintf("job ended in status %s without a terminal signal", s.Job.Status)}
	}
}
