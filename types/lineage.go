package types

import (
	"errors"
	"fmt"
)

// SessionMeta identifies one client session watching one job.
// A resumed job is a new session with Attempt incremented and ParentJobID
// pointing at the job that errored.
type SessionMeta struct {
	// SessionID is the client-side session identifier.
	SessionID string
	// JobID is the server job identifier. Nil until the first job event.
	JobID *string
	// FileID is the logical file the job refines.
	FileID string
	// ParentJobID links a continuation to the job it resumes.
	ParentJobID *string
	// Attempt starts at 1 and increments per resume.
	Attempt int
}

// Validate validates lineage rules:
//   - attempt >= 1
//   - attempt == 1 => parent_job_id must be nil
//   - attempt > 1 => parent_job_id must be present
func (m *SessionMeta) Validate() error {
	if m.SessionID == "" {
		return errors.New("session_id must be non-empty")
	}

	if m.Attempt < 1 {
		return fmt.Errorf("attempt must be >= 1, got %d", m.Attempt)
	}

	if m.Attempt == 1 && m.ParentJobID != nil {
		return errors.New("initial session (attempt=1) must not have parent_job_id")
	}

	if m.Attempt > 1 && m.ParentJobID == nil {
		return fmt.Errorf("continuation session (attempt=%d) must have parent_job_id", m.Attempt)
	}

	return nil
}

// WithJob returns a copy of m bound to a job id.
func (m SessionMeta) WithJob(jobID string) *SessionMeta {
	m.JobID = &jobID
	return &m
}
