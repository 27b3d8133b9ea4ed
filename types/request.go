package types

import "errors"

// StartRequest starts a refinement job.
type StartRequest struct {
	FileIDs   []string       `json:"fileIds" yaml:"file_ids"`
	Passes    int            `json:"passes" yaml:"passes"`
	EarlyStop bool           `json:"earlyStop" yaml:"early_stop"`
	Tuning    map[string]any `json:"tuning,omitempty" yaml:"tuning,omitempty"`
}

// Validate checks the request before it is sent.
func (r *StartRequest) Validate() error {
	if len(r.FileIDs) == 0 {
		return errors.New("at least one file id is required")
	}
	if r.Passes < 1 {
		return errors.New("passes must be >= 1")
	}
	return nil
}

// ContinuationRequest resumes an errored job from a retained pass output.
// The inline input text replaces the original file upload.
type ContinuationRequest struct {
	StartRequest
	StartPass   int    `json:"startPass"`
	InputText   string `json:"inputText"`
	ParentJobID string `json:"parentJobId"`
}

// Validate checks the continuation before it is sent.
func (r *ContinuationRequest) Validate() error {
	if err := r.StartRequest.Validate(); err != nil {
		return err
	}
	if r.StartPass < 2 {
		return errors.New("startPass must be >= 2")
	}
	if r.InputText == "" {
		return errors.New("inputText is required")
	}
	if r.ParentJobID == "" {
		return errors.New("parentJobId is required")
	}
	return nil
}
