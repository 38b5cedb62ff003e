package pipeline

import (
	"errors"
	"fmt"
)

// ErrLeased means another invocation holds the processing lease.
var ErrLeased = errors.New("submission is leased by another run")

// PipelineError is a stage failure that has been persisted: the submission
// is errored and will be retried by a later sweep, or failed for good when
// Permanent is set.
type PipelineError struct {
	SubmissionID string
	Stage        string
	Err          error
	Permanent    bool
}

func (e *PipelineError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("submission %s failed permanently at %s: %v", e.SubmissionID, e.Stage, e.Err)
	}
	return fmt.Sprintf("submission %s errored at %s: %v", e.SubmissionID, e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// stageError tags an error with the stage that produced it.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func atStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &stageError{stage: stage, err: err}
}

func stageOf(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return "pipeline"
}
