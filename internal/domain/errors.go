package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidJob = errors.New("invalid job")
)

func invalidJob(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidJob, msg)
}

// JobCreationError reports that inserting a job record failed. No
// subscription is opened when this is returned.
type JobCreationError struct {
	Kind  string
	Label string
	Err   error
}

func (e *JobCreationError) Error() string {
	return fmt.Sprintf("create job %q (%s): %v", e.Kind, e.Label, e.Err)
}

func (e *JobCreationError) Unwrap() error { return e.Err }

// DependencyIndexError reports a pipeline step that referenced a step which
// had not been created yet (self, forward or out of range).
type DependencyIndexError struct {
	Step    int
	Index   int
	Created int
}

func (e *DependencyIndexError) Error() string {
	return fmt.Sprintf("step %d: dependency index %d out of range (%d jobs created)", e.Step, e.Index, e.Created)
}

// PartialBatchError is returned when a pipeline submission aborted after some
// of its records were already persisted. Those records are not rolled back.
type PartialBatchError struct {
	BatchID string
	Created []string
	Err     error
}

func (e *PartialBatchError) Error() string {
	return fmt.Sprintf("pipeline %s aborted after %d jobs: %v", e.BatchID, len(e.Created), e.Err)
}

func (e *PartialBatchError) Unwrap() error { return e.Err }
