package deploy

import (
	"errors"
	"fmt"
	"time"
)

// Job is one promotion attempt of a commit into an environment.
// Jobs reference the commit graph and the environment but own neither.
// Once a job reaches a terminal state it is immutable.
type Job struct {
	ID               string
	EnvironmentID    string
	TrackID          string
	CommitID         string
	State            State
	SnapshotID       string // pre-deploy snapshot, set when Deploying starts
	RollbackAttempts int
	Err              string // failure detail for failed states
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Active reports whether the job still holds its environment.
func (j *Job) Active() bool {
	return !j.State.Terminal()
}

// ValidationError reports a dry-run failure: the changeset cannot be applied
// without destructive-change ambiguity. No mutation occurred; the request is
// safe to retry after the input is fixed.
type ValidationError struct {
	JobID    string
	Artifact string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for job %s: %s: %s", e.JobID, e.Artifact, e.Reason)
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RollbackFailedError reports the one state the engine refuses to touch
// automatically: rollback itself failed. The environment is blocked until a
// human clears it.
type RollbackFailedError struct {
	JobID         string
	EnvironmentID string
	Cause         error
}

func (e *RollbackFailedError) Error() string {
	return fmt.Sprintf("rollback failed for job %s on environment %s: %v (environment blocked, manual intervention required)",
		e.JobID, e.EnvironmentID, e.Cause)
}

func (e *RollbackFailedError) Unwrap() error {
	return e.Cause
}

// EnvironmentBlockedError reports a request against an environment that a
// failed rollback has taken out of automated service.
type EnvironmentBlockedError struct {
	EnvironmentID string
}

func (e *EnvironmentBlockedError) Error() string {
	return fmt.Sprintf("environment %s is blocked after a failed rollback; manual clearance required", e.EnvironmentID)
}
