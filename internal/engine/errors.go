package engine

import (
	"errors"
	"fmt"
)

// JobInProgressError rejects a deployment request because the environment
// already has an active job. Fail-fast: the request is not queued.
type JobInProgressError struct {
	EnvironmentID string
	JobID         string
}

func (e *JobInProgressError) Error() string {
	return fmt.Sprintf("environment %s has deployment job %s in progress", e.EnvironmentID, e.JobID)
}

// IsJobInProgress reports whether err is a JobInProgressError.
func IsJobInProgress(err error) bool {
	var je *JobInProgressError
	return errors.As(err, &je)
}

// TrackLockedError rejects a command because another command holds the track
// exclusively (a retrofit or a commit in flight). Fail-fast: no queueing.
type TrackLockedError struct {
	TrackID string
}

func (e *TrackLockedError) Error() string {
	return fmt.Sprintf("track %s is locked by another operation", e.TrackID)
}

// IsTrackLocked reports whether err is a TrackLockedError.
func IsTrackLocked(err error) bool {
	var te *TrackLockedError
	return errors.As(err, &te)
}
