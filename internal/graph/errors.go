package graph

import (
	"errors"
	"fmt"
)

// NonLinearAdvanceError reports an attempt to move a track head to a commit
// that does not descend from the current head. It is fatal to the requested
// operation and never auto-corrected: accepting it would rewrite history.
type NonLinearAdvanceError struct {
	TrackID string
	Head    string
	Commit  string
}

func (e *NonLinearAdvanceError) Error() string {
	return fmt.Sprintf("non-linear advance on track %s: commit %s does not descend from head %s",
		e.TrackID, short(e.Commit), short(e.Head))
}

// IsNonLinearAdvance reports whether err is a NonLinearAdvanceError.
func IsNonLinearAdvance(err error) bool {
	var nle *NonLinearAdvanceError
	return errors.As(err, &nle)
}

// StaleHeadError reports a lost compare-and-swap on a track head: another
// writer advanced the track between read and write. Callers retry after
// re-reading the head.
type StaleHeadError struct {
	TrackID  string
	Expected string
	Actual   string
}

func (e *StaleHeadError) Error() string {
	return fmt.Sprintf("stale head on track %s: expected %s, found %s",
		e.TrackID, short(e.Expected), short(e.Actual))
}

// UnknownCommitError reports a reference to a commit id absent from the graph.
type UnknownCommitError struct {
	Commit string
}

func (e *UnknownCommitError) Error() string {
	return fmt.Sprintf("unknown commit %s", short(e.Commit))
}

// UnknownTrackError reports a reference to a track id absent from the graph.
type UnknownTrackError struct {
	TrackID string
}

func (e *UnknownTrackError) Error() string {
	return fmt.Sprintf("unknown track %s", e.TrackID)
}

// short abbreviates a hash for error messages. Full ids stay in logs.
func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	if id == "" {
		return "(none)"
	}
	return id
}
