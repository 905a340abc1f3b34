package graph

import (
	"time"

	"github.com/alcabon/tracksync/internal/artifact"
)

// Role tags a track with its long-lived purpose.
type Role string

const (
	// RoleRun is the production-aligned track: it mirrors what is live now.
	RoleRun Role = "RUN"
	// RoleBuild is the next-release track: it mirrors what goes live next.
	RoleBuild Role = "BUILD"
)

// ValidRoles defines the allowed track roles.
var ValidRoles = map[Role]bool{
	RoleRun:   true,
	RoleBuild: true,
}

// Track is a mutable pointer into the commit graph plus a role tag and a
// declared target-environment binding. Head only ever advances to a
// descendant of the previous head; it is never rewritten in place.
type Track struct {
	ID            string
	Role          Role
	EnvironmentID string
	Head          string // empty until the first commit
	CreatedAt     time.Time
}

// Commit is an immutable changeset in a track's history.
//
// Changes are a total, non-overlapping description of every artifact touched
// at this point in history, expressed as the delta against the FIRST parent.
// A merge commit carries two parents: [old target head, source head]. Merge
// commits are the only way two tracks' histories connect.
type Commit struct {
	ID        string
	TrackID   string
	Parents   []string // 0 (root), 1 (normal), or 2 (merge)
	Changes   []artifact.Change
	Author    string
	Message   string
	Seq       int64 // logical clock stamp, totally ordered per store
	CreatedAt time.Time
}

// IsMerge reports whether the commit has two parents.
func (c *Commit) IsMerge() bool {
	return len(c.Parents) == 2
}
