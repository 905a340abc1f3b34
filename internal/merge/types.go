package merge

import (
	"time"

	"github.com/alcabon/tracksync/internal/artifact"
	"github.com/alcabon/tracksync/internal/graph"
)

// Policy selects what happens when a retrofit hits conflicts.
type Policy string

const (
	// PolicyPartial merges all non-conflicting artifacts into a partial
	// merge commit and queues the conflicts for resolution. The default:
	// it avoids large backlog merges.
	PolicyPartial Policy = "partial"
	// PolicyAtomic blocks the whole merge until every conflict is resolved.
	// No commit is created and both tracks stay untouched.
	PolicyAtomic Policy = "atomic"
)

// RegionWhole marks a whole-artifact conflict (delete on one side versus
// modification on the other) where no single region can be named.
const RegionWhole = "*"

// ConflictEntry is one unresolved overlapping edit: both sides changed the
// same leaf region of the same artifact since the common ancestor.
// Base/Source/Target are the region bodies on each side; nil means the
// region (or artifact, for RegionWhole) is absent on that side.
type ConflictEntry struct {
	Identity artifact.Identity
	Region   string
	Base     artifact.Value
	Source   artifact.Value
	Target   artifact.Value
}

// ConflictSet is the set of artifacts with unresolved overlapping edits from
// one merge attempt. It persists until resolveConflict closes it; while open,
// the target track is not clean and further retrofits are refused.
type ConflictSet struct {
	ID          string
	SourceTrack string
	TargetTrack string
	BaseCommit  string
	SourceHead  string
	TargetHead  string
	// PartialCommit is the id of the partial merge commit under
	// PolicyPartial; empty under PolicyAtomic.
	PartialCommit string
	Policy        Policy
	Entries       []ConflictEntry
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

// Open reports whether the conflict set still awaits resolution.
func (cs *ConflictSet) Open() bool {
	return cs.ResolvedAt == nil
}

// Resolution is the chosen content for one conflict entry. A nil Value
// deletes the region; for RegionWhole it deletes the whole artifact.
type Resolution struct {
	Identity artifact.Identity
	Region   string
	Value    artifact.Value
}

// Result is the outcome of a retrofit. Exactly one of the following holds:
//   - NoOp: source history is already contained in the target; nothing to do.
//   - Commit set, Conflicts nil: clean merge commit advanced onto the target.
//   - Commit set, Conflicts set: partial merge commit plus an open conflict
//     set (PolicyPartial).
//   - Commit nil, Conflicts set: merge blocked pending resolution
//     (PolicyAtomic).
//
// A Result is never partially applied beyond what it reports.
type Result struct {
	NoOp      bool
	Commit    *graph.Commit
	Conflicts *ConflictSet
}
