package artifact

import (
	"fmt"
	"slices"
)

// ChangeKind classifies an artifact-level change within a commit.
type ChangeKind string

const (
	// ChangeAdd introduces an artifact that did not exist before.
	ChangeAdd ChangeKind = "add"
	// ChangeModify replaces the content of an existing artifact.
	ChangeModify ChangeKind = "modify"
	// ChangeDelete removes an artifact.
	ChangeDelete ChangeKind = "delete"
)

// Change is one artifact-level entry in a commit's changeset.
// Artifact is nil for deletions.
type Change struct {
	Kind     ChangeKind `json:"kind"`
	Identity Identity   `json:"identity"`
	Artifact *Artifact  `json:"artifact,omitempty"`
}

// Validate checks internal consistency of a change.
func (c Change) Validate() error {
	switch c.Kind {
	case ChangeAdd, ChangeModify:
		if c.Artifact == nil {
			return fmt.Errorf("%s change for %s has no artifact content", c.Kind, c.Identity)
		}
		if c.Artifact.Identity != c.Identity {
			return fmt.Errorf("change identity %s does not match artifact identity %s",
				c.Identity, c.Artifact.Identity)
		}
	case ChangeDelete:
		if c.Artifact != nil {
			return fmt.Errorf("delete change for %s carries artifact content", c.Identity)
		}
	default:
		return fmt.Errorf("unknown change kind %q for %s", c.Kind, c.Identity)
	}
	return nil
}

// ValidateChanges checks that a changeset is a total, non-overlapping
// description: each touched artifact appears exactly once.
func ValidateChanges(changes []Change) error {
	seen := make(map[Identity]bool, len(changes))
	for _, c := range changes {
		if err := c.Validate(); err != nil {
			return err
		}
		if seen[c.Identity] {
			return fmt.Errorf("artifact %s appears more than once in changeset", c.Identity)
		}
		seen[c.Identity] = true
	}
	return nil
}

// Apply applies a changeset to a set, returning a new set.
// The input set is not mutated.
func (s Set) Apply(changes []Change) (Set, error) {
	out := s.Clone()
	for _, c := range changes {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		switch c.Kind {
		case ChangeAdd, ChangeModify:
			out[c.Identity] = c.Artifact
		case ChangeDelete:
			delete(out, c.Identity)
		}
	}
	return out, nil
}

// DiffSets computes the changeset that transforms base into next.
// Structural comparison: artifacts that differ only in non-semantic ordering
// produce no change. Output is sorted by identity for determinism.
func DiffSets(base, next Set) ([]Change, error) {
	var changes []Change

	for id, a := range next {
		b, ok := base[id]
		if !ok {
			changes = append(changes, Change{Kind: ChangeAdd, Identity: id, Artifact: a})
			continue
		}
		equal, err := hashEqual(a, b)
		if err != nil {
			return nil, err
		}
		if !equal {
			changes = append(changes, Change{Kind: ChangeModify, Identity: id, Artifact: a})
		}
	}

	for id := range base {
		if _, ok := next[id]; !ok {
			changes = append(changes, Change{Kind: ChangeDelete, Identity: id})
		}
	}

	SortChanges(changes)
	return changes, nil
}

// SortChanges orders a changeset by (type, name) for deterministic
// serialization and hashing.
func SortChanges(changes []Change) {
	slices.SortFunc(changes, func(a, b Change) int {
		if a.Identity.Type != b.Identity.Type {
			if a.Identity.Type < b.Identity.Type {
				return -1
			}
			return 1
		}
		if a.Identity.Name != b.Identity.Name {
			if a.Identity.Name < b.Identity.Name {
				return -1
			}
			return 1
		}
		return 0
	})
}

func hashEqual(a, b *Artifact) (bool, error) {
	ah, err := a.Hash()
	if err != nil {
		return false, err
	}
	bh, err := b.Hash()
	if err != nil {
		return false, err
	}
	return ah == bh, nil
}

// RegionDelta describes how one side changed a single region relative to
// a common base.
type RegionDelta struct {
	Region string
	// Base is the region body at the common ancestor; nil if the region
	// did not exist there.
	Base Value
	// After is the region body on this side; nil if the side deleted it.
	After Value
}

// DiffRegions computes per-region deltas between a base artifact and a
// changed artifact. Either may be nil (absent). Unchanged regions are
// omitted. Results are sorted by region name.
func DiffRegions(base, next *Artifact) ([]RegionDelta, error) {
	var deltas []RegionDelta

	baseRegions := map[string]Value{}
	if base != nil {
		baseRegions = base.Regions
	}
	nextRegions := map[string]Value{}
	if next != nil {
		nextRegions = next.Regions
	}

	for name, after := range nextRegions {
		before, ok := baseRegions[name]
		if !ok {
			deltas = append(deltas, RegionDelta{Region: name, After: after})
			continue
		}
		bh, err := RegionHash(before)
		if err != nil {
			return nil, fmt.Errorf("region %q: %w", name, err)
		}
		ah, err := RegionHash(after)
		if err != nil {
			return nil, fmt.Errorf("region %q: %w", name, err)
		}
		if bh != ah {
			deltas = append(deltas, RegionDelta{Region: name, Base: before, After: after})
		}
	}

	for name, before := range baseRegions {
		if _, ok := nextRegions[name]; !ok {
			deltas = append(deltas, RegionDelta{Region: name, Base: before})
		}
	}

	slices.SortFunc(deltas, func(a, b RegionDelta) int {
		if a.Region < b.Region {
			return -1
		}
		if a.Region > b.Region {
			return 1
		}
		return 0
	})
	return deltas, nil
}
