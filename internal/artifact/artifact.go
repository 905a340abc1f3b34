package artifact

import (
	"fmt"
	"strings"
)

// Identity names an artifact. Two artifacts with equal identity in different
// branches or environments are comparable. Artifacts are never renamed in
// place - a rename is a delete plus a create.
type Identity struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// String renders the identity as "Type:Name".
func (id Identity) String() string {
	return id.Type + ":" + id.Name
}

// ParseIdentity parses a "Type:Name" string.
func ParseIdentity(s string) (Identity, error) {
	typ, name, ok := strings.Cut(s, ":")
	if !ok || typ == "" || name == "" {
		return Identity{}, fmt.Errorf("invalid artifact identity %q: want Type:Name", s)
	}
	return Identity{Type: typ, Name: name}, nil
}

// Artifact is a named, typed, hierarchically structured configuration unit.
// Content is carried in named regions; each region holds a structural value
// tree. Regions are the unit of merge granularity: edits to disjoint regions
// of the same artifact never conflict.
type Artifact struct {
	Identity Identity `json:"identity"`

	// Regions maps region name to structural content. Region name order is
	// not semantic.
	Regions map[string]Value `json:"regions"`

	// Refs lists other artifacts this one depends on. Used by dependency
	// expansion, not by merging.
	Refs []Identity `json:"refs,omitempty"`

	// NoExpand marks the artifact as excluded from dependency expansion.
	// It is never pulled into a changeset via reference traversal, even
	// if referenced.
	NoExpand bool `json:"no_expand,omitempty"`
}

// Clone returns a deep copy. Region values are immutable by convention, so
// they are shared; the maps and slices around them are copied.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	regions := make(map[string]Value, len(a.Regions))
	for k, v := range a.Regions {
		regions[k] = v
	}
	refs := make([]Identity, len(a.Refs))
	copy(refs, a.Refs)
	return &Artifact{
		Identity: a.Identity,
		Regions:  regions,
		Refs:     refs,
		NoExpand: a.NoExpand,
	}
}

// Equal reports structural equality: same identity and same region content
// under canonical comparison. Map key order and formatting never register
// as a difference.
func (a *Artifact) Equal(b *Artifact) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Identity != b.Identity {
		return false
	}
	ah, err := a.Hash()
	if err != nil {
		return false
	}
	bh, err := b.Hash()
	if err != nil {
		return false
	}
	return ah == bh
}

// Set is a keyed collection of artifacts, as materialized at a commit or
// read live from an environment.
type Set map[Identity]*Artifact

// Clone returns a shallow copy of the set (artifacts shared).
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for id, a := range s {
		out[id] = a
	}
	return out
}

// Identities returns the identities in the set, unordered.
func (s Set) Identities() []Identity {
	ids := make([]Identity, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	return ids
}
