package expand

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alcabon/tracksync/internal/artifact"
)

func node(typ, name string, refs ...artifact.Identity) *artifact.Artifact {
	return &artifact.Artifact{
		Identity: artifact.Identity{Type: typ, Name: name},
		Regions:  map[string]artifact.Value{"body": artifact.Map{}},
		Refs:     refs,
	}
}

func universeOf(arts ...*artifact.Artifact) artifact.Set {
	set := make(artifact.Set, len(arts))
	for _, a := range arts {
		set[a.Identity] = a
	}
	return set
}

func ids(ss ...string) []artifact.Identity {
	out := make([]artifact.Identity, len(ss))
	for i, s := range ss {
		id, err := artifact.ParseIdentity(s)
		if err != nil {
			panic(err)
		}
		out[i] = id
	}
	return out
}

func TestExpand_FollowsReferencesBothDirections(t *testing.T) {
	// Field:Rating declares no refs; Profile:Sales references it. The field
	// must still drag the profile in (reverse edge).
	universe := universeOf(
		node("Field", "Rating"),
		node("Profile", "Sales", artifact.Identity{Type: "Field", Name: "Rating"}),
		node("Layout", "Account", artifact.Identity{Type: "Field", Name: "Rating"}),
		node("Flow", "Unrelated"),
	)

	got, err := New(3, nil).Expand(ids("Field:Rating"), universe)
	require.NoError(t, err)
	assert.Equal(t, ids("Field:Rating", "Layout:Account", "Profile:Sales"), got)
}

func TestExpand_BoundsHops(t *testing.T) {
	// Chain: A -> B -> C -> D. One hop from A reaches only B.
	universe := universeOf(
		node("Obj", "A", artifact.Identity{Type: "Obj", Name: "B"}),
		node("Obj", "B", artifact.Identity{Type: "Obj", Name: "C"}),
		node("Obj", "C", artifact.Identity{Type: "Obj", Name: "D"}),
		node("Obj", "D"),
	)

	got, err := New(1, nil).Expand(ids("Obj:A"), universe)
	require.NoError(t, err)
	assert.Equal(t, ids("Obj:A", "Obj:B"), got)

	got, err = New(3, nil).Expand(ids("Obj:A"), universe)
	require.NoError(t, err)
	assert.Equal(t, ids("Obj:A", "Obj:B", "Obj:C", "Obj:D"), got)
}

func TestExpand_RespectsNoExpandAndExcludedTypes(t *testing.T) {
	frozen := node("Profile", "Admin", artifact.Identity{Type: "Field", Name: "Rating"})
	frozen.NoExpand = true

	universe := universeOf(
		node("Field", "Rating"),
		frozen,
		node("Report", "Usage", artifact.Identity{Type: "Field", Name: "Rating"}),
	)

	got, err := New(3, []string{"Report"}).Expand(ids("Field:Rating"), universe)
	require.NoError(t, err)
	assert.Equal(t, ids("Field:Rating"), got, "neither the frozen profile nor the excluded report type joins")
}

func TestExpand_SeedsAlwaysIncluded(t *testing.T) {
	// An explicitly changed artifact stays in even when its type is excluded
	// or it sits outside the universe (a deletion seed).
	universe := universeOf(node("Field", "Rating"))

	got, err := New(3, []string{"Report"}).Expand(ids("Report:Usage", "Layout:Gone"), universe)
	require.NoError(t, err)
	assert.Equal(t, ids("Layout:Gone", "Report:Usage"), got)
}

func TestExpand_RejectsMalformedSeed(t *testing.T) {
	_, err := New(3, nil).Expand([]artifact.Identity{{Type: "Field"}}, nil)
	assert.Error(t, err)
}
