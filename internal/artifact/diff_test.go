package artifact

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testArtifact(typ, name string, regions map[string]Value) *Artifact {
	return &Artifact{
		Identity: Identity{Type: typ, Name: name},
		Regions:  regions,
	}
}

func TestDiffSets_Classification(t *testing.T) {
	base := Set{
		{Type: "Profile", Name: "Sales"}: testArtifact("Profile", "Sales",
			map[string]Value{"perms": Map{"read": Bool(true)}}),
		{Type: "Layout", Name: "Old"}: testArtifact("Layout", "Old",
			map[string]Value{"sections": List{String("a")}}),
	}
	next := Set{
		{Type: "Profile", Name: "Sales"}: testArtifact("Profile", "Sales",
			map[string]Value{"perms": Map{"read": Bool(false)}}),
		{Type: "Field", Name: "New"}: testArtifact("Field", "New",
			map[string]Value{"type": String("Text")}),
	}

	changes, err := DiffSets(base, next)
	require.NoError(t, err)
	require.Len(t, changes, 3)

	// Sorted by (type, name): Field:New, Layout:Old, Profile:Sales.
	assert.Equal(t, ChangeAdd, changes[0].Kind)
	assert.Equal(t, "Field:New", changes[0].Identity.String())
	assert.Equal(t, ChangeDelete, changes[1].Kind)
	assert.Equal(t, "Layout:Old", changes[1].Identity.String())
	assert.Equal(t, ChangeModify, changes[2].Kind)
	assert.Equal(t, "Profile:Sales", changes[2].Identity.String())
}

func TestDiffSets_KeyOrderIsNotAChange(t *testing.T) {
	a := testArtifact("Profile", "Sales", map[string]Value{
		"perms": Map{"read": Bool(true), "edit": Bool(false)},
	})
	b := testArtifact("Profile", "Sales", map[string]Value{
		"perms": Map{"edit": Bool(false), "read": Bool(true)},
	})

	changes, err := DiffSets(
		Set{a.Identity: a},
		Set{b.Identity: b},
	)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestSetApply_RoundTripsDiff(t *testing.T) {
	base := Set{
		{Type: "Profile", Name: "Sales"}: testArtifact("Profile", "Sales",
			map[string]Value{"perms": Map{"read": Bool(true)}}),
	}
	next := Set{
		{Type: "Profile", Name: "Sales"}: testArtifact("Profile", "Sales",
			map[string]Value{"perms": Map{"read": Bool(false)}}),
		{Type: "Field", Name: "New"}: testArtifact("Field", "New",
			map[string]Value{"type": String("Text")}),
	}

	changes, err := DiffSets(base, next)
	require.NoError(t, err)

	applied, err := base.Apply(changes)
	require.NoError(t, err)

	require.Len(t, applied, len(next))
	for id, want := range next {
		got, ok := applied[id]
		require.True(t, ok, "missing %s", id)
		if !want.Equal(got) {
			t.Errorf("artifact %s mismatch:\n%s", id, cmp.Diff(want, got))
		}
	}
}

func TestValidateChanges_RejectsDuplicatesAndMismatch(t *testing.T) {
	a := testArtifact("Profile", "Sales", map[string]Value{"perms": Map{}})

	err := ValidateChanges([]Change{
		{Kind: ChangeAdd, Identity: a.Identity, Artifact: a},
		{Kind: ChangeModify, Identity: a.Identity, Artifact: a},
	})
	assert.ErrorContains(t, err, "more than once")

	err = ValidateChanges([]Change{
		{Kind: ChangeAdd, Identity: Identity{Type: "Profile", Name: "Other"}, Artifact: a},
	})
	assert.ErrorContains(t, err, "does not match")

	err = ValidateChanges([]Change{
		{Kind: ChangeDelete, Identity: a.Identity, Artifact: a},
	})
	assert.ErrorContains(t, err, "carries artifact content")
}

func TestDiffRegions_ReportsOnlyChangedRegions(t *testing.T) {
	base := testArtifact("Profile", "Sales", map[string]Value{
		"perms":  Map{"read": Bool(true)},
		"layout": String("compact"),
	})
	next := testArtifact("Profile", "Sales", map[string]Value{
		"perms": Map{"read": Bool(false)},
		"tabs":  List{String("Home")},
	})

	deltas, err := DiffRegions(base, next)
	require.NoError(t, err)
	require.Len(t, deltas, 3)

	// Sorted by region name: layout (deleted), perms (modified), tabs (added).
	assert.Equal(t, "layout", deltas[0].Region)
	assert.Nil(t, deltas[0].After)
	assert.Equal(t, "perms", deltas[1].Region)
	assert.NotNil(t, deltas[1].Base)
	assert.NotNil(t, deltas[1].After)
	assert.Equal(t, "tabs", deltas[2].Region)
	assert.Nil(t, deltas[2].Base)
}

func TestArtifactHash_CoversDeclarations(t *testing.T) {
	a := testArtifact("Field", "Rating", map[string]Value{"type": String("Picklist")})
	b := a.Clone()
	require.Equal(t, a.MustHash(), b.MustHash())

	b.Refs = []Identity{{Type: "Profile", Name: "Sales"}}
	assert.NotEqual(t, a.MustHash(), b.MustHash())

	c := a.Clone()
	c.NoExpand = true
	assert.NotEqual(t, a.MustHash(), c.MustHash())
}

func TestEncodeDecode_PreservesArtifact(t *testing.T) {
	a := &Artifact{
		Identity: Identity{Type: "Flow", Name: "Onboard"},
		Regions: map[string]Value{
			"steps": List{Map{"name": String("collect"), "order": Int(1)}},
		},
		Refs:     []Identity{{Type: "Field", Name: "Email"}},
		NoExpand: true,
	}

	data, err := Encode(a)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, a.Equal(decoded))
	assert.Equal(t, a.Refs, decoded.Refs)
	assert.True(t, decoded.NoExpand)

	// Canonical storage form is byte-stable.
	again, err := Encode(decoded)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}
