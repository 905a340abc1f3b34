package graph_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alcabon/tracksync/internal/artifact"
	"github.com/alcabon/tracksync/internal/graph"
	"github.com/alcabon/tracksync/internal/store"
	"github.com/alcabon/tracksync/internal/testutil"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "tracksync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newGraph(t *testing.T, st *store.Store) *graph.Graph {
	t.Helper()
	g, err := graph.New(context.Background(), st,
		graph.WithNow(testutil.FixedNow(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))))
	require.NoError(t, err)
	return g
}

func createTrack(t *testing.T, st *store.Store, id string, role graph.Role) {
	t.Helper()
	require.NoError(t, st.CreateTrack(context.Background(), &graph.Track{
		ID:            id,
		Role:          role,
		EnvironmentID: "env-" + id,
		CreatedAt:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}))
}

func addChange(typ, name, field string) artifact.Change {
	id := artifact.Identity{Type: typ, Name: name}
	return artifact.Change{
		Kind:     artifact.ChangeAdd,
		Identity: id,
		Artifact: &artifact.Artifact{
			Identity: id,
			Regions:  map[string]artifact.Value{"body": artifact.Map{"field": artifact.String(field)}},
		},
	}
}

func modifyChange(typ, name, field string) artifact.Change {
	c := addChange(typ, name, field)
	c.Kind = artifact.ChangeModify
	return c
}

func deleteChange(typ, name string) artifact.Change {
	return artifact.Change{
		Kind:     artifact.ChangeDelete,
		Identity: artifact.Identity{Type: typ, Name: name},
	}
}

// commitAndAdvance is the usual pattern: create a commit on top of the
// current head, then move the head to it.
func commitAndAdvance(t *testing.T, g *graph.Graph, trackID string, changes []artifact.Change, msg string) *graph.Commit {
	t.Helper()
	ctx := context.Background()

	track, err := g.Track(ctx, trackID)
	require.NoError(t, err)

	var parents []string
	if track.Head != "" {
		parents = []string{track.Head}
	}
	c, err := g.CreateCommit(ctx, trackID, changes, parents, "tester", msg)
	require.NoError(t, err)
	require.NoError(t, g.Advance(ctx, trackID, c.ID))
	return c
}

func TestCreateCommit_ContentAddressedAndIdempotent(t *testing.T) {
	st := openStore(t)
	g := newGraph(t, st)
	createTrack(t, st, "run", graph.RoleRun)
	ctx := context.Background()

	c1 := commitAndAdvance(t, g, "run", []artifact.Change{addChange("Field", "Email", "text")}, "add email")
	require.NotEmpty(t, c1.ID)
	assert.Equal(t, int64(1), c1.Seq)

	// Re-writing the identical commit record is a no-op.
	require.NoError(t, st.WriteCommit(ctx, c1))
	loaded, err := g.Commit(ctx, c1.ID)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, loaded.ID)
	assert.Equal(t, c1.Seq, loaded.Seq)
	assert.Len(t, loaded.Changes, 1)
	assert.Equal(t, "Field:Email", loaded.Changes[0].Identity.String())
}

func TestCreateCommit_RejectsUnknownTrackAndParents(t *testing.T) {
	st := openStore(t)
	g := newGraph(t, st)
	createTrack(t, st, "run", graph.RoleRun)
	ctx := context.Background()

	_, err := g.CreateCommit(ctx, "missing", nil, nil, "tester", "m")
	var ute *graph.UnknownTrackError
	assert.ErrorAs(t, err, &ute)

	_, err = g.CreateCommit(ctx, "run", nil, []string{"no-such-commit"}, "tester", "m")
	var uce *graph.UnknownCommitError
	assert.ErrorAs(t, err, &uce)

	c := commitAndAdvance(t, g, "run", nil, "root")
	_, err = g.CreateCommit(ctx, "run", nil, []string{c.ID, c.ID, c.ID}, "tester", "m")
	assert.ErrorContains(t, err, "at most 2")
}

func TestAdvance_RefusesNonLinearMove(t *testing.T) {
	st := openStore(t)
	g := newGraph(t, st)
	createTrack(t, st, "run", graph.RoleRun)
	ctx := context.Background()

	base := commitAndAdvance(t, g, "run", []artifact.Change{addChange("Field", "A", "text")}, "base")

	// Two children of the same base. Advancing to the first makes the
	// second a sibling, not a descendant.
	left, err := g.CreateCommit(ctx, "run", []artifact.Change{modifyChange("Field", "A", "left")}, []string{base.ID}, "tester", "left")
	require.NoError(t, err)
	right, err := g.CreateCommit(ctx, "run", []artifact.Change{modifyChange("Field", "A", "right")}, []string{base.ID}, "tester", "right")
	require.NoError(t, err)

	require.NoError(t, g.Advance(ctx, "run", left.ID))

	err = g.Advance(ctx, "run", right.ID)
	assert.True(t, graph.IsNonLinearAdvance(err), "got %v", err)

	// Head is untouched by the refused advance.
	track, err := g.Track(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, left.ID, track.Head)
}

func TestSetTrackHead_CompareAndSwap(t *testing.T) {
	st := openStore(t)
	g := newGraph(t, st)
	createTrack(t, st, "run", graph.RoleRun)
	ctx := context.Background()

	c := commitAndAdvance(t, g, "run", nil, "root")

	// A CAS against a head value that no longer matches loses.
	err := st.SetTrackHead(ctx, "run", "whatever", "stale-value")
	var she *graph.StaleHeadError
	require.ErrorAs(t, err, &she)
	assert.Equal(t, "stale-value", she.Expected)
	assert.Equal(t, c.ID, she.Actual)

	var ute *graph.UnknownTrackError
	err = st.SetTrackHead(ctx, "missing", "x", "")
	assert.ErrorAs(t, err, &ute)
}

func TestAncestry_AndNearestCommonAncestor(t *testing.T) {
	st := openStore(t)
	g := newGraph(t, st)
	createTrack(t, st, "run", graph.RoleRun)
	createTrack(t, st, "build", graph.RoleBuild)
	ctx := context.Background()

	// run:   r1 -- r2
	// build: b1   (disjoint until a merge connects them)
	r1 := commitAndAdvance(t, g, "run", []artifact.Change{addChange("Field", "A", "1")}, "r1")
	r2 := commitAndAdvance(t, g, "run", []artifact.Change{modifyChange("Field", "A", "2")}, "r2")
	b1 := commitAndAdvance(t, g, "build", []artifact.Change{addChange("Field", "B", "1")}, "b1")

	ok, err := g.IsAncestor(ctx, r1.ID, r2.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.IsAncestor(ctx, r2.ID, r1.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = g.IsAncestor(ctx, r2.ID, r2.ID)
	require.NoError(t, err)
	assert.True(t, ok, "a commit is its own ancestor")

	nca, err := g.NearestCommonAncestor(ctx, r2.ID, b1.ID)
	require.NoError(t, err)
	assert.Empty(t, nca, "disjoint histories have no common ancestor")

	// Merge commit on build with parents [b1, r2] connects the histories.
	m, err := g.CreateCommit(ctx, "build", nil, []string{b1.ID, r2.ID}, "tester", "merge")
	require.NoError(t, err)
	require.NoError(t, g.Advance(ctx, "build", m.ID))
	assert.True(t, m.IsMerge())

	ok, err = g.IsAncestor(ctx, r1.ID, m.ID)
	require.NoError(t, err)
	assert.True(t, ok, "merge reaches source history through second parent")

	nca, err = g.NearestCommonAncestor(ctx, r2.ID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, r2.ID, nca)
}

func TestMaterializeAt_ReplaysFirstParentChain(t *testing.T) {
	st := openStore(t)
	g := newGraph(t, st)
	createTrack(t, st, "run", graph.RoleRun)
	ctx := context.Background()

	commitAndAdvance(t, g, "run", []artifact.Change{
		addChange("Field", "A", "1"),
		addChange("Field", "B", "1"),
	}, "seed")
	commitAndAdvance(t, g, "run", []artifact.Change{
		modifyChange("Field", "A", "2"),
		deleteChange("Field", "B"),
		addChange("Layout", "Main", "1"),
	}, "rework")

	track, err := g.Track(ctx, "run")
	require.NoError(t, err)

	set, err := g.MaterializeAt(ctx, track.Head)
	require.NoError(t, err)
	require.Len(t, set, 2)

	a := set[artifact.Identity{Type: "Field", Name: "A"}]
	require.NotNil(t, a)
	assert.Equal(t, artifact.Map{"field": artifact.String("2")}, a.Regions["body"])
	assert.Contains(t, set, artifact.Identity{Type: "Layout", Name: "Main"})
	assert.NotContains(t, set, artifact.Identity{Type: "Field", Name: "B"})

	empty, err := g.MaterializeAt(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestClock_ResumesFromPersistedSeq(t *testing.T) {
	st := openStore(t)
	g := newGraph(t, st)
	createTrack(t, st, "run", graph.RoleRun)

	commitAndAdvance(t, g, "run", nil, "one")
	commitAndAdvance(t, g, "run", nil, "two")

	// A fresh graph over the same store must not reuse seq numbers.
	g2 := newGraph(t, st)
	c3 := commitAndAdvance(t, g2, "run", nil, "three")
	assert.Equal(t, int64(3), c3.Seq)
}
