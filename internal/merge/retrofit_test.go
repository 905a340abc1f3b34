package merge_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alcabon/tracksync/internal/artifact"
	"github.com/alcabon/tracksync/internal/event"
	"github.com/alcabon/tracksync/internal/graph"
	"github.com/alcabon/tracksync/internal/merge"
	"github.com/alcabon/tracksync/internal/store"
	"github.com/alcabon/tracksync/internal/testutil"
)

type fixture struct {
	store  *store.Store
	graph  *graph.Graph
	engine *merge.Engine
	events *event.Recorder
}

func newFixture(t *testing.T, policy merge.Policy) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "tracksync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	g, err := graph.New(ctx, st,
		graph.WithNow(testutil.SteppingNow(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), time.Second)))
	require.NoError(t, err)

	for _, track := range []struct {
		id   string
		role graph.Role
	}{{"run", graph.RoleRun}, {"build", graph.RoleBuild}} {
		require.NoError(t, st.CreateTrack(ctx, &graph.Track{
			ID:            track.id,
			Role:          track.role,
			EnvironmentID: "env-" + track.id,
			CreatedAt:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		}))
	}

	rec := event.NewRecorder()
	eng := merge.NewEngine(g, st, rec, policy,
		testutil.NewSequencedIDs("cs").Next,
		testutil.FixedNow(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	return &fixture{store: st, graph: g, engine: eng, events: rec}
}

func profile(regions map[string]artifact.Value) *artifact.Artifact {
	return &artifact.Artifact{
		Identity: artifact.Identity{Type: "Profile", Name: "Sales"},
		Regions:  regions,
	}
}

// commit creates a single-change commit on top of the track head and
// advances to it.
func (f *fixture) commit(t *testing.T, trackID string, change artifact.Change, msg string) *graph.Commit {
	t.Helper()
	ctx := context.Background()

	track, err := f.graph.Track(ctx, trackID)
	require.NoError(t, err)
	var parents []string
	if track.Head != "" {
		parents = []string{track.Head}
	}
	c, err := f.graph.CreateCommit(ctx, trackID, []artifact.Change{change}, parents, "tester", msg)
	require.NoError(t, err)
	require.NoError(t, f.graph.Advance(ctx, trackID, c.ID))
	return c
}

func (f *fixture) head(t *testing.T, trackID string) string {
	t.Helper()
	track, err := f.graph.Track(context.Background(), trackID)
	require.NoError(t, err)
	return track.Head
}

// seed puts a shared base commit on run and fast-forwards build onto it.
func (f *fixture) seed(t *testing.T) *graph.Commit {
	t.Helper()
	base := f.commit(t, "run", artifact.Change{
		Kind:     artifact.ChangeAdd,
		Identity: artifact.Identity{Type: "Profile", Name: "Sales"},
		Artifact: profile(map[string]artifact.Value{
			"perms":  artifact.Map{"read": artifact.Bool(true)},
			"layout": artifact.String("standard"),
		}),
	}, "seed")

	res, err := f.engine.Retrofit(context.Background(), "run", "build")
	require.NoError(t, err)
	require.NotNil(t, res.Commit)
	require.Equal(t, base.ID, f.head(t, "build"), "empty target fast-forwards")
	return base
}

func TestRetrofit_EmptySourceIsNoOp(t *testing.T) {
	f := newFixture(t, merge.PolicyPartial)

	res, err := f.engine.Retrofit(context.Background(), "run", "build")
	require.NoError(t, err)
	assert.True(t, res.NoOp)
}

func TestRetrofit_CleanMergeCombinesDisjointRegionEdits(t *testing.T) {
	f := newFixture(t, merge.PolicyPartial)
	ctx := context.Background()
	f.seed(t)

	r2 := f.commit(t, "run", artifact.Change{
		Kind:     artifact.ChangeModify,
		Identity: artifact.Identity{Type: "Profile", Name: "Sales"},
		Artifact: profile(map[string]artifact.Value{
			"perms":  artifact.Map{"read": artifact.Bool(false)},
			"layout": artifact.String("standard"),
		}),
	}, "hotfix perms")
	b2 := f.commit(t, "build", artifact.Change{
		Kind:     artifact.ChangeModify,
		Identity: artifact.Identity{Type: "Profile", Name: "Sales"},
		Artifact: profile(map[string]artifact.Value{
			"perms":  artifact.Map{"read": artifact.Bool(true)},
			"layout": artifact.String("compact"),
		}),
	}, "new layout")

	res, err := f.engine.Retrofit(ctx, "run", "build")
	require.NoError(t, err)
	require.NotNil(t, res.Commit)
	assert.Nil(t, res.Conflicts)
	assert.Equal(t, []string{b2.ID, r2.ID}, res.Commit.Parents)
	assert.Equal(t, res.Commit.ID, f.head(t, "build"))

	merged, err := f.graph.MaterializeAt(ctx, res.Commit.ID)
	require.NoError(t, err)
	got := merged[artifact.Identity{Type: "Profile", Name: "Sales"}]
	require.NotNil(t, got)
	assert.Equal(t, artifact.Map{"read": artifact.Bool(false)}, got.Regions["perms"])
	assert.Equal(t, artifact.String("compact"), got.Regions["layout"])

	// Re-running the same retrofit is a no-op through ancestry.
	again, err := f.engine.Retrofit(ctx, "run", "build")
	require.NoError(t, err)
	assert.True(t, again.NoOp)
}

func TestRetrofit_PartialPolicyKeepsTargetOnConflict(t *testing.T) {
	f := newFixture(t, merge.PolicyPartial)
	ctx := context.Background()
	f.seed(t)

	f.commit(t, "run", artifact.Change{
		Kind:     artifact.ChangeModify,
		Identity: artifact.Identity{Type: "Profile", Name: "Sales"},
		Artifact: profile(map[string]artifact.Value{
			"perms":  artifact.Map{"read": artifact.Bool(false)},
			"layout": artifact.String("wide"),
		}),
	}, "run edit")
	f.commit(t, "build", artifact.Change{
		Kind:     artifact.ChangeModify,
		Identity: artifact.Identity{Type: "Profile", Name: "Sales"},
		Artifact: profile(map[string]artifact.Value{
			"perms":  artifact.Map{"read": artifact.Bool(true)},
			"layout": artifact.String("compact"),
		}),
	}, "build edit")

	res, err := f.engine.Retrofit(ctx, "run", "build")
	require.NoError(t, err)
	require.NotNil(t, res.Commit, "partial policy still produces a merge commit")
	require.NotNil(t, res.Conflicts)
	assert.Equal(t, res.Commit.ID, res.Conflicts.PartialCommit)
	assert.True(t, res.Conflicts.Open())
	require.Len(t, res.Conflicts.Entries, 1)
	assert.Equal(t, "layout", res.Conflicts.Entries[0].Region)

	// The non-conflicting perms edit landed; layout stays at the target's.
	merged, err := f.graph.MaterializeAt(ctx, res.Commit.ID)
	require.NoError(t, err)
	got := merged[artifact.Identity{Type: "Profile", Name: "Sales"}]
	require.NotNil(t, got)
	assert.Equal(t, artifact.Map{"read": artifact.Bool(false)}, got.Regions["perms"])
	assert.Equal(t, artifact.String("compact"), got.Regions["layout"])

	conflictEvents := f.events.OfType(event.TypeMergeConflictDetected)
	require.Len(t, conflictEvents, 1)
	assert.Equal(t, res.Conflicts.ID, conflictEvents[0].Fields["conflict_set"])

	// Further retrofits into the dirty target are refused.
	_, err = f.engine.Retrofit(ctx, "run", "build")
	assert.True(t, merge.IsUnresolvedConflicts(err), "got %v", err)
}

func TestRetrofit_AtomicPolicyBlocksWholeMerge(t *testing.T) {
	f := newFixture(t, merge.PolicyAtomic)
	ctx := context.Background()
	f.seed(t)

	f.commit(t, "run", artifact.Change{
		Kind:     artifact.ChangeModify,
		Identity: artifact.Identity{Type: "Profile", Name: "Sales"},
		Artifact: profile(map[string]artifact.Value{
			"perms":  artifact.Map{"read": artifact.Bool(true)},
			"layout": artifact.String("wide"),
		}),
	}, "run edit")
	buildHead := f.commit(t, "build", artifact.Change{
		Kind:     artifact.ChangeModify,
		Identity: artifact.Identity{Type: "Profile", Name: "Sales"},
		Artifact: profile(map[string]artifact.Value{
			"perms":  artifact.Map{"read": artifact.Bool(true)},
			"layout": artifact.String("compact"),
		}),
	}, "build edit")

	res, err := f.engine.Retrofit(ctx, "run", "build")
	require.NoError(t, err)
	assert.Nil(t, res.Commit, "atomic policy defers the merge commit")
	require.NotNil(t, res.Conflicts)
	assert.Empty(t, res.Conflicts.PartialCommit)
	assert.Equal(t, buildHead.ID, f.head(t, "build"), "target untouched")
}

func TestResolve_PartialPolicy(t *testing.T) {
	f := newFixture(t, merge.PolicyPartial)
	ctx := context.Background()
	f.seed(t)

	f.commit(t, "run", artifact.Change{
		Kind:     artifact.ChangeModify,
		Identity: artifact.Identity{Type: "Profile", Name: "Sales"},
		Artifact: profile(map[string]artifact.Value{
			"perms":  artifact.Map{"read": artifact.Bool(true)},
			"layout": artifact.String("wide"),
		}),
	}, "run edit")
	f.commit(t, "build", artifact.Change{
		Kind:     artifact.ChangeModify,
		Identity: artifact.Identity{Type: "Profile", Name: "Sales"},
		Artifact: profile(map[string]artifact.Value{
			"perms":  artifact.Map{"read": artifact.Bool(true)},
			"layout": artifact.String("compact"),
		}),
	}, "build edit")

	res, err := f.engine.Retrofit(ctx, "run", "build")
	require.NoError(t, err)
	require.NotNil(t, res.Conflicts)

	id := artifact.Identity{Type: "Profile", Name: "Sales"}

	// Resolution must cover every entry exactly.
	_, err = f.engine.Resolve(ctx, res.Conflicts.ID, nil, "tester")
	assert.ErrorContains(t, err, "missing resolution")

	_, err = f.engine.Resolve(ctx, res.Conflicts.ID, []merge.Resolution{
		{Identity: id, Region: "layout", Value: artifact.String("wide")},
		{Identity: id, Region: "perms", Value: artifact.Map{}},
	}, "tester")
	assert.ErrorContains(t, err, "resolutions for")

	commit, err := f.engine.Resolve(ctx, res.Conflicts.ID, []merge.Resolution{
		{Identity: id, Region: "layout", Value: artifact.String("wide")},
	}, "tester")
	require.NoError(t, err)
	assert.Equal(t, []string{res.Conflicts.PartialCommit}, commit.Parents)
	assert.Equal(t, commit.ID, f.head(t, "build"))

	final, err := f.graph.MaterializeAt(ctx, commit.ID)
	require.NoError(t, err)
	assert.Equal(t, artifact.String("wide"), final[id].Regions["layout"])

	cs, err := f.store.GetConflictSet(ctx, res.Conflicts.ID)
	require.NoError(t, err)
	assert.False(t, cs.Open())

	_, err = f.engine.Resolve(ctx, res.Conflicts.ID, []merge.Resolution{
		{Identity: id, Region: "layout", Value: artifact.String("wide")},
	}, "tester")
	assert.ErrorContains(t, err, "already resolved")

	// The target is clean again.
	again, err := f.engine.Retrofit(ctx, "run", "build")
	require.NoError(t, err)
	assert.True(t, again.NoOp)
}

func TestResolve_AtomicPolicyCompletesDeferredMerge(t *testing.T) {
	f := newFixture(t, merge.PolicyAtomic)
	ctx := context.Background()
	f.seed(t)

	run := f.commit(t, "run", artifact.Change{
		Kind:     artifact.ChangeModify,
		Identity: artifact.Identity{Type: "Profile", Name: "Sales"},
		Artifact: profile(map[string]artifact.Value{
			"perms":  artifact.Map{"read": artifact.Bool(false)},
			"layout": artifact.String("wide"),
		}),
	}, "run edit")
	build := f.commit(t, "build", artifact.Change{
		Kind:     artifact.ChangeModify,
		Identity: artifact.Identity{Type: "Profile", Name: "Sales"},
		Artifact: profile(map[string]artifact.Value{
			"perms":  artifact.Map{"read": artifact.Bool(true), "edit": artifact.Bool(true)},
			"layout": artifact.String("compact"),
		}),
	}, "build edit")

	res, err := f.engine.Retrofit(ctx, "run", "build")
	require.NoError(t, err)
	require.NotNil(t, res.Conflicts)
	require.Len(t, res.Conflicts.Entries, 2)

	id := artifact.Identity{Type: "Profile", Name: "Sales"}
	commit, err := f.engine.Resolve(ctx, res.Conflicts.ID, []merge.Resolution{
		{Identity: id, Region: "layout", Value: artifact.String("compact")},
		{Identity: id, Region: "perms", Value: artifact.Map{"read": artifact.Bool(false)}},
	}, "tester")
	require.NoError(t, err)
	assert.Equal(t, []string{build.ID, run.ID}, commit.Parents, "deferred merge commit links both heads")
	assert.Equal(t, commit.ID, f.head(t, "build"))

	final, err := f.graph.MaterializeAt(ctx, commit.ID)
	require.NoError(t, err)
	assert.Equal(t, artifact.Map{"read": artifact.Bool(false)}, final[id].Regions["perms"])
	assert.Equal(t, artifact.String("compact"), final[id].Regions["layout"])
}

func TestRetrofit_DeleteVersusModifyIsWholeArtifactConflict(t *testing.T) {
	f := newFixture(t, merge.PolicyPartial)
	ctx := context.Background()
	f.seed(t)

	f.commit(t, "run", artifact.Change{
		Kind:     artifact.ChangeDelete,
		Identity: artifact.Identity{Type: "Profile", Name: "Sales"},
	}, "retire profile")
	f.commit(t, "build", artifact.Change{
		Kind:     artifact.ChangeModify,
		Identity: artifact.Identity{Type: "Profile", Name: "Sales"},
		Artifact: profile(map[string]artifact.Value{
			"perms":  artifact.Map{"read": artifact.Bool(true)},
			"layout": artifact.String("compact"),
		}),
	}, "rework profile")

	res, err := f.engine.Retrofit(ctx, "run", "build")
	require.NoError(t, err)
	require.NotNil(t, res.Conflicts)
	require.Len(t, res.Conflicts.Entries, 1)
	entry := res.Conflicts.Entries[0]
	assert.Equal(t, merge.RegionWhole, entry.Region)
	assert.Nil(t, entry.Source, "deleted on the source side")
	assert.NotNil(t, entry.Target)

	// The artifact survives at the target's version until resolution.
	merged, err := f.graph.MaterializeAt(ctx, res.Conflicts.PartialCommit)
	require.NoError(t, err)
	assert.Contains(t, merged, artifact.Identity{Type: "Profile", Name: "Sales"})

	// Resolving with nil confirms the delete.
	commit, err := f.engine.Resolve(ctx, res.Conflicts.ID, []merge.Resolution{
		{Identity: artifact.Identity{Type: "Profile", Name: "Sales"}, Region: merge.RegionWhole, Value: nil},
	}, "tester")
	require.NoError(t, err)

	final, err := f.graph.MaterializeAt(ctx, commit.ID)
	require.NoError(t, err)
	assert.NotContains(t, final, artifact.Identity{Type: "Profile", Name: "Sales"})
}

func TestPreview_WritesNothing(t *testing.T) {
	f := newFixture(t, merge.PolicyPartial)
	ctx := context.Background()
	f.seed(t)

	r2 := f.commit(t, "run", artifact.Change{
		Kind:     artifact.ChangeModify,
		Identity: artifact.Identity{Type: "Profile", Name: "Sales"},
		Artifact: profile(map[string]artifact.Value{
			"perms":  artifact.Map{"read": artifact.Bool(false)},
			"layout": artifact.String("standard"),
		}),
	}, "run edit")
	buildHead := f.head(t, "build")

	res, err := f.engine.Preview(ctx, "run", "build")
	require.NoError(t, err)
	require.NotNil(t, res.Commit)
	assert.Empty(t, res.Commit.ID, "preview commit is unsaved")
	assert.Equal(t, []string{buildHead, r2.ID}, res.Commit.Parents)
	require.Len(t, res.Commit.Changes, 1)
	assert.Equal(t, artifact.ChangeModify, res.Commit.Changes[0].Kind)

	// Neither the track head nor the conflict table moved.
	assert.Equal(t, buildHead, f.head(t, "build"))
	open, err := f.store.OpenConflictSet(ctx, "build")
	require.NoError(t, err)
	assert.Nil(t, open)
}
