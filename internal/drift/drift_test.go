package drift_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alcabon/tracksync/internal/artifact"
	"github.com/alcabon/tracksync/internal/drift"
	"github.com/alcabon/tracksync/internal/event"
	"github.com/alcabon/tracksync/internal/graph"
	"github.com/alcabon/tracksync/internal/store"
	"github.com/alcabon/tracksync/internal/testutil"
)

type driftFixture struct {
	store    *store.Store
	graph    *graph.Graph
	detector *drift.Detector
	events   *event.Recorder
	now      time.Time
}

func newDriftFixture(t *testing.T, staleness time.Duration) *driftFixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "tracksync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	g, err := graph.New(ctx, st)
	require.NoError(t, err)

	f := &driftFixture{
		store:  st,
		graph:  g,
		events: event.NewRecorder(),
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.detector = drift.NewDetector(g, st, f.events, staleness,
		testutil.NewSequencedIDs("dr").Next,
		func() time.Time { return f.now })

	require.NoError(t, st.CreateEnvironment(ctx, &drift.Environment{ID: "env-prod", Name: "Production"}))
	require.NoError(t, st.CreateTrack(ctx, &graph.Track{
		ID:            "run",
		Role:          graph.RoleRun,
		EnvironmentID: "env-prod",
		CreatedAt:     f.now,
	}))
	return f
}

func art(typ, name, field string) *artifact.Artifact {
	return &artifact.Artifact{
		Identity: artifact.Identity{Type: typ, Name: name},
		Regions:  map[string]artifact.Value{"body": artifact.Map{"field": artifact.String(field)}},
	}
}

// record commits the given artifacts on run, marks the commit as applied,
// and mirrors them into the live set so the environment starts clean.
func (f *driftFixture) record(t *testing.T, artifacts ...*artifact.Artifact) {
	t.Helper()
	ctx := context.Background()

	changes := make([]artifact.Change, len(artifacts))
	for i, a := range artifacts {
		changes[i] = artifact.Change{Kind: artifact.ChangeAdd, Identity: a.Identity, Artifact: a}
	}
	c, err := f.graph.CreateCommit(ctx, "run", changes, nil, "tester", "recorded state")
	require.NoError(t, err)
	require.NoError(t, f.graph.Advance(ctx, "run", c.ID))
	require.NoError(t, f.store.SetLastApplied(ctx, "env-prod", c.ID))

	for _, a := range artifacts {
		require.NoError(t, f.store.PutLiveArtifact(ctx, "env-prod", a))
	}
}

func TestScan_CleanEnvironmentHasNoDrift(t *testing.T) {
	f := newDriftFixture(t, 72*time.Hour)
	f.record(t, art("Field", "Email", "text"))

	records, err := f.detector.Scan(context.Background(), "env-prod")
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Empty(t, f.events.Events())
}

func TestScan_ClassifiesDivergences(t *testing.T) {
	f := newDriftFixture(t, 72*time.Hour)
	ctx := context.Background()
	f.record(t, art("Field", "Email", "text"), art("Field", "Phone", "text"))

	// Out-of-band edits: one added, one modified, one deleted.
	require.NoError(t, f.store.PutLiveArtifact(ctx, "env-prod", art("Field", "Fax", "text")))
	require.NoError(t, f.store.PutLiveArtifact(ctx, "env-prod", art("Field", "Email", "email")))
	require.NoError(t, f.store.DeleteLiveArtifact(ctx, "env-prod", artifact.Identity{Type: "Field", Name: "Phone"}))

	records, err := f.detector.Scan(ctx, "env-prod")
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Sorted by identity: Email, Fax, Phone.
	assert.Equal(t, drift.KindModified, records[0].Kind)
	assert.Equal(t, "Field:Email", records[0].Identity.String())
	assert.Equal(t, drift.KindAddedLiveOnly, records[1].Kind)
	assert.Equal(t, "Field:Fax", records[1].Identity.String())
	assert.Equal(t, drift.KindDeletedLiveOnly, records[2].Kind)
	assert.Equal(t, "Field:Phone", records[2].Identity.String())

	for _, r := range records {
		assert.Equal(t, drift.SeverityNormal, r.Severity)
		assert.Equal(t, f.now, r.DetectedAt)
	}
	assert.Len(t, f.events.OfType(event.TypeDriftDetected), 3)
}

func TestScan_IsIdempotent(t *testing.T) {
	f := newDriftFixture(t, 72*time.Hour)
	ctx := context.Background()
	f.record(t, art("Field", "Email", "text"))
	require.NoError(t, f.store.PutLiveArtifact(ctx, "env-prod", art("Field", "Email", "email")))

	first, err := f.detector.Scan(ctx, "env-prod")
	require.NoError(t, err)
	require.Len(t, first, 1)

	f.now = f.now.Add(time.Hour)
	second, err := f.detector.Scan(ctx, "env-prod")
	require.NoError(t, err)
	require.Len(t, second, 1)

	assert.Equal(t, first[0].ID, second[0].ID, "same divergence keeps the same record")
	assert.Equal(t, first[0].DetectedAt, second[0].DetectedAt, "original detection time preserved")
	assert.Len(t, f.events.OfType(event.TypeDriftDetected), 1, "no duplicate event")
}

func TestScan_ResolvesVanishedDrift(t *testing.T) {
	f := newDriftFixture(t, 72*time.Hour)
	ctx := context.Background()
	f.record(t, art("Field", "Email", "text"))

	require.NoError(t, f.store.PutLiveArtifact(ctx, "env-prod", art("Field", "Email", "email")))
	require.NoError(t, f.store.PutLiveArtifact(ctx, "env-prod", art("Field", "Fax", "text")))

	records, err := f.detector.Scan(ctx, "env-prod")
	require.NoError(t, err)
	require.Len(t, records, 2)

	// The modification is reverted out of band; the addition remains.
	require.NoError(t, f.store.PutLiveArtifact(ctx, "env-prod", art("Field", "Email", "text")))

	records, err = f.detector.Scan(ctx, "env-prod")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Field:Fax", records[0].Identity.String())

	open, _, err := f.store.OpenDriftRecords(ctx, "env-prod")
	require.NoError(t, err)
	require.Len(t, open, 1, "vanished record closed, not deleted")
}

func TestScan_EscalatesStaleRecordsOnce(t *testing.T) {
	f := newDriftFixture(t, 72*time.Hour)
	ctx := context.Background()
	f.record(t, art("Field", "Email", "text"))
	require.NoError(t, f.store.PutLiveArtifact(ctx, "env-prod", art("Field", "Email", "email")))

	records, err := f.detector.Scan(ctx, "env-prod")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, drift.SeverityNormal, records[0].Severity)

	f.now = f.now.Add(73 * time.Hour)
	records, err = f.detector.Scan(ctx, "env-prod")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, drift.SeverityStale, records[0].Severity)

	var stale []event.Event
	for _, ev := range f.events.OfType(event.TypeDriftDetected) {
		if ev.Fields["severity"] == drift.SeverityStale {
			stale = append(stale, ev)
		}
	}
	require.Len(t, stale, 1)

	// Escalation fires once; later scans stay quiet.
	f.now = f.now.Add(time.Hour)
	_, err = f.detector.Scan(ctx, "env-prod")
	require.NoError(t, err)

	stale = nil
	for _, ev := range f.events.OfType(event.TypeDriftDetected) {
		if ev.Fields["severity"] == drift.SeverityStale {
			stale = append(stale, ev)
		}
	}
	assert.Len(t, stale, 1)
}
