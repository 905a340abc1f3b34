// Package drift compares an environment's live artifact set against the
// artifact set recorded at its last successfully applied commit, and keeps
// durable records of every divergence until it is resolved.
package drift

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/alcabon/tracksync/internal/artifact"
	"github.com/alcabon/tracksync/internal/event"
	"github.com/alcabon/tracksync/internal/graph"
)

// Kind classifies a divergence between live state and recorded state.
type Kind string

const (
	// KindAddedLiveOnly: the artifact exists live but not at the recorded commit.
	KindAddedLiveOnly Kind = "added-live-only"
	// KindModified: the artifact exists on both sides with different structure.
	KindModified Kind = "modified"
	// KindDeletedLiveOnly: the artifact is recorded but missing live.
	KindDeletedLiveOnly Kind = "deleted-live-only"
)

// Severity of an open drift record.
const (
	SeverityNormal = "normal"
	// SeverityStale marks records older than the staleness threshold:
	// unresolved manual drift accumulating risk.
	SeverityStale = "stale"
)

// Record is one detected divergence. Records are created by a scan and
// resolved either by absorbing the live change into a commit or by the next
// deployment overwriting live state. They are never silently discarded.
type Record struct {
	ID            string
	EnvironmentID string
	Identity      artifact.Identity
	Kind          Kind
	DetectedAt    time.Time
	Severity      string
}

// Environment is the per-target state the detector reads.
type Environment struct {
	ID                string
	Name              string
	LastAppliedCommit string
	Blocked           bool
}

// Store is the persistence surface the detector requires.
type Store interface {
	GetEnvironment(ctx context.Context, id string) (*Environment, error)
	LiveSet(ctx context.Context, environmentID string) (artifact.Set, error)
	// UpsertDriftRecord records an open divergence. When an open record for
	// the same (environment, identity, kind) already exists its original
	// DetectedAt is preserved and the stored record is returned with
	// inserted=false. Scans stay idempotent because of this.
	UpsertDriftRecord(ctx context.Context, rec Record) (stored Record, inserted bool, err error)
	// ResolveDriftRecordsExcept closes every open record for the
	// environment that is NOT in the keep list.
	ResolveDriftRecordsExcept(ctx context.Context, environmentID string, keep []string, at time.Time) error
	// MarkDriftEscalated flags a record whose staleness escalation has been
	// emitted, so the escalation fires once.
	MarkDriftEscalated(ctx context.Context, recordID string) error
	OpenDriftRecords(ctx context.Context, environmentID string) ([]Record, []bool, error)
}

// Detector runs read-only drift scans. Scans take no locks and may run
// concurrently with deployments; a scan racing an in-flight deploy reports
// transient drift that the next scan will not reproduce.
type Detector struct {
	graph     *graph.Graph
	store     Store
	events    event.Sink
	staleness time.Duration
	newID     func() string
	now       func() time.Time
}

// NewDetector creates a drift detector. staleness is the age past which an
// open record escalates to SeverityStale.
func NewDetector(g *graph.Graph, store Store, events event.Sink, staleness time.Duration, newID func() string, now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{
		graph:     g,
		store:     store,
		events:    events,
		staleness: staleness,
		newID:     newID,
		now:       now,
	}
}

// Scan compares the environment's live artifact set to the set materialized
// at its last applied commit and returns the full set of open drift records.
// Running Scan twice with no intervening changes yields identical results.
func (d *Detector) Scan(ctx context.Context, environmentID string) ([]Record, error) {
	env, err := d.store.GetEnvironment(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("drift scan %s: %w", environmentID, err)
	}

	recorded, err := d.graph.MaterializeAt(ctx, env.LastAppliedCommit)
	if err != nil {
		return nil, fmt.Errorf("drift scan %s: %w", environmentID, err)
	}
	live, err := d.store.LiveSet(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("drift scan %s: %w", environmentID, err)
	}

	divergences, err := classify(recorded, live)
	if err != nil {
		return nil, fmt.Errorf("drift scan %s: %w", environmentID, err)
	}

	now := d.now().UTC()
	records := make([]Record, 0, len(divergences))
	keep := make([]string, 0, len(divergences))

	for _, div := range divergences {
		stored, inserted, err := d.store.UpsertDriftRecord(ctx, Record{
			ID:            d.newID(),
			EnvironmentID: environmentID,
			Identity:      div.identity,
			Kind:          div.kind,
			DetectedAt:    now,
			Severity:      SeverityNormal,
		})
		if err != nil {
			return nil, fmt.Errorf("drift scan %s: record %s: %w", environmentID, div.identity, err)
		}
		keep = append(keep, stored.ID)

		if inserted {
			d.events.Emit(ctx, event.Event{
				Type: event.TypeDriftDetected,
				At:   now,
				Fields: map[string]string{
					"environment": environmentID,
					"artifact":    stored.Identity.String(),
					"kind":        string(stored.Kind),
					"severity":    SeverityNormal,
				},
			})
		}
		records = append(records, stored)
	}

	// Divergences that vanished were resolved out of band (absorbed into a
	// commit or overwritten by a deployment). Close them; never delete.
	if err := d.store.ResolveDriftRecordsExcept(ctx, environmentID, keep, now); err != nil {
		return nil, fmt.Errorf("drift scan %s: %w", environmentID, err)
	}

	records, err = d.escalateStale(ctx, environmentID, records, now)
	if err != nil {
		return nil, err
	}

	slog.Info("drift scan complete",
		"environment", environmentID,
		"open_records", len(records),
	)
	return records, nil
}

// escalateStale raises severity on open records older than the threshold and
// emits a one-time escalation event per record.
func (d *Detector) escalateStale(ctx context.Context, environmentID string, records []Record, now time.Time) ([]Record, error) {
	open, escalated, err := d.store.OpenDriftRecords(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("drift scan %s: %w", environmentID, err)
	}
	alreadyEscalated := make(map[string]bool, len(open))
	detectedAt := make(map[string]time.Time, len(open))
	for i, rec := range open {
		alreadyEscalated[rec.ID] = escalated[i]
		detectedAt[rec.ID] = rec.DetectedAt
	}

	for i := range records {
		at, ok := detectedAt[records[i].ID]
		if !ok {
			continue
		}
		if d.staleness <= 0 || now.Sub(at) < d.staleness {
			continue
		}
		records[i].Severity = SeverityStale
		if alreadyEscalated[records[i].ID] {
			continue
		}
		if err := d.store.MarkDriftEscalated(ctx, records[i].ID); err != nil {
			return nil, fmt.Errorf("drift scan %s: escalate %s: %w", environmentID, records[i].ID, err)
		}
		d.events.Emit(ctx, event.Event{
			Type: event.TypeDriftDetected,
			At:   now,
			Fields: map[string]string{
				"environment": environmentID,
				"artifact":    records[i].Identity.String(),
				"kind":        string(records[i].Kind),
				"severity":    SeverityStale,
			},
		})
	}
	return records, nil
}

type divergence struct {
	identity artifact.Identity
	kind     Kind
}

// classify computes the structural divergence between the recorded and live
// sets. Output is sorted by identity for deterministic scans.
func classify(recorded, live artifact.Set) ([]divergence, error) {
	var out []divergence

	for id, liveArt := range live {
		rec, ok := recorded[id]
		if !ok {
			out = append(out, divergence{identity: id, kind: KindAddedLiveOnly})
			continue
		}
		if !rec.Equal(liveArt) {
			out = append(out, divergence{identity: id, kind: KindModified})
		}
	}
	for id := range recorded {
		if _, ok := live[id]; !ok {
			out = append(out, divergence{identity: id, kind: KindDeletedLiveOnly})
		}
	}

	slices.SortFunc(out, func(a, b divergence) int {
		as, bs := a.identity.String(), b.identity.String()
		if as < bs {
			return -1
		}
		if as > bs {
			return 1
		}
		return 0
	})
	return out, nil
}
