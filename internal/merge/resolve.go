package merge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alcabon/tracksync/internal/artifact"
	"github.com/alcabon/tracksync/internal/graph"
)

// resolutionKey indexes resolutions and entries by (artifact, region).
type resolutionKey struct {
	id     artifact.Identity
	region string
}

// Resolve closes an open conflict set by applying the caller's chosen
// content for every entry. Resolution is all-or-nothing: every open entry
// must be covered, and no resolution may target a region that was never in
// conflict.
//
// Under PolicyPartial the resolution lands as a regular commit on top of the
// partial merge commit. Under PolicyAtomic it completes the original merge:
// a two-parent merge commit (old target head, source head) carrying the full
// merged state plus the resolutions.
func (e *Engine) Resolve(ctx context.Context, conflictSetID string, resolutions []Resolution, author string) (*graph.Commit, error) {
	cs, err := e.store.GetConflictSet(ctx, conflictSetID)
	if err != nil {
		return nil, fmt.Errorf("resolve conflict set %s: %w", conflictSetID, err)
	}
	if !cs.Open() {
		return nil, fmt.Errorf("resolve conflict set %s: already resolved", conflictSetID)
	}

	chosen := make(map[resolutionKey]Resolution, len(resolutions))
	for _, r := range resolutions {
		k := resolutionKey{id: r.Identity, region: r.Region}
		if _, dup := chosen[k]; dup {
			return nil, fmt.Errorf("resolve conflict set %s: duplicate resolution for %s region %q",
				conflictSetID, r.Identity, r.Region)
		}
		chosen[k] = r
	}
	for _, entry := range cs.Entries {
		if _, ok := chosen[resolutionKey{id: entry.Identity, region: entry.Region}]; !ok {
			return nil, fmt.Errorf("resolve conflict set %s: missing resolution for %s region %q",
				conflictSetID, entry.Identity, entry.Region)
		}
	}
	if len(chosen) != len(cs.Entries) {
		return nil, fmt.Errorf("resolve conflict set %s: %d resolutions for %d entries",
			conflictSetID, len(chosen), len(cs.Entries))
	}

	tgt, err := e.graph.Track(ctx, cs.TargetTrack)
	if err != nil {
		return nil, fmt.Errorf("resolve conflict set %s: %w", conflictSetID, err)
	}

	var commit *graph.Commit
	switch cs.Policy {
	case PolicyAtomic:
		commit, err = e.resolveAtomic(ctx, cs, tgt, chosen, author)
	default:
		commit, err = e.resolvePartial(ctx, cs, tgt, chosen, author)
	}
	if err != nil {
		return nil, err
	}

	if err := e.graph.Advance(ctx, cs.TargetTrack, commit.ID); err != nil {
		return nil, fmt.Errorf("resolve conflict set %s: %w", conflictSetID, err)
	}
	if err := e.store.MarkConflictResolved(ctx, cs.ID, resolutions, e.now().UTC()); err != nil {
		return nil, fmt.Errorf("resolve conflict set %s: %w", conflictSetID, err)
	}

	slog.Info("conflict set resolved",
		"conflict_set", cs.ID,
		"target_track", cs.TargetTrack,
		"commit", commit.ID,
		"entries", len(cs.Entries),
	)
	return commit, nil
}

// resolvePartial lays the chosen content on top of the partial merge commit.
func (e *Engine) resolvePartial(ctx context.Context, cs *ConflictSet, tgt *graph.Track, chosen map[resolutionKey]Resolution, author string) (*graph.Commit, error) {
	if tgt.Head != cs.PartialCommit {
		return nil, &graph.StaleHeadError{TrackID: cs.TargetTrack, Expected: cs.PartialCommit, Actual: tgt.Head}
	}

	headSet, err := e.graph.MaterializeAt(ctx, tgt.Head)
	if err != nil {
		return nil, fmt.Errorf("resolve conflict set %s: %w", cs.ID, err)
	}

	resolvedSet, err := applyResolutions(headSet, cs.Entries, chosen)
	if err != nil {
		return nil, fmt.Errorf("resolve conflict set %s: %w", cs.ID, err)
	}

	changes, err := artifact.DiffSets(headSet, resolvedSet)
	if err != nil {
		return nil, fmt.Errorf("resolve conflict set %s: %w", cs.ID, err)
	}

	message := fmt.Sprintf("resolve conflicts from retrofit of %s", cs.SourceTrack)
	commit, err := e.graph.CreateCommit(ctx, cs.TargetTrack, changes, []string{tgt.Head}, author, message)
	if err != nil {
		return nil, fmt.Errorf("resolve conflict set %s: %w", cs.ID, err)
	}
	return commit, nil
}

// resolveAtomic re-runs the blocked merge with resolutions settling every
// conflicted region, producing the deferred two-parent merge commit.
func (e *Engine) resolveAtomic(ctx context.Context, cs *ConflictSet, tgt *graph.Track, chosen map[resolutionKey]Resolution, author string) (*graph.Commit, error) {
	if tgt.Head != cs.TargetHead {
		return nil, &graph.StaleHeadError{TrackID: cs.TargetTrack, Expected: cs.TargetHead, Actual: tgt.Head}
	}

	baseSet, err := e.graph.MaterializeAt(ctx, cs.BaseCommit)
	if err != nil {
		return nil, fmt.Errorf("resolve conflict set %s: %w", cs.ID, err)
	}
	srcSet, err := e.graph.MaterializeAt(ctx, cs.SourceHead)
	if err != nil {
		return nil, fmt.Errorf("resolve conflict set %s: %w", cs.ID, err)
	}
	tgtSet, err := e.graph.MaterializeAt(ctx, cs.TargetHead)
	if err != nil {
		return nil, fmt.Errorf("resolve conflict set %s: %w", cs.ID, err)
	}

	merged, conflicts, err := mergeSets(baseSet, srcSet, tgtSet)
	if err != nil {
		return nil, fmt.Errorf("resolve conflict set %s: %w", cs.ID, err)
	}

	resolvedSet, err := applyResolutions(merged, conflicts, chosen)
	if err != nil {
		return nil, fmt.Errorf("resolve conflict set %s: %w", cs.ID, err)
	}

	changes, err := artifact.DiffSets(tgtSet, resolvedSet)
	if err != nil {
		return nil, fmt.Errorf("resolve conflict set %s: %w", cs.ID, err)
	}

	message := fmt.Sprintf("retrofit %s into %s (resolved)", cs.SourceTrack, cs.TargetTrack)
	commit, err := e.graph.CreateCommit(ctx, cs.TargetTrack, changes,
		[]string{cs.TargetHead, cs.SourceHead}, author, message)
	if err != nil {
		return nil, fmt.Errorf("resolve conflict set %s: %w", cs.ID, err)
	}
	return commit, nil
}

// applyResolutions folds chosen values into a set. RegionWhole resolutions
// replace or delete the whole artifact; named regions replace or delete
// that region only.
func applyResolutions(set artifact.Set, entries []ConflictEntry, chosen map[resolutionKey]Resolution) (artifact.Set, error) {
	out := set.Clone()
	for _, entry := range entries {
		r, ok := chosen[resolutionKey{id: entry.Identity, region: entry.Region}]
		if !ok {
			// Entries recomputed under PolicyAtomic must match the
			// persisted set the caller resolved against.
			return nil, fmt.Errorf("no resolution for %s region %q", entry.Identity, entry.Region)
		}

		if entry.Region == RegionWhole {
			if r.Value == nil {
				delete(out, entry.Identity)
				continue
			}
			regions, ok := r.Value.(artifact.Map)
			if !ok {
				return nil, fmt.Errorf("whole-artifact resolution for %s must be a region map, got %T",
					entry.Identity, r.Value)
			}
			kept := out[entry.Identity]
			next := &artifact.Artifact{Identity: entry.Identity, Regions: make(map[string]artifact.Value, len(regions))}
			if kept != nil {
				next.Refs = kept.Refs
				next.NoExpand = kept.NoExpand
			}
			for name, body := range regions {
				next.Regions[name] = body
			}
			out[entry.Identity] = next
			continue
		}

		current := out[entry.Identity]
		if current == nil {
			return nil, fmt.Errorf("resolution targets %s which is absent from the merged state", entry.Identity)
		}
		next := current.Clone()
		applyRegion(next, entry.Region, r.Value)
		out[entry.Identity] = next
	}
	return out, nil
}
