package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/alcabon/tracksync/internal/artifact"
	"github.com/alcabon/tracksync/internal/event"
	"github.com/alcabon/tracksync/internal/graph"
)

// Store is the conflict-set persistence surface the merge engine requires.
type Store interface {
	WriteConflictSet(ctx context.Context, cs *ConflictSet) error
	GetConflictSet(ctx context.Context, id string) (*ConflictSet, error)
	// OpenConflictSet returns the open conflict set targeting the given
	// track, or nil when the track is clean.
	OpenConflictSet(ctx context.Context, targetTrack string) (*ConflictSet, error)
	MarkConflictResolved(ctx context.Context, id string, resolutions []Resolution, at time.Time) error
}

// UnresolvedConflictsError reports that a track still has an open conflict
// set and cannot take part in a new merge until it is resolved.
type UnresolvedConflictsError struct {
	TrackID       string
	ConflictSetID string
}

func (e *UnresolvedConflictsError) Error() string {
	return fmt.Sprintf("track %s has unresolved conflicts (conflict set %s)", e.TrackID, e.ConflictSetID)
}

// IsUnresolvedConflicts reports whether err is an UnresolvedConflictsError.
func IsUnresolvedConflicts(err error) bool {
	var ue *UnresolvedConflictsError
	return errors.As(err, &ue)
}

// Engine performs ancestry-preserving three-way merges between tracks.
//
// Propagation always happens through merge commits with explicit parent
// links, never by re-authoring a change as a new unrelated commit. Once a
// commit has been merged into a track, any later merge that re-includes it
// is a no-op, detected through ancestry.
type Engine struct {
	graph  *graph.Graph
	store  Store
	events event.Sink
	policy Policy
	newID  func() string
	now    func() time.Time
}

// NewEngine creates a merge engine.
func NewEngine(g *graph.Graph, store Store, events event.Sink, policy Policy, newID func() string, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		graph:  g,
		store:  store,
		events: events,
		policy: policy,
		newID:  newID,
		now:    now,
	}
}

// Retrofit merges everything the source track has that the target lacks,
// using the nearest common ancestor of the two heads as the merge base.
//
// A failed retrofit leaves both tracks untouched: the merge commit advance
// is the final mutation, and conflict sets persist independently of it.
func (e *Engine) Retrofit(ctx context.Context, sourceTrack, targetTrack string) (*Result, error) {
	if open, err := e.store.OpenConflictSet(ctx, targetTrack); err != nil {
		return nil, fmt.Errorf("retrofit %s into %s: %w", sourceTrack, targetTrack, err)
	} else if open != nil {
		return nil, &UnresolvedConflictsError{TrackID: targetTrack, ConflictSetID: open.ID}
	}

	src, err := e.graph.Track(ctx, sourceTrack)
	if err != nil {
		return nil, fmt.Errorf("retrofit %s into %s: %w", sourceTrack, targetTrack, err)
	}
	tgt, err := e.graph.Track(ctx, targetTrack)
	if err != nil {
		return nil, fmt.Errorf("retrofit %s into %s: %w", sourceTrack, targetTrack, err)
	}

	// Nothing on the source yet: trivially contained.
	if src.Head == "" {
		return &Result{NoOp: true}, nil
	}

	// Empty target adopts the source history wholesale (fast-forward).
	if tgt.Head == "" {
		if err := e.graph.Advance(ctx, targetTrack, src.Head); err != nil {
			return nil, fmt.Errorf("retrofit %s into %s: fast-forward: %w", sourceTrack, targetTrack, err)
		}
		c, err := e.graph.Commit(ctx, src.Head)
		if err != nil {
			return nil, fmt.Errorf("retrofit %s into %s: %w", sourceTrack, targetTrack, err)
		}
		slog.Info("retrofit fast-forwarded empty target",
			"source", sourceTrack, "target", targetTrack, "head", src.Head)
		return &Result{Commit: c}, nil
	}

	// Ancestry idempotence: already merged history never re-merges, which
	// is what prevents ghost conflicts when the same fix travels twice.
	contained, err := e.graph.IsAncestor(ctx, src.Head, tgt.Head)
	if err != nil {
		return nil, fmt.Errorf("retrofit %s into %s: %w", sourceTrack, targetTrack, err)
	}
	if contained {
		slog.Debug("retrofit no-op: source contained in target",
			"source", sourceTrack, "target", targetTrack)
		return &Result{NoOp: true}, nil
	}

	base, err := e.graph.NearestCommonAncestor(ctx, src.Head, tgt.Head)
	if err != nil {
		return nil, fmt.Errorf("retrofit %s into %s: %w", sourceTrack, targetTrack, err)
	}

	baseSet, err := e.graph.MaterializeAt(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("retrofit %s into %s: %w", sourceTrack, targetTrack, err)
	}
	srcSet, err := e.graph.MaterializeAt(ctx, src.Head)
	if err != nil {
		return nil, fmt.Errorf("retrofit %s into %s: %w", sourceTrack, targetTrack, err)
	}
	tgtSet, err := e.graph.MaterializeAt(ctx, tgt.Head)
	if err != nil {
		return nil, fmt.Errorf("retrofit %s into %s: %w", sourceTrack, targetTrack, err)
	}

	merged, conflicts, err := mergeSets(baseSet, srcSet, tgtSet)
	if err != nil {
		return nil, fmt.Errorf("retrofit %s into %s: %w", sourceTrack, targetTrack, err)
	}

	if len(conflicts) > 0 && e.policy == PolicyAtomic {
		cs := e.newConflictSet(sourceTrack, targetTrack, base, src.Head, tgt.Head, conflicts)
		if err := e.store.WriteConflictSet(ctx, cs); err != nil {
			return nil, fmt.Errorf("retrofit %s into %s: persist conflicts: %w", sourceTrack, targetTrack, err)
		}
		e.emitConflicts(ctx, cs)
		slog.Warn("retrofit blocked on conflicts",
			"source", sourceTrack, "target", targetTrack,
			"conflict_set", cs.ID, "entries", len(cs.Entries))
		return &Result{Conflicts: cs}, nil
	}

	changes, err := artifact.DiffSets(tgtSet, merged)
	if err != nil {
		return nil, fmt.Errorf("retrofit %s into %s: %w", sourceTrack, targetTrack, err)
	}

	message := fmt.Sprintf("retrofit %s into %s", sourceTrack, targetTrack)
	commit, err := e.graph.CreateCommit(ctx, targetTrack, changes,
		[]string{tgt.Head, src.Head}, "tracksync", message)
	if err != nil {
		return nil, fmt.Errorf("retrofit %s into %s: %w", sourceTrack, targetTrack, err)
	}
	if err := e.graph.Advance(ctx, targetTrack, commit.ID); err != nil {
		return nil, fmt.Errorf("retrofit %s into %s: %w", sourceTrack, targetTrack, err)
	}

	if len(conflicts) == 0 {
		slog.Info("retrofit merged cleanly",
			"source", sourceTrack, "target", targetTrack,
			"commit", commit.ID, "changes", len(changes))
		return &Result{Commit: commit}, nil
	}

	// PolicyPartial: the merge commit carries every non-conflicting edit;
	// conflicted regions stay at the target's version until resolution.
	cs := e.newConflictSet(sourceTrack, targetTrack, base, src.Head, tgt.Head, conflicts)
	cs.PartialCommit = commit.ID
	if err := e.store.WriteConflictSet(ctx, cs); err != nil {
		return nil, fmt.Errorf("retrofit %s into %s: persist conflicts: %w", sourceTrack, targetTrack, err)
	}
	e.emitConflicts(ctx, cs)
	slog.Warn("retrofit merged partially",
		"source", sourceTrack, "target", targetTrack,
		"commit", commit.ID, "conflict_set", cs.ID, "entries", len(cs.Entries))
	return &Result{Commit: commit, Conflicts: cs}, nil
}

// Preview computes what a retrofit would do without writing anything: no
// commit, no conflict set, no events. The returned commit (when any) is
// unsaved and carries no id. Used for dry-run output.
func (e *Engine) Preview(ctx context.Context, sourceTrack, targetTrack string) (*Result, error) {
	src, err := e.graph.Track(ctx, sourceTrack)
	if err != nil {
		return nil, fmt.Errorf("preview retrofit %s into %s: %w", sourceTrack, targetTrack, err)
	}
	tgt, err := e.graph.Track(ctx, targetTrack)
	if err != nil {
		return nil, fmt.Errorf("preview retrofit %s into %s: %w", sourceTrack, targetTrack, err)
	}

	if src.Head == "" {
		return &Result{NoOp: true}, nil
	}
	if tgt.Head == "" {
		c, err := e.graph.Commit(ctx, src.Head)
		if err != nil {
			return nil, fmt.Errorf("preview retrofit %s into %s: %w", sourceTrack, targetTrack, err)
		}
		return &Result{Commit: c}, nil
	}
	contained, err := e.graph.IsAncestor(ctx, src.Head, tgt.Head)
	if err != nil {
		return nil, fmt.Errorf("preview retrofit %s into %s: %w", sourceTrack, targetTrack, err)
	}
	if contained {
		return &Result{NoOp: true}, nil
	}

	base, err := e.graph.NearestCommonAncestor(ctx, src.Head, tgt.Head)
	if err != nil {
		return nil, fmt.Errorf("preview retrofit %s into %s: %w", sourceTrack, targetTrack, err)
	}
	baseSet, err := e.graph.MaterializeAt(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("preview retrofit %s into %s: %w", sourceTrack, targetTrack, err)
	}
	srcSet, err := e.graph.MaterializeAt(ctx, src.Head)
	if err != nil {
		return nil, fmt.Errorf("preview retrofit %s into %s: %w", sourceTrack, targetTrack, err)
	}
	tgtSet, err := e.graph.MaterializeAt(ctx, tgt.Head)
	if err != nil {
		return nil, fmt.Errorf("preview retrofit %s into %s: %w", sourceTrack, targetTrack, err)
	}

	merged, conflicts, err := mergeSets(baseSet, srcSet, tgtSet)
	if err != nil {
		return nil, fmt.Errorf("preview retrofit %s into %s: %w", sourceTrack, targetTrack, err)
	}

	res := &Result{}
	if len(conflicts) > 0 {
		res.Conflicts = &ConflictSet{
			SourceTrack: sourceTrack,
			TargetTrack: targetTrack,
			BaseCommit:  base,
			SourceHead:  src.Head,
			TargetHead:  tgt.Head,
			Policy:      e.policy,
			Entries:     conflicts,
		}
		if e.policy == PolicyAtomic {
			return res, nil
		}
	}

	changes, err := artifact.DiffSets(tgtSet, merged)
	if err != nil {
		return nil, fmt.Errorf("preview retrofit %s into %s: %w", sourceTrack, targetTrack, err)
	}
	res.Commit = &graph.Commit{
		TrackID: targetTrack,
		Parents: []string{tgt.Head, src.Head},
		Changes: changes,
	}
	return res, nil
}

func (e *Engine) newConflictSet(sourceTrack, targetTrack, base, srcHead, tgtHead string, entries []ConflictEntry) *ConflictSet {
	return &ConflictSet{
		ID:          e.newID(),
		SourceTrack: sourceTrack,
		TargetTrack: targetTrack,
		BaseCommit:  base,
		SourceHead:  srcHead,
		TargetHead:  tgtHead,
		Policy:      e.policy,
		Entries:     entries,
		CreatedAt:   e.now().UTC(),
	}
}

func (e *Engine) emitConflicts(ctx context.Context, cs *ConflictSet) {
	e.events.Emit(ctx, event.Event{
		Type: event.TypeMergeConflictDetected,
		At:   e.now().UTC(),
		Fields: map[string]string{
			"conflict_set": cs.ID,
			"source_track": cs.SourceTrack,
			"target_track": cs.TargetTrack,
			"entries":      fmt.Sprintf("%d", len(cs.Entries)),
		},
	})
}

// mergeSets performs the three-way merge of full artifact sets. The returned
// set contains the merged state; conflicted regions keep the target's
// version and are reported as conflict entries.
func mergeSets(baseSet, srcSet, tgtSet artifact.Set) (artifact.Set, []ConflictEntry, error) {
	srcChanges, err := artifact.DiffSets(baseSet, srcSet)
	if err != nil {
		return nil, nil, err
	}
	tgtChanges, err := artifact.DiffSets(baseSet, tgtSet)
	if err != nil {
		return nil, nil, err
	}

	touched := make(map[artifact.Identity]bool)
	for _, c := range srcChanges {
		touched[c.Identity] = true
	}
	for _, c := range tgtChanges {
		touched[c.Identity] = true
	}

	ids := make([]artifact.Identity, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b artifact.Identity) int {
		if a.Type != b.Type {
			if a.Type < b.Type {
				return -1
			}
			return 1
		}
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})

	merged := tgtSet.Clone()
	var conflicts []ConflictEntry

	for _, id := range ids {
		outcome, entries, err := mergeArtifact(id, baseSet[id], srcSet[id], tgtSet[id])
		if err != nil {
			return nil, nil, err
		}
		conflicts = append(conflicts, entries...)
		if outcome == nil {
			delete(merged, id)
		} else {
			merged[id] = outcome
		}
	}
	return merged, conflicts, nil
}

// mergeArtifact merges one artifact. base, src, tgt may each be nil (absent
// on that side). Returns the merged artifact (nil = deleted) plus conflict
// entries for overlapping region edits.
func mergeArtifact(id artifact.Identity, base, src, tgt *artifact.Artifact) (*artifact.Artifact, []ConflictEntry, error) {
	srcChanged, err := sideChanged(base, src)
	if err != nil {
		return nil, nil, fmt.Errorf("merge %s: %w", id, err)
	}
	tgtChanged, err := sideChanged(base, tgt)
	if err != nil {
		return nil, nil, fmt.Errorf("merge %s: %w", id, err)
	}

	switch {
	case !srcChanged:
		return tgt, nil, nil
	case !tgtChanged:
		return src, nil, nil
	}

	// Both sides changed since base.
	if src == nil && tgt == nil {
		// Deleted on both sides: agreement, not a conflict.
		return nil, nil, nil
	}
	if src == nil || tgt == nil {
		// Delete versus modify: nothing sensible to merge automatically.
		// The target's state stands until resolution.
		entry := ConflictEntry{
			Identity: id,
			Region:   RegionWhole,
			Base:     regionsValue(base),
			Source:   regionsValue(src),
			Target:   regionsValue(tgt),
		}
		return tgt, []ConflictEntry{entry}, nil
	}

	// Both present: merge region by region against the base.
	srcDeltas, err := artifact.DiffRegions(base, src)
	if err != nil {
		return nil, nil, fmt.Errorf("merge %s: %w", id, err)
	}
	tgtDeltas, err := artifact.DiffRegions(base, tgt)
	if err != nil {
		return nil, nil, fmt.Errorf("merge %s: %w", id, err)
	}

	tgtByRegion := make(map[string]artifact.RegionDelta, len(tgtDeltas))
	for _, d := range tgtDeltas {
		tgtByRegion[d.Region] = d
	}

	// Start from the target and fold in source-side region edits.
	out := tgt.Clone()
	var conflicts []ConflictEntry

	for _, sd := range srcDeltas {
		td, both := tgtByRegion[sd.Region]
		if !both {
			applyRegion(out, sd.Region, sd.After)
			continue
		}
		same, err := regionBodiesEqual(sd.After, td.After)
		if err != nil {
			return nil, nil, fmt.Errorf("merge %s region %q: %w", id, sd.Region, err)
		}
		if same {
			continue // convergent edit
		}
		conflicts = append(conflicts, ConflictEntry{
			Identity: id,
			Region:   sd.Region,
			Base:     sd.Base,
			Source:   sd.After,
			Target:   td.After,
		})
	}

	mergeDeclarations(out, base, src, tgt)
	return out, conflicts, nil
}

// mergeDeclarations merges the non-region declarations (refs, expansion
// exclusion). Single-side edits win; concurrent ref edits union.
func mergeDeclarations(out *artifact.Artifact, base, src, tgt *artifact.Artifact) {
	var baseRefs []artifact.Identity
	baseNoExpand := false
	if base != nil {
		baseRefs = base.Refs
		baseNoExpand = base.NoExpand
	}

	srcRefsChanged := !refsEqual(baseRefs, src.Refs)
	tgtRefsChanged := !refsEqual(baseRefs, tgt.Refs)
	switch {
	case srcRefsChanged && tgtRefsChanged:
		out.Refs = unionRefs(src.Refs, tgt.Refs)
	case srcRefsChanged:
		out.Refs = src.Refs
	}

	if src.NoExpand != baseNoExpand && tgt.NoExpand == baseNoExpand {
		out.NoExpand = src.NoExpand
	}
}

func applyRegion(a *artifact.Artifact, region string, body artifact.Value) {
	if body == nil {
		delete(a.Regions, region)
		return
	}
	if a.Regions == nil {
		a.Regions = make(map[string]artifact.Value)
	}
	a.Regions[region] = body
}

func sideChanged(base, side *artifact.Artifact) (bool, error) {
	if base == nil && side == nil {
		return false, nil
	}
	if base == nil || side == nil {
		return true, nil
	}
	return !base.Equal(side), nil
}

func regionBodiesEqual(a, b artifact.Value) (bool, error) {
	if a == nil && b == nil {
		return true, nil
	}
	if a == nil || b == nil {
		return false, nil
	}
	ah, err := artifact.RegionHash(a)
	if err != nil {
		return false, err
	}
	bh, err := artifact.RegionHash(b)
	if err != nil {
		return false, err
	}
	return ah == bh, nil
}

// regionsValue flattens an artifact's regions into a Map for whole-artifact
// conflict entries. Nil artifact yields nil.
func regionsValue(a *artifact.Artifact) artifact.Value {
	if a == nil {
		return nil
	}
	m := make(artifact.Map, len(a.Regions))
	for name, body := range a.Regions {
		m[name] = body
	}
	return m
}

func refsEqual(a, b []artifact.Identity) bool {
	if len(a) != len(b) {
		return false
	}
	as := make([]string, len(a))
	bs := make([]string, len(b))
	for i := range a {
		as[i] = a[i].String()
	}
	for i := range b {
		bs[i] = b[i].String()
	}
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(as, bs)
}

func unionRefs(a, b []artifact.Identity) []artifact.Identity {
	seen := make(map[artifact.Identity]bool, len(a)+len(b))
	var out []artifact.Identity
	for _, id := range a {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range b {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	slices.SortFunc(out, func(x, y artifact.Identity) int {
		if x.String() < y.String() {
			return -1
		}
		if x.String() > y.String() {
			return 1
		}
		return 0
	})
	return out
}
