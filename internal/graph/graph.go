package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alcabon/tracksync/internal/artifact"
)

// Store is the persistence surface the graph requires. Implemented by the
// SQLite store; tests may substitute their own.
type Store interface {
	GetTrack(ctx context.Context, id string) (*Track, error)
	// SetTrackHead moves a track head with compare-and-swap semantics:
	// it fails with *StaleHeadError when the stored head is not prevHead.
	SetTrackHead(ctx context.Context, trackID, newHead, prevHead string) error
	WriteCommit(ctx context.Context, c *Commit) error
	GetCommit(ctx context.Context, id string) (*Commit, error)
	HasCommit(ctx context.Context, id string) (bool, error)
	MaxCommitSeq(ctx context.Context) (int64, error)
}

// Graph provides the append-only commit history per track.
//
// Ownership: the graph owns commits and track pointers exclusively. Nothing
// else writes them.
type Graph struct {
	store Store
	clock *Clock
	now   func() time.Time
}

// Option configures a Graph.
type Option func(*Graph)

// WithNow overrides the wall-clock source. Used by tests for deterministic
// commit timestamps.
func WithNow(now func() time.Time) Option {
	return func(g *Graph) {
		g.now = now
	}
}

// New creates a Graph over the given store. The logical clock resumes from
// the highest persisted commit seq so restarts never reuse sequence numbers.
func New(ctx context.Context, store Store, opts ...Option) (*Graph, error) {
	maxSeq, err := store.MaxCommitSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("resume commit clock: %w", err)
	}
	g := &Graph{
		store: store,
		clock: NewClockAt(maxSeq),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Clock returns the graph's logical clock.
func (g *Graph) Clock() *Clock {
	return g.clock
}

// CreateCommit writes a new commit for a track. Parents must already exist
// in the graph; at most two are permitted and two parents are reserved for
// merges. The commit id is content-addressed, so writing the same logical
// commit twice is idempotent.
//
// CreateCommit does NOT move the track head; callers Advance separately
// (or atomically from the caller's perspective, under the track lock).
func (g *Graph) CreateCommit(ctx context.Context, trackID string, changes []artifact.Change, parents []string, author, message string) (*Commit, error) {
	if _, err := g.store.GetTrack(ctx, trackID); err != nil {
		return nil, fmt.Errorf("create commit on track %s: %w", trackID, err)
	}
	if len(parents) > 2 {
		return nil, fmt.Errorf("create commit on track %s: %d parents, at most 2 permitted", trackID, len(parents))
	}
	for _, p := range parents {
		ok, err := g.store.HasCommit(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("create commit on track %s: %w", trackID, err)
		}
		if !ok {
			return nil, fmt.Errorf("create commit on track %s: %w", trackID, &UnknownCommitError{Commit: p})
		}
	}
	if err := artifact.ValidateChanges(changes); err != nil {
		return nil, fmt.Errorf("create commit on track %s: %w", trackID, err)
	}

	ordered := make([]artifact.Change, len(changes))
	copy(ordered, changes)
	artifact.SortChanges(ordered)

	seq := g.clock.Next()
	id, err := CommitID(trackID, parents, ordered, author, message, seq)
	if err != nil {
		return nil, fmt.Errorf("create commit on track %s: %w", trackID, err)
	}

	c := &Commit{
		ID:        id,
		TrackID:   trackID,
		Parents:   parents,
		Changes:   ordered,
		Author:    author,
		Message:   message,
		Seq:       seq,
		CreatedAt: g.now().UTC(),
	}
	if err := g.store.WriteCommit(ctx, c); err != nil {
		return nil, fmt.Errorf("create commit on track %s: %w", trackID, err)
	}

	slog.Debug("commit created",
		"track", trackID,
		"commit", c.ID,
		"parents", len(parents),
		"changes", len(ordered),
		"seq", seq,
	)
	return c, nil
}

// Advance moves a track head to the given commit. The commit must descend
// from the current head; otherwise Advance fails with *NonLinearAdvanceError
// and the track is untouched. This is what prevents history loss.
func (g *Graph) Advance(ctx context.Context, trackID, commitID string) error {
	track, err := g.store.GetTrack(ctx, trackID)
	if err != nil {
		return fmt.Errorf("advance track %s: %w", trackID, err)
	}

	ok, err := g.store.HasCommit(ctx, commitID)
	if err != nil {
		return fmt.Errorf("advance track %s: %w", trackID, err)
	}
	if !ok {
		return fmt.Errorf("advance track %s: %w", trackID, &UnknownCommitError{Commit: commitID})
	}

	if track.Head != "" {
		descends, err := g.IsAncestor(ctx, track.Head, commitID)
		if err != nil {
			return fmt.Errorf("advance track %s: %w", trackID, err)
		}
		if !descends {
			return &NonLinearAdvanceError{TrackID: trackID, Head: track.Head, Commit: commitID}
		}
	}

	if err := g.store.SetTrackHead(ctx, trackID, commitID, track.Head); err != nil {
		return fmt.Errorf("advance track %s: %w", trackID, err)
	}

	slog.Info("track advanced",
		"track", trackID,
		"head", commitID,
	)
	return nil
}

// AncestorsOf returns the set of commit ids reachable from the given commit,
// including the commit itself.
func (g *Graph) AncestorsOf(ctx context.Context, commitID string) (map[string]bool, error) {
	seen := make(map[string]bool)
	frontier := []string{commitID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		c, err := g.store.GetCommit(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("ancestors of %s: %w", commitID, err)
		}
		frontier = append(frontier, c.Parents...)
	}
	return seen, nil
}

// IsAncestor reports whether a is reachable from b via parent links.
// A commit is considered its own ancestor.
func (g *Graph) IsAncestor(ctx context.Context, a, b string) (bool, error) {
	if a == b {
		return true, nil
	}
	seen := make(map[string]bool)
	frontier := []string{b}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if id == a {
			return true, nil
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		c, err := g.store.GetCommit(ctx, id)
		if err != nil {
			return false, fmt.Errorf("is-ancestor %s of %s: %w", a, b, err)
		}
		frontier = append(frontier, c.Parents...)
	}
	return false, nil
}

// NearestCommonAncestor returns the merge base of two commits: the first
// ancestor of b (breadth-first, parent order) that is also an ancestor of a.
// Returns "" when the histories share no commit, which is the case before
// the first merge ever connects two tracks.
func (g *Graph) NearestCommonAncestor(ctx context.Context, a, b string) (string, error) {
	ancestorsA, err := g.AncestorsOf(ctx, a)
	if err != nil {
		return "", err
	}

	seen := make(map[string]bool)
	frontier := []string{b}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		if ancestorsA[id] {
			return id, nil
		}

		c, err := g.store.GetCommit(ctx, id)
		if err != nil {
			return "", fmt.Errorf("common ancestor of %s and %s: %w", a, b, err)
		}
		frontier = append(frontier, c.Parents...)
	}
	return "", nil
}

// MaterializeAt reconstructs the full artifact set recorded at a commit.
// Each commit's changes are the delta against its first parent, so the set
// is rebuilt by replaying the first-parent chain from the root forward.
// An empty commit id materializes to an empty set.
func (g *Graph) MaterializeAt(ctx context.Context, commitID string) (artifact.Set, error) {
	set := make(artifact.Set)
	if commitID == "" {
		return set, nil
	}

	var chain []*Commit
	id := commitID
	for id != "" {
		c, err := g.store.GetCommit(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("materialize %s: %w", commitID, err)
		}
		chain = append(chain, c)
		if len(c.Parents) == 0 {
			break
		}
		id = c.Parents[0]
	}

	for i := len(chain) - 1; i >= 0; i-- {
		next, err := set.Apply(chain[i].Changes)
		if err != nil {
			return nil, fmt.Errorf("materialize %s at %s: %w", commitID, chain[i].ID, err)
		}
		set = next
	}
	return set, nil
}

// Track returns the track record for the given id.
func (g *Graph) Track(ctx context.Context, id string) (*Track, error) {
	return g.store.GetTrack(ctx, id)
}

// Commit returns the commit record for the given id.
func (g *Graph) Commit(ctx context.Context, id string) (*Commit, error) {
	return g.store.GetCommit(ctx, id)
}
