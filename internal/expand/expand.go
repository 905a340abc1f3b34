// Package expand computes the transitive closure of artifacts that must
// travel together in a deployment. A changed artifact drags in anything it
// references and anything referencing it, so a new field always ships with
// whatever grants access to it.
package expand

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/alcabon/tracksync/internal/artifact"
)

// DefaultMaxHops bounds reference traversal when no limit is configured.
// Expansion is transitive; the bound prevents runaway inclusion on densely
// connected artifact graphs.
const DefaultMaxHops = 3

// Expander walks the artifact reference graph.
type Expander struct {
	maxHops      int
	excludeTypes map[string]bool
}

// New creates an Expander. maxHops <= 0 selects DefaultMaxHops.
// excludeTypes lists artifact types never pulled in by expansion even when
// referenced; explicitly changed artifacts always stay in.
func New(maxHops int, excludeTypes []string) *Expander {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	excluded := make(map[string]bool, len(excludeTypes))
	for _, t := range excludeTypes {
		excluded[t] = true
	}
	return &Expander{maxHops: maxHops, excludeTypes: excluded}
}

// Expand returns the seed identities plus every artifact within maxHops of
// the seeds along reference edges (both directions) in the given universe.
// Artifacts marked NoExpand and artifacts of excluded types are never pulled
// in. The result is a superset of the seeds, sorted for determinism.
func (e *Expander) Expand(seeds []artifact.Identity, universe artifact.Set) ([]artifact.Identity, error) {
	for _, s := range seeds {
		if s.Type == "" || s.Name == "" {
			return nil, fmt.Errorf("expand: invalid seed identity %q", s)
		}
	}

	// Adjacency over declared references, in both directions.
	neighbors := make(map[artifact.Identity][]artifact.Identity)
	for id, a := range universe {
		for _, ref := range a.Refs {
			neighbors[id] = append(neighbors[id], ref)
			neighbors[ref] = append(neighbors[ref], id)
		}
	}

	included := make(map[artifact.Identity]bool, len(seeds))
	frontier := make([]artifact.Identity, 0, len(seeds))
	for _, s := range seeds {
		if !included[s] {
			included[s] = true
			frontier = append(frontier, s)
		}
	}

	for hop := 0; hop < e.maxHops && len(frontier) > 0; hop++ {
		var next []artifact.Identity
		for _, id := range frontier {
			for _, n := range neighbors[id] {
				if included[n] {
					continue
				}
				if e.excludeTypes[n.Type] {
					continue
				}
				if a, ok := universe[n]; ok && a.NoExpand {
					continue
				}
				included[n] = true
				next = append(next, n)
			}
		}
		frontier = next
	}

	out := make([]artifact.Identity, 0, len(included))
	for id := range included {
		out = append(out, id)
	}
	slices.SortFunc(out, func(a, b artifact.Identity) int {
		as, bs := a.String(), b.String()
		if as < bs {
			return -1
		}
		if as > bs {
			return 1
		}
		return 0
	})

	if len(out) > len(seeds) {
		slog.Debug("changeset expanded",
			"seeds", len(seeds),
			"expanded", len(out),
			"max_hops", e.maxHops,
		)
	}
	return out, nil
}
