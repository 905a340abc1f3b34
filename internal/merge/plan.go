package merge

import (
	"fmt"

	"github.com/alcabon/tracksync/internal/artifact"
)

// RenderPlan serializes a merge result to canonical JSON. The output is
// byte-deterministic for a given result, which makes it suitable for golden
// snapshot comparison and for `retrofit --dry-run` output.
func RenderPlan(r *Result) ([]byte, error) {
	obj := artifact.Map{
		"noop": artifact.Bool(r.NoOp),
	}

	if r.Commit != nil {
		changes := make(artifact.List, len(r.Commit.Changes))
		for i, c := range r.Commit.Changes {
			entry := artifact.Map{
				"kind": artifact.String(string(c.Kind)),
				"id":   artifact.String(c.Identity.String()),
			}
			if c.Artifact != nil {
				h, err := c.Artifact.Hash()
				if err != nil {
					return nil, fmt.Errorf("render plan: %w", err)
				}
				entry["content"] = artifact.String(h)
			}
			changes[i] = entry
		}
		obj["commit"] = artifact.Map{
			"parents": stringList(r.Commit.Parents),
			"changes": changes,
		}
	}

	if r.Conflicts != nil {
		entries := make(artifact.List, len(r.Conflicts.Entries))
		for i, e := range r.Conflicts.Entries {
			entries[i] = artifact.Map{
				"id":     artifact.String(e.Identity.String()),
				"region": artifact.String(e.Region),
			}
		}
		obj["conflicts"] = artifact.Map{
			"policy":  artifact.String(string(r.Conflicts.Policy)),
			"entries": entries,
		}
	}

	return artifact.MarshalCanonical(obj)
}

func stringList(ss []string) artifact.List {
	out := make(artifact.List, len(ss))
	for i, s := range ss {
		out[i] = artifact.String(s)
	}
	return out
}
