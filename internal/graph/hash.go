package graph

import (
	"fmt"

	"github.com/alcabon/tracksync/internal/artifact"
)

// CommitID computes the content-addressed id of a commit. The hash covers
// the track, parent ids, the ordered changeset (artifact hashes, not full
// payloads), authoring metadata, and the logical seq. It is stable across
// restarts: writing the same logical commit twice yields the same id, which
// makes commit writes idempotent.
func CommitID(trackID string, parents []string, changes []artifact.Change, author, message string, seq int64) (string, error) {
	parentList := make(artifact.List, len(parents))
	for i, p := range parents {
		parentList[i] = artifact.String(p)
	}

	changeList := make(artifact.List, len(changes))
	for i, c := range changes {
		entry := artifact.Map{
			"kind": artifact.String(string(c.Kind)),
			"id":   artifact.String(c.Identity.String()),
		}
		if c.Artifact != nil {
			h, err := c.Artifact.Hash()
			if err != nil {
				return "", fmt.Errorf("commit id: change %s: %w", c.Identity, err)
			}
			entry["content"] = artifact.String(h)
		}
		changeList[i] = entry
	}

	obj := artifact.Map{
		"track":   artifact.String(trackID),
		"parents": parentList,
		"changes": changeList,
		"author":  artifact.String(author),
		"message": artifact.String(message),
		"seq":     artifact.Int(seq),
	}

	canonical, err := artifact.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("commit id: %w", err)
	}
	return artifact.HashWithDomain(artifact.DomainCommit, canonical), nil
}
