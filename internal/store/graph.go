package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alcabon/tracksync/internal/artifact"
	"github.com/alcabon/tracksync/internal/graph"
)

// CreateTrack inserts a track record. Idempotent: re-creating an existing
// track id is silently ignored, matching at-least-once topology setup.
func (s *Store) CreateTrack(ctx context.Context, t *graph.Track) error {
	if !graph.ValidRoles[t.Role] {
		return fmt.Errorf("create track %s: invalid role %q", t.ID, t.Role)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracks (id, role, environment_id, head, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, t.ID, string(t.Role), t.EnvironmentID, t.Head, formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("create track %s: %w", t.ID, err)
	}
	return nil
}

// GetTrack returns the track record for the given id.
func (s *Store) GetTrack(ctx context.Context, id string) (*graph.Track, error) {
	var (
		t         graph.Track
		role      string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, role, environment_id, head, created_at
		FROM tracks WHERE id = ?
	`, id).Scan(&t.ID, &role, &t.EnvironmentID, &t.Head, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &graph.UnknownTrackError{TrackID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get track %s: %w", id, err)
	}
	t.Role = graph.Role(role)
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("get track %s: %w", id, err)
	}
	return &t, nil
}

// ListTracks returns all tracks ordered by id.
func (s *Store) ListTracks(ctx context.Context) ([]*graph.Track, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, environment_id, head, created_at
		FROM tracks ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list tracks: %w", err)
	}
	defer rows.Close()

	var out []*graph.Track
	for rows.Next() {
		var (
			t         graph.Track
			role      string
			createdAt string
		)
		if err := rows.Scan(&t.ID, &role, &t.EnvironmentID, &t.Head, &createdAt); err != nil {
			return nil, fmt.Errorf("list tracks: %w", err)
		}
		t.Role = graph.Role(role)
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("list tracks: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// SetTrackHead moves a track head with compare-and-swap semantics. The update
// only lands when the stored head still equals prevHead; otherwise the caller
// lost a race and gets a *graph.StaleHeadError.
func (s *Store) SetTrackHead(ctx context.Context, trackID, newHead, prevHead string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tracks SET head = ? WHERE id = ? AND head = ?
	`, newHead, trackID, prevHead)
	if err != nil {
		return fmt.Errorf("set head of track %s: %w", trackID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set head of track %s: %w", trackID, err)
	}
	if n == 0 {
		var actual string
		err := s.db.QueryRowContext(ctx, `SELECT head FROM tracks WHERE id = ?`, trackID).Scan(&actual)
		if errors.Is(err, sql.ErrNoRows) {
			return &graph.UnknownTrackError{TrackID: trackID}
		}
		if err != nil {
			return fmt.Errorf("set head of track %s: %w", trackID, err)
		}
		return &graph.StaleHeadError{TrackID: trackID, Expected: prevHead, Actual: actual}
	}
	return nil
}

// WriteCommit persists a commit with its parent links and changeset in one
// transaction. Commit ids are content-addressed, so re-writing the same
// commit is a no-op (ON CONFLICT DO NOTHING on the commit row guards the
// child tables behind the rows-affected check).
func (s *Store) WriteCommit(ctx context.Context, c *graph.Commit) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO commits (id, track_id, author, message, seq, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, c.ID, c.TrackID, c.Author, c.Message, c.Seq, formatTime(c.CreatedAt))
		if err != nil {
			return fmt.Errorf("write commit %s: %w", c.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("write commit %s: %w", c.ID, err)
		}
		if n == 0 {
			// Already stored; parents and changes are immutable with it.
			return nil
		}

		for i, p := range c.Parents {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO commit_parents (commit_id, ordinal, parent_id)
				VALUES (?, ?, ?)
			`, c.ID, i, p); err != nil {
				return fmt.Errorf("write commit %s parent %d: %w", c.ID, i, err)
			}
		}

		for i, ch := range c.Changes {
			var content []byte
			if ch.Artifact != nil {
				content, err = artifact.Encode(ch.Artifact)
				if err != nil {
					return fmt.Errorf("write commit %s change %s: %w", c.ID, ch.Identity, err)
				}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO commit_changes (commit_id, ordinal, kind, artifact_type, artifact_name, content)
				VALUES (?, ?, ?, ?, ?, ?)
			`, c.ID, i, string(ch.Kind), ch.Identity.Type, ch.Identity.Name, content); err != nil {
				return fmt.Errorf("write commit %s change %s: %w", c.ID, ch.Identity, err)
			}
		}
		return nil
	})
}

// GetCommit loads a commit with its parents and changeset.
func (s *Store) GetCommit(ctx context.Context, id string) (*graph.Commit, error) {
	var (
		c         graph.Commit
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, track_id, author, message, seq, created_at
		FROM commits WHERE id = ?
	`, id).Scan(&c.ID, &c.TrackID, &c.Author, &c.Message, &c.Seq, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &graph.UnknownCommitError{Commit: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get commit %s: %w", id, err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("get commit %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT parent_id FROM commit_parents WHERE commit_id = ? ORDER BY ordinal
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get commit %s parents: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("get commit %s parents: %w", id, err)
		}
		c.Parents = append(c.Parents, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get commit %s parents: %w", id, err)
	}

	chRows, err := s.db.QueryContext(ctx, `
		SELECT kind, artifact_type, artifact_name, content
		FROM commit_changes WHERE commit_id = ? ORDER BY ordinal
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get commit %s changes: %w", id, err)
	}
	defer chRows.Close()
	for chRows.Next() {
		var (
			kind, atype, aname string
			content            []byte
		)
		if err := chRows.Scan(&kind, &atype, &aname, &content); err != nil {
			return nil, fmt.Errorf("get commit %s changes: %w", id, err)
		}
		ch := artifact.Change{
			Kind:     artifact.ChangeKind(kind),
			Identity: artifact.Identity{Type: atype, Name: aname},
		}
		if content != nil {
			a, err := artifact.Decode(content)
			if err != nil {
				return nil, fmt.Errorf("get commit %s change %s: %w", id, ch.Identity, err)
			}
			ch.Artifact = a
		}
		c.Changes = append(c.Changes, ch)
	}
	if err := chRows.Err(); err != nil {
		return nil, fmt.Errorf("get commit %s changes: %w", id, err)
	}

	return &c, nil
}

// HasCommit reports whether a commit id exists.
func (s *Store) HasCommit(ctx context.Context, id string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM commits WHERE id = ?
	`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("has commit %s: %w", id, err)
	}
	return count > 0, nil
}

// MaxCommitSeq returns the highest persisted commit sequence number, or 0 for
// an empty store. The logical clock resumes from here after restart.
func (s *Store) MaxCommitSeq(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM commits`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max commit seq: %w", err)
	}
	return max.Int64, nil
}
