package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alcabon/tracksync/internal/artifact"
	"github.com/alcabon/tracksync/internal/merge"
)

// WriteConflictSet persists a conflict set and its entries in one
// transaction. Idempotent on the conflict set id.
func (s *Store) WriteConflictSet(ctx context.Context, cs *merge.ConflictSet) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO conflict_sets
			(id, source_track, target_track, base_commit, source_head, target_head, partial_commit, policy, created_at, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
			ON CONFLICT(id) DO NOTHING
		`, cs.ID, cs.SourceTrack, cs.TargetTrack, cs.BaseCommit, cs.SourceHead,
			cs.TargetHead, cs.PartialCommit, string(cs.Policy), formatTime(cs.CreatedAt))
		if err != nil {
			return fmt.Errorf("write conflict set %s: %w", cs.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("write conflict set %s: %w", cs.ID, err)
		}
		if n == 0 {
			return nil
		}

		for i, e := range cs.Entries {
			base, err := marshalValue(e.Base)
			if err != nil {
				return fmt.Errorf("write conflict set %s entry %s: %w", cs.ID, e.Identity, err)
			}
			source, err := marshalValue(e.Source)
			if err != nil {
				return fmt.Errorf("write conflict set %s entry %s: %w", cs.ID, e.Identity, err)
			}
			target, err := marshalValue(e.Target)
			if err != nil {
				return fmt.Errorf("write conflict set %s entry %s: %w", cs.ID, e.Identity, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conflict_entries
				(conflict_set_id, ordinal, artifact_type, artifact_name, region, base_value, source_value, target_value)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, cs.ID, i, e.Identity.Type, e.Identity.Name, e.Region, base, source, target); err != nil {
				return fmt.Errorf("write conflict set %s entry %s: %w", cs.ID, e.Identity, err)
			}
		}
		return nil
	})
}

// GetConflictSet loads a conflict set with its entries.
func (s *Store) GetConflictSet(ctx context.Context, id string) (*merge.ConflictSet, error) {
	cs, err := s.scanConflictSet(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if cs == nil {
		return nil, fmt.Errorf("unknown conflict set %s", id)
	}
	return cs, nil
}

// OpenConflictSet returns the open conflict set targeting the given track, or
// nil when the track is clean. The partial unique index guarantees at most
// one.
func (s *Store) OpenConflictSet(ctx context.Context, targetTrack string) (*merge.ConflictSet, error) {
	return s.scanConflictSet(ctx, `WHERE target_track = ? AND resolved_at IS NULL`, targetTrack)
}

// MarkConflictResolved closes a conflict set and records the chosen
// resolutions for audit.
func (s *Store) MarkConflictResolved(ctx context.Context, id string, resolutions []merge.Resolution, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE conflict_sets SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL
		`, formatTime(at), id)
		if err != nil {
			return fmt.Errorf("resolve conflict set %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("resolve conflict set %s: %w", id, err)
		}
		if n == 0 {
			return fmt.Errorf("resolve conflict set %s: not found or already resolved", id)
		}

		for i, r := range resolutions {
			value, err := marshalValue(r.Value)
			if err != nil {
				return fmt.Errorf("resolve conflict set %s resolution %s: %w", id, r.Identity, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conflict_resolutions
				(conflict_set_id, ordinal, artifact_type, artifact_name, region, value)
				VALUES (?, ?, ?, ?, ?, ?)
			`, id, i, r.Identity.Type, r.Identity.Name, r.Region, value); err != nil {
				return fmt.Errorf("resolve conflict set %s resolution %s: %w", id, r.Identity, err)
			}
		}
		return nil
	})
}

func (s *Store) scanConflictSet(ctx context.Context, where string, arg string) (*merge.ConflictSet, error) {
	var (
		cs         merge.ConflictSet
		policy     string
		createdAt  string
		resolvedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_track, target_track, base_commit, source_head, target_head, partial_commit, policy, created_at, resolved_at
		FROM conflict_sets `+where, arg).
		Scan(&cs.ID, &cs.SourceTrack, &cs.TargetTrack, &cs.BaseCommit, &cs.SourceHead,
			&cs.TargetHead, &cs.PartialCommit, &policy, &createdAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conflict set: %w", err)
	}
	cs.Policy = merge.Policy(policy)
	if cs.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("load conflict set %s: %w", cs.ID, err)
	}
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("load conflict set %s: %w", cs.ID, err)
		}
		cs.ResolvedAt = &t
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_type, artifact_name, region, base_value, source_value, target_value
		FROM conflict_entries WHERE conflict_set_id = ? ORDER BY ordinal
	`, cs.ID)
	if err != nil {
		return nil, fmt.Errorf("load conflict set %s entries: %w", cs.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			atype, aname, region string
			base, source, target []byte
		)
		if err := rows.Scan(&atype, &aname, &region, &base, &source, &target); err != nil {
			return nil, fmt.Errorf("load conflict set %s entries: %w", cs.ID, err)
		}
		e := merge.ConflictEntry{
			Identity: artifact.Identity{Type: atype, Name: aname},
			Region:   region,
		}
		if e.Base, err = unmarshalValue(base); err != nil {
			return nil, fmt.Errorf("load conflict set %s entry %s: %w", cs.ID, e.Identity, err)
		}
		if e.Source, err = unmarshalValue(source); err != nil {
			return nil, fmt.Errorf("load conflict set %s entry %s: %w", cs.ID, e.Identity, err)
		}
		if e.Target, err = unmarshalValue(target); err != nil {
			return nil, fmt.Errorf("load conflict set %s entry %s: %w", cs.ID, e.Identity, err)
		}
		cs.Entries = append(cs.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load conflict set %s entries: %w", cs.ID, err)
	}
	return &cs, nil
}

// marshalValue serializes a region body to canonical JSON; nil maps to NULL.
func marshalValue(v artifact.Value) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return artifact.MarshalCanonical(v)
}

// unmarshalValue parses a stored region body; NULL maps to nil.
func unmarshalValue(data []byte) (artifact.Value, error) {
	if data == nil {
		return nil, nil
	}
	return artifact.UnmarshalValue(data)
}
