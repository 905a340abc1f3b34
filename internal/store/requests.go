package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ClaimRequest registers a client-supplied request id. The first claim wins
// and returns claimed=true; replays return claimed=false together with the
// result recorded for the original execution. This is what makes engine
// commands safe to retry.
func (s *Store) ClaimRequest(ctx context.Context, id, kind string, at time.Time) (claimed bool, priorResult string, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO requests (id, kind, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, id, kind, formatTime(at))
		if err != nil {
			return fmt.Errorf("claim request %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim request %s: %w", id, err)
		}
		if n > 0 {
			claimed = true
			return nil
		}

		var priorKind string
		if err := tx.QueryRowContext(ctx, `
			SELECT kind, result FROM requests WHERE id = ?
		`, id).Scan(&priorKind, &priorResult); err != nil {
			return fmt.Errorf("claim request %s: read prior: %w", id, err)
		}
		if priorKind != kind {
			return fmt.Errorf("request id %s reused across command kinds (%s, then %s)", id, priorKind, kind)
		}
		return nil
	})
	return claimed, priorResult, err
}

// ReleaseRequest frees a claimed request whose execution failed before a
// result was recorded, so the caller can retry with the same id. Requests
// that already carry a result are left alone.
func (s *Store) ReleaseRequest(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM requests WHERE id = ? AND result = ''
	`, id)
	if err != nil {
		return fmt.Errorf("release request %s: %w", id, err)
	}
	return nil
}

// RecordRequestResult stores the outcome of a claimed request so replays can
// return it without re-executing.
func (s *Store) RecordRequestResult(ctx context.Context, id, result string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE requests SET result = ? WHERE id = ?
	`, result, id)
	if err != nil {
		return fmt.Errorf("record request result %s: %w", id, err)
	}
	return requireRow(res, fmt.Errorf("record request result %s: no such request", id))
}
