package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/alcabon/tracksync/internal/artifact"
	"github.com/alcabon/tracksync/internal/drift"
)

// UpsertDriftRecord records an open divergence. The partial unique index on
// open records makes repeated scans idempotent: when an open record for the
// same (environment, identity, kind) already exists, the stored record is
// returned unchanged with inserted=false and its original DetectedAt intact.
func (s *Store) UpsertDriftRecord(ctx context.Context, rec drift.Record) (drift.Record, bool, error) {
	var (
		stored   drift.Record
		inserted bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO drift_records
			(id, environment_id, artifact_type, artifact_name, kind, severity, detected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(environment_id, artifact_type, artifact_name, kind)
			WHERE resolved_at IS NULL DO NOTHING
		`, rec.ID, rec.EnvironmentID, rec.Identity.Type, rec.Identity.Name,
			string(rec.Kind), rec.Severity, formatTime(rec.DetectedAt))
		if err != nil {
			return fmt.Errorf("upsert drift record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("upsert drift record: %w", err)
		}
		inserted = n > 0

		var detectedAt string
		err = tx.QueryRowContext(ctx, `
			SELECT id, severity, detected_at FROM drift_records
			WHERE environment_id = ? AND artifact_type = ? AND artifact_name = ?
			  AND kind = ? AND resolved_at IS NULL
		`, rec.EnvironmentID, rec.Identity.Type, rec.Identity.Name, string(rec.Kind)).
			Scan(&stored.ID, &stored.Severity, &detectedAt)
		if err != nil {
			return fmt.Errorf("upsert drift record: read back: %w", err)
		}
		stored.EnvironmentID = rec.EnvironmentID
		stored.Identity = rec.Identity
		stored.Kind = rec.Kind
		if stored.DetectedAt, err = parseTime(detectedAt); err != nil {
			return fmt.Errorf("upsert drift record: %w", err)
		}
		return nil
	})
	if err != nil {
		return drift.Record{}, false, err
	}
	return stored, inserted, nil
}

// ResolveDriftRecordsExcept closes every open record for the environment
// whose id is not in keep. Records are closed, never deleted.
func (s *Store) ResolveDriftRecordsExcept(ctx context.Context, environmentID string, keep []string, at time.Time) error {
	query := `UPDATE drift_records SET resolved_at = ? WHERE environment_id = ? AND resolved_at IS NULL`
	args := []any{formatTime(at), environmentID}
	if len(keep) > 0 {
		query += ` AND id NOT IN (?` + strings.Repeat(", ?", len(keep)-1) + `)`
		for _, id := range keep {
			args = append(args, id)
		}
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("resolve drift records on %s: %w", environmentID, err)
	}
	return nil
}

// MarkDriftEscalated raises a record to stale severity and flags that its
// escalation event has been emitted.
func (s *Store) MarkDriftEscalated(ctx context.Context, recordID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE drift_records SET severity = ?, escalated = 1 WHERE id = ?
	`, drift.SeverityStale, recordID)
	if err != nil {
		return fmt.Errorf("escalate drift record %s: %w", recordID, err)
	}
	return requireRow(res, fmt.Errorf("escalate drift record %s: no such record", recordID))
}

// OpenDriftRecords returns the environment's open drift records with a
// parallel slice reporting which have already had their escalation emitted.
// Ordered by artifact identity for stable output.
func (s *Store) OpenDriftRecords(ctx context.Context, environmentID string) ([]drift.Record, []bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, artifact_type, artifact_name, kind, severity, escalated, detected_at
		FROM drift_records
		WHERE environment_id = ? AND resolved_at IS NULL
		ORDER BY artifact_type, artifact_name, kind
	`, environmentID)
	if err != nil {
		return nil, nil, fmt.Errorf("open drift records on %s: %w", environmentID, err)
	}
	defer rows.Close()

	var (
		records   []drift.Record
		escalated []bool
	)
	for rows.Next() {
		var (
			rec          drift.Record
			atype, aname string
			kind         string
			esc          int
			detectedAt   string
		)
		if err := rows.Scan(&rec.ID, &atype, &aname, &kind, &rec.Severity, &esc, &detectedAt); err != nil {
			return nil, nil, fmt.Errorf("open drift records on %s: %w", environmentID, err)
		}
		rec.EnvironmentID = environmentID
		rec.Identity = artifact.Identity{Type: atype, Name: aname}
		rec.Kind = drift.Kind(kind)
		if rec.DetectedAt, err = parseTime(detectedAt); err != nil {
			return nil, nil, fmt.Errorf("open drift records on %s: %w", environmentID, err)
		}
		records = append(records, rec)
		escalated = append(escalated, esc != 0)
	}
	return records, escalated, rows.Err()
}
