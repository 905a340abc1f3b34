package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alcabon/tracksync/internal/artifact"
	"github.com/alcabon/tracksync/internal/deploy"
)

// CreateJob inserts a deployment job record.
func (s *Store) CreateJob(ctx context.Context, j *deploy.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployment_jobs
		(id, environment_id, track_id, commit_id, state, snapshot_id, rollback_attempts, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.EnvironmentID, j.TrackID, j.CommitID, string(j.State),
		j.SnapshotID, j.RollbackAttempts, j.Err, formatTime(j.CreatedAt), formatTime(j.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create job %s: %w", j.ID, err)
	}
	return nil
}

// UpdateJob persists the job's current state.
func (s *Store) UpdateJob(ctx context.Context, j *deploy.Job) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployment_jobs
		SET state = ?, snapshot_id = ?, rollback_attempts = ?, error = ?, updated_at = ?
		WHERE id = ?
	`, string(j.State), j.SnapshotID, j.RollbackAttempts, j.Err, formatTime(j.UpdatedAt), j.ID)
	if err != nil {
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	return requireRow(res, fmt.Errorf("update job %s: no such job", j.ID))
}

// ActiveJob returns the environment's non-terminal job, or nil when the
// environment is idle.
func (s *Store) ActiveJob(ctx context.Context, environmentID string) (*deploy.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, environment_id, track_id, commit_id, state, snapshot_id, rollback_attempts, error, created_at, updated_at
		FROM deployment_jobs
		WHERE environment_id = ? AND state NOT IN (?, ?, ?, ?)
		ORDER BY created_at DESC LIMIT 1
	`, environmentID,
		string(deploy.StateDeployed), string(deploy.StateValidationFailed),
		string(deploy.StateRolledBack), string(deploy.StateRollbackFailed))

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active job on %s: %w", environmentID, err)
	}
	return j, nil
}

// GetJob returns the job record for the given id.
func (s *Store) GetJob(ctx context.Context, id string) (*deploy.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, environment_id, track_id, commit_id, state, snapshot_id, rollback_attempts, error, created_at, updated_at
		FROM deployment_jobs WHERE id = ?
	`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("unknown deployment job %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// ListJobs returns the environment's jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, environmentID string) ([]*deploy.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, environment_id, track_id, commit_id, state, snapshot_id, rollback_attempts, error, created_at, updated_at
		FROM deployment_jobs
		WHERE environment_id = ?
		ORDER BY created_at DESC, id
	`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("list jobs on %s: %w", environmentID, err)
	}
	defer rows.Close()

	var out []*deploy.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs on %s: %w", environmentID, err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*deploy.Job, error) {
	var (
		j                    deploy.Job
		state                string
		createdAt, updatedAt string
	)
	err := row.Scan(&j.ID, &j.EnvironmentID, &j.TrackID, &j.CommitID, &state,
		&j.SnapshotID, &j.RollbackAttempts, &j.Err, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	j.State = deploy.State(state)
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

// Apply upserts and deletes live artifacts in a single transaction. Either
// every change lands or none do; a failed apply leaves live state untouched.
func (s *Store) Apply(ctx context.Context, environmentID string, changes []artifact.Change) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, ch := range changes {
			switch ch.Kind {
			case artifact.ChangeAdd, artifact.ChangeModify:
				content, err := artifact.Encode(ch.Artifact)
				if err != nil {
					return fmt.Errorf("apply %s to %s: %w", ch.Identity, environmentID, err)
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO live_artifacts (environment_id, artifact_type, artifact_name, content)
					VALUES (?, ?, ?, ?)
					ON CONFLICT(environment_id, artifact_type, artifact_name)
					DO UPDATE SET content = excluded.content
				`, environmentID, ch.Identity.Type, ch.Identity.Name, content); err != nil {
					return fmt.Errorf("apply %s to %s: %w", ch.Identity, environmentID, err)
				}
			case artifact.ChangeDelete:
				if _, err := tx.ExecContext(ctx, `
					DELETE FROM live_artifacts
					WHERE environment_id = ? AND artifact_type = ? AND artifact_name = ?
				`, environmentID, ch.Identity.Type, ch.Identity.Name); err != nil {
					return fmt.Errorf("apply %s to %s: %w", ch.Identity, environmentID, err)
				}
			default:
				return fmt.Errorf("apply to %s: unknown change kind %q", environmentID, ch.Kind)
			}
		}
		return nil
	})
}

// Snapshot captures the environment's live set under the given id.
func (s *Store) Snapshot(ctx context.Context, environmentID, snapshotID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (id, environment_id, created_at)
			VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
			ON CONFLICT(id) DO NOTHING
		`, snapshotID, environmentID)
		if err != nil {
			return fmt.Errorf("snapshot %s of %s: %w", snapshotID, environmentID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("snapshot %s of %s: %w", snapshotID, environmentID, err)
		}
		if n == 0 {
			// Snapshot ids are single-use; an existing id means this call
			// already ran.
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshot_artifacts (snapshot_id, artifact_type, artifact_name, content)
			SELECT ?, artifact_type, artifact_name, content
			FROM live_artifacts WHERE environment_id = ?
		`, snapshotID, environmentID); err != nil {
			return fmt.Errorf("snapshot %s of %s: %w", snapshotID, environmentID, err)
		}
		return nil
	})
}

// Restore replaces the environment's live set with a previously taken
// snapshot, atomically.
func (s *Store) Restore(ctx context.Context, environmentID, snapshotID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM snapshots WHERE id = ? AND environment_id = ?
		`, snapshotID, environmentID).Scan(&count); err != nil {
			return fmt.Errorf("restore %s on %s: %w", snapshotID, environmentID, err)
		}
		if count == 0 {
			return fmt.Errorf("restore %s on %s: no such snapshot", snapshotID, environmentID)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM live_artifacts WHERE environment_id = ?
		`, environmentID); err != nil {
			return fmt.Errorf("restore %s on %s: %w", snapshotID, environmentID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO live_artifacts (environment_id, artifact_type, artifact_name, content)
			SELECT ?, artifact_type, artifact_name, content
			FROM snapshot_artifacts WHERE snapshot_id = ?
		`, environmentID, snapshotID); err != nil {
			return fmt.Errorf("restore %s on %s: %w", snapshotID, environmentID, err)
		}
		return nil
	})
}
