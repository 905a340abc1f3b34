package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alcabon/tracksync/internal/artifact"
	"github.com/alcabon/tracksync/internal/drift"
)

// UnknownEnvironmentError reports a reference to an environment id absent
// from the store.
type UnknownEnvironmentError struct {
	EnvironmentID string
}

func (e *UnknownEnvironmentError) Error() string {
	return fmt.Sprintf("unknown environment %s", e.EnvironmentID)
}

// CreateEnvironment inserts an environment record. Idempotent on id.
func (s *Store) CreateEnvironment(ctx context.Context, env *drift.Environment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO environments (id, name, last_applied_commit, blocked)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, env.ID, env.Name, env.LastAppliedCommit, boolToInt(env.Blocked))
	if err != nil {
		return fmt.Errorf("create environment %s: %w", env.ID, err)
	}
	return nil
}

// GetEnvironment returns the environment record for the given id.
func (s *Store) GetEnvironment(ctx context.Context, id string) (*drift.Environment, error) {
	var (
		env     drift.Environment
		blocked int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, last_applied_commit, blocked
		FROM environments WHERE id = ?
	`, id).Scan(&env.ID, &env.Name, &env.LastAppliedCommit, &blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &UnknownEnvironmentError{EnvironmentID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get environment %s: %w", id, err)
	}
	env.Blocked = blocked != 0
	return &env, nil
}

// ListEnvironments returns all environments ordered by id.
func (s *Store) ListEnvironments(ctx context.Context) ([]*drift.Environment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, last_applied_commit, blocked
		FROM environments ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	var out []*drift.Environment
	for rows.Next() {
		var (
			env     drift.Environment
			blocked int
		)
		if err := rows.Scan(&env.ID, &env.Name, &env.LastAppliedCommit, &blocked); err != nil {
			return nil, fmt.Errorf("list environments: %w", err)
		}
		env.Blocked = blocked != 0
		out = append(out, &env)
	}
	return out, rows.Err()
}

// SetLastApplied records the commit an environment now reflects.
func (s *Store) SetLastApplied(ctx context.Context, environmentID, commitID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE environments SET last_applied_commit = ? WHERE id = ?
	`, commitID, environmentID)
	if err != nil {
		return fmt.Errorf("set last applied on %s: %w", environmentID, err)
	}
	return requireRow(res, &UnknownEnvironmentError{EnvironmentID: environmentID})
}

// BlockEnvironment takes an environment out of automated service.
func (s *Store) BlockEnvironment(ctx context.Context, environmentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE environments SET blocked = 1 WHERE id = ?
	`, environmentID)
	if err != nil {
		return fmt.Errorf("block environment %s: %w", environmentID, err)
	}
	return requireRow(res, &UnknownEnvironmentError{EnvironmentID: environmentID})
}

// UnblockEnvironment returns a blocked environment to service. This is the
// manual-intervention path after a failed rollback.
func (s *Store) UnblockEnvironment(ctx context.Context, environmentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE environments SET blocked = 0 WHERE id = ?
	`, environmentID)
	if err != nil {
		return fmt.Errorf("unblock environment %s: %w", environmentID, err)
	}
	return requireRow(res, &UnknownEnvironmentError{EnvironmentID: environmentID})
}

// LiveSet loads the environment's live artifact set.
func (s *Store) LiveSet(ctx context.Context, environmentID string) (artifact.Set, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content FROM live_artifacts WHERE environment_id = ?
	`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("live set of %s: %w", environmentID, err)
	}
	defer rows.Close()

	set := make(artifact.Set)
	for rows.Next() {
		var content []byte
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("live set of %s: %w", environmentID, err)
		}
		a, err := artifact.Decode(content)
		if err != nil {
			return nil, fmt.Errorf("live set of %s: %w", environmentID, err)
		}
		set[a.Identity] = a
	}
	return set, rows.Err()
}

// PutLiveArtifact upserts a single live artifact outside any deployment.
// This models out-of-band manual changes; drift scans pick them up.
func (s *Store) PutLiveArtifact(ctx context.Context, environmentID string, a *artifact.Artifact) error {
	content, err := artifact.Encode(a)
	if err != nil {
		return fmt.Errorf("put live artifact %s on %s: %w", a.Identity, environmentID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO live_artifacts (environment_id, artifact_type, artifact_name, content)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(environment_id, artifact_type, artifact_name)
		DO UPDATE SET content = excluded.content
	`, environmentID, a.Identity.Type, a.Identity.Name, content)
	if err != nil {
		return fmt.Errorf("put live artifact %s on %s: %w", a.Identity, environmentID, err)
	}
	return nil
}

// DeleteLiveArtifact removes a single live artifact outside any deployment.
func (s *Store) DeleteLiveArtifact(ctx context.Context, environmentID string, id artifact.Identity) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM live_artifacts
		WHERE environment_id = ? AND artifact_type = ? AND artifact_name = ?
	`, environmentID, id.Type, id.Name)
	if err != nil {
		return fmt.Errorf("delete live artifact %s on %s: %w", id, environmentID, err)
	}
	return nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
