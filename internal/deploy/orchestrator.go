// Package deploy promotes committed artifact sets into live environments.
// A deployment is a job with an explicit state machine: validate, snapshot,
// apply, and on failure roll back to the snapshot. At most one job may be
// active per environment.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alcabon/tracksync/internal/artifact"
	"github.com/alcabon/tracksync/internal/drift"
	"github.com/alcabon/tracksync/internal/event"
	"github.com/alcabon/tracksync/internal/expand"
	"github.com/alcabon/tracksync/internal/graph"
)

// Store is the persistence surface the orchestrator requires.
type Store interface {
	GetEnvironment(ctx context.Context, id string) (*drift.Environment, error)
	// SetLastApplied records the commit an environment now reflects.
	SetLastApplied(ctx context.Context, environmentID, commitID string) error
	// BlockEnvironment takes an environment out of automated service after a
	// failed rollback. Only manual intervention clears the flag.
	BlockEnvironment(ctx context.Context, environmentID string) error
	CreateJob(ctx context.Context, j *Job) error
	UpdateJob(ctx context.Context, j *Job) error
	// ActiveJob returns the environment's non-terminal job, or nil.
	ActiveJob(ctx context.Context, environmentID string) (*Job, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, environmentID string) ([]*Job, error)
}

// Target is the live environment surface: what is actually deployed and the
// primitives to change it. The SQLite store implements this for managed
// environments; an adapter would implement it for a remote system.
type Target interface {
	LiveSet(ctx context.Context, environmentID string) (artifact.Set, error)
	// Apply upserts and deletes live artifacts in one atomic unit.
	Apply(ctx context.Context, environmentID string, changes []artifact.Change) error
	// Snapshot captures the current live set under the given id.
	Snapshot(ctx context.Context, environmentID, snapshotID string) error
	// Restore replaces the live set with a previously taken snapshot.
	Restore(ctx context.Context, environmentID, snapshotID string) error
}

// Orchestrator runs deployment jobs to completion.
type Orchestrator struct {
	graph    *graph.Graph
	store    Store
	target   Target
	expander *expand.Expander
	events   event.Sink
	newID    func() string
	now      func() time.Time
}

// NewOrchestrator wires a deployment orchestrator.
func NewOrchestrator(g *graph.Graph, store Store, target Target, expander *expand.Expander, events event.Sink, newID func() string, now func() time.Time) *Orchestrator {
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		graph:    g,
		store:    store,
		target:   target,
		expander: expander,
		events:   events,
		newID:    newID,
		now:      now,
	}
}

// Run deploys the given commit into the environment, driving a fresh job
// through its full lifecycle. It returns the job in its terminal state; the
// error is non-nil when the job did not reach Deployed.
//
// Cancellation via ctx is honored only while validating. Once the live
// environment is being mutated the job runs to a terminal state regardless.
func (o *Orchestrator) Run(ctx context.Context, environmentID, trackID, commitID string) (*Job, error) {
	// A job must never strand mid-transition because the caller went away.
	// All persistence and target calls run on a non-cancelable context; the
	// caller's ctx is consulted only at the explicit cancellation point.
	opCtx := context.WithoutCancel(ctx)

	env, err := o.store.GetEnvironment(opCtx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("deploy to %s: %w", environmentID, err)
	}
	if env.Blocked {
		return nil, &EnvironmentBlockedError{EnvironmentID: environmentID}
	}
	if active, err := o.store.ActiveJob(opCtx, environmentID); err != nil {
		return nil, fmt.Errorf("deploy to %s: %w", environmentID, err)
	} else if active != nil {
		return nil, fmt.Errorf("deploy to %s: job %s already active in state %s", environmentID, active.ID, active.State)
	}

	commit, err := o.graph.Commit(opCtx, commitID)
	if err != nil {
		return nil, fmt.Errorf("deploy to %s: %w", environmentID, err)
	}
	if commit.TrackID != trackID {
		return nil, fmt.Errorf("deploy to %s: commit %s belongs to track %s, not %s",
			environmentID, commitID, commit.TrackID, trackID)
	}

	now := o.now().UTC()
	job := &Job{
		ID:            o.newID(),
		EnvironmentID: environmentID,
		TrackID:       trackID,
		CommitID:      commitID,
		State:         StatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.store.CreateJob(opCtx, job); err != nil {
		return nil, fmt.Errorf("deploy to %s: %w", environmentID, err)
	}

	if err := o.transition(opCtx, job, StateValidating, ""); err != nil {
		return job, err
	}

	changes, verr := o.validate(opCtx, job, env)
	if verr != nil {
		if terr := o.transition(opCtx, job, StateValidationFailed, verr.Error()); terr != nil {
			return job, terr
		}
		return job, verr
	}
	if err := o.transition(opCtx, job, StateValidated, ""); err != nil {
		return job, err
	}

	// Last point at which cancellation is honored: nothing live has been
	// touched yet.
	if err := ctx.Err(); err != nil {
		cancelErr := &ValidationError{JobID: job.ID, Artifact: "", Reason: "canceled before apply"}
		if terr := o.transition(opCtx, job, StateValidationFailed, cancelErr.Error()); terr != nil {
			return job, terr
		}
		return job, cancelErr
	}

	if len(changes) == 0 {
		// Environment already reflects the commit. Record it and finish.
		if err := o.finishDeployed(opCtx, job); err != nil {
			return job, err
		}
		return job, nil
	}

	// Snapshot before entering Deploying. A snapshot failure leaves the live
	// set untouched, so the job fails without a rollback attempt and without
	// blocking the environment.
	job.SnapshotID = o.newID()
	if err := o.target.Snapshot(opCtx, job.EnvironmentID, job.SnapshotID); err != nil {
		snapErr := fmt.Errorf("deploy job %s: snapshot: %w", job.ID, err)
		job.SnapshotID = ""
		if terr := o.transition(opCtx, job, StateValidationFailed, snapErr.Error()); terr != nil {
			return job, terr
		}
		return job, snapErr
	}
	if err := o.transition(opCtx, job, StateDeploying, ""); err != nil {
		return job, err
	}

	if err := o.target.Apply(opCtx, job.EnvironmentID, changes); err != nil {
		return job, o.rollback(opCtx, job, fmt.Errorf("apply: %w", err))
	}

	if err := o.finishDeployed(opCtx, job); err != nil {
		return job, err
	}
	slog.Info("deployment complete",
		"job", job.ID,
		"environment", job.EnvironmentID,
		"commit", job.CommitID,
		"changes", len(changes),
	)
	return job, nil
}

// validate computes the concrete changeset for the job and checks it against
// live state. A change that would silently destroy an unabsorbed live edit
// fails validation: deletions of drifted artifacts, and modifications where
// live matches neither the recorded nor the desired version.
func (o *Orchestrator) validate(ctx context.Context, job *Job, env *drift.Environment) ([]artifact.Change, error) {
	recorded, err := o.graph.MaterializeAt(ctx, env.LastAppliedCommit)
	if err != nil {
		return nil, fmt.Errorf("deploy job %s: %w", job.ID, err)
	}
	desired, err := o.graph.MaterializeAt(ctx, job.CommitID)
	if err != nil {
		return nil, fmt.Errorf("deploy job %s: %w", job.ID, err)
	}
	live, err := o.target.LiveSet(ctx, job.EnvironmentID)
	if err != nil {
		return nil, fmt.Errorf("deploy job %s: %w", job.ID, err)
	}

	changes, err := artifact.DiffSets(recorded, desired)
	if err != nil {
		return nil, fmt.Errorf("deploy job %s: %w", job.ID, err)
	}

	for _, c := range changes {
		liveArt, liveOK := live[c.Identity]
		recArt, recOK := recorded[c.Identity]

		switch c.Kind {
		case artifact.ChangeDelete:
			// Deleting an artifact whose live version drifted from the record
			// would destroy an edit nobody has seen in a commit.
			if liveOK && recOK && !liveArt.Equal(recArt) {
				return nil, &ValidationError{
					JobID:    job.ID,
					Artifact: c.Identity.String(),
					Reason:   "deletion would discard a live modification not absorbed into any commit",
				}
			}
		case artifact.ChangeAdd, artifact.ChangeModify:
			// Overwriting is fine when live matches either end state. A third
			// live version means a concurrent manual edit would be lost.
			if liveOK {
				matchesRecorded := recOK && liveArt.Equal(recArt)
				matchesDesired := liveArt.Equal(c.Artifact)
				if !matchesRecorded && !matchesDesired {
					return nil, &ValidationError{
						JobID:    job.ID,
						Artifact: c.Identity.String(),
						Reason:   "live artifact was modified outside the sync engine; absorb or resolve the drift first",
					}
				}
			}
		}
	}

	return o.expandChangeset(ctx, job, changes, desired, live)
}

// expandChangeset grows the validated changeset with referenced artifacts so
// dependent definitions always ship together. Expanded artifacts that are
// already live in the desired form are upserted anyway; the apply is
// idempotent and the redeploy guards against partial prior state.
func (o *Orchestrator) expandChangeset(ctx context.Context, job *Job, changes []artifact.Change, desired, live artifact.Set) ([]artifact.Change, error) {
	if len(changes) == 0 {
		return changes, nil
	}

	seeds := make([]artifact.Identity, len(changes))
	for i, c := range changes {
		seeds[i] = c.Identity
	}

	// Reference edges from both sides: the commit may reference artifacts
	// only present live, and vice versa.
	universe := live.Clone()
	for id, a := range desired {
		universe[id] = a
	}

	expanded, err := o.expander.Expand(seeds, universe)
	if err != nil {
		return nil, fmt.Errorf("deploy job %s: %w", job.ID, err)
	}

	inChangeset := make(map[artifact.Identity]bool, len(changes))
	for _, c := range changes {
		inChangeset[c.Identity] = true
	}
	for _, id := range expanded {
		if inChangeset[id] {
			continue
		}
		a, ok := desired[id]
		if !ok {
			// Pulled in via a live-only reference; there is nothing committed
			// to ship for it.
			continue
		}
		changes = append(changes, artifact.Change{Kind: artifact.ChangeModify, Identity: id, Artifact: a})
	}

	artifact.SortChanges(changes)
	return changes, nil
}

// rollback restores the pre-deploy snapshot after a failed apply. Exactly one
// attempt is made; if the restore itself fails the environment is blocked and
// the job ends in RollbackFailed.
func (o *Orchestrator) rollback(ctx context.Context, job *Job, cause error) error {
	if err := o.transition(ctx, job, StateDeployFailed, cause.Error()); err != nil {
		return err
	}
	if err := o.transition(ctx, job, StateRollingBack, cause.Error()); err != nil {
		return err
	}
	job.RollbackAttempts++

	if err := o.target.Restore(ctx, job.EnvironmentID, job.SnapshotID); err != nil {
		rbErr := &RollbackFailedError{JobID: job.ID, EnvironmentID: job.EnvironmentID, Cause: err}
		if terr := o.transition(ctx, job, StateRollbackFailed, rbErr.Error()); terr != nil {
			return terr
		}
		if berr := o.store.BlockEnvironment(ctx, job.EnvironmentID); berr != nil {
			return fmt.Errorf("deploy job %s: block environment after failed rollback: %w", job.ID, berr)
		}
		slog.Error("rollback failed, environment blocked",
			"job", job.ID,
			"environment", job.EnvironmentID,
			"error", err,
		)
		return rbErr
	}

	if err := o.transition(ctx, job, StateRolledBack, cause.Error()); err != nil {
		return err
	}
	slog.Warn("deployment rolled back",
		"job", job.ID,
		"environment", job.EnvironmentID,
		"cause", cause,
	)
	return fmt.Errorf("deploy job %s rolled back: %w", job.ID, cause)
}

func (o *Orchestrator) finishDeployed(ctx context.Context, job *Job) error {
	if err := o.transition(ctx, job, StateDeployed, ""); err != nil {
		return err
	}
	if err := o.store.SetLastApplied(ctx, job.EnvironmentID, job.CommitID); err != nil {
		return fmt.Errorf("deploy job %s: record applied commit: %w", job.ID, err)
	}
	return nil
}

// transition moves the job to the next state, persists it, and emits a
// DeploymentStateChanged event. Illegal transitions indicate a bug in the
// orchestrator and fail loudly.
func (o *Orchestrator) transition(ctx context.Context, job *Job, to State, detail string) error {
	if !canTransition(job.State, to) {
		return fmt.Errorf("deploy job %s: illegal transition %s -> %s", job.ID, job.State, to)
	}
	from := job.State
	job.State = to
	job.Err = detail
	job.UpdatedAt = o.now().UTC()

	if err := o.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("deploy job %s: persist state %s: %w", job.ID, to, err)
	}

	o.events.Emit(ctx, event.Event{
		Type: event.TypeDeploymentStateChanged,
		At:   job.UpdatedAt,
		Fields: map[string]string{
			"job":         job.ID,
			"environment": job.EnvironmentID,
			"commit":      job.CommitID,
			"from":        string(from),
			"to":          string(to),
		},
	})
	return nil
}
