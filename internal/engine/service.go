// Package engine is the service facade over the sync components: it owns the
// in-process locks, enforces single-flight semantics per environment and per
// track, and gives every inbound command exactly-once behavior through
// client-supplied request ids.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alcabon/tracksync/internal/artifact"
	"github.com/alcabon/tracksync/internal/config"
	"github.com/alcabon/tracksync/internal/deploy"
	"github.com/alcabon/tracksync/internal/drift"
	"github.com/alcabon/tracksync/internal/event"
	"github.com/alcabon/tracksync/internal/expand"
	"github.com/alcabon/tracksync/internal/graph"
	"github.com/alcabon/tracksync/internal/merge"
	"github.com/alcabon/tracksync/internal/store"
)

// DefaultAuthor attributes commits created by the engine itself.
const DefaultAuthor = "tracksync"

// Service coordinates the sync components behind the inbound command API.
// All durable state lives in the store; a Service can be discarded and
// rebuilt at any time.
type Service struct {
	store    *store.Store
	cfg      *config.Config
	graph    *graph.Graph
	merger   *merge.Engine
	detector *drift.Detector
	orch     *deploy.Orchestrator
	events   event.Sink

	trackLocks *lockTable
	envLocks   *lockTable

	newID func() string
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithNow overrides the wall-clock source.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides the id source. Tests use a sequenced generator.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// WithEvents routes outbound events to the given sink instead of the
// default slog sink.
func WithEvents(sink event.Sink) Option {
	return func(s *Service) { s.events = sink }
}

// New builds a Service over an open store using the given configuration.
func New(ctx context.Context, st *store.Store, cfg *config.Config, opts ...Option) (*Service, error) {
	s := &Service{
		store:      st,
		cfg:        cfg,
		events:     event.SlogSink{},
		trackLocks: newLockTable(),
		envLocks:   newLockTable(),
		newID:      newUUIDv7,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	g, err := graph.New(ctx, st, graph.WithNow(s.now))
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}
	s.graph = g
	s.merger = merge.NewEngine(g, st, s.events, merge.Policy(cfg.MergePolicy), s.newID, s.now)
	s.detector = drift.NewDetector(g, st, s.events, cfg.StalenessThreshold(), s.newID, s.now)
	expander := expand.New(cfg.MaxExpansionHops, cfg.ExcludeFromExpansion)
	s.orch = deploy.NewOrchestrator(g, st, st, expander, s.events, s.newID, s.now)
	return s, nil
}

// newUUIDv7 generates time-ordered ids for jobs, conflict sets, and drift
// records.
func newUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}

// EnsureTopology creates the environments and tracks declared in the config.
// Idempotent: existing records are left untouched.
func (s *Service) EnsureTopology(ctx context.Context) error {
	now := s.now().UTC()
	for _, b := range s.cfg.Tracks {
		if err := s.store.CreateEnvironment(ctx, &drift.Environment{
			ID:   b.Environment,
			Name: b.Environment,
		}); err != nil {
			return fmt.Errorf("ensure topology: %w", err)
		}
		if err := s.store.CreateTrack(ctx, &graph.Track{
			ID:            b.ID,
			Role:          graph.Role(b.Role),
			EnvironmentID: b.Environment,
			CreatedAt:     now,
		}); err != nil {
			return fmt.Errorf("ensure topology: %w", err)
		}
	}
	return nil
}

// Graph exposes the commit graph for read-only callers (status, tests).
func (s *Service) Graph() *graph.Graph {
	return s.graph
}

// Store exposes the underlying store for read-only callers.
func (s *Service) Store() *store.Store {
	return s.store
}

// SubmitCommit appends a commit to a track and advances its head. Replaying
// the same request id returns the original commit without re-executing.
func (s *Service) SubmitCommit(ctx context.Context, requestID, trackID string, changes []artifact.Change, author, message string) (*graph.Commit, error) {
	if !s.trackLocks.tryAcquire(trackID) {
		return nil, &TrackLockedError{TrackID: trackID}
	}
	defer s.trackLocks.release(trackID)

	claimed, prior, err := s.store.ClaimRequest(ctx, requestID, "submit-commit", s.now())
	if err != nil {
		return nil, fmt.Errorf("submit commit: %w", err)
	}
	if !claimed {
		return s.replayCommit(ctx, requestID, prior)
	}

	track, err := s.graph.Track(ctx, trackID)
	if err != nil {
		s.releaseClaim(ctx, requestID)
		return nil, fmt.Errorf("submit commit: %w", err)
	}
	var parents []string
	if track.Head != "" {
		parents = []string{track.Head}
	}

	c, err := s.graph.CreateCommit(ctx, trackID, changes, parents, author, message)
	if err != nil {
		s.releaseClaim(ctx, requestID)
		return nil, fmt.Errorf("submit commit: %w", err)
	}
	if err := s.graph.Advance(ctx, trackID, c.ID); err != nil {
		s.releaseClaim(ctx, requestID)
		return nil, fmt.Errorf("submit commit: %w", err)
	}
	if err := s.store.RecordRequestResult(ctx, requestID, c.ID); err != nil {
		return nil, fmt.Errorf("submit commit: %w", err)
	}
	return c, nil
}

// RequestRetrofit merges the source track's history into the target track.
// The target track is held exclusively for the duration.
func (s *Service) RequestRetrofit(ctx context.Context, requestID, sourceTrack, targetTrack string) (*merge.Result, error) {
	release, ok := s.trackLocks.tryAcquireAll(sourceTrack, targetTrack)
	if !ok {
		return nil, &TrackLockedError{TrackID: targetTrack}
	}
	defer release()

	claimed, prior, err := s.store.ClaimRequest(ctx, requestID, "retrofit", s.now())
	if err != nil {
		return nil, fmt.Errorf("request retrofit: %w", err)
	}
	if !claimed {
		return s.replayRetrofit(ctx, requestID, prior)
	}

	res, err := s.merger.Retrofit(ctx, sourceTrack, targetTrack)
	if err != nil {
		s.releaseClaim(ctx, requestID)
		return nil, err
	}
	if err := s.store.RecordRequestResult(ctx, requestID, encodeRetrofitResult(res)); err != nil {
		return nil, fmt.Errorf("request retrofit: %w", err)
	}
	return res, nil
}

// RequestDeployment runs a deployment job for the commit on the environment.
// Rejected fail-fast with JobInProgressError while another job is active.
// When a RUN-bound track deploys successfully, the engine immediately
// retrofits the deployed history into the BUILD track so hotfixes propagate
// without a manual step.
func (s *Service) RequestDeployment(ctx context.Context, requestID, environmentID, trackID, commitID string) (*deploy.Job, error) {
	if !s.envLocks.tryAcquire(environmentID) {
		return nil, s.jobInProgress(ctx, environmentID)
	}
	defer s.envLocks.release(environmentID)

	claimed, prior, err := s.store.ClaimRequest(ctx, requestID, "deploy", s.now())
	if err != nil {
		return nil, fmt.Errorf("request deployment: %w", err)
	}
	if !claimed {
		if prior == "" {
			return nil, fmt.Errorf("request deployment: request %s is already executing", requestID)
		}
		return s.store.GetJob(ctx, prior)
	}

	if active, err := s.store.ActiveJob(ctx, environmentID); err != nil {
		s.releaseClaim(ctx, requestID)
		return nil, fmt.Errorf("request deployment: %w", err)
	} else if active != nil {
		s.releaseClaim(ctx, requestID)
		return nil, &JobInProgressError{EnvironmentID: environmentID, JobID: active.ID}
	}

	job, runErr := s.orch.Run(ctx, environmentID, trackID, commitID)
	if job != nil {
		if err := s.store.RecordRequestResult(ctx, requestID, job.ID); err != nil {
			return job, fmt.Errorf("request deployment: %w", err)
		}
	} else if runErr != nil {
		// No job was even created; free the id so the caller can retry.
		s.releaseClaim(ctx, requestID)
	}
	if runErr != nil {
		return job, runErr
	}

	s.retrofitAfterDeploy(ctx, trackID)
	return job, nil
}

// retrofitAfterDeploy propagates a freshly deployed RUN history into the
// BUILD track. Failure here never fails the deployment; conflicts surface
// through the usual conflict set and event.
func (s *Service) retrofitAfterDeploy(ctx context.Context, trackID string) {
	track, err := s.graph.Track(ctx, trackID)
	if err != nil || track.Role != graph.RoleRun {
		return
	}
	for _, b := range s.cfg.Tracks {
		if b.Role != string(graph.RoleBuild) {
			continue
		}
		if _, err := s.RequestRetrofit(ctx, s.newID(), trackID, b.ID); err != nil {
			if merge.IsUnresolvedConflicts(err) || IsTrackLocked(err) {
				slog.Warn("post-deploy retrofit deferred",
					"source", trackID, "target", b.ID, "reason", err)
				continue
			}
			slog.Error("post-deploy retrofit failed",
				"source", trackID, "target", b.ID, "error", err)
		}
	}
}

// PreviewRetrofit renders the merge a retrofit would perform without
// mutating anything. No locks are taken; the preview reads a consistent
// point-in-time view of both tracks.
func (s *Service) PreviewRetrofit(ctx context.Context, sourceTrack, targetTrack string) (*merge.Result, error) {
	return s.merger.Preview(ctx, sourceTrack, targetTrack)
}

// RequestDriftScan runs a read-only drift scan. Scans take no locks and are
// idempotent, so replays simply re-execute.
func (s *Service) RequestDriftScan(ctx context.Context, requestID, environmentID string) ([]drift.Record, error) {
	claimed, _, err := s.store.ClaimRequest(ctx, requestID, "drift-scan", s.now())
	if err != nil {
		return nil, fmt.Errorf("request drift scan: %w", err)
	}
	records, err := s.detector.Scan(ctx, environmentID)
	if err != nil {
		return nil, err
	}
	if claimed {
		if err := s.store.RecordRequestResult(ctx, requestID, environmentID); err != nil {
			return nil, fmt.Errorf("request drift scan: %w", err)
		}
	}
	return records, nil
}

// ResolveConflict applies resolutions to an open conflict set and closes it.
// The target track is held exclusively while the resolution commit lands.
func (s *Service) ResolveConflict(ctx context.Context, requestID, conflictSetID string, resolutions []merge.Resolution, author string) (*graph.Commit, error) {
	cs, err := s.store.GetConflictSet(ctx, conflictSetID)
	if err != nil {
		return nil, fmt.Errorf("resolve conflict: %w", err)
	}
	if !s.trackLocks.tryAcquire(cs.TargetTrack) {
		return nil, &TrackLockedError{TrackID: cs.TargetTrack}
	}
	defer s.trackLocks.release(cs.TargetTrack)

	claimed, prior, err := s.store.ClaimRequest(ctx, requestID, "resolve-conflict", s.now())
	if err != nil {
		return nil, fmt.Errorf("resolve conflict: %w", err)
	}
	if !claimed {
		return s.replayCommit(ctx, requestID, prior)
	}

	c, err := s.merger.Resolve(ctx, conflictSetID, resolutions, author)
	if err != nil {
		s.releaseClaim(ctx, requestID)
		return nil, err
	}
	if err := s.store.RecordRequestResult(ctx, requestID, c.ID); err != nil {
		return nil, fmt.Errorf("resolve conflict: %w", err)
	}
	return c, nil
}

// releaseClaim frees a claimed request id after a failed execution so the
// same id stays retriable. A claim left behind with no result would turn
// every retry into "already executing" forever.
func (s *Service) releaseClaim(ctx context.Context, requestID string) {
	if err := s.store.ReleaseRequest(ctx, requestID); err != nil {
		slog.Error("release failed request claim", "request", requestID, "error", err)
	}
}

// jobInProgress builds the rejection for a busy environment, naming the
// active job when the store still shows one.
func (s *Service) jobInProgress(ctx context.Context, environmentID string) error {
	je := &JobInProgressError{EnvironmentID: environmentID}
	if active, err := s.store.ActiveJob(ctx, environmentID); err == nil && active != nil {
		je.JobID = active.ID
	}
	return je
}

// replayCommit resolves a replayed request id to its original commit.
func (s *Service) replayCommit(ctx context.Context, requestID, result string) (*graph.Commit, error) {
	if result == "" {
		return nil, fmt.Errorf("request %s is already executing", requestID)
	}
	c, err := s.graph.Commit(ctx, result)
	if err != nil {
		return nil, fmt.Errorf("replay request %s: %w", requestID, err)
	}
	slog.Debug("request replayed", "request", requestID, "commit", c.ID)
	return c, nil
}

// Retrofit results are recorded as "noop", "commit=<id>", "conflicts=<id>",
// or "commit=<id> conflicts=<id>" so replays can reconstruct them.
func encodeRetrofitResult(res *merge.Result) string {
	if res.NoOp {
		return "noop"
	}
	var parts []string
	if res.Commit != nil {
		parts = append(parts, "commit="+res.Commit.ID)
	}
	if res.Conflicts != nil {
		parts = append(parts, "conflicts="+res.Conflicts.ID)
	}
	return strings.Join(parts, " ")
}

func (s *Service) replayRetrofit(ctx context.Context, requestID, result string) (*merge.Result, error) {
	if result == "" {
		return nil, fmt.Errorf("request %s is already executing", requestID)
	}
	if result == "noop" {
		return &merge.Result{NoOp: true}, nil
	}
	res := &merge.Result{}
	for _, part := range strings.Fields(result) {
		switch {
		case strings.HasPrefix(part, "commit="):
			c, err := s.graph.Commit(ctx, strings.TrimPrefix(part, "commit="))
			if err != nil {
				return nil, fmt.Errorf("replay request %s: %w", requestID, err)
			}
			res.Commit = c
		case strings.HasPrefix(part, "conflicts="):
			cs, err := s.store.GetConflictSet(ctx, strings.TrimPrefix(part, "conflicts="))
			if err != nil {
				return nil, fmt.Errorf("replay request %s: %w", requestID, err)
			}
			res.Conflicts = cs
		default:
			return nil, fmt.Errorf("replay request %s: unrecognized result %q", requestID, result)
		}
	}
	return res, nil
}
