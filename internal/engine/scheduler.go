package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/alcabon/tracksync/internal/event"
	"github.com/alcabon/tracksync/internal/graph"
)

// Scheduler drives the periodic background work in serve mode: drift scans
// over every bound environment and the retrofit lag watchdog.
type Scheduler struct {
	svc      *Service
	interval time.Duration
	lag      time.Duration

	// warned tracks (run head, build track) pairs already reported, so the
	// watchdog fires once per lagging head rather than every tick.
	warned map[string]bool
}

// NewScheduler creates a scheduler over the service using its configuration.
func NewScheduler(svc *Service) *Scheduler {
	return &Scheduler{
		svc:      svc,
		interval: svc.cfg.ScanPeriod(),
		lag:      svc.cfg.LagThreshold(),
		warned:   make(map[string]bool),
	}
}

// Run blocks until ctx is canceled, ticking scans and the watchdog at the
// configured interval. One immediate pass runs at startup.
func (sch *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(sch.interval)
	defer ticker.Stop()

	sch.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sch.tick(ctx)
		}
	}
}

func (sch *Scheduler) tick(ctx context.Context) {
	sch.scanAll(ctx)
	sch.checkRetrofitLag(ctx)
}

// scanAll runs a drift scan on every environment in the topology. Scan
// failures are logged and never stop the loop.
func (sch *Scheduler) scanAll(ctx context.Context) {
	envs, err := sch.svc.store.ListEnvironments(ctx)
	if err != nil {
		slog.Error("scheduled scan: list environments", "error", err)
		return
	}
	for _, env := range envs {
		if _, err := sch.svc.detector.Scan(ctx, env.ID); err != nil {
			slog.Error("scheduled scan failed", "environment", env.ID, "error", err)
		}
	}
}

// checkRetrofitLag finds RUN heads that have sat un-retrofitted into a BUILD
// track past the configured window and emits RetrofitLagExceeded for each.
func (sch *Scheduler) checkRetrofitLag(ctx context.Context) {
	if sch.lag <= 0 {
		return
	}
	tracks, err := sch.svc.store.ListTracks(ctx)
	if err != nil {
		slog.Error("retrofit lag check: list tracks", "error", err)
		return
	}

	now := sch.svc.now().UTC()
	for _, run := range tracks {
		if run.Role != graph.RoleRun || run.Head == "" {
			continue
		}
		head, err := sch.svc.graph.Commit(ctx, run.Head)
		if err != nil {
			slog.Error("retrofit lag check", "track", run.ID, "error", err)
			continue
		}
		if now.Sub(head.CreatedAt) < sch.lag {
			continue
		}

		for _, build := range tracks {
			if build.Role != graph.RoleBuild {
				continue
			}
			contained := false
			if build.Head != "" {
				contained, err = sch.svc.graph.IsAncestor(ctx, run.Head, build.Head)
				if err != nil {
					slog.Error("retrofit lag check", "track", build.ID, "error", err)
					continue
				}
			}
			if contained {
				continue
			}

			key := run.Head + "->" + build.ID
			if sch.warned[key] {
				continue
			}
			sch.warned[key] = true
			sch.svc.events.Emit(ctx, event.Event{
				Type: event.TypeRetrofitLagExceeded,
				At:   now,
				Fields: map[string]string{
					"source_track": run.ID,
					"target_track": build.ID,
					"commit":       run.Head,
					"age":          now.Sub(head.CreatedAt).String(),
				},
			})
			slog.Warn("retrofit lag exceeded",
				"source", run.ID, "target", build.ID,
				"commit", run.Head, "age", now.Sub(head.CreatedAt))
		}
	}
}
