package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tracks, environments, open conflicts, jobs, and drift",
		Long: `Show the durable state of the engine: every track with its head, every
environment with its last applied commit and block flag, open conflict sets,
recent deployment jobs, and unresolved drift records.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
	return cmd
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	ctx := cmd.Context()
	svc, cleanup, err := openService(ctx, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	st := svc.Store()
	tracks, err := st.ListTracks(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "status", err)
	}
	envs, err := st.ListEnvironments(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "status", err)
	}

	type trackStatus struct {
		ID          string `json:"id"`
		Role        string `json:"role"`
		Environment string `json:"environment"`
		Head        string `json:"head"`
		ConflictSet string `json:"open_conflict_set,omitempty"`
		Conflicts   int    `json:"open_conflicts,omitempty"`
	}
	type envStatus struct {
		ID          string `json:"id"`
		LastApplied string `json:"last_applied_commit"`
		Blocked     bool   `json:"blocked"`
		ActiveJob   string `json:"active_job,omitempty"`
		JobState    string `json:"job_state,omitempty"`
		OpenDrift   int    `json:"open_drift"`
	}

	trackOut := make([]trackStatus, 0, len(tracks))
	for _, t := range tracks {
		ts := trackStatus{
			ID:          t.ID,
			Role:        string(t.Role),
			Environment: t.EnvironmentID,
			Head:        t.Head,
		}
		cs, err := st.OpenConflictSet(ctx, t.ID)
		if err != nil {
			return WrapExitError(ExitFailure, "status", err)
		}
		if cs != nil {
			ts.ConflictSet = cs.ID
			ts.Conflicts = len(cs.Entries)
		}
		trackOut = append(trackOut, ts)
	}

	envOut := make([]envStatus, 0, len(envs))
	for _, env := range envs {
		es := envStatus{
			ID:          env.ID,
			LastApplied: env.LastAppliedCommit,
			Blocked:     env.Blocked,
		}
		job, err := st.ActiveJob(ctx, env.ID)
		if err != nil {
			return WrapExitError(ExitFailure, "status", err)
		}
		if job != nil {
			es.ActiveJob = job.ID
			es.JobState = string(job.State)
		}
		records, _, err := st.OpenDriftRecords(ctx, env.ID)
		if err != nil {
			return WrapExitError(ExitFailure, "status", err)
		}
		es.OpenDrift = len(records)
		envOut = append(envOut, es)
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]any{
			"tracks":       trackOut,
			"environments": envOut,
		})
	}

	var b strings.Builder
	b.WriteString("Tracks:\n")
	for _, t := range trackOut {
		head := t.Head
		if head == "" {
			head = "(empty)"
		}
		fmt.Fprintf(&b, "  %-12s %-6s env=%-12s head=%s\n", t.ID, t.Role, t.Environment, shortID(head))
		if t.ConflictSet != "" {
			fmt.Fprintf(&b, "    open conflict set %s (%d entries)\n", t.ConflictSet, t.Conflicts)
		}
	}
	b.WriteString("Environments:\n")
	for _, e := range envOut {
		applied := e.LastApplied
		if applied == "" {
			applied = "(none)"
		}
		fmt.Fprintf(&b, "  %-12s applied=%-16s drift=%d", e.ID, shortID(applied), e.OpenDrift)
		if e.Blocked {
			b.WriteString("  BLOCKED")
		}
		if e.ActiveJob != "" {
			fmt.Fprintf(&b, "  job=%s (%s)", e.ActiveJob, e.JobState)
		}
		b.WriteString("\n")
	}
	return formatter.Success(strings.TrimRight(b.String(), "\n"))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
