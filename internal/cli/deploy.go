package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// DeployOptions holds flags for the deploy command.
type DeployOptions struct {
	*RootOptions
	Request string
}

// NewDeployCommand creates the deploy command.
func NewDeployCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeployOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "deploy <environment> <track> <commit>",
		Short: "Deploy a commit into an environment",
		Long: `Run a deployment job: validate the changeset against live state, snapshot
the environment, apply, and roll back on failure. At most one job runs per
environment; a busy environment rejects the request immediately.

Deploying a RUN track also retrofits the deployed history into the BUILD
track so hotfixes propagate without a manual step.`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(opts, args[0], args[1], args[2], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Request, "request", "", "client request id (defaults to a fresh UUID)")

	return cmd
}

func runDeploy(opts *DeployOptions, environmentID, trackID, commitID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	ctx := cmd.Context()
	svc, cleanup, err := openService(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer cleanup()

	requestID := opts.Request
	if requestID == "" {
		requestID = uuid.Must(uuid.NewV7()).String()
	}

	job, err := svc.RequestDeployment(ctx, requestID, environmentID, trackID, commitID)
	if err != nil {
		if job != nil {
			formatter.VerboseLog("job %s ended in state %s", job.ID, job.State)
		}
		formatter.Error(errorCode(err), err.Error())
		return WrapExitError(ExitFailure, "deployment failed", err)
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]any{
			"job":         job.ID,
			"environment": job.EnvironmentID,
			"commit":      job.CommitID,
			"state":       string(job.State),
		})
	}
	return formatter.Success(fmt.Sprintf("job %s: %s (commit %s on %s)",
		job.ID, job.State, job.CommitID, job.EnvironmentID))
}
