package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alcabon/tracksync/internal/merge"
)

// RetrofitOptions holds flags for the retrofit command.
type RetrofitOptions struct {
	*RootOptions
	Request string
	DryRun  bool
}

// NewRetrofitCommand creates the retrofit command.
func NewRetrofitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RetrofitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "retrofit <source-track> <target-track>",
		Short: "Merge the source track's history into the target track",
		Long: `Merge everything the source track has that the target lacks, using a
three-way merge against their nearest common ancestor. History already merged
is skipped by ancestry, so repeating a retrofit is harmless.

With --dry-run the merge plan is printed and nothing is written.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetrofit(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Request, "request", "", "client request id (defaults to a fresh UUID)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "print the merge plan without applying it")

	return cmd
}

func runRetrofit(opts *RetrofitOptions, sourceTrack, targetTrack string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	ctx := cmd.Context()
	svc, cleanup, err := openService(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer cleanup()

	if opts.DryRun {
		res, err := svc.PreviewRetrofit(ctx, sourceTrack, targetTrack)
		if err != nil {
			formatter.Error(errorCode(err), err.Error())
			return WrapExitError(ExitFailure, "retrofit preview failed", err)
		}
		plan, err := merge.RenderPlan(res)
		if err != nil {
			return WrapExitError(ExitFailure, "render plan", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(plan))
		return nil
	}

	requestID := opts.Request
	if requestID == "" {
		requestID = uuid.Must(uuid.NewV7()).String()
	}

	res, err := svc.RequestRetrofit(ctx, requestID, sourceTrack, targetTrack)
	if err != nil {
		formatter.Error(errorCode(err), err.Error())
		return WrapExitError(ExitFailure, "retrofit failed", err)
	}
	return outputRetrofitResult(formatter, res, sourceTrack, targetTrack)
}

func outputRetrofitResult(formatter *OutputFormatter, res *merge.Result, sourceTrack, targetTrack string) error {
	if formatter.Format == "json" {
		data := map[string]any{"noop": res.NoOp}
		if res.Commit != nil {
			data["commit"] = res.Commit.ID
		}
		if res.Conflicts != nil {
			data["conflict_set"] = res.Conflicts.ID
			data["conflicts"] = len(res.Conflicts.Entries)
			data["policy"] = string(res.Conflicts.Policy)
		}
		return formatter.Success(data)
	}

	switch {
	case res.NoOp:
		return formatter.Success(fmt.Sprintf("retrofit %s into %s: nothing to do", sourceTrack, targetTrack))
	case res.Conflicts != nil && res.Commit == nil:
		return formatter.Success(fmt.Sprintf("retrofit blocked: %d conflict(s) in set %s",
			len(res.Conflicts.Entries), res.Conflicts.ID))
	case res.Conflicts != nil:
		return formatter.Success(fmt.Sprintf("partial merge %s: %d conflict(s) queued in set %s",
			res.Commit.ID, len(res.Conflicts.Entries), res.Conflicts.ID))
	default:
		return formatter.Success(fmt.Sprintf("merged cleanly: %s", res.Commit.ID))
	}
}
