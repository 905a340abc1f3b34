package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/alcabon/tracksync/internal/engine"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with scheduled drift scans and the lag watchdog",
		Long: `Run the engine in the foreground. Every scan interval the scheduler scans
each environment for drift and checks whether any RUN commit has sat
un-retrofitted past the configured lag window. Stops on SIGINT/SIGTERM.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, cmd)
		},
	}
	return cmd
}

func runServe(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	svc, cleanup, err := openService(ctx, opts)
	if err != nil {
		return err
	}
	defer cleanup()

	slog.Info("tracksync serving", "config", opts.Config)
	if err := engine.NewScheduler(svc).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "serve", err)
	}
	slog.Info("tracksync stopped")
	return nil
}
