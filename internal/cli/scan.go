package cli

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// ScanOptions holds flags for the scan command.
type ScanOptions struct {
	*RootOptions
	Request string
}

// NewScanCommand creates the scan command.
func NewScanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scan <environment>",
		Short: "Run a drift scan against an environment",
		Long: `Compare the environment's live artifact set to the set recorded at its
last applied commit and report every divergence. Scans are read-only and
idempotent; repeated scans with no intervening changes report the same
records with their original detection timestamps.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Request, "request", "", "client request id (defaults to a fresh UUID)")

	return cmd
}

func runScan(opts *ScanOptions, environmentID string, cmd *cobra.Command) error {
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

	records, err := svc.RequestDriftScan(ctx, requestID, environmentID)
	if err != nil {
		formatter.Error(errorCode(err), err.Error())
		return WrapExitError(ExitFailure, "drift scan failed", err)
	}

	if opts.Format == "json" {
		out := make([]map[string]any, len(records))
		for i, r := range records {
			out[i] = map[string]any{
				"id":          r.ID,
				"artifact":    r.Identity.String(),
				"kind":        string(r.Kind),
				"severity":    r.Severity,
				"detected_at": r.DetectedAt,
			}
		}
		return formatter.Success(map[string]any{
			"environment": environmentID,
			"records":     out,
		})
	}

	if len(records) == 0 {
		return formatter.Success(fmt.Sprintf("%s: no drift", environmentID))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d drift record(s)\n", environmentID, len(records))
	for _, r := range records {
		fmt.Fprintf(&b, "  %-20s %s  severity=%s  since %s\n",
			r.Kind, r.Identity, r.Severity, r.DetectedAt.Format("2006-01-02 15:04:05"))
	}
	return formatter.Success(strings.TrimRight(b.String(), "\n"))
}
