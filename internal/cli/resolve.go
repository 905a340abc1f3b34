package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alcabon/tracksync/internal/artifact"
	"github.com/alcabon/tracksync/internal/merge"
)

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	*RootOptions
	Request     string
	Author      string
	Resolutions string
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve <conflict-set>",
		Short: "Resolve an open conflict set",
		Long: `Apply chosen resolutions to every entry of an open conflict set and close
it with a resolution commit. Every conflict entry must be covered; partial
resolution is rejected.

The resolutions file is a JSON array:

  [
    {"id": "Profile:Sales", "region": "fieldPermissions", "value": {...}},
    {"id": "Layout:Old", "region": "*", "value": null}
  ]

A null value deletes the region; for region "*" it deletes the artifact.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Request, "request", "", "client request id (defaults to a fresh UUID)")
	cmd.Flags().StringVar(&opts.Author, "author", "", "resolution author")
	cmd.Flags().StringVar(&opts.Resolutions, "resolutions", "", "path to the resolutions JSON file")
	cmd.MarkFlagRequired("resolutions")
	cmd.MarkFlagRequired("author")

	return cmd
}

func runResolve(opts *ResolveOptions, conflictSetID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	resolutions, err := loadResolutionFile(opts.Resolutions)
	if err != nil {
		return WrapExitError(ExitCommandError, "load resolutions", err)
	}
	formatter.VerboseLog("loaded %d resolution(s) from %s", len(resolutions), opts.Resolutions)

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

	c, err := svc.ResolveConflict(ctx, requestID, conflictSetID, resolutions, opts.Author)
	if err != nil {
		formatter.Error(errorCode(err), err.Error())
		return WrapExitError(ExitFailure, "resolve failed", err)
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]any{
			"conflict_set": conflictSetID,
			"commit":       c.ID,
			"track":        c.TrackID,
		})
	}
	return formatter.Success(fmt.Sprintf("conflict set %s resolved: commit %s on %s",
		conflictSetID, c.ID, c.TrackID))
}

// loadResolutionFile parses a resolutions JSON file.
func loadResolutionFile(path string) ([]merge.Resolution, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		ID     string          `json:"id"`
		Region string          `json:"region"`
		Value  json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	resolutions := make([]merge.Resolution, 0, len(raw))
	for i, entry := range raw {
		id, err := artifact.ParseIdentity(entry.ID)
		if err != nil {
			return nil, fmt.Errorf("%s entry %d: %w", path, i, err)
		}
		r := merge.Resolution{Identity: id, Region: entry.Region}
		if len(entry.Value) > 0 && string(entry.Value) != "null" {
			v, err := artifact.UnmarshalValue(entry.Value)
			if err != nil {
				return nil, fmt.Errorf("%s entry %d: %w", path, i, err)
			}
			r.Value = v
		}
		resolutions = append(resolutions, r)
	}
	return resolutions, nil
}
