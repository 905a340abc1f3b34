package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alcabon/tracksync/internal/artifact"
)

// CommitOptions holds flags for the commit command.
type CommitOptions struct {
	*RootOptions
	Request string
	Author  string
	Message string
	Changes string
}

// NewCommitCommand creates the commit command.
func NewCommitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CommitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "commit <track>",
		Short: "Append a changeset to a track and advance its head",
		Long: `Append a changeset to a track and advance its head.

The changeset file is a JSON array; each entry is either an upsert carrying
full artifact content or a deletion naming the artifact:

  [
    {"kind": "add", "artifact": {"type": "Profile", "name": "Sales", "regions": {...}}},
    {"kind": "delete", "id": "Profile:Legacy"}
  ]

Replaying the same --request id returns the original commit without
re-executing.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Request, "request", "", "client request id (defaults to a fresh UUID)")
	cmd.Flags().StringVar(&opts.Author, "author", "", "commit author")
	cmd.Flags().StringVar(&opts.Message, "message", "", "commit message")
	cmd.Flags().StringVar(&opts.Changes, "changes", "", "path to the changeset JSON file")
	cmd.MarkFlagRequired("changes")
	cmd.MarkFlagRequired("author")

	return cmd
}

func runCommit(opts *CommitOptions, trackID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	changes, err := loadChangeFile(opts.Changes)
	if err != nil {
		return WrapExitError(ExitCommandError, "load changeset", err)
	}
	formatter.VerboseLog("loaded %d change(s) from %s", len(changes), opts.Changes)

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

	c, err := svc.SubmitCommit(ctx, requestID, trackID, changes, opts.Author, opts.Message)
	if err != nil {
		formatter.Error(errorCode(err), err.Error())
		return WrapExitError(ExitFailure, "commit failed", err)
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]any{
			"commit":  c.ID,
			"track":   c.TrackID,
			"seq":     c.Seq,
			"changes": len(c.Changes),
		})
	}
	return formatter.Success(fmt.Sprintf("committed %s to %s (%d changes)", c.ID, c.TrackID, len(c.Changes)))
}

// loadChangeFile parses a changeset JSON file into artifact changes.
func loadChangeFile(path string) ([]artifact.Change, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Kind     string          `json:"kind"`
		ID       string          `json:"id"`
		Artifact json.RawMessage `json:"artifact"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	changes := make([]artifact.Change, 0, len(raw))
	for i, entry := range raw {
		ch := artifact.Change{Kind: artifact.ChangeKind(entry.Kind)}
		switch ch.Kind {
		case artifact.ChangeAdd, artifact.ChangeModify:
			if entry.Artifact == nil {
				return nil, fmt.Errorf("%s entry %d: missing artifact content", path, i)
			}
			a, err := artifact.Decode(entry.Artifact)
			if err != nil {
				return nil, fmt.Errorf("%s entry %d: %w", path, i, err)
			}
			ch.Artifact = a
			ch.Identity = a.Identity
		case artifact.ChangeDelete:
			id, err := artifact.ParseIdentity(entry.ID)
			if err != nil {
				return nil, fmt.Errorf("%s entry %d: %w", path, i, err)
			}
			ch.Identity = id
		default:
			return nil, fmt.Errorf("%s entry %d: unknown kind %q", path, i, entry.Kind)
		}
		changes = append(changes, ch)
	}
	return changes, nil
}
