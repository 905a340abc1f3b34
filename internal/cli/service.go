package cli

import (
	"context"
	"io"

	"github.com/alcabon/tracksync/internal/config"
	"github.com/alcabon/tracksync/internal/engine"
	"github.com/alcabon/tracksync/internal/store"
)

// openService loads configuration, opens the store, and wires the engine.
// The returned cleanup closes the store.
func openService(ctx context.Context, opts *RootOptions) (*engine.Service, func(), error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "load config", err)
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "open database", err)
	}
	svc, err := engine.New(ctx, st, cfg)
	if err != nil {
		st.Close()
		return nil, nil, WrapExitError(ExitCommandError, "initialize engine", err)
	}
	if err := svc.EnsureTopology(ctx); err != nil {
		st.Close()
		return nil, nil, WrapExitError(ExitCommandError, "ensure topology", err)
	}
	return svc, func() { st.Close() }, nil
}

// newFormatter builds the output formatter for a command invocation.
func newFormatter(opts *RootOptions, out, errOut io.Writer) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    out,
		ErrWriter: errOut,
		Verbose:   opts.Verbose,
	}
}
