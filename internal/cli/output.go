package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/alcabon/tracksync/internal/deploy"
	"github.com/alcabon/tracksync/internal/engine"
	"github.com/alcabon/tracksync/internal/graph"
	"github.com/alcabon/tracksync/internal/merge"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failed (conflicts, validation, rollback)
	ExitCommandError = 2 // Command error (bad flags, config or database problems)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics, kept off stdout so JSON stays parseable
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
			},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

// errorCode maps the engine error taxonomy to stable machine-readable codes
// for JSON consumers.
func errorCode(err error) string {
	switch {
	case graph.IsNonLinearAdvance(err):
		return "non_linear_advance"
	case merge.IsUnresolvedConflicts(err):
		return "unresolved_conflicts"
	case engine.IsJobInProgress(err):
		return "job_in_progress"
	case engine.IsTrackLocked(err):
		return "track_locked"
	case deploy.IsValidationError(err):
		return "validation_failed"
	default:
		var rb *deploy.RollbackFailedError
		if errors.As(err, &rb) {
			return "rollback_failed"
		}
		var eb *deploy.EnvironmentBlockedError
		if errors.As(err, &eb) {
			return "environment_blocked"
		}
		return "error"
	}
}
