package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"pipelines/internal/besteffort"
	pipelineerrors "pipelines/internal/errors"
	"pipelines/internal/ui"
)

// VerdictStage raises the deferred test failure, after export.
type VerdictStage struct {
	console *ui.Console
}

// NewVerdictStage creates a new verdict stage instance
func NewVerdictStage(console *ui.Console) *VerdictStage {
	return &VerdictStage{console: console}
}

func (s *VerdictStage) Name() string {
	return "verdict"
}

func (s *VerdictStage) Execute(ctx context.Context, state *ExecutionState) error {
	if state.DryRun {
		s.console.PrintInfo("🔍 DRY RUN: Would fail the run if the tests exit non-zero")
		return nil
	}

	if _, err := state.Accessor.IfSuccessful(ctx); err != nil {
		var failed *besteffort.ExecutionFailedError
		if errors.As(err, &failed) {
			slog.Error("Tests failed", "label", failed.Label, "exitCode", failed.ExitCode, "command", failed.Command)
			cause := fmt.Sprintf("%s exited with code %d", failed.Command, failed.ExitCode)
			if stderr := tail(failed.Stderr, 20); stderr != "" {
				cause += "\n" + stderr
			}
			return pipelineerrors.NewTestsError(
				fmt.Sprintf("Step '%s' failed", failed.Label),
				cause,
				"See stdout.log and stderr.log in the output directory for the full output",
				err,
			)
		}
		return pipelineerrors.NewEngineError(
			"Failed to read the test verdict",
			"",
			"Check that the engine is healthy",
			err,
		)
	}

	s.console.PrintSuccess("✅ All tests passed")
	return nil
}

// tail returns the last n lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
