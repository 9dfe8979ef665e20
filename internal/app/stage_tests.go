package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"pipelines/internal/besteffort"
	pipelineerrors "pipelines/internal/errors"
	"pipelines/internal/pipeline"
	"pipelines/internal/ui"
)

// TestsStage runs the test command through the best-effort wrapper. A failing
// test command does not fail this stage; the verdict stage raises it later.
type TestsStage struct {
	console *ui.Console
	options []besteffort.Option
}

// NewTestsStage creates a new tests stage instance. options are passed to the
// wrapper, e.g. capture paths for the host engine.
func NewTestsStage(console *ui.Console, options ...besteffort.Option) *TestsStage {
	return &TestsStage{console: console, options: options}
}

func (s *TestsStage) Name() string {
	return pipeline.TestLabel
}

func (s *TestsStage) Execute(ctx context.Context, state *ExecutionState) error {
	result, err := pipeline.Test(state.Env, state.Definition, state.Label, s.options...)
	if err != nil {
		return pipelineerrors.NewConfigError(
			"Invalid test step",
			"",
			"Set spec.test.command in the pipeline file",
			err,
		)
	}
	state.Result = result
	state.Accessor = result.Recover()

	if state.DryRun {
		s.console.PrintList("🔍 DRY RUN: Would run the tests with:", describeHistory(result.Container().History()[len(state.Env.History()):]))
		return nil
	}

	slog.Info("Running tests", "label", state.Label, "command", result.Command())
	if err := result.Container().Sync(ctx); err != nil {
		return pipelineerrors.NewEngineError(
			"Failed to run the test step",
			"",
			"Check that the image provides sh and that the engine is healthy",
			err,
		)
	}

	code, err := state.Accessor.ExitCode(ctx)
	if err != nil {
		var parseErr *besteffort.ParseError
		if errors.As(err, &parseErr) {
			return pipelineerrors.NewEngineError(
				"Test exit code could not be recovered",
				fmt.Sprintf("%s is missing or malformed", parseErr.Path),
				"Check that the image provides a POSIX shell and a writable /tmp",
				err,
			)
		}
		return pipelineerrors.NewEngineError(
			"Failed to read the test exit code",
			"",
			"Check that the engine is healthy and rerun the pipeline",
			err,
		)
	}
	state.Record.ExitCode = &code
	if command, err := state.Accessor.LastCommand(ctx); err == nil {
		state.Record.LastCommand = command
	}

	if code == 0 {
		s.console.PrintSuccess("✅ Tests passed")
	} else {
		s.console.PrintWarning(fmt.Sprintf("tests exited with code %d, exporting results before failing", code))
	}
	slog.Info("Test step finished", "label", state.Label, "exitCode", code)
	return nil
}
