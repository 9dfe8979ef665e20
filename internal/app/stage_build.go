package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	pipelineerrors "pipelines/internal/errors"
	"pipelines/internal/pipeline"
	"pipelines/internal/ui"
	"pipelines/pkg/engine"
)

// BuildEnvStage builds the test environment and restores dependencies.
type BuildEnvStage struct {
	console *ui.Console
	// streamOutput logs the restore output line by line.
	streamOutput bool
}

// NewBuildEnvStage creates a new build-env stage instance
func NewBuildEnvStage(console *ui.Console, streamOutput bool) *BuildEnvStage {
	return &BuildEnvStage{console: console, streamOutput: streamOutput}
}

func (s *BuildEnvStage) Name() string {
	return pipeline.BuildEnvLabel
}

func (s *BuildEnvStage) Execute(ctx context.Context, state *ExecutionState) error {
	spec := state.Definition.Spec
	state.Env = pipeline.BuildEnv(state.Engine, state.Definition)

	if state.DryRun {
		s.console.PrintList("🔍 DRY RUN: Would build the environment with:", describeHistory(state.Env.History()))
		return nil
	}

	slog.Info("Building test environment", "image", spec.Image, "source", spec.Source.Path, "engine", state.Engine.Name())

	var err error
	if s.streamOutput {
		var out string
		out, err = state.Env.Stdout(ctx)
		if err == nil {
			pipeline.LogOutput(s.Name(), out)
		}
	} else {
		err = state.Env.Sync(ctx)
	}
	if err != nil {
		return restoreError(err)
	}

	s.console.PrintSuccess("✅ Dependencies restored")
	slog.Info("Test environment ready", "image", spec.Image)
	return nil
}

func restoreError(err error) error {
	var execErr *engine.ExecError
	if errors.As(err, &execErr) {
		return pipelineerrors.NewRestoreError(
			"Dependency restore failed",
			fmt.Sprintf("%q exited with code %d", engine.DescribeExec(execErr.Args), execErr.ExitCode),
			"Check the restore command and the package sources it uses",
			err,
		)
	}
	return pipelineerrors.NewEngineError(
		"Failed to build the test environment",
		"",
		"Check that the engine is reachable and the image and source directory exist",
		err,
	)
}

func describeHistory(h engine.History) []string {
	lines := make([]string, len(h))
	for i, op := range h {
		lines[i] = string(op.Kind) + " " + op.Description
	}
	return lines
}
