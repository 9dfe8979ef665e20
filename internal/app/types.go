package app

import (
	"context"

	"pipelines/internal/besteffort"
	"pipelines/internal/pipeline"
	"pipelines/internal/scm"
	"pipelines/pkg/definition"
	"pipelines/pkg/engine"
)

// Stage represents a single stage of a pipeline run.
// Each stage implements this interface to provide a name and execution logic.
type Stage interface {
	Name() string
	Execute(ctx context.Context, state *ExecutionState) error
}

// finalStage is implemented by stages that also run after an earlier stage
// failed, such as status reporting.
type finalStage interface {
	RunsAfterFailure() bool
}

// ExecutionState is passed from stage to stage during a run.
type ExecutionState struct {
	Definition *definition.Definition
	Engine     engine.Engine
	Label      string
	DryRun     bool
	Revision   *scm.Revision

	Env      engine.Container
	Result   *besteffort.Result
	Accessor *besteffort.Accessor
	Summary  *pipeline.ExportSummary

	Record *RunRecord
	// Err is the first stage failure of the run.
	Err error
}
