package app

import (
	"context"
	"fmt"
	"log/slog"

	pipelineerrors "pipelines/internal/errors"
	"pipelines/internal/pipeline"
	"pipelines/internal/ui"
)

// ExportStage copies test results and captured output to the host and
// writes the run record. It runs before the verdict.
type ExportStage struct {
	console *ui.Console
}

// NewExportStage creates a new export stage instance
func NewExportStage(console *ui.Console) *ExportStage {
	return &ExportStage{console: console}
}

func (s *ExportStage) Name() string {
	return "export"
}

func (s *ExportStage) Execute(ctx context.Context, state *ExecutionState) error {
	spec := state.Definition.Spec

	if state.DryRun {
		s.console.PrintList("🔍 DRY RUN: Would export to "+spec.Output.Dir+":", []string{
			pipeline.ResultsName + "/ (from " + spec.Test.ResultsDir + ")",
			pipeline.StdoutName,
			pipeline.StderrName,
			pipeline.ExitCodeName,
			pipeline.LastCommandName,
			RunRecordFileName,
		})
		return nil
	}

	summary, err := pipeline.Export(ctx, state.Accessor, state.Definition)
	if summary != nil {
		state.Summary = summary
		state.Record.Artifacts = summary.Artifacts
	}
	if err != nil {
		return pipelineerrors.NewExportError(
			"Failed to export test artifacts",
			"",
			fmt.Sprintf("Check that %s is writable and that the tests write to %s", spec.Output.Dir, spec.Test.ResultsDir),
			err,
		)
	}

	state.Record.finishStage(s.Name(), nil)
	if err := state.Record.Save(summary.Dir); err != nil {
		return pipelineerrors.NewFileSystemError(
			"Failed to write the run record",
			"",
			"Check that the output directory is writable",
			err,
		)
	}

	s.console.PrintSuccess(fmt.Sprintf("✅ Exported %d artifacts (%s) to %s", len(summary.Artifacts), summary.HumanSize(), summary.Dir))
	slog.Info("Artifacts exported", "dir", summary.Dir, "count", len(summary.Artifacts), "bytes", summary.TotalSize())
	return nil
}
