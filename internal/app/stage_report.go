package app

import (
	"context"
	"fmt"
	"log/slog"

	pipelineerrors "pipelines/internal/errors"
	"pipelines/internal/scm"
	"pipelines/internal/ui"
)

// ReportStage publishes the final commit status. It runs even when an
// earlier stage failed, so failures are reported too.
type ReportStage struct {
	console  *ui.Console
	reporter scm.StatusReporter
}

// NewReportStage creates a new report stage instance
func NewReportStage(console *ui.Console, reporter scm.StatusReporter) *ReportStage {
	return &ReportStage{console: console, reporter: reporter}
}

func (s *ReportStage) Name() string {
	return "report"
}

func (s *ReportStage) RunsAfterFailure() bool {
	return true
}

func (s *ReportStage) status(state *ExecutionState) scm.Status {
	status := scm.Status{
		Revision:    *state.Revision,
		State:       scm.StateSuccess,
		Description: state.Label + " passed",
	}
	if state.Err != nil {
		status.State = scm.StateFailed
		status.Description = state.Label + " failed"
		for _, st := range state.Record.Stages {
			if st.Status == StageFailed {
				status.Description = st.Name + " failed"
				break
			}
		}
	}
	if state.Record.ExitCode != nil {
		status.Description += fmt.Sprintf(" (exit code %d)", *state.Record.ExitCode)
	}
	return status
}

func (s *ReportStage) Execute(ctx context.Context, state *ExecutionState) error {
	if s.reporter == nil {
		slog.Info("Status reporting not configured, skipping")
		return nil
	}
	if state.Revision == nil {
		s.console.PrintWarning("no git revision detected, skipping status report")
		return nil
	}

	status := s.status(state)
	if state.DryRun {
		s.console.PrintInfo(fmt.Sprintf("🔍 DRY RUN: Would report '%s' for commit %s", status.State, state.Revision.Short()))
		return nil
	}

	if err := s.reporter.ReportStatus(ctx, status); err != nil {
		return pipelineerrors.NewReportError(
			"Failed to report the commit status",
			"",
			"Check the GitLab URL, project and token in the pipeline file",
			err,
		)
	}

	s.console.PrintInfo(fmt.Sprintf("📣 Reported '%s' for commit %s", status.State, state.Revision.Short()))
	return nil
}
