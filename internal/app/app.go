// Package app orchestrates pipeline runs: it loads the pipeline file, creates
// the engine and runs the stages in order, persisting a run record.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"pipelines/internal/besteffort"
	"pipelines/internal/config"
	"pipelines/internal/engine/hostexec"
	pipelineerrors "pipelines/internal/errors"
	"pipelines/internal/pipeline"
	"pipelines/internal/scm"
	"pipelines/internal/ui"
	"pipelines/pkg/definition"
	"pipelines/pkg/engine"
)

// Options configure a pipeline run.
type Options struct {
	// File is the pipeline file. Empty searches the working directory.
	File      string
	Overrides config.Overrides
	// Label names the test step. Empty uses "tests".
	Label   string
	DryRun  bool
	Console *ui.Console
	Factory Factory
}

func (o Options) withDefaults() Options {
	if o.Console == nil {
		o.Console = ui.NewConsole()
	}
	if o.Factory == nil {
		o.Factory = NewEngineFactory()
	}
	if o.Label == "" {
		o.Label = pipeline.TestLabel
	}
	return o
}

// Runner runs stages in order. After a failure the remaining stages are
// skipped, except those that run after failures.
type Runner struct {
	console *ui.Console
	stages  []Stage
}

// NewRunner creates a runner for stages.
func NewRunner(console *ui.Console, stages ...Stage) *Runner {
	return &Runner{console: console, stages: stages}
}

// Run executes the stages against state and returns the first failure.
func (r *Runner) Run(ctx context.Context, state *ExecutionState) error {
	for _, stage := range r.stages {
		state.Record.markStage(stage.Name(), StagePlanned)
	}

	total := len(r.stages)
	for i, stage := range r.stages {
		if state.Err != nil {
			if fs, ok := stage.(finalStage); !ok || !fs.RunsAfterFailure() {
				state.Record.markStage(stage.Name(), StageSkipped)
				slog.Info("Skipping stage after failure", "stage", stage.Name())
				continue
			}
		}

		r.console.PrintStage(i+1, total, stage.Name())
		state.Record.startStage(stage.Name())
		err := stage.Execute(ctx, state)
		state.Record.finishStage(stage.Name(), err)

		if err == nil {
			slog.Info("Stage completed", "stage", stage.Name(), "runId", state.Record.RunID)
			continue
		}
		slog.Error("Stage failed", "stage", stage.Name(), "runId", state.Record.RunID, "error", err)
		if state.Err == nil {
			state.Err = err
		} else {
			r.console.PrintWarning(fmt.Sprintf("%s failed after an earlier failure: %v", stage.Name(), err))
		}
	}
	return state.Err
}

// Test runs the complete pipeline: build-env, tests, export, verdict and
// report. Test results are exported before a failing verdict is returned.
func Test(ctx context.Context, opts Options) error {
	opts = opts.withDefaults()
	return execute(ctx, opts, func(res *resources) []Stage {
		return []Stage{
			NewBuildEnvStage(opts.Console, false),
			NewTestsStage(opts.Console, res.captures...),
			NewExportStage(opts.Console),
			NewVerdictStage(opts.Console),
			NewReportStage(opts.Console, res.reporter),
		}
	}, true)
}

// BuildEnv only builds the environment and restores dependencies, streaming
// the restore output to the log.
func BuildEnv(ctx context.Context, opts Options) error {
	opts = opts.withDefaults()
	return execute(ctx, opts, func(*resources) []Stage {
		return []Stage{NewBuildEnvStage(opts.Console, true)}
	}, false)
}

type resources struct {
	reporter scm.StatusReporter
	captures []besteffort.Option
}

func execute(ctx context.Context, opts Options, stages func(*resources) []Stage, withReport bool) error {
	def, err := loadDefinition(opts)
	if err != nil {
		return err
	}

	timeout := config.Timeout(def)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	runID := uuid.New().String()
	slog.Info("Starting pipeline run", "runId", runID, "pipeline", def.Metadata.Name, "engine", def.Spec.Engine, "dryRun", opts.DryRun)

	if opts.DryRun {
		opts.Console.PrintWarning("DRY RUN MODE - no engine is contacted and nothing is exported")
	}

	eng, err := newEngine(ctx, opts, def)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			slog.Warn("Failed to close engine", "engine", eng.Name(), "error", err)
		}
	}()

	res := &resources{}
	if withReport {
		if res.reporter, err = opts.Factory.NewReporter(def.Spec.Report); err != nil {
			return pipelineerrors.NewReportError(
				"Failed to set up status reporting",
				"",
				"Set the token environment variable or remove spec.report from the pipeline file",
				err,
			)
		}
	}

	captures, cleanup, err := captureOptions(eng)
	if err != nil {
		return pipelineerrors.NewFileSystemError("Failed to prepare capture files", "", "Check that the temporary directory is writable", err)
	}
	defer cleanup()
	res.captures = captures

	state := &ExecutionState{
		Definition: def,
		Engine:     eng,
		Label:      opts.Label,
		DryRun:     opts.DryRun,
		Record:     newRunRecord(runID, def.Metadata.Name, opts.Label, def.Spec.Engine),
	}
	state.Revision = detectRevision(def.Spec.Source.Path)
	state.Record.Revision = state.Revision

	if withReport && !opts.DryRun {
		reportRunning(ctx, res.reporter, state)
	}

	runErr := NewRunner(opts.Console, stages(res)...).Run(ctx, state)

	if !opts.DryRun && state.Record.Path() != "" {
		if err := state.Record.Save(filepath.Dir(state.Record.Path())); err != nil {
			slog.Warn("Failed to update run record", "path", state.Record.Path(), "error", err)
		}
	}

	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return pipelineerrors.NewEngineError(
				"Pipeline timed out",
				fmt.Sprintf("the run exceeded spec.timeout (%s)", timeout),
				"Increase spec.timeout or speed up the restore and test steps",
				runErr,
			)
		}
		return runErr
	}

	if opts.DryRun {
		opts.Console.PrintSuccess("🎉 DRY RUN COMPLETED - all stages planned")
	} else {
		opts.Console.PrintSuccess(fmt.Sprintf("🎉 Pipeline '%s' completed successfully", def.Metadata.Name))
	}
	slog.Info("Pipeline run completed", "runId", runID, "pipeline", def.Metadata.Name, "dryRun", opts.DryRun)
	return nil
}

func loadDefinition(opts Options) (*definition.Definition, error) {
	def, err := config.Load(opts.File)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, pipelineerrors.NewConfigNotFoundError(
				"Pipeline file not found",
				fmt.Sprintf("no file at %s", opts.File),
				"Check the --file path or run from the directory containing pipeline.yaml",
				err,
			)
		}
		return nil, pipelineerrors.NewConfigError(
			"Invalid pipeline file",
			err.Error(),
			"Fix the listed fields in the pipeline file",
			err,
		)
	}

	if err := opts.Overrides.Apply(def); err != nil {
		return nil, pipelineerrors.NewConfigError(
			"Invalid command-line override",
			err.Error(),
			"Check the --source, --output and --engine flags",
			err,
		)
	}
	return def, nil
}

// newEngine creates the configured engine. A dry run builds on the host
// engine, which never evaluates anything here, so no daemon is needed.
func newEngine(ctx context.Context, opts Options, def *definition.Definition) (engine.Engine, error) {
	if opts.DryRun {
		return hostexec.New(), nil
	}
	eng, err := opts.Factory.NewEngine(ctx, def.Spec.Engine)
	if err != nil {
		return nil, pipelineerrors.NewEngineError(
			fmt.Sprintf("Failed to start the %s engine", def.Spec.Engine),
			"",
			"Make sure the engine is installed and running, or choose another with --engine",
			err,
		)
	}
	return eng, nil
}

func detectRevision(path string) *scm.Revision {
	rev, err := scm.DetectRevision(path)
	if err != nil {
		slog.Info("Source revision not detected", "path", path, "error", err)
		return nil
	}
	slog.Info("Detected source revision", "commit", rev.Commit, "branch", rev.Branch, "dirty", rev.Dirty)
	return &rev
}

func reportRunning(ctx context.Context, reporter scm.StatusReporter, state *ExecutionState) {
	if reporter == nil || state.Revision == nil {
		return
	}
	reportCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := reporter.ReportStatus(reportCtx, scm.Status{
		Revision:    *state.Revision,
		State:       scm.StateRunning,
		Description: state.Label + " running",
	})
	if err != nil {
		slog.Warn("Failed to report running status", "error", err)
	}
}
