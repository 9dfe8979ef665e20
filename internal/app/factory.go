package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"pipelines/internal/besteffort"
	"pipelines/internal/engine/dagger"
	"pipelines/internal/engine/docker"
	"pipelines/internal/engine/hostexec"
	"pipelines/internal/scm"
	"pipelines/pkg/definition"
	"pipelines/pkg/engine"
)

// Factory creates the engine and status reporter for a run. It decouples the
// orchestrator from concrete implementations.
type Factory interface {
	NewEngine(ctx context.Context, name string) (engine.Engine, error)
	NewReporter(report definition.Report) (scm.StatusReporter, error)
}

// EngineFactory is the default Factory.
type EngineFactory struct {
	// DaggerLog receives the dagger engine's progress output. Nil discards it.
	DaggerLog io.Writer
}

// NewEngineFactory creates a new instance of EngineFactory.
func NewEngineFactory() *EngineFactory {
	return &EngineFactory{}
}

// NewEngine returns the engine implementation named in the pipeline file.
func (f *EngineFactory) NewEngine(ctx context.Context, name string) (engine.Engine, error) {
	switch name {
	case "dagger":
		eng, err := dagger.Connect(ctx, f.DaggerLog)
		if err != nil {
			return nil, err
		}
		return eng, nil
	case "docker":
		eng, err := docker.NewDockerRuntime()
		if err != nil {
			return nil, fmt.Errorf("failed to create Docker runtime: %w", err)
		}
		return eng, nil
	case "host":
		return hostexec.New(), nil
	default:
		return nil, fmt.Errorf("unsupported engine: %s", name)
	}
}

// NewReporter returns the configured status reporter, or nil when reporting
// is not configured.
func (f *EngineFactory) NewReporter(report definition.Report) (scm.StatusReporter, error) {
	if report.GitLab == nil {
		return nil, nil
	}
	gl := report.GitLab
	reporter, err := scm.NewGitLabReporter(gl.URL, gl.Project, gl.TokenEnv, gl.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitLab reporter: %w", err)
	}
	return reporter, nil
}

// captureOptions returns the wrapper options for eng. Container engines use
// the fixed capture paths. The host engine shares its filesystem between
// runs, so captures go to a private directory that cleanup removes.
func captureOptions(eng engine.Engine) ([]besteffort.Option, func(), error) {
	if eng.Name() != "host" {
		return nil, func() {}, nil
	}

	dir, err := os.MkdirTemp("", "pipelines-capture-*")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create capture directory: %w", err)
	}
	paths := besteffort.Paths{
		ExitCode:    filepath.Join(dir, "exit_code"),
		LastCommand: filepath.Join(dir, "last_command"),
		Stdout:      filepath.Join(dir, "stdout"),
		Stderr:      filepath.Join(dir, "stderr"),
	}
	return []besteffort.Option{besteffort.WithPaths(paths)}, func() { os.RemoveAll(dir) }, nil
}
