package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"pipelines/internal/besteffort"
	"pipelines/internal/fsutil"
	"pipelines/pkg/definition"
)

// Names of the exported artifacts inside the output directory.
const (
	ResultsName     = "result"
	StdoutName      = "stdout.log"
	StderrName      = "stderr.log"
	ExitCodeName    = "exit_code"
	LastCommandName = "last_command"
)

// Artifact is one exported file or directory.
type Artifact struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// ExportSummary lists what Export wrote to the host.
type ExportSummary struct {
	Dir       string     `json:"dir"`
	Artifacts []Artifact `json:"artifacts"`
}

// TotalSize is the combined size of all artifacts in bytes.
func (s *ExportSummary) TotalSize() int64 {
	var total int64
	for _, a := range s.Artifacts {
		total += a.Size
	}
	return total
}

// HumanSize formats TotalSize for display.
func (s *ExportSummary) HumanSize() string {
	return humanize.Bytes(uint64(s.TotalSize()))
}

type exportTarget struct {
	name   string
	export func(ctx context.Context, hostPath string) error
}

// Export copies the test results directory and the captured artifacts into
// the output directory. Every export runs to completion even if another one
// fails; the first error is returned after all of them finished. Export does
// not look at the exit code, so the caller decides the verdict afterwards.
func Export(ctx context.Context, acc *besteffort.Accessor, def *definition.Definition) (*ExportSummary, error) {
	outDir, err := filepath.Abs(def.Spec.Output.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve output directory: %w", err)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory %s: %w", outDir, err)
	}

	targets := []exportTarget{
		{ResultsName, acc.Directory(def.Spec.Test.ResultsDir).Export},
		{StdoutName, acc.RecordedStdout().Export},
		{StderrName, acc.RecordedStderr().Export},
		{ExitCodeName, acc.RecordedExitCode().Export},
		{LastCommandName, acc.RecordedLastCommand().Export},
	}

	summary := &ExportSummary{Dir: outDir}
	var mu sync.Mutex

	// No derived context: one failed export must not cancel the others.
	var g errgroup.Group
	for _, target := range targets {
		g.Go(func() error {
			hostPath := filepath.Join(outDir, target.name)
			if err := target.export(ctx, hostPath); err != nil {
				slog.Error("Artifact export failed", "artifact", target.name, "error", err)
				return fmt.Errorf("export %s: %w", target.name, err)
			}

			size, err := fsutil.DirSize(hostPath)
			if err != nil {
				return fmt.Errorf("stat exported %s: %w", target.name, err)
			}
			slog.Info("Exported artifact", "artifact", target.name, "path", hostPath, "size", humanize.Bytes(uint64(size)))

			mu.Lock()
			summary.Artifacts = append(summary.Artifacts, Artifact{Name: target.name, Path: hostPath, Size: size})
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()

	sort.Slice(summary.Artifacts, func(i, j int) bool {
		return summary.Artifacts[i].Name < summary.Artifacts[j].Name
	})
	return summary, err
}
