package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelines/internal/besteffort"
	"pipelines/internal/engine/hostexec"
	"pipelines/pkg/definition"
	"pipelines/pkg/engine"
)

type fixture struct {
	root  string
	def   *definition.Definition
	eng   *hostexec.Engine
	paths besteffort.Paths
}

// newFixture lays out a source tree and a definition whose container paths
// all live below a temporary root, so the host engine can run it.
func newFixture(t *testing.T, testScript string) *fixture {
	t.Helper()
	root := t.TempDir()

	source := filepath.Join(root, "source")
	require.NoError(t, os.MkdirAll(filepath.Join(source, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(source, "Tests.csproj"), []byte("<Project />"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(source, "bin", "stale.dll"), []byte("stale"), 0644))

	workdir := filepath.Join(root, "src")
	def := &definition.Definition{
		APIVersion: "pipelines/v1",
		Kind:       "Pipeline",
		Metadata:   definition.Metadata{Name: "unit"},
		Spec: definition.Spec{
			Engine:  "host",
			Image:   "mcr.microsoft.com/playwright/dotnet:v1.47.0-jammy",
			Workdir: workdir,
			Env:     map[string]string{"DOTNET_CLI_TELEMETRY_OPTOUT": "1"},
			Source:  definition.Source{Path: source, Exclude: []string{"bin"}},
			Cache:   definition.Cache{Name: "nuget-cache", Path: filepath.Join(workdir, ".nuget-cache")},
			Restore: definition.Restore{Command: []string{"sh", "-c", "echo restored > .nuget-cache/restore.txt"}},
			Test: definition.Test{
				Command:    []string{"sh", "-c", testScript},
				ResultsDir: filepath.Join(root, "out"),
				Env:        map[string]string{"RESULTS": filepath.Join(root, "out")},
			},
			Output: definition.Output{Dir: filepath.Join(root, "output")},
		},
	}

	capture := filepath.Join(root, "capture")
	require.NoError(t, os.MkdirAll(capture, 0755))

	return &fixture{
		root: root,
		def:  def,
		eng:  hostexec.New(hostexec.WithCacheRoot(filepath.Join(root, "caches"))),
		paths: besteffort.Paths{
			ExitCode:    filepath.Join(capture, "exit_code"),
			LastCommand: filepath.Join(capture, "last_command"),
			Stdout:      filepath.Join(capture, "stdout"),
			Stderr:      filepath.Join(capture, "stderr"),
		},
	}
}

func (f *fixture) run(t *testing.T, label string) *besteffort.Result {
	t.Helper()
	env := BuildEnv(f.eng, f.def)
	result, err := Test(env, f.def, label, besteffort.WithPaths(f.paths))
	require.NoError(t, err)
	return result
}

func TestBuildEnv(t *testing.T) {
	f := newFixture(t, "true")
	ctx := context.Background()

	env := BuildEnv(f.eng, f.def)
	require.NoError(t, env.Sync(ctx))

	workdir := f.def.Spec.Workdir
	assert.FileExists(t, filepath.Join(workdir, "Tests.csproj"))
	assert.NoFileExists(t, filepath.Join(workdir, "bin", "stale.dll"))
	assert.FileExists(t, filepath.Join(f.root, "caches", "nuget-cache", "restore.txt"))

	kinds := []engine.OperationKind{}
	for _, op := range env.History() {
		kinds = append(kinds, op.Kind)
	}
	assert.Equal(t, []engine.OperationKind{
		engine.OpFrom, engine.OpLabel, engine.OpDirectory, engine.OpCache,
		engine.OpWorkdir, engine.OpEnv, engine.OpExec,
	}, kinds)
	assert.Equal(t, BuildEnvLabel, env.Label())
}

func TestBuildEnv_RestoreFailureIsFatal(t *testing.T) {
	f := newFixture(t, "true")
	f.def.Spec.Restore.Command = []string{"sh", "-c", "echo 'unable to resolve package' >&2; exit 1"}

	env := BuildEnv(f.eng, f.def)
	err := env.Sync(context.Background())

	var execErr *engine.ExecError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 1, execErr.ExitCode)
	assert.Contains(t, execErr.Stderr, "unable to resolve package")

	// The test step never runs on a failed environment.
	result, err := Test(env, f.def, "", besteffort.WithPaths(f.paths))
	require.NoError(t, err)
	_, err = result.Recover().ExitCode(context.Background())
	require.True(t, errors.As(err, &execErr), "restore failure propagates through the accessor")
	assert.Equal(t, 1, execErr.ExitCode)
	assert.NotErrorIs(t, err, besteffort.ErrParse)
}

func TestTest_Success(t *testing.T) {
	f := newFixture(t, `echo passed > "$RESULTS/result.trx"; echo "Passed: 3"`)
	ctx := context.Background()

	result := f.run(t, "")
	acc := result.Recover()

	code, err := acc.ExitCode(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	stdout, err := acc.RecordedStdout().Contents(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Passed: 3\n", stdout)

	c, err := acc.IfSuccessful(ctx)
	require.NoError(t, err)
	assert.Equal(t, TestLabel, c.Label())
}

func TestTest_EmptyCommand(t *testing.T) {
	f := newFixture(t, "true")
	f.def.Spec.Test.Command = nil

	_, err := Test(BuildEnv(f.eng, f.def), f.def, "", besteffort.WithPaths(f.paths))
	assert.ErrorIs(t, err, besteffort.ErrEmptyCommand)
}

// Failing tests still produce their results, which are exported before the
// verdict is raised.
func TestExportThenVerdict_FailingTests(t *testing.T) {
	f := newFixture(t, `echo failed > "$RESULTS/result.trx"; echo "Failed: 1"; echo "assertion failed" >&2; exit 1`)
	ctx := context.Background()

	acc := f.run(t, "unit-tests").Recover()

	summary, err := Export(ctx, acc, f.def)
	require.NoError(t, err)

	out := f.def.Spec.Output.Dir
	trx, err := os.ReadFile(filepath.Join(out, ResultsName, "result.trx"))
	require.NoError(t, err)
	assert.Equal(t, "failed\n", string(trx))

	stdout, err := os.ReadFile(filepath.Join(out, StdoutName))
	require.NoError(t, err)
	assert.Equal(t, "Failed: 1\n", string(stdout))

	stderr, err := os.ReadFile(filepath.Join(out, StderrName))
	require.NoError(t, err)
	assert.Equal(t, "assertion failed\n", string(stderr))

	exitCode, err := os.ReadFile(filepath.Join(out, ExitCodeName))
	require.NoError(t, err)
	assert.Equal(t, "1", string(exitCode))

	lastCommand, err := os.ReadFile(filepath.Join(out, LastCommandName))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(lastCommand), "sh -c "))

	names := []string{}
	for _, a := range summary.Artifacts {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{ExitCodeName, LastCommandName, ResultsName, StderrName, StdoutName}, names)
	assert.Positive(t, summary.TotalSize())
	assert.NotEmpty(t, summary.HumanSize())

	_, err = acc.IfSuccessful(ctx)
	var failed *besteffort.ExecutionFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "unit-tests", failed.Label)
	assert.Equal(t, 1, failed.ExitCode)
	assert.Equal(t, "Failed: 1\n", failed.Stdout)
	assert.Equal(t, "assertion failed\n", failed.Stderr)
}

func TestExport_PartialFailure(t *testing.T) {
	f := newFixture(t, `echo "no results written"; exit 3`)
	ctx := context.Background()

	// The results directory is created before the test command runs, so
	// point the export at a directory that never exists.
	result := f.run(t, "")
	missing := *f.def
	missing.Spec.Test.ResultsDir = filepath.Join(f.root, "missing")

	summary, err := Export(ctx, result.Recover(), &missing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export "+ResultsName)

	// The remaining artifacts were still written.
	names := []string{}
	for _, a := range summary.Artifacts {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{ExitCodeName, LastCommandName, StderrName, StdoutName}, names)
	assert.FileExists(t, filepath.Join(f.def.Spec.Output.Dir, StdoutName))

	code, err := result.Recover().ExitCode(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestCleanLogLine(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "  Restored /src/Tests.csproj  ", "Restored /src/Tests.csproj"},
		{"ansi", "\x1b[32mPassed!\x1b[0m - Failed: 0", "Passed! - Failed: 0"},
		{"stream header", "\x01\x00\x00\x00\x00\x00\x00\x05hello", "hello"},
		{"control characters", "a\x00b\x03c", "abc"},
		{"empty", "", ""},
		{"blank after cleaning", "\x1b[0m   ", ""},
		{"binary", "\xff\xfe\xfd\xfcab", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanLogLine(tt.in))
		})
	}
}

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []string{"A", "B", "C"}, sortedKeys(map[string]string{"C": "3", "A": "1", "B": "2"}))
	assert.Empty(t, sortedKeys(nil))
}
