// Package pipeline assembles the test pipeline on an engine: the build
// environment with restored dependencies, the best-effort test step and the
// export of its artifacts to the host.
package pipeline

import (
	"sort"

	"pipelines/internal/besteffort"
	"pipelines/pkg/definition"
	"pipelines/pkg/engine"
)

// Step labels attached to the containers built here.
const (
	BuildEnvLabel = "build-env"
	TestLabel     = "tests"
)

// BuildEnv returns the container with the source tree mounted, the
// dependency cache attached and dependencies restored. Restore is a regular
// exec, so its failure surfaces on the first evaluation of the container.
func BuildEnv(eng engine.Engine, def *definition.Definition) engine.Container {
	spec := def.Spec

	c := eng.Container(spec.Image).
		WithLabel(BuildEnvLabel).
		WithDirectory(spec.Workdir, eng.HostDirectory(spec.Source.Path, spec.Source.Exclude)).
		WithMountedCache(spec.Cache.Path, spec.Cache.Name).
		WithWorkdir(spec.Workdir)

	for _, name := range sortedKeys(spec.Env) {
		c = c.WithEnvVariable(name, spec.Env[name])
	}

	return c.WithExec(spec.Restore.Command, engine.ExecOptions{
		Description: "restore " + engine.DescribeExec(spec.Restore.Command),
	})
}

// Test creates the results directory on env and runs the test command
// through the best-effort wrapper. label names the step in failures and
// defaults to TestLabel.
func Test(env engine.Container, def *definition.Definition, label string, options ...besteffort.Option) (*besteffort.Result, error) {
	if label == "" {
		label = TestLabel
	}
	spec := def.Spec.Test

	c := env.WithLabel(label).
		WithExec([]string{"mkdir", "-p", spec.ResultsDir}, engine.ExecOptions{})

	opts := []besteffort.Option{besteffort.WithExecOptions(engine.ExecOptions{Env: spec.Env})}
	return besteffort.Run(c, spec.Command, append(opts, options...)...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
