// Package dagger implements engine.Engine on the Dagger SDK.
package dagger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"dagger.io/dagger"

	"pipelines/pkg/engine"
)

// Engine is a Dagger-backed engine.
type Engine struct {
	client *dagger.Client
}

// Connect opens a session with the Dagger engine. Engine progress is written
// to logOutput when it is not nil.
func Connect(ctx context.Context, logOutput io.Writer) (*Engine, error) {
	var opts []dagger.ClientOpt
	if logOutput != nil {
		opts = append(opts, dagger.WithLogOutput(logOutput))
	}
	client, err := dagger.Connect(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Dagger engine: %w", err)
	}
	return &Engine{client: client}, nil
}

func (e *Engine) Name() string { return "dagger" }

func (e *Engine) Container(image string) engine.Container {
	return &container{
		eng:  e,
		ctr:  e.client.Container().From(image),
		hist: engine.History{}.Append(engine.Operation{Kind: engine.OpFrom, Description: image}),
	}
}

func (e *Engine) HostDirectory(path string, exclude []string) engine.Directory {
	return &directory{
		dir:  e.client.Host().Directory(path, dagger.HostDirectoryOpts{Exclude: exclude}),
		path: path,
	}
}

func (e *Engine) Close() error {
	return e.client.Close()
}

type container struct {
	eng  *Engine
	ctr  *dagger.Container
	hist engine.History
	// err is a construction error reported when the container is evaluated.
	err error
}

func (c *container) derive(op engine.Operation, ctr *dagger.Container) *container {
	return &container{
		eng:  c.eng,
		ctr:  ctr,
		hist: c.hist.Append(op),
		err:  c.err,
	}
}

func (c *container) WithDirectory(path string, dir engine.Directory) engine.Container {
	op := engine.Operation{Kind: engine.OpDirectory, Description: path}
	d, ok := dir.(*directory)
	if !ok {
		next := c.derive(op, c.ctr)
		if next.err == nil {
			next.err = fmt.Errorf("directory %s was not created by the dagger engine", dir.Path())
		}
		return next
	}
	return c.derive(op, c.ctr.WithDirectory(path, d.dir))
}

func (c *container) WithMountedCache(path string, cache string) engine.Container {
	op := engine.Operation{Kind: engine.OpCache, Description: cache + ":" + path}
	return c.derive(op, c.ctr.WithMountedCache(path, c.eng.client.CacheVolume(cache)))
}

func (c *container) WithWorkdir(path string) engine.Container {
	return c.derive(engine.Operation{Kind: engine.OpWorkdir, Description: path}, c.ctr.WithWorkdir(path))
}

func (c *container) WithEnvVariable(name, value string) engine.Container {
	return c.derive(engine.Operation{Kind: engine.OpEnv, Description: name}, c.ctr.WithEnvVariable(name, value))
}

func (c *container) WithLabel(label string) engine.Container {
	return c.derive(engine.Operation{Kind: engine.OpLabel, Description: label}, c.ctr)
}

func (c *container) WithExec(args []string, opts engine.ExecOptions) engine.Container {
	desc := opts.Description
	if desc == "" {
		desc = engine.DescribeExec(args)
	}

	// Dagger has no per-exec environment, so scope the variables around the
	// exec instead.
	names := make([]string, 0, len(opts.Env))
	for name := range opts.Env {
		names = append(names, name)
	}
	sort.Strings(names)

	ctr := c.ctr
	for _, name := range names {
		ctr = ctr.WithEnvVariable(name, opts.Env[name])
	}
	ctr = ctr.WithExec(args, dagger.ContainerWithExecOpts{
		RedirectStdout: opts.RedirectStdout,
		RedirectStderr: opts.RedirectStderr,
	})
	for _, name := range names {
		ctr = ctr.WithoutEnvVariable(name)
	}
	return c.derive(engine.Operation{Kind: engine.OpExec, Description: desc}, ctr)
}

func (c *container) File(path string) engine.File {
	return &file{c: c, path: path}
}

func (c *container) Directory(path string) engine.Directory {
	return &directory{c: c, dir: c.ctr.Directory(path), path: path}
}

func (c *container) Sync(ctx context.Context) error {
	if c.err != nil {
		return c.err
	}
	_, err := c.ctr.Sync(ctx)
	return convertError(err)
}

func (c *container) Stdout(ctx context.Context) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	out, err := c.ctr.Stdout(ctx)
	return out, convertError(err)
}

func (c *container) Label() string            { return c.hist.Label() }
func (c *container) History() engine.History { return c.hist }

type file struct {
	c    *container
	path string
}

func (f *file) Path() string { return f.path }

func (f *file) Contents(ctx context.Context) (string, error) {
	if f.c.err != nil {
		return "", f.c.err
	}
	contents, err := f.c.ctr.File(f.path).Contents(ctx)
	if err != nil && isNotFound(err) {
		return "", fmt.Errorf("read %s: %w: %w", f.path, engine.ErrFileNotFound, err)
	}
	return contents, convertError(err)
}

// isNotFound matches the error Dagger reports for a missing file. The
// GraphQL API carries it only as message text.
func isNotFound(err error) bool {
	var execErr *dagger.ExecError
	if errors.As(err, &execErr) {
		return false
	}
	return strings.Contains(err.Error(), "no such file or directory")
}

func (f *file) Export(ctx context.Context, hostPath string) error {
	if f.c.err != nil {
		return f.c.err
	}
	_, err := f.c.ctr.File(f.path).Export(ctx, hostPath)
	return convertError(err)
}

// directory is either a container directory (c set) or a host directory.
type directory struct {
	c    *container
	dir  *dagger.Directory
	path string
}

func (d *directory) Path() string { return d.path }

func (d *directory) Export(ctx context.Context, hostPath string) error {
	if d.c != nil && d.c.err != nil {
		return d.c.err
	}
	_, err := d.dir.Export(ctx, hostPath)
	return convertError(err)
}

// convertError maps Dagger exec failures onto engine.ExecError.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	var execErr *dagger.ExecError
	if errors.As(err, &execErr) {
		return &engine.ExecError{
			Args:     execErr.Cmd,
			ExitCode: execErr.ExitCode,
			Stdout:   execErr.Stdout,
			Stderr:   execErr.Stderr,
		}
	}
	return err
}
