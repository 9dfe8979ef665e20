// Package hostexec implements engine.Engine directly on the host filesystem.
// Container paths are host paths and execs are host processes, so snapshots
// are not isolated from each other. It serves runners that are already
// sandboxed and tests that need real command execution.
package hostexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/adrg/xdg"

	"pipelines/internal/fsutil"
	"pipelines/pkg/engine"
)

// Engine runs containers on the host.
type Engine struct {
	cacheRoot string
}

// Option configures an Engine.
type Option func(*Engine)

// WithCacheRoot sets the directory holding named caches.
func WithCacheRoot(dir string) Option {
	return func(e *Engine) {
		e.cacheRoot = dir
	}
}

// New creates a host engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		cacheRoot: filepath.Join(xdg.CacheHome, "pipelines", "caches"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Name() string { return "host" }

// Container returns an empty container. The image is only recorded, since
// the host filesystem is the base.
func (e *Engine) Container(image string) engine.Container {
	return &container{
		eng:  e,
		hist: engine.History{}.Append(engine.Operation{Kind: engine.OpFrom, Description: image}),
	}
}

// HostDirectory returns a directory on the host, filtered by exclude.
func (e *Engine) HostDirectory(path string, exclude []string) engine.Directory {
	return &hostDirectory{path: path, exclude: exclude}
}

func (e *Engine) Close() error { return nil }

// step runs one filesystem-changing operation. It receives the stdout of the
// previous exec and returns the stdout visible after the step.
type step func(ctx context.Context, cfg config, prevStdout string) (string, error)

type config struct {
	workdir string
	env     map[string]string
}

func (c config) withEnv(name, value string) config {
	env := make(map[string]string, len(c.env)+1)
	for k, v := range c.env {
		env[k] = v
	}
	env[name] = value
	c.env = env
	return c
}

type container struct {
	eng    *Engine
	parent *container
	run    step
	cfg    config
	hist   engine.History

	memo engine.Memo[string]
}

func (c *container) derive(op engine.Operation, run step) *container {
	return &container{
		eng:    c.eng,
		parent: c,
		run:    run,
		cfg:    c.cfg,
		hist:   c.hist.Append(op),
	}
}

func (c *container) eval(ctx context.Context) (string, error) {
	return c.memo.Do(ctx, func(ctx context.Context) (string, error) {
		var prev string
		if c.parent != nil {
			var err error
			if prev, err = c.parent.eval(ctx); err != nil {
				return "", err
			}
		}
		if c.run == nil {
			return prev, nil
		}
		return c.run(ctx, c.cfg, prev)
	})
}

func (c *container) WithDirectory(path string, dir engine.Directory) engine.Container {
	return c.derive(engine.Operation{Kind: engine.OpDirectory, Description: path}, func(ctx context.Context, _ config, prev string) (string, error) {
		if err := dir.Export(ctx, path); err != nil {
			return "", fmt.Errorf("copy directory to %s: %w", path, err)
		}
		return prev, nil
	})
}

func (c *container) WithMountedCache(path string, cache string) engine.Container {
	return c.derive(engine.Operation{Kind: engine.OpCache, Description: cache + ":" + path}, func(_ context.Context, _ config, prev string) (string, error) {
		cacheDir := filepath.Join(c.eng.cacheRoot, cache)
		if err := os.MkdirAll(cacheDir, 0750); err != nil {
			return "", fmt.Errorf("create cache %s: %w", cache, err)
		}
		if _, err := os.Lstat(path); err == nil {
			slog.Debug("Cache target already exists, leaving it in place", "cache", cache, "path", path)
			return prev, nil
		}
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return "", fmt.Errorf("create cache parent for %s: %w", path, err)
		}
		if err := os.Symlink(cacheDir, path); err != nil {
			return "", fmt.Errorf("mount cache %s at %s: %w", cache, path, err)
		}
		return prev, nil
	})
}

func (c *container) WithWorkdir(path string) engine.Container {
	next := c.derive(engine.Operation{Kind: engine.OpWorkdir, Description: path}, nil)
	next.cfg.workdir = path
	return next
}

func (c *container) WithEnvVariable(name, value string) engine.Container {
	next := c.derive(engine.Operation{Kind: engine.OpEnv, Description: name}, nil)
	next.cfg = next.cfg.withEnv(name, value)
	return next
}

func (c *container) WithLabel(label string) engine.Container {
	return c.derive(engine.Operation{Kind: engine.OpLabel, Description: label}, nil)
}

func (c *container) WithExec(args []string, opts engine.ExecOptions) engine.Container {
	desc := opts.Description
	if desc == "" {
		desc = engine.DescribeExec(args)
	}
	argv := append([]string(nil), args...)
	return c.derive(engine.Operation{Kind: engine.OpExec, Description: desc}, func(ctx context.Context, cfg config, _ string) (string, error) {
		return runExec(ctx, cfg, argv, opts)
	})
}

func runExec(ctx context.Context, cfg config, args []string, opts engine.ExecOptions) (string, error) {
	if len(args) == 0 {
		return "", errors.New("exec requires at least one argument")
	}
	slog.Info("Running host exec", "command", args, "workdir", cfg.workdir)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = cfg.workdir
	cmd.Env = append(os.Environ(), envList(cfg.env, opts.Env)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if opts.RedirectStdout != "" {
		if err := writeCapture(opts.RedirectStdout, stdout.Bytes()); err != nil {
			return "", err
		}
	}
	if opts.RedirectStderr != "" {
		if err := writeCapture(opts.RedirectStderr, stderr.Bytes()); err != nil {
			return "", err
		}
	}

	visible := stdout.String()
	if opts.RedirectStdout != "" {
		visible = ""
	}

	if runErr != nil && ctx.Err() != nil {
		return "", fmt.Errorf("executing %s: %w", args[0], ctx.Err())
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return "", &engine.ExecError{
				Args:     args,
				ExitCode: exitErr.ExitCode(),
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
			}
		}
		return "", fmt.Errorf("executing %s: %w", args[0], runErr)
	}
	return visible, nil
}

func writeCapture(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// envList flattens env maps into KEY=VALUE pairs in a stable order, later
// maps overriding earlier ones.
func envList(maps ...map[string]string) []string {
	merged := map[string]string{}
	for _, m := range maps {
		for k, v := range m {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

func (c *container) File(path string) engine.File {
	return &file{c: c, path: path}
}

func (c *container) Directory(path string) engine.Directory {
	return &directory{c: c, path: path}
}

func (c *container) Sync(ctx context.Context) error {
	_, err := c.eval(ctx)
	return err
}

func (c *container) Stdout(ctx context.Context) (string, error) {
	return c.eval(ctx)
}

func (c *container) Label() string            { return c.hist.Label() }
func (c *container) History() engine.History { return c.hist }

type file struct {
	c    *container
	path string
}

func (f *file) Path() string { return f.path }

func (f *file) Contents(ctx context.Context) (string, error) {
	if _, err := f.c.eval(ctx); err != nil {
		return "", err
	}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read %s: %w: %w", f.path, engine.ErrFileNotFound, err)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", f.path, err)
	}
	return string(data), nil
}

func (f *file) Export(ctx context.Context, hostPath string) error {
	if _, err := f.c.eval(ctx); err != nil {
		return err
	}
	return fsutil.CopyFile(f.path, hostPath)
}

type directory struct {
	c    *container
	path string
}

func (d *directory) Path() string { return d.path }

func (d *directory) Export(ctx context.Context, hostPath string) error {
	if _, err := d.c.eval(ctx); err != nil {
		return err
	}
	return fsutil.CopyDirectory(d.path, hostPath, nil)
}

type hostDirectory struct {
	path    string
	exclude []string
}

func (d *hostDirectory) Path() string { return d.path }

func (d *hostDirectory) Export(_ context.Context, hostPath string) error {
	return fsutil.CopyDirectory(d.path, hostPath, d.exclude)
}
