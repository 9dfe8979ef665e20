package docker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"pipelines/pkg/engine"
)

// state is the evaluated form of a container: the snapshot image and the
// stdout of the last exec.
type state struct {
	image  string
	stdout string
}

type step func(ctx context.Context, cfg config, prev state) (state, error)

// config is the run configuration accumulated by With* calls. It is applied
// to every container started from the snapshot.
type config struct {
	workdir string
	env     map[string]string
	mounts  []mount.Mount
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

func (c config) withMount(m mount.Mount) config {
	mounts := make([]mount.Mount, 0, len(c.mounts)+1)
	for _, existing := range c.mounts {
		if existing.Target != m.Target {
			mounts = append(mounts, existing)
		}
	}
	c.mounts = append(mounts, m)
	return c
}

// envSlice converts env maps to the KEY=VALUE form, later maps overriding
// earlier ones.
func envSlice(maps ...map[string]string) []string {
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
	envVars := make([]string, 0, len(keys))
	for _, k := range keys {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, merged[k]))
	}
	return envVars
}

type dockerContainer struct {
	rt     *Runtime
	parent *dockerContainer
	run    step
	cfg    config
	hist   engine.History

	memo engine.Memo[state]
}

func (c *dockerContainer) derive(op engine.Operation, run step) *dockerContainer {
	return &dockerContainer{
		rt:     c.rt,
		parent: c,
		run:    run,
		cfg:    c.cfg,
		hist:   c.hist.Append(op),
	}
}

func (c *dockerContainer) eval(ctx context.Context) (state, error) {
	return c.memo.Do(ctx, func(ctx context.Context) (state, error) {
		var prev state
		if c.parent != nil {
			var err error
			if prev, err = c.parent.eval(ctx); err != nil {
				return state{}, err
			}
		}
		if c.run == nil {
			return prev, nil
		}
		return c.run(ctx, c.cfg, prev)
	})
}

func (c *dockerContainer) WithDirectory(path string, dir engine.Directory) engine.Container {
	return c.derive(engine.Operation{Kind: engine.OpDirectory, Description: path}, func(ctx context.Context, cfg config, prev state) (state, error) {
		staging, cleanup, err := stagingDir()
		if err != nil {
			return state{}, err
		}
		defer cleanup()

		if err := dir.Export(ctx, staging); err != nil {
			return state{}, fmt.Errorf("failed to stage directory for %s: %w", path, err)
		}
		archive, err := tarDirectory(staging, path)
		if err != nil {
			return state{}, err
		}

		snapshot, err := c.rt.copyIn(ctx, prev.image, archive)
		if err != nil {
			return state{}, fmt.Errorf("failed to copy directory to %s: %w", path, err)
		}
		return state{image: snapshot, stdout: prev.stdout}, nil
	})
}

func (c *dockerContainer) WithMountedCache(path string, cache string) engine.Container {
	next := c.derive(engine.Operation{Kind: engine.OpCache, Description: cache + ":" + path}, nil)
	next.cfg = next.cfg.withMount(mount.Mount{
		Type:   mount.TypeVolume,
		Source: cache,
		Target: path,
	})
	return next
}

func (c *dockerContainer) WithWorkdir(path string) engine.Container {
	next := c.derive(engine.Operation{Kind: engine.OpWorkdir, Description: path}, nil)
	next.cfg.workdir = path
	return next
}

func (c *dockerContainer) WithEnvVariable(name, value string) engine.Container {
	next := c.derive(engine.Operation{Kind: engine.OpEnv, Description: name}, nil)
	next.cfg = next.cfg.withEnv(name, value)
	return next
}

func (c *dockerContainer) WithLabel(label string) engine.Container {
	return c.derive(engine.Operation{Kind: engine.OpLabel, Description: label}, nil)
}

func (c *dockerContainer) WithExec(args []string, opts engine.ExecOptions) engine.Container {
	desc := opts.Description
	if desc == "" {
		desc = engine.DescribeExec(args)
	}
	argv := append([]string(nil), args...)
	return c.derive(engine.Operation{Kind: engine.OpExec, Description: desc}, func(ctx context.Context, cfg config, prev state) (state, error) {
		return c.rt.exec(ctx, prev.image, cfg, argv, opts)
	})
}

func (c *dockerContainer) File(path string) engine.File {
	return &file{c: c, path: path}
}

func (c *dockerContainer) Directory(path string) engine.Directory {
	return &directory{c: c, path: path}
}

func (c *dockerContainer) Sync(ctx context.Context) error {
	_, err := c.eval(ctx)
	return err
}

func (c *dockerContainer) Stdout(ctx context.Context) (string, error) {
	s, err := c.eval(ctx)
	return s.stdout, err
}

func (c *dockerContainer) Label() string            { return c.hist.Label() }
func (c *dockerContainer) History() engine.History { return c.hist }

// containerConfig builds the create configuration for running args on
// imageRef. The image entrypoint is reset so args run as given.
func containerConfig(imageRef string, cfg config, args []string, extraEnv map[string]string) (*container.Config, *container.HostConfig) {
	containerCfg := &container.Config{
		Image:      imageRef,
		Cmd:        args,
		Entrypoint: []string{""},
		Env:        envSlice(cfg.env, extraEnv),
		WorkingDir: cfg.workdir,
		Labels:     map[string]string{managedLabel: "true"},
	}
	hostCfg := &container.HostConfig{
		Mounts: cfg.mounts,
	}
	return containerCfg, hostCfg
}

// exec runs args in a fresh container from imageRef and commits the result.
func (r *Runtime) exec(ctx context.Context, imageRef string, cfg config, args []string, opts engine.ExecOptions) (state, error) {
	slog.Info("Running container", "image", imageRef, "command", args)

	containerCfg, hostCfg := containerConfig(imageRef, cfg, args, opts.Env)
	resp, err := r.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return state{}, fmt.Errorf("failed to create container: %w", err)
	}
	containerID := resp.ID
	defer r.removeContainer(containerID)

	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return state{}, fmt.Errorf("failed to start container: %w", err)
	}

	exitCode, err := r.wait(ctx, containerID)
	if err != nil {
		return state{}, err
	}

	var stdout, stderr bytes.Buffer
	logs, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return state{}, fmt.Errorf("failed to get container logs: %w", err)
	}
	_, err = stdcopy.StdCopy(&stdout, &stderr, logs)
	logs.Close()
	if err != nil {
		return state{}, fmt.Errorf("failed to demultiplex container logs: %w", err)
	}

	if exitCode != 0 {
		return state{}, &engine.ExecError{
			Args:     args,
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
	}

	captures := map[string][]byte{}
	visible := stdout.String()
	if opts.RedirectStdout != "" {
		captures[resolvePath(cfg.workdir, opts.RedirectStdout)] = stdout.Bytes()
		visible = ""
	}
	if opts.RedirectStderr != "" {
		captures[resolvePath(cfg.workdir, opts.RedirectStderr)] = stderr.Bytes()
	}
	if len(captures) > 0 {
		archive, err := tarFiles(captures)
		if err != nil {
			return state{}, err
		}
		if err := r.client.CopyToContainer(ctx, containerID, "/", archive, container.CopyToContainerOptions{}); err != nil {
			return state{}, fmt.Errorf("failed to write redirected output: %w", err)
		}
	}

	snapshot, err := r.commit(ctx, containerID)
	if err != nil {
		return state{}, err
	}
	return state{image: snapshot, stdout: visible}, nil
}

func (r *Runtime) wait(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, fmt.Errorf("failed to wait for container: %w", err)
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return 0, fmt.Errorf("container wait failed: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// copyIn copies a tar archive onto a new snapshot of imageRef.
func (r *Runtime) copyIn(ctx context.Context, imageRef string, archive *bytes.Buffer) (string, error) {
	containerID, err := r.createIdle(ctx, imageRef)
	if err != nil {
		return "", err
	}
	defer r.removeContainer(containerID)

	if err := r.client.CopyToContainer(ctx, containerID, "/", archive, container.CopyToContainerOptions{}); err != nil {
		return "", err
	}
	return r.commit(ctx, containerID)
}

// createIdle creates a container that is never started. It gives access to
// the snapshot filesystem for copies.
func (r *Runtime) createIdle(ctx context.Context, imageRef string) (string, error) {
	resp, err := r.client.ContainerCreate(ctx, &container.Config{
		Image:      imageRef,
		Cmd:        []string{"true"},
		Entrypoint: []string{""},
		Labels:     map[string]string{managedLabel: "true"},
	}, nil, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

func (r *Runtime) commit(ctx context.Context, containerID string) (string, error) {
	resp, err := r.client.ContainerCommit(ctx, containerID, container.CommitOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to commit container: %w", err)
	}
	r.trackSnapshot(resp.ID)
	return resp.ID, nil
}

func (r *Runtime) removeContainer(containerID string) {
	if err := r.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true}); err != nil {
		slog.Error("Failed to remove container", "containerID", containerID, "error", err)
	}
}

// resolvePath makes a container path absolute against workdir.
func resolvePath(workdir, p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	if workdir == "" {
		workdir = "/"
	}
	return filepath.ToSlash(filepath.Join(workdir, p))
}

type file struct {
	c    *dockerContainer
	path string
}

func (f *file) Path() string { return f.path }

func (f *file) read(ctx context.Context) ([]byte, error) {
	s, err := f.c.eval(ctx)
	if err != nil {
		return nil, err
	}
	containerID, err := f.c.rt.createIdle(ctx, s.image)
	if err != nil {
		return nil, err
	}
	defer f.c.rt.removeContainer(containerID)

	reader, _, err := f.c.rt.client.CopyFromContainer(ctx, containerID, resolvePath(f.c.cfg.workdir, f.path))
	if client.IsErrNotFound(err) {
		return nil, fmt.Errorf("failed to read %s: %w: %w", f.path, engine.ErrFileNotFound, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
	}
	defer reader.Close()
	return readTarFile(reader)
}

func (f *file) Contents(ctx context.Context) (string, error) {
	data, err := f.read(ctx)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (f *file) Export(ctx context.Context, hostPath string) error {
	data, err := f.read(ctx)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(hostPath), 0750); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	return os.WriteFile(hostPath, data, 0644)
}

type directory struct {
	c    *dockerContainer
	path string
}

func (d *directory) Path() string { return d.path }

func (d *directory) Export(ctx context.Context, hostPath string) error {
	s, err := d.c.eval(ctx)
	if err != nil {
		return err
	}
	containerID, err := d.c.rt.createIdle(ctx, s.image)
	if err != nil {
		return err
	}
	defer d.c.rt.removeContainer(containerID)

	reader, _, err := d.c.rt.client.CopyFromContainer(ctx, containerID, resolvePath(d.c.cfg.workdir, d.path))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", d.path, err)
	}
	defer reader.Close()
	return untarStripped(reader, hostPath)
}
