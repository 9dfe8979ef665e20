// Package docker implements engine.Engine on the Docker Engine API. Every
// operation that changes the filesystem runs in a throwaway container whose
// result is committed to an image, so each engine.Container value maps to an
// immutable image snapshot.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"pipelines/internal/fsutil"
	"pipelines/pkg/engine"
)

// managedLabel marks containers created by this engine.
const managedLabel = "dev.pipelines.managed"

// Runtime is a Docker-backed engine.
type Runtime struct {
	client client.APIClient

	mu        sync.Mutex
	pulled    map[string]*pullResult
	snapshots []string
}

type pullResult struct {
	memo engine.Memo[struct{}]
}

// NewDockerRuntime connects to the daemon configured by the environment
// (DOCKER_HOST and friends) and checks that it answers.
func NewDockerRuntime() (*Runtime, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	if _, err := dockerClient.Ping(context.Background()); err != nil {
		dockerClient.Close()
		return nil, fmt.Errorf("failed to connect to Docker daemon: %w", err)
	}

	return NewWithClient(dockerClient), nil
}

// NewWithClient wraps an existing API client.
func NewWithClient(c client.APIClient) *Runtime {
	return &Runtime{
		client: c,
		pulled: make(map[string]*pullResult),
	}
}

func (r *Runtime) Name() string { return "docker" }

// Container returns a container based on imageRef. The image is pulled on
// first evaluation.
func (r *Runtime) Container(imageRef string) engine.Container {
	return &dockerContainer{
		rt:   r,
		hist: engine.History{}.Append(engine.Operation{Kind: engine.OpFrom, Description: imageRef}),
		run: func(ctx context.Context, _ config, _ state) (state, error) {
			if err := r.pullImage(ctx, imageRef); err != nil {
				return state{}, err
			}
			return state{image: imageRef}, nil
		},
	}
}

// HostDirectory returns a host directory that can be copied into containers.
func (r *Runtime) HostDirectory(path string, exclude []string) engine.Directory {
	return &hostDirectory{path: path, exclude: exclude}
}

// Close removes the snapshot images created by this runtime and closes the
// client.
func (r *Runtime) Close() error {
	r.mu.Lock()
	snapshots := r.snapshots
	r.snapshots = nil
	r.mu.Unlock()

	ctx := context.Background()
	for i := len(snapshots) - 1; i >= 0; i-- {
		if _, err := r.client.ImageRemove(ctx, snapshots[i], image.RemoveOptions{Force: true, PruneChildren: true}); err != nil {
			slog.Warn("Failed to remove snapshot image", "image", snapshots[i], "error", err)
		}
	}
	return r.client.Close()
}

// pullImage pulls imageRef once per runtime.
func (r *Runtime) pullImage(ctx context.Context, imageRef string) error {
	r.mu.Lock()
	p, ok := r.pulled[imageRef]
	if !ok {
		p = &pullResult{}
		r.pulled[imageRef] = p
	}
	r.mu.Unlock()

	_, err := p.memo.Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.doPull(ctx, imageRef)
	})
	return err
}

func (r *Runtime) doPull(ctx context.Context, imageRef string) error {
	slog.Info("Pulling Docker image", "image", imageRef)

	reader, err := r.client.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	defer reader.Close()

	// Drain the progress stream; the pull is only complete once it ends.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to stream image pull output: %w", err)
	}

	slog.Info("Successfully pulled Docker image", "image", imageRef)
	return nil
}

func (r *Runtime) trackSnapshot(id string) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, id)
	r.mu.Unlock()
}

type hostDirectory struct {
	path    string
	exclude []string
}

func (d *hostDirectory) Path() string { return d.path }

func (d *hostDirectory) Export(_ context.Context, hostPath string) error {
	return fsutil.CopyDirectory(d.path, hostPath, d.exclude)
}

// stagingDir creates a temporary host directory for copying data between
// snapshots.
func stagingDir() (string, func(), error) {
	dir, err := os.MkdirTemp("", "pipelines-docker-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}
