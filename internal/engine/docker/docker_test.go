package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pipelines/pkg/engine"
)

// MockAPIClient overrides the Docker API calls exercised without a daemon.
// Calling any other method panics on the nil embedded interface.
type MockAPIClient struct {
	client.APIClient
	mock.Mock
}

func (m *MockAPIClient) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	args := m.Called(ctx, ref, options)
	if rc, ok := args.Get(0).(io.ReadCloser); ok {
		return rc, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAPIClient) ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error) {
	args := m.Called(ctx, imageID, options)
	return nil, args.Error(0)
}

func (m *MockAPIClient) Close() error {
	return m.Called().Error(0)
}

func (m *MockAPIClient) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	args := m.Called(ctx, cfg, hostCfg, netCfg, platform, name)
	return args.Get(0).(container.CreateResponse), args.Error(1)
}

func (m *MockAPIClient) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return m.Called(ctx, containerID, options).Error(0)
}

func (m *MockAPIClient) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	args := m.Called(ctx, containerID, condition)
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if err := args.Error(1); err != nil {
		errCh <- err
	} else {
		statusCh <- args.Get(0).(container.WaitResponse)
	}
	return statusCh, errCh
}

func (m *MockAPIClient) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	args := m.Called(ctx, containerID, options)
	if rc, ok := args.Get(0).(io.ReadCloser); ok {
		return rc, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAPIClient) CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error {
	return m.Called(ctx, containerID, dstPath, content, options).Error(0)
}

func (m *MockAPIClient) ContainerCommit(ctx context.Context, containerID string, options container.CommitOptions) (container.CommitResponse, error) {
	args := m.Called(ctx, containerID, options)
	return args.Get(0).(container.CommitResponse), args.Error(1)
}

func (m *MockAPIClient) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	return m.Called(ctx, containerID, options).Error(0)
}

// multiplexedLogs builds a log stream in the framed format the daemon uses
// for containers without a TTY.
func multiplexedLogs(t *testing.T, stdout, stderr string) io.ReadCloser {
	t.Helper()
	buf := new(bytes.Buffer)
	_, err := stdcopy.NewStdWriter(buf, stdcopy.Stdout).Write([]byte(stdout))
	require.NoError(t, err)
	_, err = stdcopy.NewStdWriter(buf, stdcopy.Stderr).Write([]byte(stderr))
	require.NoError(t, err)
	return io.NopCloser(buf)
}

// tarContents reads every regular file of a tar stream into a map.
func tarContents(t *testing.T, r io.Reader) map[string]string {
	t.Helper()
	files := map[string]string{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = string(data)
	}
}

func expectRun(t *testing.T, api *MockAPIClient, exitCode int64, stdout, stderr string) {
	api.On("ContainerCreate", mock.Anything, mock.MatchedBy(func(cfg *container.Config) bool {
		return cfg.Image == "sha256:base" && cfg.WorkingDir == "/src"
	}), mock.Anything, mock.Anything, mock.Anything, "").
		Return(container.CreateResponse{ID: "run-1"}, nil).Once()
	api.On("ContainerStart", mock.Anything, "run-1", container.StartOptions{}).Return(nil).Once()
	api.On("ContainerWait", mock.Anything, "run-1", container.WaitConditionNotRunning).
		Return(container.WaitResponse{StatusCode: exitCode}, nil).Once()
	api.On("ContainerLogs", mock.Anything, "run-1", mock.Anything).
		Return(multiplexedLogs(t, stdout, stderr), nil).Once()
	api.On("ContainerRemove", mock.Anything, "run-1", container.RemoveOptions{Force: true}).Return(nil).Once()
}

func TestNewDockerRuntime_RequiresDockerDaemon(t *testing.T) {
	rt, err := NewDockerRuntime()
	if err != nil {
		msg := err.Error()
		assert.True(t,
			strings.HasPrefix(msg, "failed to create Docker client") || strings.HasPrefix(msg, "failed to connect to Docker daemon"),
			"unexpected error format: %s", msg)
		return
	}
	assert.Equal(t, "docker", rt.Name())
	rt.client.Close()
}

func TestRuntime_PullsImageOnce(t *testing.T) {
	api := &MockAPIClient{}
	api.On("ImagePull", mock.Anything, "alpine:3.20", image.PullOptions{}).
		Return(io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil).Once()

	rt := NewWithClient(api)
	ctx := context.Background()
	require.NoError(t, rt.pullImage(ctx, "alpine:3.20"))
	require.NoError(t, rt.pullImage(ctx, "alpine:3.20"))

	api.AssertExpectations(t)
}

func TestRuntime_PullFailureSurfacesOnSync(t *testing.T) {
	api := &MockAPIClient{}
	api.On("ImagePull", mock.Anything, "missing:latest", image.PullOptions{}).
		Return(nil, errors.New("manifest unknown"))

	rt := NewWithClient(api)
	c := rt.Container("missing:latest").WithWorkdir("/src")
	err := c.Sync(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to pull image missing:latest")
	assert.Contains(t, err.Error(), "manifest unknown")
}

func TestRuntime_PullRetriesAfterCancellation(t *testing.T) {
	api := &MockAPIClient{}
	api.On("ImagePull", mock.Anything, "alpine:3.20", image.PullOptions{}).
		Return(nil, context.Canceled).Once()
	api.On("ImagePull", mock.Anything, "alpine:3.20", image.PullOptions{}).
		Return(io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil).Once()

	rt := NewWithClient(api)
	err := rt.pullImage(context.Background(), "alpine:3.20")
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, rt.pullImage(context.Background(), "alpine:3.20"))
	require.NoError(t, rt.pullImage(context.Background(), "alpine:3.20"))
	api.AssertExpectations(t)
}

func TestRuntime_ExecRedirectsOutputIntoSnapshot(t *testing.T) {
	api := &MockAPIClient{}
	expectRun(t, api, 0, "out123", "err456")

	var captured map[string]string
	api.On("CopyToContainer", mock.Anything, "run-1", "/", mock.Anything, container.CopyToContainerOptions{}).
		Run(func(args mock.Arguments) {
			captured = tarContents(t, args.Get(3).(io.Reader))
		}).
		Return(nil).Once()
	api.On("ContainerCommit", mock.Anything, "run-1", container.CommitOptions{}).
		Return(container.CommitResponse{ID: "sha256:snap"}, nil).Once()

	rt := NewWithClient(api)
	s, err := rt.exec(context.Background(), "sha256:base", config{workdir: "/src"}, []string{"sh", "-c", "wrapped"}, engine.ExecOptions{
		RedirectStdout: "/tmp/stdout",
		RedirectStderr: "/tmp/stderr",
	})
	require.NoError(t, err)

	assert.Equal(t, "sha256:snap", s.image)
	assert.Empty(t, s.stdout, "redirected stdout is not visible")
	assert.Equal(t, map[string]string{
		"tmp/stdout": "out123",
		"tmp/stderr": "err456",
	}, captured)
	assert.Equal(t, []string{"sha256:snap"}, rt.snapshots)
	api.AssertExpectations(t)
}

func TestRuntime_ExecKeepsStdoutWithoutRedirect(t *testing.T) {
	api := &MockAPIClient{}
	expectRun(t, api, 0, "restored 3 packages\n", "")
	api.On("ContainerCommit", mock.Anything, "run-1", container.CommitOptions{}).
		Return(container.CommitResponse{ID: "sha256:snap"}, nil).Once()

	rt := NewWithClient(api)
	s, err := rt.exec(context.Background(), "sha256:base", config{workdir: "/src"}, []string{"dotnet", "restore"}, engine.ExecOptions{})
	require.NoError(t, err)

	assert.Equal(t, "restored 3 packages\n", s.stdout)
	api.AssertNotCalled(t, "CopyToContainer", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	api.AssertExpectations(t)
}

func TestRuntime_ExecNonZeroExit(t *testing.T) {
	api := &MockAPIClient{}
	expectRun(t, api, 3, "partial", "unable to resolve package")

	rt := NewWithClient(api)
	_, err := rt.exec(context.Background(), "sha256:base", config{workdir: "/src"}, []string{"dotnet", "restore"}, engine.ExecOptions{})

	var execErr *engine.ExecError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 3, execErr.ExitCode)
	assert.Equal(t, []string{"dotnet", "restore"}, execErr.Args)
	assert.Equal(t, "partial", execErr.Stdout)
	assert.Equal(t, "unable to resolve package", execErr.Stderr)

	api.AssertNotCalled(t, "ContainerCommit", mock.Anything, mock.Anything, mock.Anything)
	api.AssertExpectations(t)
}

func TestRuntime_ExecWaitError(t *testing.T) {
	api := &MockAPIClient{}
	api.On("ContainerCreate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, "").
		Return(container.CreateResponse{ID: "run-1"}, nil).Once()
	api.On("ContainerStart", mock.Anything, "run-1", container.StartOptions{}).Return(nil).Once()
	api.On("ContainerWait", mock.Anything, "run-1", container.WaitConditionNotRunning).
		Return(container.WaitResponse{}, errors.New("daemon went away")).Once()
	api.On("ContainerRemove", mock.Anything, "run-1", container.RemoveOptions{Force: true}).Return(nil).Once()

	rt := NewWithClient(api)
	_, err := rt.exec(context.Background(), "sha256:base", config{}, []string{"true"}, engine.ExecOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to wait for container: daemon went away")

	var execErr *engine.ExecError
	assert.False(t, errors.As(err, &execErr))
	api.AssertExpectations(t)
}

func TestRuntime_CloseRemovesSnapshots(t *testing.T) {
	api := &MockAPIClient{}
	api.On("ImageRemove", mock.Anything, "sha256:b", mock.Anything).Return(nil).Once()
	api.On("ImageRemove", mock.Anything, "sha256:a", mock.Anything).Return(errors.New("in use")).Once()
	api.On("Close").Return(nil)

	rt := NewWithClient(api)
	rt.trackSnapshot("sha256:a")
	rt.trackSnapshot("sha256:b")
	require.NoError(t, rt.Close())

	api.AssertExpectations(t)
}

func TestContainerConfig(t *testing.T) {
	cfg := config{workdir: "/src"}.
		withEnv("DOTNET_CLI_TELEMETRY_OPTOUT", "1").
		withMount(mount.Mount{Type: mount.TypeVolume, Source: "nuget-cache", Target: "/src/.nuget-cache"})

	containerCfg, hostCfg := containerConfig("img", cfg, []string{"dotnet", "restore"}, map[string]string{"EXTRA": "x"})

	assert.Equal(t, "img", containerCfg.Image)
	assert.Equal(t, []string{"dotnet", "restore"}, []string(containerCfg.Cmd))
	assert.Equal(t, []string{""}, []string(containerCfg.Entrypoint))
	assert.Equal(t, []string{"DOTNET_CLI_TELEMETRY_OPTOUT=1", "EXTRA=x"}, containerCfg.Env)
	assert.Equal(t, "/src", containerCfg.WorkingDir)
	assert.Equal(t, "true", containerCfg.Labels[managedLabel])
	require.Len(t, hostCfg.Mounts, 1)
	assert.Equal(t, "nuget-cache", hostCfg.Mounts[0].Source)
}

func TestConfig_WithMountReplacesTarget(t *testing.T) {
	cfg := config{}.
		withMount(mount.Mount{Source: "a", Target: "/cache"}).
		withMount(mount.Mount{Source: "b", Target: "/cache"})
	require.Len(t, cfg.mounts, 1)
	assert.Equal(t, "b", cfg.mounts[0].Source)
}

func TestConfig_CopyOnWrite(t *testing.T) {
	rt := NewWithClient(&MockAPIClient{})
	base := rt.Container("img").WithEnvVariable("A", "1").(*dockerContainer)
	derived := base.WithEnvVariable("A", "2").(*dockerContainer)

	assert.Equal(t, "1", base.cfg.env["A"])
	assert.Equal(t, "2", derived.cfg.env["A"])
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, "/tmp/stdout", resolvePath("/src", "/tmp/stdout"))
	assert.Equal(t, "/src/out", resolvePath("/src", "out"))
	assert.Equal(t, "/out", resolvePath("", "out"))
}

func tarNames(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()
	var names []string
	tr := tar.NewReader(bytes.NewReader(buf.Bytes()))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	sort.Strings(names)
	return names
}

func TestTarDirectory_PrefixesTarget(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "Steps"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "Test.csproj"), []byte("<Project/>"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "Steps", "StepDefinitions.cs"), []byte("class"), 0644))

	buf, err := tarDirectory(src, "/src")
	require.NoError(t, err)
	assert.Equal(t, []string{"src/", "src/Steps/", "src/Steps/StepDefinitions.cs", "src/Test.csproj"}, tarNames(t, buf))
}

func TestTarFiles_AndReadTarFile(t *testing.T) {
	buf, err := tarFiles(map[string][]byte{"/tmp/stdout": []byte("out123")})
	require.NoError(t, err)
	assert.Equal(t, []string{"tmp/stdout"}, tarNames(t, buf))

	data, err := readTarFile(buf)
	require.NoError(t, err)
	assert.Equal(t, "out123", string(data))
}

func TestReadTarFile_Empty(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, tar.NewWriter(buf).Close())
	_, err := readTarFile(buf)
	assert.Error(t, err)
}

func TestUntarStripped(t *testing.T) {
	buf := new(bytes.Buffer)
	tw := tar.NewWriter(buf)
	write := func(name string, typ byte, body string) {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: typ, Mode: 0644, Size: int64(len(body))}))
		if body != "" {
			_, err := tw.Write([]byte(body))
			require.NoError(t, err)
		}
	}
	write("out/", tar.TypeDir, "")
	write("out/results.trx", tar.TypeReg, "<TestRun/>")
	write("out/nested/log.txt", tar.TypeReg, "log")
	require.NoError(t, tw.Close())

	dest := filepath.Join(t.TempDir(), "result")
	require.NoError(t, untarStripped(buf, dest))

	data, err := os.ReadFile(filepath.Join(dest, "results.trx"))
	require.NoError(t, err)
	assert.Equal(t, "<TestRun/>", string(data))
	assert.FileExists(t, filepath.Join(dest, "nested", "log.txt"))
}

func TestUntarStripped_RejectsEscape(t *testing.T) {
	buf := new(bytes.Buffer)
	tw := tar.NewWriter(buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "out/../../evil", Typeflag: tar.TypeReg, Mode: 0644}))
	require.NoError(t, tw.Close())

	// The cleaned entry stays confined to dest.
	dest := t.TempDir()
	_ = untarStripped(buf, dest)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dest), "evil"))
}

// TestRuntime_EndToEnd runs against a real daemon when PIPELINES_DOCKER_TESTS
// is set.
func TestRuntime_EndToEnd(t *testing.T) {
	if os.Getenv("PIPELINES_DOCKER_TESTS") == "" {
		t.Skip("set PIPELINES_DOCKER_TESTS=1 to run against a Docker daemon")
	}
	rt, err := NewDockerRuntime()
	require.NoError(t, err)
	defer rt.Close()

	ctx := context.Background()
	c := rt.Container("alpine:3.20").
		WithWorkdir("/work").
		WithExec([]string{"sh", "-c", "mkdir -p /work/out && echo hi > /work/out/a.txt && echo visible"}, engine.ExecOptions{})

	out, err := c.Stdout(ctx)
	require.NoError(t, err)
	assert.Equal(t, "visible\n", out)

	contents, err := c.File("out/a.txt").Contents(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", contents)

	failed := c.WithExec([]string{"sh", "-c", "exit 4"}, engine.ExecOptions{})
	var execErr *engine.ExecError
	require.True(t, errors.As(failed.Sync(ctx), &execErr))
	assert.Equal(t, 4, execErr.ExitCode)
}
