package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// taskLabel marks every container with the task that started it.
const taskLabel = "agentrun.task"

// dockerAPI is the subset of the docker client the sandbox uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Close() error
}

// DockerConfig configures a DockerSandbox.
type DockerConfig struct {
	Image       string
	MemoryMB    int64
	NetworkMode string
	Workspace   string
}

// DockerSandbox runs each command in an ephemeral container.
type DockerSandbox struct {
	client      dockerAPI
	image       string
	memoryBytes int64
	networkMode string
	workspace   string
}

// NewDockerSandbox connects to the docker daemon from the environment.
func NewDockerSandbox(cfg DockerConfig) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newDockerSandbox(cli, cfg), nil
}

func newDockerSandbox(api dockerAPI, cfg DockerConfig) *DockerSandbox {
	if cfg.Image == "" {
		cfg.Image = "alpine:3"
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 512
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "none"
	}
	return &DockerSandbox{
		client:      api,
		image:       cfg.Image,
		memoryBytes: cfg.MemoryMB * 1024 * 1024,
		networkMode: cfg.NetworkMode,
		workspace:   cfg.Workspace,
	}
}

// NewSession returns a session whose containers carry taskID.
func (d *DockerSandbox) NewSession(_ context.Context, taskID string) (Session, error) {
	return &dockerSession{sandbox: d, taskID: taskID, live: make(map[string]struct{})}, nil
}

// Close closes the docker client.
func (d *DockerSandbox) Close() error {
	return d.client.Close()
}

type dockerSession struct {
	sandbox *DockerSandbox
	taskID  string

	mu     sync.Mutex
	live   map[string]struct{}
	closed bool
}

// Exec runs cmd in a fresh container and removes it afterwards.
func (s *dockerSession) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	d := s.sandbox
	if workDir == "" {
		workDir = "/workspace"
	}

	hostCfg := &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryBytes},
		NetworkMode: container.NetworkMode(d.networkMode),
	}
	if d.workspace != "" {
		hostCfg.Binds = []string{fmt.Sprintf("%s:/workspace", d.workspace)}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", "", -1, ErrSessionClosed
	}
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: workDir,
		Labels:     map[string]string{taskLabel: s.taskID},
	}, hostCfg, nil, nil, "")
	if err != nil {
		s.mu.Unlock()
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID
	s.live[id] = struct{}{}
	s.mu.Unlock()
	defer s.remove(context.WithoutCancel(ctx), id)

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return "", "", -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(context.WithoutCancel(ctx), id, "SIGKILL")
		return "", "command timed out", -1, ctx.Err()
	}

	out, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("get logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

func (s *dockerSession) remove(ctx context.Context, id string) error {
	err := s.sandbox.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()
	return err
}

// Cleanup removes every container of the task, including ones left behind
// by an interrupted Exec, and refuses further commands.
func (s *dockerSession) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ids := make(map[string]struct{}, len(s.live))
	for id := range s.live {
		ids[id] = struct{}{}
	}
	s.mu.Unlock()

	leftovers, err := s.sandbox.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", taskLabel+"="+s.taskID)),
	})
	if err != nil {
		return fmt.Errorf("list task containers: %w", err)
	}
	for _, c := range leftovers {
		ids[c.ID] = struct{}{}
	}

	var errs []error
	for id := range ids {
		if err := s.remove(ctx, id); err != nil && !cerrdefs.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
