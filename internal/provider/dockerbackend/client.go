package dockerbackend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	dockervolume "github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/muxden/muxden/internal/common/logger"
)

// ContainerConfig holds what CreateContainer needs.
type ContainerConfig struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	VolumeName  string
	MountTarget string
	NetworkMode string
	Labels      map[string]string
}

// Client wraps the Docker SDK client with the operations the backend uses.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewClient connects to the Docker daemon. host overrides DOCKER_HOST when
// set.
func NewClient(host string, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	log.Debug("docker client created", zap.String("host", host))
	return &Client{cli: cli, logger: log}, nil
}

// Close closes the underlying SDK client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// PullImage pulls an image, draining the progress stream.
func (c *Client) PullImage(ctx context.Context, imageName string) error {
	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

// CreateVolume creates a named volume; creating an existing one is a no-op.
func (c *Client) CreateVolume(ctx context.Context, name string) error {
	_, err := c.cli.VolumeCreate(ctx, dockervolume.CreateOptions{Name: name})
	if err != nil {
		return fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	return nil
}

// RemoveVolume force-removes a named volume.
func (c *Client) RemoveVolume(ctx context.Context, name string) error {
	return c.cli.VolumeRemove(ctx, name, true)
}

// CreateContainer creates a container with the registry volume mounted.
func (c *Client) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	containerCfg := &container.Config{
		Image:  cfg.Image,
		Cmd:    cfg.Cmd,
		Env:    cfg.Env,
		Labels: cfg.Labels,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(cfg.NetworkMode),
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: cfg.VolumeName,
			Target: cfg.MountTarget,
		}},
	}
	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", cfg.Name, err)
	}
	c.logger.Info("container created",
		zap.String("id", resp.ID),
		zap.String("name", cfg.Name))
	return resp.ID, nil
}

// StartContainer starts a container by id.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

// StopContainer stops a container with a timeout.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	timeoutSeconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{
		Timeout: &timeoutSeconds,
	})
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer force-removes a container and its anonymous volumes.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// InspectResources reads the resource limits configured on a container.
func (c *Client) InspectResources(ctx context.Context, containerID string) (cpus int, memoryBytes int64, err error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	if inspect.HostConfig != nil {
		cpus = int(inspect.HostConfig.NanoCPUs / 1e9)
		memoryBytes = inspect.HostConfig.Memory
	}
	return cpus, memoryBytes, nil
}

// Exec runs a command inside a container and returns demultiplexed output
// plus the exit code.
func (c *Client) Exec(ctx context.Context, containerID string, argv []string, stdin []byte) ([]byte, []byte, int, error) {
	execResp, err := c.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          argv,
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, nil, -1, fmt.Errorf("exec create: %w", err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, nil, -1, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	if stdin != nil {
		if _, err := attach.Conn.Write(stdin); err != nil {
			return nil, nil, -1, fmt.Errorf("exec stdin: %w", err)
		}
		if err := attach.CloseWrite(); err != nil {
			return nil, nil, -1, fmt.Errorf("exec stdin close: %w", err)
		}
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, nil, -1, fmt.Errorf("exec read: %w", err)
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return stdout.Bytes(), stderr.Bytes(), -1, fmt.Errorf("exec inspect: %w", err)
	}
	return stdout.Bytes(), stderr.Bytes(), inspect.ExitCode, nil
}
