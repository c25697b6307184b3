// Package dockerbackend implements the container backend: each host is a
// pair of containers sharing one named volume. The main container runs the
// agent sessions; a small state container keeps the registry volume
// reachable even while the main container is stopped.
package dockerbackend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muxden/muxden/internal/common/config"
	"github.com/muxden/muxden/internal/common/logger"
	"github.com/muxden/muxden/internal/ids"
	"github.com/muxden/muxden/internal/provider"
	"github.com/muxden/muxden/pkg/agentstore"
	"github.com/muxden/muxden/pkg/volume"
)

const (
	// DefaultImage runs agent sessions when the provider table names none.
	DefaultImage = "ubuntu:24.04"
	// DefaultStateImage is the small image of the state container.
	DefaultStateImage = "alpine:3.22"
	// MountTarget is where the host volume appears inside both containers.
	MountTarget = "/muxden"

	stopTimeout = 30 * time.Second
)

// Register installs the docker backend factory.
func Register() {
	provider.RegisterBackend(ids.BackendDocker, New)
}

// Instance is the docker provider.
type Instance struct {
	*provider.Base
	d *driver
}

// New builds a docker instance. The Docker client is not created here; it
// is initialized lazily on first use so a stopped daemon only fails the
// operations that need it.
func New(name ids.InstanceName, cfg config.ProviderConfig, deps provider.Deps) (provider.Instance, error) {
	d := &driver{
		cfg:           cfg,
		prefix:        deps.Prefix,
		logger:        deps.Logger.WithProvider(string(name)),
		newClientFunc: NewClient,
	}
	return &Instance{
		Base: provider.NewBase(name, ids.BackendDocker, d, deps, cfg.IdleTimeoutSeconds),
		d:    d,
	}, nil
}

// VolumeForHost exposes the host volume through the state container, so
// records stay readable while the main container is stopped.
func (i *Instance) VolumeForHost(ctx context.Context, ref string) (provider.HostVolume, error) {
	h, err := i.GetHost(ctx, ref)
	if err != nil {
		return nil, err
	}
	stateID := pluginString(h.Record(), "state_container_id")
	if stateID == "" {
		return nil, fmt.Errorf("host %s has no state container", h.Name())
	}
	runner := &Runner{d: i.d, containerID: stateID}
	return provider.AgentScopedVolume{Vol: volume.NewExec(runner, MountTarget)}, nil
}

type driver struct {
	cfg    config.ProviderConfig
	prefix string
	logger *logger.Logger

	// newClientFunc defaults to NewClient; tests override it.
	newClientFunc func(host string, log *logger.Logger) (*Client, error)

	// Lazy client. mu + initialized instead of sync.Once so a transient
	// daemon failure can be retried on the next call.
	mu          sync.Mutex
	initialized bool
	client      *Client
}

func (d *driver) ensureClient() (*Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return d.client, nil
	}
	cli, err := d.newClientFunc(d.cfg.DockerHost, d.logger)
	if err != nil {
		return nil, fmt.Errorf("docker unavailable: %w", err)
	}
	d.client = cli
	d.initialized = true
	return d.client, nil
}

func (d *driver) Capabilities() provider.Capabilities {
	return provider.Capabilities{ShutdownHosts: true, Volumes: true, MutableTags: true}
}

func (d *driver) volumeName(rec *agentstore.HostRecord) string {
	prefix := d.cfg.VolumePrefix
	if prefix == "" {
		prefix = d.prefix
	}
	return prefix + rec.Name
}

func (d *driver) containerName(rec *agentstore.HostRecord) string {
	return d.prefix + "host-" + rec.Name
}

func (d *driver) Provision(ctx context.Context, rec *agentstore.HostRecord, req provider.CreateHostRequest) error {
	cli, err := d.ensureClient()
	if err != nil {
		return err
	}

	img := req.Image
	if img == "" {
		img = d.cfg.Image
	}
	if img == "" {
		img = DefaultImage
	}
	stateImg := d.cfg.StateImage
	if stateImg == "" {
		stateImg = DefaultStateImage
	}

	// A failed pull is not fatal when the image is already local.
	for _, name := range []string{img, stateImg} {
		if err := cli.PullImage(ctx, name); err != nil {
			d.logger.Warn("image pull failed, trying local image", zap.String("image", name), zap.Error(err))
		}
	}

	volName := d.volumeName(rec)
	if err := cli.CreateVolume(ctx, volName); err != nil {
		return err
	}

	cmd := []string{"sleep", "infinity"}
	if len(req.StartArgs) > 0 {
		cmd = req.StartArgs
	}

	labels := map[string]string{"muxden.host_id": rec.ID}
	mainID, err := cli.CreateContainer(ctx, ContainerConfig{
		Name:        d.containerName(rec),
		Image:       img,
		Cmd:         cmd,
		VolumeName:  volName,
		MountTarget: MountTarget,
		NetworkMode: d.cfg.Network,
		Labels:      labels,
	})
	if err != nil {
		return err
	}
	stateID, err := cli.CreateContainer(ctx, ContainerConfig{
		Name:        d.containerName(rec) + "-state",
		Image:       stateImg,
		Cmd:         []string{"sleep", "infinity"},
		VolumeName:  volName,
		MountTarget: MountTarget,
		NetworkMode: d.cfg.Network,
		Labels:      labels,
	})
	if err != nil {
		_ = cli.RemoveContainer(ctx, mainID)
		return err
	}

	if err := cli.StartContainer(ctx, stateID); err != nil {
		return err
	}
	if err := cli.StartContainer(ctx, mainID); err != nil {
		return err
	}

	if rec.PluginData == nil {
		rec.PluginData = map[string]any{}
	}
	rec.PluginData["container_id"] = mainID
	rec.PluginData["state_container_id"] = stateID
	rec.PluginData["volume_name"] = volName
	return nil
}

func (d *driver) Connect(_ context.Context, rec *agentstore.HostRecord) (volume.CommandRunner, string, bool, error) {
	containerID := pluginString(rec, "container_id")
	if containerID == "" {
		return nil, "", false, errors.New("host record has no container id")
	}
	return &Runner{d: d, containerID: containerID}, MountTarget, false, nil
}

func (d *driver) Start(ctx context.Context, rec *agentstore.HostRecord) error {
	cli, err := d.ensureClient()
	if err != nil {
		return err
	}
	if stateID := pluginString(rec, "state_container_id"); stateID != "" {
		if err := cli.StartContainer(ctx, stateID); err != nil {
			return err
		}
	}
	return cli.StartContainer(ctx, pluginString(rec, "container_id"))
}

// Stop stops only the main container; the state container stays up so the
// registry volume remains readable.
func (d *driver) Stop(ctx context.Context, rec *agentstore.HostRecord) error {
	cli, err := d.ensureClient()
	if err != nil {
		return err
	}
	return cli.StopContainer(ctx, pluginString(rec, "container_id"), stopTimeout)
}

func (d *driver) Destroy(ctx context.Context, rec *agentstore.HostRecord) error {
	cli, err := d.ensureClient()
	if err != nil {
		return err
	}
	for _, key := range []string{"container_id", "state_container_id"} {
		if id := pluginString(rec, key); id != "" {
			if err := cli.RemoveContainer(ctx, id); err != nil {
				d.logger.Warn("container removal failed", zap.String("container_id", id), zap.Error(err))
			}
		}
	}
	if volName := pluginString(rec, "volume_name"); volName != "" {
		if err := cli.RemoveVolume(ctx, volName); err != nil {
			return err
		}
	}
	return nil
}

func (d *driver) Resources(ctx context.Context, rec *agentstore.HostRecord) (*provider.HostResources, error) {
	cli, err := d.ensureClient()
	if err != nil {
		return nil, err
	}
	cpus, memory, err := cli.InspectResources(ctx, pluginString(rec, "container_id"))
	if err != nil {
		return nil, err
	}
	return &provider.HostResources{CPUs: cpus, MemoryBytes: memory}, nil
}

func (d *driver) InvalidateConnection(string) {}

func (d *driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized || d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	d.initialized = false
	return err
}

// pluginString reads a string value out of the record's plugin data.
func pluginString(rec *agentstore.HostRecord, key string) string {
	if rec.PluginData == nil {
		return ""
	}
	if v, ok := rec.PluginData[key].(string); ok {
		return v
	}
	return ""
}
