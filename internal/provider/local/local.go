// Package local implements the backend that treats the operator's machine
// as a single always-on host.
package local

import (
	"context"
	"errors"
	"runtime"
	"syscall"

	"github.com/muxden/muxden/internal/common/config"
	"github.com/muxden/muxden/internal/ids"
	"github.com/muxden/muxden/internal/provider"
	"github.com/muxden/muxden/pkg/agentstore"
	"github.com/muxden/muxden/pkg/volume"
)

// HostName is the fixed name of the one host a local instance owns.
const HostName = "local"

// Register installs the local backend factory.
func Register() {
	provider.RegisterBackend(ids.BackendLocal, New)
}

// Instance is the local provider: one always-on host, native filesystem
// volume.
type Instance struct {
	*provider.Base
	hostDir string
}

// New builds a local instance and seeds its singleton host record.
func New(name ids.InstanceName, cfg config.ProviderConfig, deps provider.Deps) (provider.Instance, error) {
	hostDir := cfg.HostDir
	if hostDir == "" {
		hostDir = deps.HostDir
	}
	hostDir = config.ExpandHome(hostDir)

	d := &driver{hostDir: hostDir}
	inst := &Instance{
		Base:    provider.NewBase(name, ids.BackendLocal, d, deps, cfg.IdleTimeoutSeconds),
		hostDir: hostDir,
	}
	if err := inst.ensureHost(context.Background()); err != nil {
		return nil, err
	}
	return inst, nil
}

// ensureHost creates the singleton host record on first use.
func (i *Instance) ensureHost(ctx context.Context) error {
	hosts, err := i.Records().ListHosts(ctx)
	if err != nil {
		return err
	}
	for _, h := range hosts {
		if h.Name == HostName {
			return nil
		}
	}
	return i.Records().WriteHost(ctx, &agentstore.HostRecord{
		ID:           string(ids.NewHostID()),
		Name:         HostName,
		ProviderName: string(i.Name()),
		State:        agentstore.HostRunning,
	})
}

// VolumeForHost exposes the host directory as an agent-scoped volume.
func (i *Instance) VolumeForHost(ctx context.Context, ref string) (provider.HostVolume, error) {
	if _, err := i.GetHost(ctx, ref); err != nil {
		return nil, err
	}
	return provider.AgentScopedVolume{Vol: volume.NewLocal(i.hostDir)}, nil
}

type driver struct {
	hostDir string
}

func (d *driver) Capabilities() provider.Capabilities {
	return provider.Capabilities{Volumes: true, MutableTags: true}
}

func (d *driver) Provision(context.Context, *agentstore.HostRecord, provider.CreateHostRequest) error {
	return errors.New("local backend manages a single fixed host")
}

func (d *driver) Connect(_ context.Context, _ *agentstore.HostRecord) (volume.CommandRunner, string, bool, error) {
	return &Runner{}, d.hostDir, true, nil
}

func (d *driver) Start(context.Context, *agentstore.HostRecord) error { return nil }

func (d *driver) Stop(context.Context, *agentstore.HostRecord) error {
	return errors.New("local host cannot be stopped")
}

func (d *driver) Destroy(context.Context, *agentstore.HostRecord) error {
	return errors.New("local host cannot be destroyed")
}

func (d *driver) Resources(_ context.Context, _ *agentstore.HostRecord) (*provider.HostResources, error) {
	res := &provider.HostResources{CPUs: runtime.NumCPU()}

	var si syscall.Sysinfo_t
	if err := syscall.Sysinfo(&si); err == nil {
		res.MemoryBytes = int64(si.Totalram) * int64(si.Unit)
	}
	var st syscall.Statfs_t
	if err := syscall.Statfs(d.hostDir, &st); err == nil {
		res.DiskBytes = int64(st.Blocks) * st.Bsize
	}
	return res, nil
}

func (d *driver) InvalidateConnection(string) {}

func (d *driver) Close() error { return nil }
