// Package sshbackend implements the backend that treats each configured
// [providers.<name>.hosts] entry as an online host reachable over ssh.
package sshbackend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/muxden/muxden/internal/common/config"
	"github.com/muxden/muxden/internal/ids"
	"github.com/muxden/muxden/internal/provider"
	"github.com/muxden/muxden/pkg/agentstore"
	"github.com/muxden/muxden/pkg/volume"
)

// DefaultHostDir is used when the provider table sets no host_dir. It is
// relative to the remote login directory.
const DefaultHostDir = ".muxden"

// Register installs the ssh backend factory.
func Register() {
	provider.RegisterBackend(ids.BackendSSH, New)
}

// Instance is the ssh provider. Hosts are declared in configuration, never
// provisioned; lifecycle operations beyond destroy-the-record are
// unsupported.
type Instance struct {
	*provider.Base
	d *driver
}

// New builds an ssh instance and seeds records for configured hosts.
func New(name ids.InstanceName, cfg config.ProviderConfig, deps provider.Deps) (provider.Instance, error) {
	hostDir := cfg.HostDir
	if hostDir == "" {
		hostDir = DefaultHostDir
	}
	d := &driver{cfg: cfg, hostDir: hostDir}
	inst := &Instance{
		Base: provider.NewBase(name, ids.BackendSSH, d, deps, cfg.IdleTimeoutSeconds),
		d:    d,
	}
	if err := inst.ensureHosts(context.Background()); err != nil {
		return nil, err
	}
	return inst, nil
}

// ensureHosts creates a RUNNING record for every configured host that has
// none yet. Destroyed records are left alone so a destroy sticks across
// restarts until the config entry is removed.
func (i *Instance) ensureHosts(ctx context.Context) error {
	existing, err := i.Records().ListHosts(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, h := range existing {
		known[h.Name] = true
	}
	for name, addr := range i.d.cfg.Hosts {
		if known[name] {
			continue
		}
		rec := &agentstore.HostRecord{
			ID:           string(ids.NewHostID()),
			Name:         name,
			ProviderName: string(i.Name()),
			State:        agentstore.HostRunning,
			PluginData:   map[string]any{"addr": addr},
		}
		if err := i.Records().WriteHost(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// VolumeForHost exposes the remote host directory over ssh exec.
func (i *Instance) VolumeForHost(ctx context.Context, ref string) (provider.HostVolume, error) {
	h, err := i.GetHost(ctx, ref)
	if err != nil {
		return nil, err
	}
	runner, err := i.d.runnerFor(h.Record())
	if err != nil {
		return nil, err
	}
	return provider.AgentScopedVolume{Vol: volume.NewExec(runner, i.d.hostDir)}, nil
}

type driver struct {
	cfg     config.ProviderConfig
	hostDir string
}

func (d *driver) Capabilities() provider.Capabilities {
	return provider.Capabilities{Volumes: true, MutableTags: true}
}

func (d *driver) Provision(context.Context, *agentstore.HostRecord, provider.CreateHostRequest) error {
	return errors.New("ssh hosts are declared in configuration, not provisioned")
}

func (d *driver) addrFor(rec *agentstore.HostRecord) (string, error) {
	if addr, ok := d.cfg.Hosts[rec.Name]; ok {
		return addr, nil
	}
	// Renamed or config-removed host: fall back to the address recorded at
	// first sight.
	if addr, ok := rec.PluginData["addr"].(string); ok && addr != "" {
		return addr, nil
	}
	return "", fmt.Errorf("no address configured for host %q", rec.Name)
}

func (d *driver) runnerFor(rec *agentstore.HostRecord) (*Runner, error) {
	addr, err := d.addrFor(rec)
	if err != nil {
		return nil, err
	}
	host, port := splitAddr(addr)
	return &Runner{
		Addr:         host,
		Port:         port,
		User:         d.cfg.User,
		IdentityFile: config.ExpandHome(d.cfg.IdentityFile),
		KnownHosts:   config.ExpandHome(d.cfg.KnownHosts),
	}, nil
}

func (d *driver) Connect(_ context.Context, rec *agentstore.HostRecord) (volume.CommandRunner, string, bool, error) {
	runner, err := d.runnerFor(rec)
	if err != nil {
		return nil, "", false, err
	}
	return runner, d.hostDir, false, nil
}

func (d *driver) Start(context.Context, *agentstore.HostRecord) error {
	return errors.New("ssh backend cannot start hosts")
}

func (d *driver) Stop(context.Context, *agentstore.HostRecord) error {
	return errors.New("ssh backend cannot stop hosts")
}

// Destroy only forgets the record; the machine itself is not touched.
func (d *driver) Destroy(context.Context, *agentstore.HostRecord) error { return nil }

func (d *driver) Resources(ctx context.Context, rec *agentstore.HostRecord) (*provider.HostResources, error) {
	runner, err := d.runnerFor(rec)
	if err != nil {
		return nil, err
	}
	return provider.ProbeUnixResources(ctx, runner)
}

func (d *driver) InvalidateConnection(string) {}

func (d *driver) Close() error { return nil }

// splitAddr separates addr[:port]; port stays empty when unspecified.
func splitAddr(addr string) (string, string) {
	if host, port, ok := strings.Cut(addr, ":"); ok {
		return host, port
	}
	return addr, ""
}
