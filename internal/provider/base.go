package provider

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/muxden/muxden/internal/common/errors"
	"github.com/muxden/muxden/internal/common/logger"
	"github.com/muxden/muxden/internal/host"
	"github.com/muxden/muxden/internal/ids"
	"github.com/muxden/muxden/internal/taskgroup"
	"github.com/muxden/muxden/pkg/agentstore"
	"github.com/muxden/muxden/pkg/volume"
)

// Driver is what each backend implements; Base turns it into a full
// Instance. Provision must leave the host running; Connect must work for
// any host in RUNNING state.
type Driver interface {
	Capabilities() Capabilities
	Provision(ctx context.Context, rec *agentstore.HostRecord, req CreateHostRequest) error
	Connect(ctx context.Context, rec *agentstore.HostRecord) (runner volume.CommandRunner, hostDir string, local bool, err error)
	Start(ctx context.Context, rec *agentstore.HostRecord) error
	Stop(ctx context.Context, rec *agentstore.HostRecord) error
	Destroy(ctx context.Context, rec *agentstore.HostRecord) error
	Resources(ctx context.Context, rec *agentstore.HostRecord) (*HostResources, error)
	InvalidateConnection(hostID string)
	Close() error
}

// Base is the generic Instance implementation shared by all backends. Host
// records live under the instance's provider directory on the operator
// machine; the hosts themselves may be anywhere.
type Base struct {
	name        ids.InstanceName
	backend     ids.BackendName
	driver      Driver
	records     *agentstore.Store
	providerDir string
	logger      *logger.Logger
	idleSeconds int
}

// NewBase wires a driver into an Instance.
func NewBase(name ids.InstanceName, backend ids.BackendName, driver Driver, deps Deps, idleSeconds int) *Base {
	providerDir := filepath.Join(deps.HostDir, "providers", string(name))
	log := deps.Logger.WithProvider(string(name))
	records := agentstore.New(volume.NewLocal(providerDir), func(msg string, err error) {
		log.Warn(msg, zap.Error(err))
	})
	return &Base{
		name:        name,
		backend:     backend,
		driver:      driver,
		records:     records,
		providerDir: providerDir,
		logger:      log,
		idleSeconds: idleSeconds,
	}
}

func (b *Base) Name() ids.InstanceName       { return b.name }
func (b *Base) BackendName() ids.BackendName { return b.backend }
func (b *Base) Capabilities() Capabilities   { return b.driver.Capabilities() }
func (b *Base) IdleTimeoutSeconds() int      { return b.idleSeconds }
func (b *Base) Records() *agentstore.Store   { return b.records }
func (b *Base) ProviderDir() string          { return b.providerDir }

func (b *Base) resolve(ctx context.Context, ref string) (*agentstore.HostRecord, error) {
	if _, err := ids.ParseHostID(ref); err == nil {
		return b.records.ReadHost(ctx, ref)
	}
	hosts, err := b.records.ListHosts(ctx)
	if err != nil {
		return nil, err
	}
	var match *agentstore.HostRecord
	for i := range hosts {
		if hosts[i].Name == ref {
			if match != nil {
				return nil, apperrors.UserInput("host name %q is ambiguous", ref)
			}
			match = &hosts[i]
		}
	}
	if match == nil {
		return nil, apperrors.UserInput("unknown host %q", ref)
	}
	return match, nil
}

func (b *Base) transition(ctx context.Context, rec *agentstore.HostRecord, state agentstore.HostState) error {
	rec.State = state
	rec.StateSince = time.Now().UTC()
	return b.records.WriteHost(ctx, rec)
}

// ListHosts returns offline views of all host records. Connections are made
// lazily by OnlineHost.
func (b *Base) ListHosts(ctx context.Context, _ *taskgroup.Group, includeDestroyed bool) ([]host.Host, error) {
	records, err := b.records.ListHosts(ctx)
	if err != nil {
		return nil, err
	}
	hosts := make([]host.Host, 0, len(records))
	for i := range records {
		if !includeDestroyed && records[i].State == agentstore.HostDestroyed {
			continue
		}
		rec := records[i]
		hosts = append(hosts, host.NewOffline(&rec, b.backend == ids.BackendLocal))
	}
	return hosts, nil
}

// GetHost resolves a host by id or name without connecting.
func (b *Base) GetHost(ctx context.Context, ref string) (host.Host, error) {
	rec, err := b.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return host.NewOffline(rec, b.backend == ids.BackendLocal), nil
}

// OnlineHost connects to a host. Hosts not in RUNNING state are offline.
func (b *Base) OnlineHost(ctx context.Context, ref string) (host.OnlineHost, error) {
	rec, err := b.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return b.online(ctx, rec)
}

func (b *Base) online(ctx context.Context, rec *agentstore.HostRecord) (host.OnlineHost, error) {
	if rec.State != agentstore.HostRunning {
		return nil, apperrors.HostOffline(rec.Name)
	}
	runner, hostDir, local, err := b.driver.Connect(ctx, rec)
	if err != nil {
		b.driver.InvalidateConnection(rec.ID)
		return nil, apperrors.Provider(fmt.Sprintf("cannot connect to host %s", rec.Name), err)
	}
	var vol volume.Volume
	if local {
		vol = volume.NewLocal(hostDir)
	} else {
		vol = volume.NewExec(runner, hostDir)
	}
	return host.NewOnline(rec, runner, vol, hostDir, local, b.logger), nil
}

// CreateHost provisions a new host, leaving it online.
func (b *Base) CreateHost(ctx context.Context, req CreateHostRequest) (host.OnlineHost, error) {
	existing, err := b.records.ListHosts(ctx)
	if err != nil {
		return nil, err
	}
	for _, h := range existing {
		if h.Name == req.Name && h.State != agentstore.HostDestroyed {
			return nil, apperrors.UserInput("host %q already exists", req.Name)
		}
	}

	rec := &agentstore.HostRecord{
		ID:           string(ids.NewHostID()),
		Name:         req.Name,
		ProviderName: string(b.name),
		Tags:         req.Tags,
	}
	if err := b.transition(ctx, rec, agentstore.HostBuilding); err != nil {
		return nil, err
	}

	b.logger.Info("provisioning host",
		zap.String("host", req.Name),
		zap.String("host_id", rec.ID))
	if err := b.driver.Provision(ctx, rec, req); err != nil {
		_ = b.records.DeleteHost(ctx, rec.ID)
		return nil, apperrors.Provider(fmt.Sprintf("provisioning host %q", req.Name), err)
	}
	if err := b.transition(ctx, rec, agentstore.HostRunning); err != nil {
		return nil, err
	}
	return b.online(ctx, rec)
}

// StartHost brings a stopped host back up.
func (b *Base) StartHost(ctx context.Context, ref string) error {
	rec, err := b.resolve(ctx, ref)
	if err != nil {
		return err
	}
	switch rec.State {
	case agentstore.HostRunning:
		return nil
	case agentstore.HostDestroyed:
		return apperrors.State(fmt.Sprintf("host %s is destroyed", rec.Name))
	}
	if err := b.transition(ctx, rec, agentstore.HostStarting); err != nil {
		return err
	}
	if err := b.driver.Start(ctx, rec); err != nil {
		return apperrors.Provider(fmt.Sprintf("starting host %s", rec.Name), err)
	}
	return b.transition(ctx, rec, agentstore.HostRunning)
}

// StopHost shuts a host down.
func (b *Base) StopHost(ctx context.Context, ref string) error {
	rec, err := b.resolve(ctx, ref)
	if err != nil {
		return err
	}
	switch rec.State {
	case agentstore.HostStopped:
		return nil
	case agentstore.HostDestroyed:
		return apperrors.State(fmt.Sprintf("host %s is destroyed", rec.Name))
	}
	if !b.driver.Capabilities().ShutdownHosts {
		return apperrors.State(fmt.Sprintf("backend %s cannot stop hosts", b.backend))
	}
	if err := b.transition(ctx, rec, agentstore.HostStopping); err != nil {
		return err
	}
	if err := b.driver.Stop(ctx, rec); err != nil {
		return apperrors.Provider(fmt.Sprintf("stopping host %s", rec.Name), err)
	}
	return b.transition(ctx, rec, agentstore.HostStopped)
}

// DestroyHost tears a host down; its record remains with state DESTROYED.
func (b *Base) DestroyHost(ctx context.Context, ref string) error {
	rec, err := b.resolve(ctx, ref)
	if err != nil {
		return err
	}
	if rec.State == agentstore.HostDestroyed {
		return nil
	}
	if err := b.driver.Destroy(ctx, rec); err != nil {
		return apperrors.Provider(fmt.Sprintf("destroying host %s", rec.Name), err)
	}
	return b.transition(ctx, rec, agentstore.HostDestroyed)
}

// RenameHost updates the record's name.
func (b *Base) RenameHost(ctx context.Context, ref, newName string) error {
	rec, err := b.resolve(ctx, ref)
	if err != nil {
		return err
	}
	if _, err := b.resolve(ctx, newName); err == nil {
		return apperrors.UserInput("host %q already exists", newName)
	}
	rec.Name = newName
	return b.records.WriteHost(ctx, rec)
}

// HostResources asks the driver.
func (b *Base) HostResources(ctx context.Context, ref string) (*HostResources, error) {
	rec, err := b.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return b.driver.Resources(ctx, rec)
}

// HostTags returns the tags on a host record.
func (b *Base) HostTags(ctx context.Context, ref string) (map[string]string, error) {
	rec, err := b.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return rec.Tags, nil
}

// AddHostTags merges tags into the host record.
func (b *Base) AddHostTags(ctx context.Context, ref string, tags map[string]string) error {
	return b.mutateTags(ctx, ref, func(current map[string]string) map[string]string {
		for k, v := range tags {
			current[k] = v
		}
		return current
	})
}

// RemoveHostTags deletes the given tag keys.
func (b *Base) RemoveHostTags(ctx context.Context, ref string, keys []string) error {
	return b.mutateTags(ctx, ref, func(current map[string]string) map[string]string {
		for _, k := range keys {
			delete(current, k)
		}
		return current
	})
}

// SetHostTags replaces the tag set.
func (b *Base) SetHostTags(ctx context.Context, ref string, tags map[string]string) error {
	return b.mutateTags(ctx, ref, func(map[string]string) map[string]string {
		return tags
	})
}

func (b *Base) mutateTags(ctx context.Context, ref string, fn func(map[string]string) map[string]string) error {
	if !b.driver.Capabilities().MutableTags {
		return apperrors.State(fmt.Sprintf("backend %s does not support mutable tags", b.backend))
	}
	rec, err := b.resolve(ctx, ref)
	if err != nil {
		return err
	}
	if rec.Tags == nil {
		rec.Tags = map[string]string{}
	}
	rec.Tags = fn(rec.Tags)
	return b.records.WriteHost(ctx, rec)
}

// OnConnectionError drops any cached connection for the host.
func (b *Base) OnConnectionError(hostID string) {
	b.driver.InvalidateConnection(hostID)
}

// Close releases driver resources.
func (b *Base) Close() error {
	return b.driver.Close()
}
