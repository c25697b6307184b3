// Package provider defines the backend abstraction that multiplexes host
// operations across local, Docker, SSH, and cloud-sandbox execution
// environments, plus the process-global backend registry.
package provider

import (
	"context"
	"fmt"
	"path"
	"sync"

	"go.uber.org/zap"

	"github.com/muxden/muxden/internal/common/config"
	"github.com/muxden/muxden/internal/common/logger"
	"github.com/muxden/muxden/internal/host"
	"github.com/muxden/muxden/internal/ids"
	"github.com/muxden/muxden/internal/taskgroup"
	"github.com/muxden/muxden/pkg/agentstore"
	"github.com/muxden/muxden/pkg/volume"
)

// Capabilities are the optional surfaces a backend may offer. Unauthorized
// or unreachable backends report false bits rather than failing at load.
type Capabilities struct {
	Snapshots     bool
	ShutdownHosts bool
	Volumes       bool
	MutableTags   bool
}

// CreateHostRequest carries everything needed to provision a host.
type CreateHostRequest struct {
	Name      string
	Image     string
	Tags      map[string]string
	BuildArgs []string
	StartArgs []string
	// IdleTimeoutSeconds overrides the provider's idle policy; zero keeps it.
	IdleTimeoutSeconds int
	KnownHosts         string
}

// HostResources describes what a host has available.
type HostResources struct {
	CPUs        int
	MemoryBytes int64
	DiskBytes   int64
}

// Instance is a named, configured binding of a backend. All host records it
// owns live under its provider directory; instances never share records.
type Instance interface {
	Name() ids.InstanceName
	BackendName() ids.BackendName
	Capabilities() Capabilities

	ListHosts(ctx context.Context, cg *taskgroup.Group, includeDestroyed bool) ([]host.Host, error)
	GetHost(ctx context.Context, ref string) (host.Host, error)
	// OnlineHost connects to a host, returning HostOffline-style errors
	// when it cannot be reached.
	OnlineHost(ctx context.Context, ref string) (host.OnlineHost, error)

	CreateHost(ctx context.Context, req CreateHostRequest) (host.OnlineHost, error)
	StartHost(ctx context.Context, ref string) error
	StopHost(ctx context.Context, ref string) error
	DestroyHost(ctx context.Context, ref string) error
	RenameHost(ctx context.Context, ref, newName string) error

	HostResources(ctx context.Context, ref string) (*HostResources, error)

	HostTags(ctx context.Context, ref string) (map[string]string, error)
	AddHostTags(ctx context.Context, ref string, tags map[string]string) error
	RemoveHostTags(ctx context.Context, ref string, keys []string) error
	SetHostTags(ctx context.Context, ref string, tags map[string]string) error

	// OnConnectionError lets the instance invalidate cached connections.
	OnConnectionError(hostID string)

	// IdleTimeoutSeconds is the instance's idle policy (zero disables).
	IdleTimeoutSeconds() int

	Close() error
}

// SnapshotSupport is the optional snapshot surface.
type SnapshotSupport interface {
	CreateSnapshot(ctx context.Context, hostRef, name string) (*agentstore.Snapshot, error)
	ListSnapshots(ctx context.Context, hostRef string) ([]agentstore.Snapshot, error)
	DeleteSnapshot(ctx context.Context, hostRef, snapshotID string) error
}

// HostVolume scopes a host's storage down to per-agent volumes. Root is
// the host-dir view, usable even while the host itself is stopped.
type HostVolume interface {
	Root() volume.Volume
	AgentVolume(agentID ids.AgentID) volume.Volume
}

// VolumeSupport is the optional volume surface.
type VolumeSupport interface {
	VolumeForHost(ctx context.Context, hostRef string) (HostVolume, error)
}

// AgentScopedVolume implements HostVolume over a host-dir volume by scoping
// into the agent's directory.
type AgentScopedVolume struct {
	Vol volume.Volume
}

func (v AgentScopedVolume) Root() volume.Volume { return v.Vol }

func (v AgentScopedVolume) AgentVolume(agentID ids.AgentID) volume.Volume {
	return v.Vol.Scoped(path.Join("agents", string(agentID)))
}

// Factory constructs an instance of one backend kind.
type Factory func(name ids.InstanceName, cfg config.ProviderConfig, deps Deps) (Instance, error)

// Deps is what every backend receives at construction.
type Deps struct {
	Logger  *logger.Logger
	HostDir string // muxden root on the operator machine
	Prefix  string // tmux session prefix
}

// registry maps backend names to factories. Backends register once at
// start-up; Reset exists for tests.
var (
	registryMu sync.RWMutex
	factories  = map[ids.BackendName]Factory{}

	instancesMu sync.Mutex
	instances   []Instance
)

// RegisterBackend installs a factory under a backend name.
func RegisterBackend(name ids.BackendName, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = f
}

// ResetRegistry clears registered backends and created instances (tests).
func ResetRegistry() {
	registryMu.Lock()
	factories = map[ids.BackendName]Factory{}
	registryMu.Unlock()

	instancesMu.Lock()
	instances = nil
	instancesMu.Unlock()
}

// NewInstance builds a configured provider instance and tracks it for
// CloseAll.
func NewInstance(name ids.InstanceName, cfg config.ProviderConfig, deps Deps) (Instance, error) {
	registryMu.RLock()
	f, ok := factories[ids.BackendName(cfg.Backend)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend %q for provider %q", cfg.Backend, name)
	}
	inst, err := f(name, cfg, deps)
	if err != nil {
		return nil, err
	}
	instancesMu.Lock()
	instances = append(instances, inst)
	instancesMu.Unlock()
	return inst, nil
}

// CloseAll closes every created instance; called once at process exit.
func CloseAll(log *logger.Logger) {
	instancesMu.Lock()
	defer instancesMu.Unlock()
	for _, inst := range instances {
		if err := inst.Close(); err != nil {
			log.Warn("failed to close provider instance",
				zap.String("provider", string(inst.Name())),
				zap.Error(err))
		}
	}
	instances = nil
}
