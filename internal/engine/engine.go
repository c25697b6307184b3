// Package engine is the agent lifecycle engine and its façade: every
// operation a front-end can perform on agents and hosts is a library call
// here, returning structured results.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muxden/muxden/internal/auth"
	"github.com/muxden/muxden/internal/common/config"
	apperrors "github.com/muxden/muxden/internal/common/errors"
	"github.com/muxden/muxden/internal/common/logger"
	"github.com/muxden/muxden/internal/host"
	"github.com/muxden/muxden/internal/ids"
	"github.com/muxden/muxden/internal/provider"
	"github.com/muxden/muxden/internal/resolver"
	"github.com/muxden/muxden/internal/taskgroup"
	"github.com/muxden/muxden/pkg/agentstore"
)

// Engine owns provider instances, per-agent serialization, and the stores
// the façade operations work against.
type Engine struct {
	cfg       *config.Config
	logger    *logger.Logger
	resolver  *resolver.Resolver
	authStore *auth.Store
	group     *taskgroup.Group

	mu        sync.Mutex
	instances map[string]provider.Instance

	// Per-agent locks serialize lifecycle operations on one agent while
	// letting different agents proceed independently.
	locks sync.Map
}

// New builds an engine over loaded configuration. Provider instances are
// created lazily on first use.
func New(cfg *config.Config, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		cfg:       cfg,
		logger:    log,
		resolver:  resolver.New(cfg.BackendsFile(), log),
		authStore: auth.NewStore(cfg.AuthDir()),
		group:     taskgroup.New(log),
		instances: make(map[string]provider.Instance),
	}
}

// Close shuts down the engine's concurrency group and provider instances.
func (e *Engine) Close() error {
	err := e.group.Close()
	provider.CloseAll(e.logger)
	return err
}

// Group exposes the engine's root concurrency group.
func (e *Engine) Group() *taskgroup.Group { return e.group }

// Resolver exposes the backend registry, shared with the proxy daemon.
func (e *Engine) Resolver() *resolver.Resolver { return e.resolver }

// AuthStore exposes the one-time code store.
func (e *Engine) AuthStore() *auth.Store { return e.authStore }

// Config exposes the loaded configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

func (e *Engine) lockAgent(agentID string) func() {
	v, _ := e.locks.LoadOrStore(agentID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Instance returns the provider instance with the given name, creating it
// on first use.
func (e *Engine) Instance(name string) (provider.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if inst, ok := e.instances[name]; ok {
		return inst, nil
	}
	pcfg, ok := e.cfg.Providers[name]
	if !ok {
		return nil, apperrors.UserInput("unknown provider %q", name)
	}
	inst, err := provider.NewInstance(ids.InstanceName(name), pcfg, provider.Deps{
		Logger:  e.logger,
		HostDir: e.cfg.HostDir(),
		Prefix:  e.cfg.Prefix,
	})
	if err != nil {
		return nil, apperrors.Provider(fmt.Sprintf("loading provider %q", name), err)
	}
	e.instances[name] = inst
	return inst, nil
}

// Instances returns every configured provider instance. Providers that
// fail to load are reported in errs; partial success is the norm.
func (e *Engine) Instances() (insts []provider.Instance, errs []string) {
	names := make([]string, 0, len(e.cfg.Providers))
	for name := range e.cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		inst, err := e.Instance(name)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		insts = append(insts, inst)
	}
	return insts, errs
}

// storeFor returns the agent store of a host, connecting when the host is
// online and falling back to the provider's volume surface (e.g. the
// docker state container) when it is not.
func (e *Engine) storeFor(ctx context.Context, inst provider.Instance, h host.Host) (*agentstore.Store, host.OnlineHost, error) {
	warn := func(msg string, err error) {
		e.logger.Warn(msg, zap.String("host", h.Name()), zap.Error(err))
	}

	if h.Record().State == agentstore.HostRunning {
		online, err := inst.OnlineHost(ctx, h.ID())
		if err == nil {
			return agentstore.New(online.Volume(), warn), online, nil
		}
		inst.OnConnectionError(h.ID())
	}

	if vs, ok := inst.(provider.VolumeSupport); ok {
		hv, err := vs.VolumeForHost(ctx, h.ID())
		if err == nil {
			return agentstore.New(hv.Root(), warn), nil, nil
		}
	}
	return nil, nil, apperrors.HostOffline(h.Name())
}

// location pins an agent record to the host and provider it lives on.
type location struct {
	inst   provider.Instance
	host   host.Host
	online host.OnlineHost // nil when the host is offline
	store  *agentstore.Store
	rec    *agentstore.AgentRecord
}

// findAgent resolves an agent reference (id or name) across all providers
// and hosts. A name matching agents on more than one host is ambiguous.
func (e *Engine) findAgent(ctx context.Context, ref string) (*location, error) {
	insts, _ := e.Instances()

	var matches []*location
	for _, inst := range insts {
		hosts, err := inst.ListHosts(ctx, e.group, false)
		if err != nil {
			continue
		}
		for _, h := range hosts {
			store, online, err := e.storeFor(ctx, inst, h)
			if err != nil {
				continue
			}
			rec, err := store.ResolveByNameOrID(ctx, ref)
			if err != nil {
				continue
			}
			matches = append(matches, &location{inst: inst, host: h, online: online, store: store, rec: rec})
		}
	}

	switch len(matches) {
	case 0:
		return nil, apperrors.AgentNotFound(ref)
	case 1:
		return matches[0], nil
	default:
		return nil, apperrors.UserInput("agent %q exists on %d hosts, use the agent id", ref, len(matches))
	}
}

// requireOnline upgrades a location to an online host, or fails with
// HostOffline.
func (loc *location) requireOnline(ctx context.Context) (host.OnlineHost, error) {
	if loc.online != nil {
		return loc.online, nil
	}
	online, err := loc.inst.OnlineHost(ctx, loc.host.ID())
	if err != nil {
		return nil, err
	}
	loc.online = online
	return online, nil
}

// sessionName is the tmux session for this agent: the recorded one when
// present, else derived from the current name.
func (loc *location) sessionName(prefix string) string {
	if loc.rec.Session != "" {
		return loc.rec.Session
	}
	return ids.SessionName(prefix, ids.AgentName(loc.rec.Name))
}

// AgentInfo is the façade's frozen view of one agent.
type AgentInfo struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	State        string            `json:"state"`
	Provider     string            `json:"provider"`
	HostID       string            `json:"host_id"`
	HostName     string            `json:"host_name"`
	WorkDir      string            `json:"work_dir"`
	CreateTime   time.Time         `json:"create_time"`
	LastActivity time.Time         `json:"last_activity,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// HostInfo is the façade's frozen view of one host.
type HostInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	State    string `json:"state"`
}

func (e *Engine) agentInfo(ctx context.Context, loc *location) AgentInfo {
	info := AgentInfo{
		ID:         loc.rec.ID,
		Name:       loc.rec.Name,
		Type:       loc.rec.Type,
		State:      string(e.deriveState(ctx, loc)),
		Provider:   string(loc.inst.Name()),
		HostID:     loc.host.ID(),
		HostName:   loc.host.Name(),
		WorkDir:    loc.rec.WorkDir,
		CreateTime: loc.rec.CreateTime,
		Labels:     loc.rec.Labels,
	}
	if last, err := loc.store.LastActivity(ctx, loc.rec.ID); err == nil {
		info.LastActivity = last
	}
	return info
}

func hostInfo(inst provider.Instance, h host.Host) HostInfo {
	return HostInfo{
		ID:       h.ID(),
		Name:     h.Name(),
		Provider: string(inst.Name()),
		State:    string(h.Record().State),
	}
}

// deriveState reconciles the persisted state with tmux session liveness: a
// record claiming a live state without a session is STOPPED, and the
// readiness marker separates WAITING from RUNNING.
func (e *Engine) deriveState(ctx context.Context, loc *location) agentstore.AgentState {
	rec := loc.rec
	switch rec.State {
	case agentstore.AgentStopped, agentstore.AgentDestroyed, agentstore.AgentCreating, agentstore.AgentStopping:
		return rec.State
	}
	if loc.online == nil {
		return agentstore.AgentStopped
	}
	alive, err := loc.online.Tmux().HasSession(ctx, loc.sessionName(e.cfg.Prefix))
	if err != nil || !alive {
		return agentstore.AgentStopped
	}
	if e.hasReadinessMarker(ctx, loc) {
		return agentstore.AgentWaiting
	}
	return rec.State
}

// hasReadinessMarker reports whether the agent's waiting file exists.
func (e *Engine) hasReadinessMarker(ctx context.Context, loc *location) bool {
	vol := loc.store.AgentVolume(loc.rec.ID)
	_, err := vol.ReadFile(ctx, "waiting")
	return err == nil
}
