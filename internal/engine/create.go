package engine

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	apperrors "github.com/muxden/muxden/internal/common/errors"
	"github.com/muxden/muxden/internal/common/tracing"
	"github.com/muxden/muxden/internal/host"
	"github.com/muxden/muxden/internal/ids"
	"github.com/muxden/muxden/internal/provider"
	"github.com/muxden/muxden/internal/taskgroup"
	"github.com/muxden/muxden/pkg/agentstore"
)

// SourceMode selects how the agent's work directory is produced.
type SourceMode string

const (
	// SourceInPlace reuses an existing directory on the target host.
	SourceInPlace SourceMode = "in-place"
	// SourceCopy transfers the directory tree to the target host.
	SourceCopy SourceMode = "copy"
	// SourceWorktree adds a git worktree; source and target must be the
	// same host.
	SourceWorktree SourceMode = "worktree"
)

// SourceSpec locates the code the agent works on.
type SourceSpec struct {
	Path   string
	Mode   SourceMode
	Branch string
}

// TargetSpec selects an existing host or describes a new one.
type TargetSpec struct {
	Provider string
	Host     string // existing host, by name or id
	NewHost  *provider.CreateHostRequest
}

// CreateOptions tunes agent creation.
type CreateOptions struct {
	Name        string
	Type        string
	Command     string // overrides the agent type's command
	Message     string // sent after the agent is ready
	Labels      map[string]string
	StartOnBoot bool
	AwaitReady  bool
	Env         map[string]string
}

// CreateResult is the structured outcome of create.
type CreateResult struct {
	Agent AgentInfo `json:"agent"`
	Host  HostInfo  `json:"host"`
}

// messageDelay gives the agent time to draw its prompt before input
// arrives.
const messageDelay = 3 * time.Second

// readyPollInterval and readyTimeout bound the wait for the readiness
// marker.
const (
	readyPollInterval = 500 * time.Millisecond
	readyTimeout      = 120 * time.Second
)

// Create provisions the work directory, writes the agent record, and
// starts the agent session.
func (e *Engine) Create(ctx context.Context, source SourceSpec, target TargetSpec, opts CreateOptions) (*CreateResult, error) {
	ctx, span, correlationID := tracing.StartSpan(ctx, "engine.create",
		attribute.String("agent_name", opts.Name),
		attribute.String("provider", target.Provider))
	defer span.End()

	if opts.Name == "" {
		return nil, apperrors.UserInput("agent name is required")
	}
	command, err := e.resolveCommand(opts)
	if err != nil {
		return nil, err
	}

	inst, err := e.Instance(target.Provider)
	if err != nil {
		return nil, err
	}

	online, err := e.resolveTargetHost(ctx, inst, target)
	if err != nil {
		return nil, err
	}
	store := agentstore.New(online.Volume(), func(msg string, err error) {
		e.logger.WithError(err).Warn(msg)
	})

	// Name uniqueness is per host.
	if _, err := store.ResolveByNameOrID(ctx, opts.Name); err == nil {
		return nil, apperrors.AgentExists(opts.Name)
	}

	workDir, err := e.prepareWorkDir(ctx, online, source, opts.Name)
	if err != nil {
		return nil, err
	}

	rec := &agentstore.AgentRecord{
		ID:          string(ids.NewAgentID()),
		Name:        opts.Name,
		Type:        opts.Type,
		Command:     command,
		WorkDir:     workDir,
		CreateTime:  time.Now().UTC(),
		Labels:      opts.Labels,
		StartOnBoot: opts.StartOnBoot,
		Host:        agentstore.HostRef{ID: online.ID(), Name: online.Name()},
		State:       agentstore.AgentCreating,
	}
	unlock := e.lockAgent(rec.ID)
	defer unlock()

	if err := store.WriteAgent(ctx, rec); err != nil {
		return nil, apperrors.Internal("writing agent record", correlationID, err)
	}

	// Hooks before the session start are the point of no return: a failure
	// here aborts and removes the partial record.
	if err := e.runProvisioningHooks(ctx, online, store, rec); err != nil {
		_ = store.DeleteAgent(ctx, rec.ID)
		return nil, err
	}

	if err := e.startSession(ctx, online, store, rec, opts.Env); err != nil {
		_ = store.DeleteAgent(ctx, rec.ID)
		return nil, err
	}
	rec.State = agentstore.AgentStarting
	if err := store.WriteAgent(ctx, rec); err != nil {
		return nil, apperrors.Internal("writing agent record", correlationID, err)
	}

	loc := &location{inst: inst, host: online, online: online, store: store, rec: rec}
	if opts.AwaitReady {
		if err := e.awaitReady(ctx, loc); err != nil {
			return nil, err
		}
		rec.State = agentstore.AgentWaiting
		if err := store.WriteAgent(ctx, rec); err != nil {
			return nil, apperrors.Internal("writing agent record", correlationID, err)
		}
	}

	if opts.Message != "" {
		if err := e.sendMessage(ctx, loc, opts.Message); err != nil {
			e.logger.Warn("initial message failed", zap.String("agent", rec.Name), zap.Error(err))
		}
	}

	e.logger.WithAgentID(rec.ID).Info("agent created",
		zap.String("name", rec.Name),
		zap.String("host", online.Name()))
	return &CreateResult{
		Agent: e.agentInfo(ctx, loc),
		Host:  hostInfo(inst, online),
	}, nil
}

func (e *Engine) resolveCommand(opts CreateOptions) (string, error) {
	if opts.Command != "" {
		return opts.Command, nil
	}
	at, ok := e.cfg.AgentTypes[opts.Type]
	if !ok {
		return "", apperrors.UserInput("unknown agent type %q and no command given", opts.Type)
	}
	command := at.Command
	if len(at.CliArgs) > 0 {
		command += " " + strings.Join(at.CliArgs, " ")
	}
	return command, nil
}

func (e *Engine) resolveTargetHost(ctx context.Context, inst provider.Instance, target TargetSpec) (host.OnlineHost, error) {
	if target.NewHost != nil {
		return inst.CreateHost(ctx, *target.NewHost)
	}
	ref := target.Host
	if ref == "" {
		// A single-host provider (local) needs no explicit host.
		hosts, err := inst.ListHosts(ctx, e.group, false)
		if err != nil {
			return nil, err
		}
		if len(hosts) != 1 {
			return nil, apperrors.UserInput("provider %q has %d hosts, specify one", inst.Name(), len(hosts))
		}
		ref = hosts[0].ID()
	}
	return inst.OnlineHost(ctx, ref)
}

// prepareWorkDir produces the agent's working directory on the host
// according to the source mode.
func (e *Engine) prepareWorkDir(ctx context.Context, online host.OnlineHost, source SourceSpec, agentName string) (string, error) {
	if source.Path == "" {
		return "", apperrors.UserInput("source path is required")
	}
	mode := source.Mode
	if mode == "" {
		mode = SourceInPlace
	}

	switch mode {
	case SourceInPlace:
		res, err := online.ExecuteCommand(ctx, []string{"test", "-d", source.Path}, nil)
		if err != nil {
			return "", err
		}
		if !res.Success {
			return "", apperrors.UserInput("source directory %q does not exist on host %s", source.Path, online.Name())
		}
		return source.Path, nil

	case SourceCopy:
		dest := path.Join(online.HostDir(), "work", agentName)
		if err := e.copyTree(ctx, online, source.Path, dest); err != nil {
			return "", err
		}
		return dest, nil

	case SourceWorktree:
		// Worktrees only make sense when the source repo is on the target
		// host; a cross-host worktree is rejected up-front.
		if !online.IsLocal() {
			return "", apperrors.UserInput("worktree mode requires source and target on the same host")
		}
		dest := path.Join(online.HostDir(), "work", agentName)
		argv := []string{"git", "-C", source.Path, "worktree", "add", dest}
		if source.Branch != "" {
			argv = append(argv, "-b", source.Branch)
		}
		res, err := online.ExecuteCommand(ctx, argv, nil)
		if err != nil {
			return "", err
		}
		if !res.Success {
			return "", apperrors.Process(strings.Join(argv, " "), res.ReturnCode, fmt.Errorf("%s", strings.TrimSpace(res.Stderr)))
		}
		return dest, nil

	default:
		return "", apperrors.UserInput("unknown source mode %q", mode)
	}
}

// copyTree transfers a local directory to the host through a tar pipe.
func (e *Engine) copyTree(ctx context.Context, online host.OnlineHost, src, dest string) error {
	if online.IsLocal() {
		res, err := online.ExecuteCommand(ctx, []string{"cp", "-a", src, dest}, nil)
		if err != nil {
			return err
		}
		if !res.Success {
			return apperrors.Process("cp -a", res.ReturnCode, fmt.Errorf("%s", strings.TrimSpace(res.Stderr)))
		}
		return nil
	}

	// The archive must pass through untouched; RunRaw captures stdout
	// verbatim where RunToCompletion would rewrite line endings.
	archive, err := e.group.RunRaw(ctx, taskgroup.Spec{
		Command: []string{"tar", "-cf", "-", "-C", src, "."},
	})
	if err != nil {
		return apperrors.Wrap(err, "archiving source directory")
	}
	if archive.ReturnCode != 0 {
		return apperrors.Process("tar -cf", archive.ReturnCode, fmt.Errorf("%s", strings.TrimSpace(archive.Stderr)))
	}

	if err := ensureDir(ctx, online, dest); err != nil {
		return err
	}
	_, stderr, code, err := online.Runner().RunCommand(ctx,
		[]string{"tar", "-xf", "-", "-C", dest}, archive.Stdout)
	if err != nil {
		return err
	}
	if code != 0 {
		return apperrors.Process("tar -xf", code, fmt.Errorf("%s", strings.TrimSpace(string(stderr))))
	}
	return nil
}

func ensureDir(ctx context.Context, online host.OnlineHost, dir string) error {
	res, err := online.ExecuteCommand(ctx, []string{"mkdir", "-p", dir}, nil)
	if err != nil {
		return err
	}
	if !res.Success {
		return apperrors.Process("mkdir -p", res.ReturnCode, fmt.Errorf("%s", strings.TrimSpace(res.Stderr)))
	}
	return nil
}

// awaitReady polls for the readiness marker the agent writes once it has
// accepted input.
func (e *Engine) awaitReady(ctx context.Context, loc *location) error {
	deadline := time.Now().Add(readyTimeout)
	for {
		if e.hasReadinessMarker(ctx, loc) {
			return nil
		}
		if time.Now().After(deadline) {
			return apperrors.State(fmt.Sprintf("agent %s did not become ready within %s", loc.rec.Name, readyTimeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.group.ShutdownEvent().Done():
			return apperrors.State("shutdown requested")
		case <-time.After(readyPollInterval):
		}
	}
}
