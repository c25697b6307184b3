package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	apperrors "github.com/muxden/muxden/internal/common/errors"
	"github.com/muxden/muxden/internal/common/tracing"
	"github.com/muxden/muxden/internal/ids"
	"github.com/muxden/muxden/pkg/agentstore"
)

// stopWaitTimeout bounds how long stop waits for the leader process to exit
// after SIGTERM before the session is killed outright.
const stopWaitTimeout = 30 * time.Second

const stopPollInterval = 500 * time.Millisecond

// LifecycleResult reports a lifecycle transition with before and after
// states.
type LifecycleResult struct {
	Agent         AgentInfo `json:"agent"`
	PreviousState string    `json:"previous_state"`
	NewState      string    `json:"new_state"`
}

// Start brings a stopped agent back: the host is started if needed, the
// tmux session recreated if absent, and the optional resume message sent
// through the same delayed path as the create-time message.
func (e *Engine) Start(ctx context.Context, ref, resumeMessage string) (*LifecycleResult, error) {
	ctx, span, correlationID := tracing.StartSpan(ctx, "engine.start",
		attribute.String("agent_ref", ref))
	defer span.End()

	loc, err := e.findAgent(ctx, ref)
	if err != nil {
		return nil, err
	}
	unlock := e.lockAgent(loc.rec.ID)
	defer unlock()

	prev := string(loc.rec.State)
	if loc.rec.State == agentstore.AgentDestroyed {
		return nil, apperrors.State(fmt.Sprintf("agent %q is destroyed", loc.rec.Name))
	}

	if loc.host.Record().State != agentstore.HostRunning {
		if err := loc.inst.StartHost(ctx, loc.host.ID()); err != nil {
			return nil, err
		}
	}
	online, err := loc.requireOnline(ctx)
	if err != nil {
		return nil, err
	}
	// Cross over to the live store once the host is reachable.
	loc.store = agentstore.New(online.Volume(), func(msg string, err error) {
		e.logger.Warn(msg, zap.Error(err))
	})

	session := loc.sessionName(e.cfg.Prefix)
	alive, err := online.Tmux().HasSession(ctx, session)
	if err != nil {
		return nil, err
	}
	if !alive {
		if err := e.startSession(ctx, online, loc.store, loc.rec, nil); err != nil {
			return nil, err
		}
	}
	loc.rec.State = agentstore.AgentStarting
	if err := loc.store.WriteAgent(ctx, loc.rec); err != nil {
		return nil, apperrors.Internal("writing agent record", correlationID, err)
	}

	if resumeMessage != "" {
		if err := e.sendMessage(ctx, loc, resumeMessage); err != nil {
			e.logger.Warn("resume message failed",
				zap.String("agent", loc.rec.Name), zap.Error(err))
		}
	}

	e.logger.WithAgentID(loc.rec.ID).Info("agent started", zap.String("name", loc.rec.Name))
	return &LifecycleResult{
		Agent:         e.agentInfo(ctx, loc),
		PreviousState: prev,
		NewState:      string(loc.rec.State),
	}, nil
}

// Stop terminates the agent's leader process, waits for the session to
// exit, and removes whatever is left of it.
func (e *Engine) Stop(ctx context.Context, ref string) (*LifecycleResult, error) {
	ctx, span, correlationID := tracing.StartSpan(ctx, "engine.stop",
		attribute.String("agent_ref", ref))
	defer span.End()

	loc, err := e.findAgent(ctx, ref)
	if err != nil {
		return nil, err
	}
	unlock := e.lockAgent(loc.rec.ID)
	defer unlock()

	prev := string(loc.rec.State)
	if loc.rec.State == agentstore.AgentDestroyed {
		return nil, apperrors.State(fmt.Sprintf("agent %q is destroyed", loc.rec.Name))
	}

	// A stopped host means no tmux server; the agent is already down and
	// only the record may need correcting.
	if loc.online == nil && loc.host.Record().State != agentstore.HostRunning {
		return e.markStopped(ctx, loc, prev, correlationID)
	}
	online, err := loc.requireOnline(ctx)
	if err != nil {
		return nil, err
	}

	session := loc.sessionName(e.cfg.Prefix)
	alive, err := online.Tmux().HasSession(ctx, session)
	if err != nil {
		return nil, err
	}
	if !alive {
		return e.markStopped(ctx, loc, prev, correlationID)
	}

	loc.rec.State = agentstore.AgentStopping
	if err := loc.store.WriteAgent(ctx, loc.rec); err != nil {
		return nil, apperrors.Internal("writing agent record", correlationID, err)
	}

	if err := e.signalLeader(ctx, loc, session); err != nil {
		e.logger.Warn("signaling agent leader failed",
			zap.String("session", session), zap.Error(err))
	}
	e.awaitSessionExit(ctx, loc, session)

	if err := online.Tmux().KillSession(ctx, session); err != nil {
		return nil, apperrors.Provider("removing agent session", err)
	}
	return e.markStopped(ctx, loc, prev, correlationID)
}

func (e *Engine) markStopped(ctx context.Context, loc *location, prev, correlationID string) (*LifecycleResult, error) {
	_ = loc.store.AgentVolume(loc.rec.ID).RemoveFile(ctx, "waiting")
	loc.rec.State = agentstore.AgentStopped
	if err := loc.store.WriteAgent(ctx, loc.rec); err != nil {
		return nil, apperrors.Internal("writing agent record", correlationID, err)
	}
	e.logger.WithAgentID(loc.rec.ID).Info("agent stopped", zap.String("name", loc.rec.Name))
	return &LifecycleResult{
		Agent:         e.agentInfo(ctx, loc),
		PreviousState: prev,
		NewState:      string(agentstore.AgentStopped),
	}, nil
}

// signalLeader sends SIGTERM to every pane process of the session.
func (e *Engine) signalLeader(ctx context.Context, loc *location, session string) error {
	res, err := loc.online.ExecuteCommand(ctx,
		[]string{"tmux", "list-panes", "-t", "=" + session, "-F", "#{pane_pid}"}, nil)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("tmux list-panes: %s", strings.TrimSpace(res.Stderr))
	}
	for _, pid := range strings.Fields(res.Stdout) {
		if _, err := loc.online.ExecuteCommand(ctx, []string{"kill", "-TERM", pid}, nil); err != nil {
			return err
		}
	}
	return nil
}

// awaitSessionExit polls until the session is gone or the stop timeout
// elapses. The caller kills the session afterwards either way.
func (e *Engine) awaitSessionExit(ctx context.Context, loc *location, session string) {
	deadline := time.Now().Add(stopWaitTimeout)
	for time.Now().Before(deadline) {
		alive, err := loc.online.Tmux().HasSession(ctx, session)
		if err != nil || !alive {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-e.group.ShutdownEvent().Done():
			return
		case <-time.After(stopPollInterval):
		}
	}
}

// Destroy stops the agent, deletes its record and state directory, and
// removes its routing and auth artifacts.
func (e *Engine) Destroy(ctx context.Context, ref string) (*LifecycleResult, error) {
	ctx, span, correlationID := tracing.StartSpan(ctx, "engine.destroy",
		attribute.String("agent_ref", ref))
	defer span.End()

	loc, err := e.findAgent(ctx, ref)
	if err != nil {
		return nil, err
	}
	unlock := e.lockAgent(loc.rec.ID)
	defer unlock()

	prev := string(loc.rec.State)
	info := e.agentInfo(ctx, loc)
	session := loc.sessionName(e.cfg.Prefix)

	if online, err := loc.requireOnline(ctx); err == nil {
		if alive, err := online.Tmux().HasSession(ctx, session); err == nil && alive {
			if err := e.signalLeader(ctx, loc, session); err == nil {
				e.awaitSessionExit(ctx, loc, session)
			}
			if err := online.Tmux().KillSession(ctx, session); err != nil {
				e.logger.Warn("killing session during destroy",
					zap.String("session", session), zap.Error(err))
			}
		}
	} else {
		e.logger.Warn("destroying agent on unreachable host; removing record only",
			zap.String("agent", loc.rec.Name), zap.Error(err))
	}

	if err := loc.store.DeleteAgent(ctx, loc.rec.ID); err != nil {
		return nil, apperrors.Internal("deleting agent directory", correlationID, err)
	}
	if _, err := loc.store.TakeSignal(ctx, session); err == nil {
		e.logger.Debug("discarded pending signal", zap.String("session", session))
	}
	if err := e.resolver.DeregisterBackend(loc.rec.ID); err != nil {
		e.logger.Warn("deregistering backend url", zap.Error(err))
	}
	if err := e.authStore.RevokeCodesForAgent(loc.rec.ID); err != nil {
		e.logger.Warn("revoking one-time codes", zap.Error(err))
	}

	e.logger.WithAgentID(loc.rec.ID).Info("agent destroyed", zap.String("name", loc.rec.Name))
	info.State = string(agentstore.AgentDestroyed)
	return &LifecycleResult{
		Agent:         info,
		PreviousState: prev,
		NewState:      string(agentstore.AgentDestroyed),
	}, nil
}

// Rename changes the agent's name: record first, then the tmux session.
// Re-running after a partial earlier attempt completes it; the session
// rename treats "old gone, new present" as already done.
func (e *Engine) Rename(ctx context.Context, ref, newName string) (*LifecycleResult, error) {
	ctx, span, correlationID := tracing.StartSpan(ctx, "engine.rename",
		attribute.String("agent_ref", ref),
		attribute.String("new_name", newName))
	defer span.End()

	if newName == "" {
		return nil, apperrors.UserInput("new agent name is required")
	}
	if strings.HasPrefix(newName, "agent-") {
		return nil, apperrors.UserInput("agent names must not look like agent ids")
	}

	loc, err := e.findAgent(ctx, ref)
	if err != nil {
		return nil, err
	}
	unlock := e.lockAgent(loc.rec.ID)
	defer unlock()

	if loc.rec.State == agentstore.AgentDestroyed {
		return nil, apperrors.State(fmt.Sprintf("agent %q is destroyed", loc.rec.Name))
	}
	if existing, err := loc.store.ResolveByNameOrID(ctx, newName); err == nil && existing.ID != loc.rec.ID {
		return nil, apperrors.AgentExists(newName)
	}

	prev := string(loc.rec.State)
	oldName := loc.rec.Name
	oldSession := loc.sessionName(e.cfg.Prefix)
	newSession := ids.SessionName(e.cfg.Prefix, ids.AgentName(newName))

	loc.rec.Name = newName
	if err := loc.store.WriteAgent(ctx, loc.rec); err != nil {
		return nil, apperrors.Internal("writing agent record", correlationID, err)
	}

	if oldSession != newSession {
		if online, err := loc.requireOnline(ctx); err == nil {
			alive, err := online.Tmux().HasSession(ctx, oldSession)
			if err != nil {
				return nil, err
			}
			if alive {
				// The recorded session keeps the old name until this
				// succeeds, so a retry resumes exactly here.
				if err := online.Tmux().RenameSession(ctx, oldSession, newSession); err != nil {
					return nil, apperrors.Provider("renaming agent session", err)
				}
			}
			if err := e.hookAttachWrapper(ctx, online, loc.store, loc.rec); err != nil {
				e.logger.Warn("refreshing attach wrapper after rename", zap.Error(err))
			}
		}
		loc.rec.Session = newSession
		if err := loc.store.WriteAgent(ctx, loc.rec); err != nil {
			return nil, apperrors.Internal("writing agent record", correlationID, err)
		}
	}

	e.logger.WithAgentID(loc.rec.ID).Info("agent renamed",
		zap.String("from", oldName), zap.String("to", newName))
	return &LifecycleResult{
		Agent:         e.agentInfo(ctx, loc),
		PreviousState: prev,
		NewState:      string(loc.rec.State),
	}, nil
}
