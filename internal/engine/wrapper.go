package engine

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/muxden/muxden/internal/common/errors"
	"github.com/muxden/muxden/internal/host"
	"github.com/muxden/muxden/internal/ids"
	"github.com/muxden/muxden/pkg/agentstore"
)

// Wrapper exit codes the detach handler maps to façade calls.
const (
	detachExitDestroy = 10
	detachExitStop    = 11
)

const attachScriptName = "attach.sh"

// AttachWrapperScript renders the attach wrapper for one session. The
// wrapper records activity every 5 seconds while attached and, after
// detach, consumes the session's signal file with an atomic mv so engine
// and wrapper never both act on the same signal.
func AttachWrapperScript(session, activityFile, signalFile string) string {
	return `#!/bin/sh
SESSION=` + shq(session) + `
ACTIVITY=` + shq(activityFile) + `
SIGNAL=` + shq(signalFile) + `

mkdir -p "$(dirname "$ACTIVITY")"
(
  while :; do
    printf '{"time":"%s","ssh_pid":%d}\n' "$(date -u +%Y-%m-%dT%H:%M:%SZ)" $$ > "$ACTIVITY.tmp"
    mv "$ACTIVITY.tmp" "$ACTIVITY"
    sleep 5
  done
) &
TICKER=$!

tmux attach-session -t "=$SESSION"

kill "$TICKER" 2>/dev/null
if mv "$SIGNAL" "$SIGNAL.taken" 2>/dev/null; then
  ACTION=$(cat "$SIGNAL.taken")
  rm -f "$SIGNAL.taken"
  case "$ACTION" in
    destroy) exit ` + fmt.Sprint(detachExitDestroy) + ` ;;
    stop) exit ` + fmt.Sprint(detachExitStop) + ` ;;
  esac
fi
exit 0
`
}

func shq(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// provisioningHook is one ordered step of agent provisioning. Hooks run
// before the session starts; a failure aborts creation.
type provisioningHook struct {
	name string
	run  func(ctx context.Context, online host.OnlineHost, store *agentstore.Store, rec *agentstore.AgentRecord) error
}

func (e *Engine) provisioningHooks() []provisioningHook {
	return []provisioningHook{
		{name: "agent-dirs", run: e.hookAgentDirs},
		{name: "attach-wrapper", run: e.hookAttachWrapper},
	}
}

// runProvisioningHooks executes each hook in order, logging progress.
func (e *Engine) runProvisioningHooks(ctx context.Context, online host.OnlineHost, store *agentstore.Store, rec *agentstore.AgentRecord) error {
	log := e.logger.WithAgentID(rec.ID)
	for _, h := range e.provisioningHooks() {
		log.Debug("running provisioning hook", zap.String("hook", h.name))
		if err := h.run(ctx, online, store, rec); err != nil {
			return apperrors.Wrap(err, "provisioning hook "+h.name)
		}
	}
	return nil
}

// hookAgentDirs lays down the agent's state directory skeleton on the host.
func (e *Engine) hookAgentDirs(ctx context.Context, online host.OnlineHost, _ *agentstore.Store, rec *agentstore.AgentRecord) error {
	agentDir := path.Join(online.HostDir(), "agents", rec.ID)
	for _, dir := range []string{
		path.Join(agentDir, "logs"),
		path.Join(agentDir, "status", "urls"),
		path.Join(online.HostDir(), "signals"),
	} {
		if err := ensureDir(ctx, online, dir); err != nil {
			return err
		}
	}
	return nil
}

// hookAttachWrapper writes the attach wrapper into the agent directory.
func (e *Engine) hookAttachWrapper(ctx context.Context, online host.OnlineHost, store *agentstore.Store, rec *agentstore.AgentRecord) error {
	session := ids.SessionName(e.cfg.Prefix, ids.AgentName(rec.Name))
	agentDir := path.Join(online.HostDir(), "agents", rec.ID)
	script := AttachWrapperScript(session,
		path.Join(agentDir, "activity", "ssh"),
		path.Join(online.HostDir(), "signals", session))
	return store.AgentVolume(rec.ID).WriteFiles(ctx, map[string][]byte{
		attachScriptName: []byte(script),
	})
}

// startSession launches the agent's tmux session with the agent command as
// the leader process and installs the detach key bindings.
func (e *Engine) startSession(ctx context.Context, online host.OnlineHost, store *agentstore.Store, rec *agentstore.AgentRecord, env map[string]string) error {
	session := ids.SessionName(e.cfg.Prefix, ids.AgentName(rec.Name))
	agentDir := path.Join(online.HostDir(), "agents", rec.ID)

	// A readiness marker from a previous run would make the new session
	// look ready before the agent has accepted input.
	_ = store.AgentVolume(rec.ID).RemoveFile(ctx, "waiting")

	leader := "cd " + shq(rec.WorkDir) + " && exec " + rec.Command
	sessionEnv := map[string]string{
		"MUXDEN_AGENT_ID":  rec.ID,
		"MUXDEN_STATE_DIR": agentDir,
	}
	for k, v := range env {
		sessionEnv[k] = v
	}

	tm := online.Tmux()
	if err := tm.StartSession(ctx, session, leader, sessionEnv); err != nil {
		return apperrors.Provider("starting agent session", err)
	}
	rec.Session = session
	if err := tm.BindDetachKeys(ctx, session, path.Join(online.HostDir(), "signals")); err != nil {
		e.logger.Warn("detach key bindings not installed",
			zap.String("session", session), zap.Error(err))
	}
	return nil
}

// AttachInfo tells an interactive front-end how to attach to an agent: exec
// Argv with the caller's terminal inherited, then report the exit code to
// HandleDetach.
type AttachInfo struct {
	Argv    []string
	AgentID string
	Session string
}

// Attach prepares an interactive attach to the agent's session. Remote
// agents are reached through the proxy, not a local terminal.
func (e *Engine) Attach(ctx context.Context, ref string) (*AttachInfo, error) {
	loc, err := e.findAgent(ctx, ref)
	if err != nil {
		return nil, err
	}
	online, err := loc.requireOnline(ctx)
	if err != nil {
		return nil, err
	}
	if !online.IsLocal() {
		return nil, apperrors.UserInput("interactive attach requires a local agent; use the proxy for agent %q", loc.rec.Name)
	}
	session := loc.sessionName(e.cfg.Prefix)
	alive, err := online.Tmux().HasSession(ctx, session)
	if err != nil {
		return nil, err
	}
	if !alive {
		return nil, apperrors.State(fmt.Sprintf("agent %q is not running", loc.rec.Name))
	}
	// Reinstall the wrapper so a rename since creation is reflected.
	if err := e.hookAttachWrapper(ctx, online, loc.store, loc.rec); err != nil {
		return nil, err
	}
	wrapper := path.Join(online.HostDir(), "agents", loc.rec.ID, attachScriptName)
	return &AttachInfo{
		Argv:    []string{"sh", wrapper},
		AgentID: loc.rec.ID,
		Session: session,
	}, nil
}

// HandleDetach maps the attach wrapper's exit code to the matching façade
// call. Other exit codes need no action.
func (e *Engine) HandleDetach(ctx context.Context, ref string, exitCode int) error {
	switch exitCode {
	case detachExitDestroy:
		_, err := e.Destroy(ctx, ref)
		return err
	case detachExitStop:
		_, err := e.Stop(ctx, ref)
		return err
	default:
		return nil
	}
}
