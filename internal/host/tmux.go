package host

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/muxden/muxden/internal/common/logger"
)

// Tmux drives the per-user tmux server on one host. Session lifetime tracks
// agent running state.
type Tmux struct {
	host   OnlineHost
	logger *logger.Logger
}

// ErrNoSession is the stderr marker tmux prints for a missing session.
const errNoSessionMarker = "can't find session"

// StartSession launches a detached session running command as the leader
// process.
func (t *Tmux) StartSession(ctx context.Context, name, command string, env map[string]string) error {
	argv := []string{"tmux", "new-session", "-d", "-s", name}
	for k, v := range env {
		argv = append(argv, "-e", k+"="+v)
	}
	argv = append(argv, command)
	res, err := t.host.ExecuteCommand(ctx, argv, nil)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("tmux new-session %s: %s", name, strings.TrimSpace(res.Stderr))
	}
	t.logger.Debug("tmux session started", zap.String("session", name))
	return nil
}

// HasSession reports whether a session with this exact name exists.
func (t *Tmux) HasSession(ctx context.Context, name string) (bool, error) {
	// = prefix pins the match to the exact name.
	res, err := t.host.ExecuteCommand(ctx, []string{"tmux", "has-session", "-t", "=" + name}, nil)
	if err != nil {
		return false, err
	}
	return res.Success, nil
}

// KillSession removes a session. Killing a session that is already gone is
// not an error.
func (t *Tmux) KillSession(ctx context.Context, name string) error {
	res, err := t.host.ExecuteCommand(ctx, []string{"tmux", "kill-session", "-t", "=" + name}, nil)
	if err != nil {
		return err
	}
	if !res.Success && !strings.Contains(res.Stderr, errNoSessionMarker) {
		return fmt.Errorf("tmux kill-session %s: %s", name, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// RenameSession renames oldName to newName. The call is idempotent: when
// the old session is gone but the new one exists, the rename already
// happened and the call succeeds.
func (t *Tmux) RenameSession(ctx context.Context, oldName, newName string) error {
	res, err := t.host.ExecuteCommand(ctx, []string{"tmux", "rename-session", "-t", "=" + oldName, newName}, nil)
	if err != nil {
		return err
	}
	if res.Success {
		return nil
	}
	if strings.Contains(res.Stderr, errNoSessionMarker) {
		renamed, err := t.HasSession(ctx, newName)
		if err != nil {
			return err
		}
		if renamed {
			return nil
		}
	}
	return fmt.Errorf("tmux rename-session %s -> %s: %s", oldName, newName, strings.TrimSpace(res.Stderr))
}

// SendKeys types text into the target pane followed by Enter.
func (t *Tmux) SendKeys(ctx context.Context, target, text string) error {
	res, err := t.host.ExecuteCommand(ctx, []string{"tmux", "send-keys", "-t", target, text, "Enter"}, nil)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("tmux send-keys %s: %s", target, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// CapturePane returns the visible contents of the target pane.
func (t *Tmux) CapturePane(ctx context.Context, target string) (string, error) {
	res, err := t.host.ExecuteCommand(ctx, []string{"tmux", "capture-pane", "-p", "-t", target}, nil)
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", fmt.Errorf("tmux capture-pane %s: %s", target, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// WaitFor blocks on a tmux wait-for channel up to timeout.
func (t *Tmux) WaitFor(ctx context.Context, channel string, timeout time.Duration) error {
	res, err := t.host.ExecuteCommand(ctx, []string{"tmux", "wait-for", channel}, &ExecOptions{Timeout: timeout})
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("tmux wait-for %s: %s", channel, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// BindDetachKeys installs the Ctrl-T (stop) and Ctrl-Q (destroy) bindings
// that write the session's signal file and detach.
func (t *Tmux) BindDetachKeys(ctx context.Context, session, signalsDir string) error {
	signalPath := signalsDir + "/" + session
	bindings := [][]string{
		{"tmux", "bind-key", "-n", "C-t", "run-shell",
			fmt.Sprintf("sh -c 'echo stop > %s.tmp && mv %s.tmp %s'; tmux detach-client", signalPath, signalPath, signalPath)},
		{"tmux", "bind-key", "-n", "C-q", "run-shell",
			fmt.Sprintf("sh -c 'echo destroy > %s.tmp && mv %s.tmp %s'; tmux detach-client", signalPath, signalPath, signalPath)},
	}
	for _, argv := range bindings {
		res, err := t.host.ExecuteCommand(ctx, argv, nil)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("tmux bind-key: %s", strings.TrimSpace(res.Stderr))
		}
	}
	return nil
}

// AttachArgv returns the command an interactive front-end execs to attach.
// The caller's terminal is inherited directly; no PTY layer sits between.
func (t *Tmux) AttachArgv(session string) []string {
	return []string{"tmux", "attach-session", "-t", "=" + session}
}
