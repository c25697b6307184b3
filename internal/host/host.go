// Package host defines the capability set of an execution host and the
// tmux connector used to manage agent sessions on it.
package host

import (
	"context"
	"strings"
	"time"

	"github.com/muxden/muxden/internal/common/logger"
	"github.com/muxden/muxden/pkg/agentstore"
	"github.com/muxden/muxden/pkg/volume"
)

// ExecResult is the outcome of a command executed on a host.
type ExecResult struct {
	ReturnCode int
	Stdout     string
	Stderr     string
	Success    bool
}

// ExecOptions tunes command execution on a host.
type ExecOptions struct {
	Timeout time.Duration
	Dir     string
	Env     map[string]string
	User    string
}

// Host is the surface every host exposes, online or not.
type Host interface {
	ID() string
	Name() string
	Record() *agentstore.HostRecord
	// IsLocal is informational only; no behavior may depend on it beyond
	// skipping idle enforcement.
	IsLocal() bool
}

// OnlineHost adds the mutating capability set available once a host is
// reachable.
type OnlineHost interface {
	Host
	ExecuteCommand(ctx context.Context, command []string, opts *ExecOptions) (*ExecResult, error)
	WriteTextFile(ctx context.Context, path, content string) error
	ReadTextFile(ctx context.Context, path string) (string, error)
	// HostDir is the absolute base path of muxden state on the host.
	HostDir() string
	// Volume is the host-dir-rooted storage handle.
	Volume() volume.Volume
	// Runner is the raw command channel, for callers that stream bytes
	// through stdin.
	Runner() volume.CommandRunner
	Tmux() *Tmux
}

// Online is the generic OnlineHost implementation shared by all backends:
// each backend supplies a CommandRunner (local exec, docker exec, ssh,
// sandbox exec) and a host-dir volume.
type Online struct {
	rec     *agentstore.HostRecord
	runner  volume.CommandRunner
	vol     volume.Volume
	hostDir string
	local   bool
	logger  *logger.Logger
}

// NewOnline builds a host from its record and backend plumbing.
func NewOnline(rec *agentstore.HostRecord, runner volume.CommandRunner, vol volume.Volume, hostDir string, local bool, log *logger.Logger) *Online {
	if log == nil {
		log = logger.Default()
	}
	return &Online{
		rec:     rec,
		runner:  runner,
		vol:     vol,
		hostDir: hostDir,
		local:   local,
		logger:  log.WithHostID(rec.ID),
	}
}

func (h *Online) ID() string                     { return h.rec.ID }
func (h *Online) Name() string                   { return h.rec.Name }
func (h *Online) Record() *agentstore.HostRecord { return h.rec }
func (h *Online) IsLocal() bool                  { return h.local }
func (h *Online) HostDir() string                { return h.hostDir }
func (h *Online) Volume() volume.Volume          { return h.vol }
func (h *Online) Runner() volume.CommandRunner   { return h.runner }

// ExecuteCommand runs a command on the host. A user option reruns the
// command under sudo; a dir option wraps it in a cd.
func (h *Online) ExecuteCommand(ctx context.Context, command []string, opts *ExecOptions) (*ExecResult, error) {
	if opts == nil {
		opts = &ExecOptions{}
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	argv := command
	if opts.Dir != "" || len(opts.Env) > 0 {
		argv = []string{"sh", "-c", buildShellLine(command, opts.Dir, opts.Env)}
	}
	if opts.User != "" {
		argv = append([]string{"sudo", "-u", opts.User, "--"}, argv...)
	}

	stdout, stderr, code, err := h.runner.RunCommand(ctx, argv, nil)
	if err != nil {
		return nil, err
	}
	return &ExecResult{
		ReturnCode: code,
		Stdout:     string(stdout),
		Stderr:     string(stderr),
		Success:    code == 0,
	}, nil
}

// WriteTextFile writes content to an absolute path on the host.
func (h *Online) WriteTextFile(ctx context.Context, path, content string) error {
	res, err := h.ExecuteCommand(ctx, []string{"sh", "-c",
		"mkdir -p \"$(dirname " + shellQuote(path) + ")\" && cat > " + shellQuote(path) + ".tmp.$$ <<'MUXDEN_EOF' && mv " + shellQuote(path) + ".tmp.$$ " + shellQuote(path) + "\n" + content + "\nMUXDEN_EOF"}, nil)
	if err != nil {
		return err
	}
	if !res.Success {
		return &CommandError{Command: "write " + path, ReturnCode: res.ReturnCode, Stderr: res.Stderr}
	}
	return nil
}

// ReadTextFile reads an absolute path on the host.
func (h *Online) ReadTextFile(ctx context.Context, path string) (string, error) {
	res, err := h.ExecuteCommand(ctx, []string{"cat", "--", path}, nil)
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", &CommandError{Command: "read " + path, ReturnCode: res.ReturnCode, Stderr: res.Stderr}
	}
	return res.Stdout, nil
}

// Tmux returns the tmux connector bound to this host.
func (h *Online) Tmux() *Tmux {
	return &Tmux{host: h, logger: h.logger}
}

// CommandError reports a host command that ran but failed.
type CommandError struct {
	Command    string
	ReturnCode int
	Stderr     string
}

func (e *CommandError) Error() string {
	return "host command " + e.Command + " failed: " + strings.TrimSpace(e.Stderr)
}

func buildShellLine(command []string, dir string, env map[string]string) string {
	var b strings.Builder
	if dir != "" {
		b.WriteString("cd " + shellQuote(dir) + " && ")
	}
	for k, v := range env {
		b.WriteString(k + "=" + shellQuote(v) + " ")
	}
	quoted := make([]string, len(command))
	for i, arg := range command {
		quoted[i] = shellQuote(arg)
	}
	b.WriteString(strings.Join(quoted, " "))
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
