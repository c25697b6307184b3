package sshbackend

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/muxden/muxden/internal/taskgroup"
)

// Runner executes commands on a remote host by invoking the local ssh
// binary in batch mode. Authentication is key-based only.
type Runner struct {
	Addr         string
	Port         string
	User         string
	IdentityFile string
	KnownHosts   string
}

func (r *Runner) sshArgv(remote string) []string {
	argv := []string{"ssh", "-o", "BatchMode=yes"}
	if r.IdentityFile != "" {
		argv = append(argv, "-i", r.IdentityFile)
	}
	if r.KnownHosts != "" {
		argv = append(argv, "-o", "UserKnownHostsFile="+r.KnownHosts)
	}
	if r.Port != "" {
		argv = append(argv, "-p", r.Port)
	}
	dest := r.Addr
	if r.User != "" {
		dest = r.User + "@" + r.Addr
	}
	return append(argv, dest, "--", remote)
}

// RunCommand implements volume.CommandRunner over ssh.
func (r *Runner) RunCommand(ctx context.Context, argv []string, stdin []byte) ([]byte, []byte, int, error) {
	if len(argv) == 0 {
		return nil, nil, -1, &taskgroup.ProcessSetupError{Command: "ssh", Err: errors.New("empty command")}
	}

	cmd := exec.CommandContext(ctx, "ssh", r.sshArgv(shellJoin(argv))[1:]...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), stderr.Bytes(), exitErr.ExitCode(), nil
		}
		return nil, nil, -1, &taskgroup.ProcessSetupError{Command: "ssh " + r.Addr, Err: err}
	}
	return stdout.Bytes(), stderr.Bytes(), 0, nil
}

// shellJoin quotes argv into one line for the remote shell.
func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
