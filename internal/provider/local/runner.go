package local

import (
	"bytes"
	"context"
	"errors"
	"os/exec"

	"github.com/muxden/muxden/internal/taskgroup"
)

// Runner executes commands directly on the operator machine.
type Runner struct{}

// RunCommand implements volume.CommandRunner over os/exec.
func (r *Runner) RunCommand(ctx context.Context, argv []string, stdin []byte) ([]byte, []byte, int, error) {
	if len(argv) == 0 {
		return nil, nil, -1, &taskgroup.ProcessSetupError{Command: "", Err: errors.New("empty command")}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
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
		return nil, nil, -1, &taskgroup.ProcessSetupError{Command: argv[0], Err: err}
	}
	return stdout.Bytes(), stderr.Bytes(), 0, nil
}
