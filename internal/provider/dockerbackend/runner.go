package dockerbackend

import (
	"context"
	"errors"

	"github.com/muxden/muxden/internal/taskgroup"
)

// Runner executes commands inside one container via docker exec.
type Runner struct {
	d           *driver
	containerID string
}

// RunCommand implements volume.CommandRunner.
func (r *Runner) RunCommand(ctx context.Context, argv []string, stdin []byte) ([]byte, []byte, int, error) {
	if len(argv) == 0 {
		return nil, nil, -1, &taskgroup.ProcessSetupError{Command: "docker exec", Err: errors.New("empty command")}
	}
	cli, err := r.d.ensureClient()
	if err != nil {
		return nil, nil, -1, err
	}
	return cli.Exec(ctx, r.containerID, argv, stdin)
}
