package sprites

import (
	"bytes"
	"context"
	"errors"

	sprites "github.com/superfly/sprites-go"

	"github.com/muxden/muxden/internal/taskgroup"
)

// Runner executes commands inside one sprite.
type Runner struct {
	sprite *sprites.Sprite
}

// RunCommand implements volume.CommandRunner over the sprite exec channel.
func (r *Runner) RunCommand(ctx context.Context, argv []string, stdin []byte) ([]byte, []byte, int, error) {
	if len(argv) == 0 {
		return nil, nil, -1, &taskgroup.ProcessSetupError{Command: "sprite exec", Err: errors.New("empty command")}
	}

	cmd := r.sprite.CommandContext(ctx, argv[0], argv[1:]...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, nil, -1, &taskgroup.ProcessSetupError{Command: argv[0], Err: err}
	}
	if err := cmd.Wait(); err != nil {
		if ec, ok := err.(interface{ ExitCode() int }); ok {
			return stdout.Bytes(), stderr.Bytes(), ec.ExitCode(), nil
		}
		// Exit status is not recoverable from the error; report failure
		// with whatever output was captured.
		return stdout.Bytes(), stderr.Bytes(), -1, nil
	}
	return stdout.Bytes(), stderr.Bytes(), 0, nil
}
