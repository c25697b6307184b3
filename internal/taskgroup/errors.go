package taskgroup

import "fmt"

// ProcessSetupError reports a process that could not be spawned at all
// (missing binary, invalid working directory).
type ProcessSetupError struct {
	Command string
	Err     error
}

func (e *ProcessSetupError) Error() string {
	return fmt.Sprintf("failed to start %q: %v", e.Command, e.Err)
}

func (e *ProcessSetupError) Unwrap() error { return e.Err }

// ProcessTimeoutError reports a timed wait that exhausted its budget.
type ProcessTimeoutError struct {
	Command string
	Timeout string
}

func (e *ProcessTimeoutError) Error() string {
	return fmt.Sprintf("command %q did not finish within %s", e.Command, e.Timeout)
}

// GroupError reports a problem tearing down the group itself.
type GroupError struct {
	Err error
}

func (e *GroupError) Error() string {
	return fmt.Sprintf("concurrency group teardown: %v", e.Err)
}

func (e *GroupError) Unwrap() error { return e.Err }
