// Package taskgroup provides a scoped owner of subprocesses and goroutines
// with composed shutdown and timed waits.
package taskgroup

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/muxden/muxden/internal/common/logger"
)

// DefaultGracePeriod is how long Close waits between SIGTERM and SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// Result holds the outcome of a completed process.
type Result struct {
	ReturnCode int
	Stdout     string
	Stderr     string
}

// Success reports whether the process exited zero.
func (r *Result) Success() bool { return r.ReturnCode == 0 }

// OutputLine is one line of process output, tagged by stream.
type OutputLine struct {
	Text   string
	Stdout bool
}

// Spec describes a process to run.
type Spec struct {
	Command []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
	// OnOutput, if set, receives each output line as soon as it is read.
	OnOutput func(line string, stdout bool)
}

// Group owns subprocesses and goroutines. Closing the group signals its
// shutdown event, terminates owned processes (SIGTERM, then SIGKILL after a
// grace period), and waits for goroutines to observe the shutdown.
type Group struct {
	logger   *logger.Logger
	shutdown *ShutdownEvent
	grace    time.Duration

	eg *errgroup.Group

	mu    sync.Mutex
	procs map[*Process]struct{}
}

// Option configures a Group.
type Option func(*groupOptions)

type groupOptions struct {
	parents []*ShutdownEvent
	grace   time.Duration
}

// WithParent makes the new group's shutdown event compose with the parent's.
func WithParent(parent *Group) Option {
	return func(o *groupOptions) { o.parents = append(o.parents, parent.shutdown) }
}

// WithExternalEvent composes an external shutdown event into the group.
func WithExternalEvent(ev *ShutdownEvent) Option {
	return func(o *groupOptions) { o.parents = append(o.parents, ev) }
}

// WithGracePeriod overrides the SIGTERM-to-SIGKILL grace period.
func WithGracePeriod(d time.Duration) Option {
	return func(o *groupOptions) { o.grace = d }
}

// New creates a Group.
func New(log *logger.Logger, opts ...Option) *Group {
	if log == nil {
		log = logger.Default()
	}
	o := groupOptions{grace: DefaultGracePeriod}
	for _, opt := range opts {
		opt(&o)
	}
	return &Group{
		logger:   log,
		shutdown: NewShutdownEvent(o.parents...),
		grace:    o.grace,
		eg:       &errgroup.Group{},
		procs:    make(map[*Process]struct{}),
	}
}

// Child creates a group whose shutdown event inherits this group's.
func (g *Group) Child() *Group {
	return New(g.logger, WithParent(g), WithGracePeriod(g.grace))
}

// ShutdownEvent returns the group's composed shutdown event.
func (g *Group) ShutdownEvent() *ShutdownEvent { return g.shutdown }

// Go runs fn in a goroutine owned by the group. fn should return promptly
// once the group's shutdown event is set.
func (g *Group) Go(fn func() error) {
	g.eg.Go(fn)
}

// RunToCompletion executes a process and waits for it, accumulating stdout
// and stderr. When spec.OnOutput is set, each line is also delivered as it
// is read. Timeout exhaustion kills the process and returns a
// ProcessTimeoutError; the group's shutdown event cancels the process too.
func (g *Group) RunToCompletion(ctx context.Context, spec Spec) (*Result, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	proc, err := g.Start(ctx, spec)
	if err != nil {
		return nil, err
	}

	var stdout, stderr strings.Builder
	for line := range proc.Lines() {
		if line.Stdout {
			stdout.WriteString(line.Text)
			stdout.WriteString("\n")
		} else {
			stderr.WriteString(line.Text)
			stderr.WriteString("\n")
		}
		if spec.OnOutput != nil {
			spec.OnOutput(line.Text, line.Stdout)
		}
	}

	code, err := proc.Wait(0)
	if ctx.Err() == context.DeadlineExceeded {
		return nil, &ProcessTimeoutError{Command: proc.command, Timeout: spec.Timeout.String()}
	}
	if err != nil {
		return nil, err
	}
	return &Result{ReturnCode: code, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// RawResult holds the outcome of a process whose stdout was captured
// verbatim.
type RawResult struct {
	ReturnCode int
	Stdout     []byte
	Stderr     string
}

// RunRaw executes a process and captures its stdout byte for byte, with no
// line splitting. Use it for binary streams such as tar archives, which
// RunToCompletion's line accumulator would mangle. spec.OnOutput is ignored.
func (g *Group) RunRaw(ctx context.Context, spec Spec) (*RawResult, error) {
	if len(spec.Command) == 0 {
		return nil, &ProcessSetupError{Command: "", Err: errEmptyCommand}
	}
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = mergedEnv(spec.Env)
	}
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = g.grace

	var stdout bytes.Buffer
	var stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, &ProcessSetupError{Command: spec.Command[0], Err: err}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-g.shutdown.Done():
			cancel()
		case <-done:
		}
	}()

	err := cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, &ProcessTimeoutError{Command: strings.Join(spec.Command, " "), Timeout: spec.Timeout.String()}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return &RawResult{ReturnCode: exitErr.ExitCode(), Stdout: stdout.Bytes(), Stderr: stderr.String()}, nil
	}
	if err != nil {
		return nil, err
	}
	return &RawResult{ReturnCode: 0, Stdout: stdout.Bytes(), Stderr: stderr.String()}, nil
}

// Start launches a process in the background and returns its handle.
func (g *Group) Start(ctx context.Context, spec Spec) (*Process, error) {
	if len(spec.Command) == 0 {
		return nil, &ProcessSetupError{Command: "", Err: errEmptyCommand}
	}

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = mergedEnv(spec.Env)
	}
	// Kill via SIGTERM first; CommandContext defaults to SIGKILL.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = g.grace

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ProcessSetupError{Command: spec.Command[0], Err: err}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, &ProcessSetupError{Command: spec.Command[0], Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &ProcessSetupError{Command: spec.Command[0], Err: err}
	}

	proc := &Process{
		command: strings.Join(spec.Command, " "),
		cmd:     cmd,
		lines:   make(chan OutputLine, 64),
		done:    make(chan struct{}),
	}

	g.mu.Lock()
	g.procs[proc] = struct{}{}
	g.mu.Unlock()

	var readers errgroup.Group
	readers.Go(func() error { return proc.readStream(stdoutPipe, true) })
	readers.Go(func() error { return proc.readStream(stderrPipe, false) })

	// Reap the process after both pipes drain; publish the result exactly once.
	go func() {
		scanErr := readers.Wait()
		close(proc.lines)
		err := cmd.Wait()
		if err == nil && scanErr != nil {
			// A line overflowing the scanner buffer is a truncated result,
			// not a clean exit.
			err = scanErr
		}
		proc.finish(err)
		g.mu.Lock()
		delete(g.procs, proc)
		g.mu.Unlock()
	}()

	// Terminate the process when the group shuts down.
	go func() {
		select {
		case <-g.shutdown.Done():
			proc.signalTerm()
		case <-proc.done:
		}
	}()

	g.logger.Debug("started process",
		zap.String("command", proc.command),
		zap.Int("pid", cmd.Process.Pid))
	return proc, nil
}

// Close sets the shutdown event, terminates owned processes, and waits for
// goroutines started with Go. Lingering processes are killed after the grace
// period.
func (g *Group) Close() error {
	g.shutdown.Set()

	g.mu.Lock()
	procs := make([]*Process, 0, len(g.procs))
	for p := range g.procs {
		procs = append(procs, p)
	}
	g.mu.Unlock()

	for _, p := range procs {
		p.signalTerm()
	}
	deadline := time.After(g.grace)
	for _, p := range procs {
		select {
		case <-p.done:
		case <-deadline:
			p.kill()
		}
	}

	if err := g.eg.Wait(); err != nil {
		return &GroupError{Err: err}
	}
	return nil
}

func mergedEnv(extra map[string]string) []string {
	env := environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// Process is a handle on a background process started by a Group.
type Process struct {
	command string
	cmd     *exec.Cmd
	lines   chan OutputLine

	mu        sync.Mutex
	stderrBuf strings.Builder

	done     chan struct{}
	exitCode int
	waitErr  error
}

// Lines returns the lazy stream of output lines. The channel is closed when
// both output streams end.
func (p *Process) Lines() <-chan OutputLine { return p.lines }

func (p *Process) readStream(r io.Reader, stdout bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		if !stdout {
			p.mu.Lock()
			p.stderrBuf.WriteString(text)
			p.stderrBuf.WriteString("\n")
			p.mu.Unlock()
		}
		p.lines <- OutputLine{Text: text, Stdout: stdout}
	}
	return scanner.Err()
}

func (p *Process) finish(err error) {
	if exitErr, ok := err.(*exec.ExitError); ok {
		p.exitCode = exitErr.ExitCode()
		p.waitErr = nil
	} else if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
		p.waitErr = err
	} else {
		p.exitCode = -1
		p.waitErr = err
	}
	close(p.done)
}

// Wait blocks until the process exits or the timeout elapses (zero waits
// forever). It returns the exit code; a non-zero exit is not an error.
func (p *Process) Wait(timeout time.Duration) (int, error) {
	if timeout <= 0 {
		<-p.done
		return p.exitCode, p.waitErr
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return p.exitCode, p.waitErr
	case <-timer.C:
		p.kill()
		return -1, &ProcessTimeoutError{Command: p.command, Timeout: timeout.String()}
	}
}

// Poll reports the exit code if the process has finished.
func (p *Process) Poll() (int, bool) {
	select {
	case <-p.done:
		return p.exitCode, true
	default:
		return 0, false
	}
}

// ReadStderr returns the stderr captured so far.
func (p *Process) ReadStderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderrBuf.String()
}

func (p *Process) signalTerm() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
}

func (p *Process) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
