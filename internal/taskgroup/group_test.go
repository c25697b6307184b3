package taskgroup

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunToCompletionCapturesOutput(t *testing.T) {
	g := New(nil)
	defer g.Close()

	result, err := g.RunToCompletion(context.Background(), Spec{
		Command: []string{"sh", "-c", "echo out; echo err 1>&2"},
	})
	require.NoError(t, err)
	assert.True(t, result.Success())
	assert.Equal(t, "out\n", result.Stdout)
	assert.Equal(t, "err\n", result.Stderr)
}

func TestRunToCompletionNonZeroExit(t *testing.T) {
	g := New(nil)
	defer g.Close()

	result, err := g.RunToCompletion(context.Background(), Spec{
		Command: []string{"sh", "-c", "exit 3"},
	})
	require.NoError(t, err, "a non-zero exit is a result, not an error")
	assert.Equal(t, 3, result.ReturnCode)
	assert.False(t, result.Success())
}

func TestRunToCompletionTimeout(t *testing.T) {
	g := New(nil, WithGracePeriod(time.Second))
	defer g.Close()

	_, err := g.RunToCompletion(context.Background(), Spec{
		Command: []string{"sleep", "10"},
		Timeout: 100 * time.Millisecond,
	})
	var timeoutErr *ProcessTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}

func TestRunToCompletionStreamsLines(t *testing.T) {
	g := New(nil)
	defer g.Close()

	var lines []string
	_, err := g.RunToCompletion(context.Background(), Spec{
		Command:  []string{"sh", "-c", "echo one; echo two"},
		OnOutput: func(line string, stdout bool) { lines = append(lines, line) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, lines)
}

func TestRunRawPreservesBinaryStdout(t *testing.T) {
	g := New(nil)
	defer g.Close()

	// CRLF, a NUL byte, and no trailing newline all survive a tar round
	// trip only if stdout is captured verbatim.
	payload := []byte("binary\r\ndata\x00tail")
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "blob"), payload, 0o644))

	archive, err := g.RunRaw(context.Background(), Spec{
		Command: []string{"tar", "-cf", "-", "-C", src, "."},
	})
	require.NoError(t, err)
	require.Equal(t, 0, archive.ReturnCode, archive.Stderr)

	dest := t.TempDir()
	extract := exec.Command("tar", "-xf", "-", "-C", dest)
	extract.Stdin = bytes.NewReader(archive.Stdout)
	require.NoError(t, extract.Run())

	got, err := os.ReadFile(filepath.Join(dest, "blob"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRunRawNonZeroExit(t *testing.T) {
	g := New(nil)
	defer g.Close()

	result, err := g.RunRaw(context.Background(), Spec{
		Command: []string{"sh", "-c", "echo oops 1>&2; exit 2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.ReturnCode)
	assert.Equal(t, "oops\n", result.Stderr)
}

func TestStartPollAndWait(t *testing.T) {
	g := New(nil)
	defer g.Close()

	proc, err := g.Start(context.Background(), Spec{Command: []string{"sh", "-c", "sleep 0.2"}})
	require.NoError(t, err)

	_, finished := proc.Poll()
	assert.False(t, finished, "process should still be running")

	code, err := proc.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	_, finished = proc.Poll()
	assert.True(t, finished)
}

func TestStartRejectsEmptyCommand(t *testing.T) {
	g := New(nil)
	defer g.Close()

	_, err := g.Start(context.Background(), Spec{})
	var setupErr *ProcessSetupError
	require.ErrorAs(t, err, &setupErr)
}

func TestCloseTerminatesOwnedProcesses(t *testing.T) {
	g := New(nil, WithGracePeriod(2*time.Second))

	proc, err := g.Start(context.Background(), Spec{Command: []string{"sleep", "30"}})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, g.Close())
	code, _ := proc.Wait(5 * time.Second)
	assert.NotEqual(t, 0, code, "terminated process must not report success")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestShutdownEventComposition(t *testing.T) {
	parent := NewShutdownEvent()
	child := NewShutdownEvent(parent)

	assert.False(t, child.IsSet())
	parent.Set()
	assert.True(t, child.IsSet())
	assert.True(t, child.Wait(time.Second))

	// Setting a child never propagates upward.
	p2 := NewShutdownEvent()
	c2 := NewShutdownEvent(p2)
	c2.Set()
	assert.False(t, p2.IsSet())
}

func TestChildGroupInheritsShutdown(t *testing.T) {
	g := New(nil)
	child := g.Child()

	g.ShutdownEvent().Set()
	assert.True(t, child.ShutdownEvent().Wait(time.Second))
	_ = child.Close()
	_ = g.Close()
}
