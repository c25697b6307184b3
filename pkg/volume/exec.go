package volume

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// CommandRunner executes a command on the host backing an Exec volume.
// Docker backends exec into the state container; SSH backends run over the
// connection. Output must be returned raw (binary-safe).
type CommandRunner interface {
	RunCommand(ctx context.Context, argv []string, stdin []byte) (stdout []byte, stderr []byte, exitCode int, err error)
}

// Exec is a Volume mediated by command execution on a remote host or
// container, rooted at an absolute directory there.
type Exec struct {
	runner CommandRunner
	root   string
}

// NewExec creates an exec-mediated volume rooted at dir.
func NewExec(runner CommandRunner, dir string) *Exec {
	return &Exec{runner: runner, root: dir}
}

func (e *Exec) resolve(p string) string {
	return path.Join(e.root, strings.TrimPrefix(p, "/"))
}

func (e *Exec) run(ctx context.Context, script string, stdin []byte) ([]byte, error) {
	stdout, stderr, code, err := e.runner.RunCommand(ctx, []string{"sh", "-c", script}, stdin)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("remote command failed (%d): %s", code, strings.TrimSpace(string(stderr)))
	}
	return stdout, nil
}

// ListDir lists immediate children using busybox-compatible stat calls.
func (e *Exec) ListDir(ctx context.Context, dir string) ([]Entry, error) {
	script := fmt.Sprintf(
		`cd %s || exit 1; for f in * .[!.]* ..?*; do [ -e "$f" ] || continue; if [ -d "$f" ]; then t=d; else t=f; fi; printf '%%s %%s %%s %%s\n' "$t" "$(stat -c %%s "$f")" "$(stat -c %%Y "$f")" "$f"; done`,
		shellQuote(e.resolve(dir)))
	out, err := e.run(ctx, script, nil)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 4)
		if len(parts) != 4 {
			continue
		}
		size, _ := strconv.ParseInt(parts[1], 10, 64)
		mtime, _ := strconv.ParseInt(parts[2], 10, 64)
		kind := KindFile
		if parts[0] == "d" {
			kind = KindDirectory
		}
		entries = append(entries, Entry{
			Path:    strings.TrimPrefix(path.Join(dir, parts[3]), "/"),
			Kind:    kind,
			Size:    size,
			ModTime: time.Unix(mtime, 0),
		})
	}
	return entries, nil
}

func (e *Exec) ReadFile(ctx context.Context, file string) ([]byte, error) {
	return e.run(ctx, "cat -- "+shellQuote(e.resolve(file)), nil)
}

// WriteFiles streams each file through stdin into a temp file and renames it
// into place, matching the local volume's atomicity guarantee.
func (e *Exec) WriteFiles(ctx context.Context, files map[string][]byte) error {
	for p, content := range files {
		dst := e.resolve(p)
		q := shellQuote(dst)
		script := fmt.Sprintf(`mkdir -p "$(dirname %s)" && cat > %s.tmp.$$ && mv %s.tmp.$$ %s`, q, q, q, q)
		if _, err := e.run(ctx, script, content); err != nil {
			return fmt.Errorf("write %s: %w", p, err)
		}
	}
	return nil
}

func (e *Exec) RemoveFile(ctx context.Context, file string) error {
	_, err := e.run(ctx, "rm -f -- "+shellQuote(e.resolve(file)), nil)
	return err
}

func (e *Exec) RemoveDir(ctx context.Context, dir string) error {
	_, err := e.run(ctx, "rm -rf -- "+shellQuote(e.resolve(dir)), nil)
	return err
}

func (e *Exec) Scoped(prefix string) Volume {
	return NewScoped(e, prefix)
}

// shellQuote single-quotes s for POSIX sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
