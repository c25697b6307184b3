package volume

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"sort"
	"testing"
)

// shellRunner executes commands directly, standing in for a remote runner.
type shellRunner struct{}

func (shellRunner) RunCommand(ctx context.Context, argv []string, stdin []byte) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
		err = nil
	}
	return stdout.Bytes(), stderr.Bytes(), code, err
}

func entryPaths(entries []Entry) []string {
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	sort.Strings(paths)
	return paths
}

func TestLocalWriteRead(t *testing.T) {
	ctx := context.Background()
	vol := NewLocal(t.TempDir())

	files := map[string][]byte{
		"agents/a1/data.json": []byte(`{"id":"a1"}`),
		"hosts/h1.json":       []byte(`{"id":"h1"}`),
	}
	if err := vol.WriteFiles(ctx, files); err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}

	raw, err := vol.ReadFile(ctx, "agents/a1/data.json")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(raw) != `{"id":"a1"}` {
		t.Errorf("unexpected content %q", raw)
	}

	entries, err := vol.ListDir(ctx, "agents")
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != KindDirectory {
		t.Errorf("expected one directory entry, got %+v", entries)
	}
}

func TestLocalRemove(t *testing.T) {
	ctx := context.Background()
	vol := NewLocal(t.TempDir())

	if err := vol.WriteFiles(ctx, map[string][]byte{"a/b/c.txt": []byte("x")}); err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}
	if err := vol.RemoveFile(ctx, "a/b/c.txt"); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}
	if _, err := vol.ReadFile(ctx, "a/b/c.txt"); err == nil {
		t.Error("expected read of removed file to fail")
	}
	if err := vol.WriteFiles(ctx, map[string][]byte{"a/b/c.txt": []byte("x")}); err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}
	if err := vol.RemoveDir(ctx, "a"); err != nil {
		t.Fatalf("RemoveDir: %v", err)
	}
	if _, err := vol.ListDir(ctx, "a"); err == nil {
		t.Error("expected listing of removed directory to fail")
	}
}

// Nested scoping must behave exactly like scoping with the joined prefix.
func TestScopedComposition(t *testing.T) {
	ctx := context.Background()
	vol := NewLocal(t.TempDir())

	if err := vol.WriteFiles(ctx, map[string][]byte{
		"p1/p2/x/one.txt": []byte("1"),
		"p1/p2/x/two.txt": []byte("2"),
	}); err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}

	nested, err := vol.Scoped("p1").Scoped("p2").ListDir(ctx, "x")
	if err != nil {
		t.Fatalf("nested ListDir: %v", err)
	}
	joined, err := vol.Scoped("p1/p2").ListDir(ctx, "x")
	if err != nil {
		t.Fatalf("joined ListDir: %v", err)
	}

	nestedPaths := entryPaths(nested)
	joinedPaths := entryPaths(joined)
	if len(nestedPaths) != len(joinedPaths) {
		t.Fatalf("entry counts differ: %v vs %v", nestedPaths, joinedPaths)
	}
	for i := range nestedPaths {
		if nestedPaths[i] != joinedPaths[i] {
			t.Errorf("path %d differs: %q vs %q", i, nestedPaths[i], joinedPaths[i])
		}
	}
}

func TestScopedReadWrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	vol := NewLocal(dir)

	scoped := vol.Scoped("agents/a1")
	if err := scoped.WriteFiles(ctx, map[string][]byte{"data.json": []byte("{}")}); err != nil {
		t.Fatalf("scoped WriteFiles: %v", err)
	}

	raw, err := vol.ReadFile(ctx, "agents/a1/data.json")
	if err != nil {
		t.Fatalf("root ReadFile: %v", err)
	}
	if string(raw) != "{}" {
		t.Errorf("unexpected content %q", raw)
	}
	if _, err := scoped.ReadFile(ctx, "data.json"); err != nil {
		t.Errorf("scoped ReadFile: %v", err)
	}
}

func TestExecVolumeAgainstLocalShell(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	vol := NewExec(shellRunner{}, dir)

	if err := vol.WriteFiles(ctx, map[string][]byte{"sub/file.txt": []byte("hello\n")}); err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}
	raw, err := vol.ReadFile(ctx, "sub/file.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(raw) != "hello\n" {
		t.Errorf("unexpected content %q", raw)
	}

	entries, err := vol.ListDir(ctx, "sub")
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if got := entryPaths(entries); len(got) != 1 || filepath.Base(got[0]) != "file.txt" {
		t.Errorf("unexpected entries %v", got)
	}

	if err := vol.RemoveFile(ctx, "sub/file.txt"); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}
	if _, err := vol.ReadFile(ctx, "sub/file.txt"); err == nil {
		t.Error("expected read of removed file to fail")
	}
}
