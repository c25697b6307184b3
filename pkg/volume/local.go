package volume

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Local is a Volume rooted at a local directory.
type Local struct {
	root string
}

// NewLocal creates a volume rooted at dir.
func NewLocal(dir string) *Local {
	return &Local{root: dir}
}

func (l *Local) resolve(p string) string {
	return filepath.Join(l.root, filepath.FromSlash(strings.TrimPrefix(p, "/")))
}

func (l *Local) ListDir(ctx context.Context, dir string) ([]Entry, error) {
	entries, err := os.ReadDir(l.resolve(dir))
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		kind := KindFile
		if e.IsDir() {
			kind = KindDirectory
		}
		rel := strings.TrimPrefix(filepath.ToSlash(filepath.Join(dir, e.Name())), "/")
		out = append(out, Entry{
			Path:    rel,
			Kind:    kind,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return out, nil
}

func (l *Local) ReadFile(ctx context.Context, file string) ([]byte, error) {
	return os.ReadFile(l.resolve(file))
}

// WriteFiles writes each file via a temp file in the destination directory
// followed by rename, so concurrent readers see either the old or the new
// content.
func (l *Local) WriteFiles(ctx context.Context, files map[string][]byte) error {
	for p, content := range files {
		dst := l.resolve(p)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("mkdir for %s: %w", p, err)
		}
		tmp, err := os.CreateTemp(filepath.Dir(dst), ".muxden-write-*")
		if err != nil {
			return fmt.Errorf("temp file for %s: %w", p, err)
		}
		if _, err := tmp.Write(content); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("write %s: %w", p, err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("close %s: %w", p, err)
		}
		if err := os.Rename(tmp.Name(), dst); err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("rename %s: %w", p, err)
		}
	}
	return nil
}

func (l *Local) RemoveFile(ctx context.Context, file string) error {
	return os.Remove(l.resolve(file))
}

func (l *Local) RemoveDir(ctx context.Context, dir string) error {
	return os.RemoveAll(l.resolve(dir))
}

func (l *Local) Scoped(prefix string) Volume {
	return NewScoped(l, prefix)
}
