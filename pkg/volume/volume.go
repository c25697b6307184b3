// Package volume provides filesystem-like access to a host's persistent
// storage, either natively or mediated by command execution on the host.
package volume

import (
	"context"
	"path"
	"strings"
	"time"
)

// Kind distinguishes directory entries.
type Kind string

const (
	KindFile      Kind = "FILE"
	KindDirectory Kind = "DIRECTORY"
)

// Entry describes one directory entry.
type Entry struct {
	Path    string
	Kind    Kind
	Size    int64
	ModTime time.Time
}

// Volume is a prefix-scopable handle into persistent storage. All writes are
// atomic: readers never observe partial content.
type Volume interface {
	ListDir(ctx context.Context, dir string) ([]Entry, error)
	ReadFile(ctx context.Context, file string) ([]byte, error)
	// WriteFiles writes the given files atomically (temp file + rename),
	// creating parent directories as needed.
	WriteFiles(ctx context.Context, files map[string][]byte) error
	RemoveFile(ctx context.Context, file string) error
	// RemoveDir removes a directory recursively.
	RemoveDir(ctx context.Context, dir string) error
	// Scoped returns a volume that prepends prefix to every path and strips
	// it from ListDir output. Scoping composes:
	// v.Scoped("a").Scoped("b") == v.Scoped("a/b").
	Scoped(prefix string) Volume
}

// scoped wraps a base volume with a path prefix. Nested Scoped calls join
// prefixes on the same wrapper so composition holds by construction.
type scoped struct {
	base   Volume
	prefix string
}

// NewScoped returns base scoped under prefix.
func NewScoped(base Volume, prefix string) Volume {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return base
	}
	if s, ok := base.(*scoped); ok {
		return &scoped{base: s.base, prefix: path.Join(s.prefix, prefix)}
	}
	return &scoped{base: base, prefix: prefix}
}

func (s *scoped) join(p string) string {
	return path.Join(s.prefix, strings.TrimPrefix(p, "/"))
}

func (s *scoped) ListDir(ctx context.Context, dir string) ([]Entry, error) {
	entries, err := s.base.ListDir(ctx, s.join(dir))
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		e.Path = strings.TrimPrefix(strings.TrimPrefix(e.Path, s.prefix), "/")
		out = append(out, e)
	}
	return out, nil
}

func (s *scoped) ReadFile(ctx context.Context, file string) ([]byte, error) {
	return s.base.ReadFile(ctx, s.join(file))
}

func (s *scoped) WriteFiles(ctx context.Context, files map[string][]byte) error {
	prefixed := make(map[string][]byte, len(files))
	for p, b := range files {
		prefixed[s.join(p)] = b
	}
	return s.base.WriteFiles(ctx, prefixed)
}

func (s *scoped) RemoveFile(ctx context.Context, file string) error {
	return s.base.RemoveFile(ctx, s.join(file))
}

func (s *scoped) RemoveDir(ctx context.Context, dir string) error {
	return s.base.RemoveDir(ctx, s.join(dir))
}

func (s *scoped) Scoped(prefix string) Volume {
	return NewScoped(s, prefix)
}
