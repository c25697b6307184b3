// Package resolver maps agent ids to the backend URLs the proxy routes to.
// The mapping is one JSON file, safe to update from multiple processes
// because registrations are idempotent and writes are atomic.
package resolver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/muxden/muxden/internal/common/logger"
)

// Resolver is the file-backed agent-to-URL registry.
type Resolver struct {
	path   string
	logger *logger.Logger
	mu     sync.Mutex
}

// New opens the resolver over the given backends.json path.
func New(path string, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.Default()
	}
	return &Resolver{path: path, logger: log}
}

// read returns the current view. A missing or corrupt file is an empty
// view, never an error.
func (r *Resolver) read() map[string]string {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return map[string]string{}
	}
	var entries map[string]string
	if err := json.Unmarshal(raw, &entries); err != nil {
		r.logger.Warn("ignoring corrupt backend registry", zap.String("path", r.path), zap.Error(err))
		return map[string]string{}
	}
	if entries == nil {
		entries = map[string]string{}
	}
	return entries
}

func (r *Resolver) write(entries map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".tmp.*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), r.path)
}

// RegisterBackend merges one agent-to-URL entry into the file.
func (r *Resolver) RegisterBackend(agentID, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.read()
	entries[agentID] = url
	return r.write(entries)
}

// DeregisterBackend removes an agent's entry; removing an absent entry is
// a no-op.
func (r *Resolver) DeregisterBackend(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.read()
	if _, ok := entries[agentID]; !ok {
		return nil
	}
	delete(entries, agentID)
	return r.write(entries)
}

// BackendURL returns the registered URL for an agent, or "" when unknown.
func (r *Resolver) BackendURL(agentID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read()[agentID]
}

// ListKnownAgentIDs returns the sorted agent ids with a registered backend.
func (r *Resolver) ListKnownAgentIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.read()
	agentIDs := make([]string, 0, len(entries))
	for id := range entries {
		agentIDs = append(agentIDs, id)
	}
	sort.Strings(agentIDs)
	return agentIDs
}

// Watch invokes onChange whenever the registry file is rewritten, until
// stop is closed. The watcher observes the parent directory because atomic
// replacement swaps the file's inode.
func (r *Resolver) Watch(onChange func(), stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filepath.Base(r.path) {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("backend registry watch error", zap.Error(err))
			}
		}
	}()
	return nil
}
