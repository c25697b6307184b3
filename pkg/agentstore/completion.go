package agentstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// CompletionEntry is one agent in the shell-completion cache.
type CompletionEntry struct {
	Name     string `json:"name"`
	ID       string `json:"id"`
	Provider string `json:"provider"`
	HostName string `json:"host_name"`
	HostID   string `json:"host_id"`
}

// CompletionCache is the lightweight name index rewritten on every list so
// shell completion never has to talk to a provider.
type CompletionCache struct {
	Names     []string          `json:"names"`
	Agents    []CompletionEntry `json:"agents"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// DefaultCompletionCachePath returns the per-user cache location.
func DefaultCompletionCachePath() string {
	return filepath.Join(os.TempDir(), "muxden-agents.json")
}

// WriteCompletionCache atomically rewrites the cache file.
func WriteCompletionCache(path string, entries []CompletionEntry) error {
	cache := CompletionCache{
		Agents:    entries,
		UpdatedAt: time.Now().UTC(),
	}
	for _, e := range entries {
		cache.Names = append(cache.Names, e.Name)
	}
	raw, err := json.Marshal(cache)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".muxden-cache-*")
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
	return os.Rename(tmp.Name(), path)
}

// ReadCompletionCache reads the cache, tolerating a missing or corrupt
// file: both yield an empty cache and no error.
func ReadCompletionCache(path string) *CompletionCache {
	raw, err := os.ReadFile(path)
	if err != nil {
		return &CompletionCache{}
	}
	var cache CompletionCache
	if err := json.Unmarshal(raw, &cache); err != nil {
		return &CompletionCache{}
	}
	return &cache
}
