// Package agentstore is the durable per-host agent registry. It is kept
// free of engine dependencies so shell completion and external tooling can
// read agent names without pulling in providers or the proxy.
package agentstore

import "time"

// AgentState is derived from marker files plus tmux session liveness.
type AgentState string

const (
	AgentCreating  AgentState = "CREATING"
	AgentStarting  AgentState = "STARTING"
	AgentWaiting   AgentState = "WAITING" // input-idle
	AgentRunning   AgentState = "RUNNING" // busy
	AgentStopping  AgentState = "STOPPING"
	AgentStopped   AgentState = "STOPPED"
	AgentDestroyed AgentState = "DESTROYED"
)

// HostState tracks a host's lifecycle.
type HostState string

const (
	HostBuilding  HostState = "BUILDING"
	HostStarting  HostState = "STARTING"
	HostRunning   HostState = "RUNNING"
	HostStopping  HostState = "STOPPING"
	HostStopped   HostState = "STOPPED"
	HostDestroyed HostState = "DESTROYED"
)

// HostRef locates the host that owns an agent record.
type HostRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AgentRecord is the authoritative per-agent document, persisted at
// agents/<id>/data.json. Updates are whole-record rewrites via atomic file
// replacement.
type AgentRecord struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Command     string            `json:"command"`
	WorkDir     string            `json:"work_dir"`
	CreateTime  time.Time         `json:"create_time"`
	Labels      map[string]string `json:"labels,omitempty"`
	StartOnBoot bool              `json:"start_on_boot,omitempty"`
	Host        HostRef           `json:"host_ref"`
	State       AgentState        `json:"state"`
	// Session is the last tmux session name the engine created or renamed
	// to. Rename uses it to retry the session half of a partial rename.
	Session string `json:"session,omitempty"`
}

// HostRecord is the per-host document, persisted at hosts/<id>.json.
type HostRecord struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ProviderName string    `json:"provider_name"`
	State        HostState `json:"state"`
	// StateSince records when the current state was entered; the enforce
	// sweep uses it for transition timeouts.
	StateSince time.Time         `json:"state_since,omitempty"`
	Snapshots  []Snapshot        `json:"snapshots,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	PluginData map[string]any    `json:"plugin_data,omitempty"`
}

// Snapshot records one filesystem snapshot taken of a host.
type Snapshot struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
