// Package ids defines the identifier and name types shared across muxden.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

const (
	// AgentIDPrefix precedes the 32 hex digits of an agent identifier.
	AgentIDPrefix = "agent-"
	// HostIDPrefix precedes the 32 hex digits of a host identifier.
	HostIDPrefix = "host-"

	randomHexDigits = 32
)

// AgentID identifies an agent for its whole life.
type AgentID string

// HostID identifies a host within a provider instance.
type HostID string

// AgentName is the human-visible, renameable agent name, unique per host.
type AgentName string

// HostName is the human-visible host name, unique per provider instance.
type HostName string

// BackendName names a provider backend implementation.
type BackendName string

// Known backend names.
const (
	BackendLocal        BackendName = "local"
	BackendDocker       BackendName = "docker"
	BackendSSH          BackendName = "ssh"
	BackendCloudSandbox BackendName = "cloud-sandbox"
)

// InstanceName is an operator-chosen label bound to a backend and its config.
type InstanceName string

var idBodyPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

func randomHex() string {
	b := make([]byte, randomHexDigits/2)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure means the process cannot mint identities at all
		panic(fmt.Sprintf("ids: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}

// NewAgentID mints a fresh agent identifier.
func NewAgentID() AgentID {
	return AgentID(AgentIDPrefix + randomHex())
}

// NewHostID mints a fresh host identifier.
func NewHostID() HostID {
	return HostID(HostIDPrefix + randomHex())
}

// ParseAgentID validates s as an agent identifier.
func ParseAgentID(s string) (AgentID, error) {
	if !strings.HasPrefix(s, AgentIDPrefix) || !idBodyPattern.MatchString(strings.TrimPrefix(s, AgentIDPrefix)) {
		return "", fmt.Errorf("invalid agent id %q", s)
	}
	return AgentID(s), nil
}

// ParseHostID validates s as a host identifier.
func ParseHostID(s string) (HostID, error) {
	if !strings.HasPrefix(s, HostIDPrefix) || !idBodyPattern.MatchString(strings.TrimPrefix(s, HostIDPrefix)) {
		return "", fmt.Errorf("invalid host id %q", s)
	}
	return HostID(s), nil
}

// IsAgentID reports whether s looks like an agent identifier.
func IsAgentID(s string) bool {
	_, err := ParseAgentID(s)
	return err == nil
}

func (id AgentID) String() string { return string(id) }
func (id HostID) String() string  { return string(id) }

// SessionName returns the terminal-multiplexer session name for an agent.
// The prefix is the operator-configured session prefix (default "muxden-").
func SessionName(prefix string, name AgentName) string {
	return prefix + string(name)
}

// NewOneTimeCode mints an opaque one-time authentication token.
func NewOneTimeCode() string {
	return randomHex() + randomHex()
}
