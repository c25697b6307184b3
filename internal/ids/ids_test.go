package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentIDRoundTrip(t *testing.T) {
	id := NewAgentID()
	parsed, err := ParseAgentID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.True(t, IsAgentID(id.String()))
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{
		"",
		"agent-",
		"agent-short",
		"agent-ZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ",
		"host-0123456789abcdef0123456789abcdef",
		"agent-0123456789abcdef0123456789abcdef0", // 33 digits
	} {
		_, err := ParseAgentID(s)
		assert.Error(t, err, "input %q", s)
	}
	_, err := ParseHostID("agent-0123456789abcdef0123456789abcdef")
	assert.Error(t, err)
	_, err = ParseHostID("host-0123456789abcdef0123456789abcdef")
	assert.NoError(t, err)
}

func TestSessionName(t *testing.T) {
	assert.Equal(t, "muxden-reviewer", SessionName("muxden-", "reviewer"))
	assert.Equal(t, "dev-reviewer", SessionName("dev-", "reviewer"))
}

func TestOneTimeCodesAreUnique(t *testing.T) {
	a, b := NewOneTimeCode(), NewOneTimeCode()
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestNewIDsAreUnique(t *testing.T) {
	seen := map[AgentID]bool{}
	for i := 0; i < 100; i++ {
		id := NewAgentID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
