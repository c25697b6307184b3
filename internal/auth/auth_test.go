package auth

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const (
	agentA = "agent-" + "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	agentB = "agent-" + "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func TestCodeConsumedAtMostOnce(t *testing.T) {
	store := NewStore(t.TempDir())

	if err := store.AddOneTimeCode(agentA, "c1"); err != nil {
		t.Fatalf("AddOneTimeCode: %v", err)
	}

	ok, err := store.ValidateAndConsume(agentA, "c1")
	if err != nil {
		t.Fatalf("ValidateAndConsume: %v", err)
	}
	if !ok {
		t.Fatal("first consumption should succeed")
	}

	ok, err = store.ValidateAndConsume(agentA, "c1")
	if err != nil {
		t.Fatalf("ValidateAndConsume: %v", err)
	}
	if ok {
		t.Error("second consumption should fail")
	}
}

func TestCodeBoundToOneAgent(t *testing.T) {
	store := NewStore(t.TempDir())

	if err := store.AddOneTimeCode(agentA, "c1"); err != nil {
		t.Fatalf("AddOneTimeCode: %v", err)
	}

	ok, err := store.ValidateAndConsume(agentB, "c1")
	if err != nil {
		t.Fatalf("ValidateAndConsume: %v", err)
	}
	if ok {
		t.Error("code for agent A must not authenticate agent B")
	}

	// The failed attempt must not have consumed the code.
	ok, err = store.ValidateAndConsume(agentA, "c1")
	if err != nil {
		t.Fatalf("ValidateAndConsume: %v", err)
	}
	if !ok {
		t.Error("code should still be valid for its own agent")
	}
}

func TestRevokeCodesForAgent(t *testing.T) {
	store := NewStore(t.TempDir())

	for _, code := range []string{"c1", "c2"} {
		if err := store.AddOneTimeCode(agentA, code); err != nil {
			t.Fatalf("AddOneTimeCode: %v", err)
		}
	}
	if err := store.AddOneTimeCode(agentB, "c3"); err != nil {
		t.Fatalf("AddOneTimeCode: %v", err)
	}

	if err := store.RevokeCodesForAgent(agentA); err != nil {
		t.Fatalf("RevokeCodesForAgent: %v", err)
	}
	for _, code := range []string{"c1", "c2"} {
		if ok, _ := store.ValidateAndConsume(agentA, code); ok {
			t.Errorf("revoked code %s still valid", code)
		}
	}
	if ok, _ := store.ValidateAndConsume(agentB, "c3"); !ok {
		t.Error("revocation must not touch other agents")
	}
}

func TestListAgentIDsWithValidCodes(t *testing.T) {
	store := NewStore(t.TempDir())

	if err := store.AddOneTimeCode(agentB, "c1"); err != nil {
		t.Fatalf("AddOneTimeCode: %v", err)
	}
	if err := store.AddOneTimeCode(agentA, "c2"); err != nil {
		t.Fatalf("AddOneTimeCode: %v", err)
	}
	if err := store.AddOneTimeCode(agentA, "c3"); err != nil {
		t.Fatalf("AddOneTimeCode: %v", err)
	}

	agentIDs, err := store.ListAgentIDsWithValidCodes()
	if err != nil {
		t.Fatalf("ListAgentIDsWithValidCodes: %v", err)
	}
	if len(agentIDs) != 2 || agentIDs[0] != agentA || agentIDs[1] != agentB {
		t.Errorf("expected sorted deduplicated ids, got %v", agentIDs)
	}
}

func TestSigningKeyPersisted(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	key, err := store.SigningKey()
	if err != nil {
		t.Fatalf("SigningKey: %v", err)
	}
	if len(key) < 64 {
		t.Errorf("key too short: %d bytes", len(key))
	}

	again, err := NewStore(dir).SigningKey()
	if err != nil {
		t.Fatalf("SigningKey second open: %v", err)
	}
	if string(key) != string(again) {
		t.Error("signing key changed between opens")
	}

	info, err := os.Stat(filepath.Join(dir, "signing_key"))
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key file mode %v, want 0600", info.Mode().Perm())
	}
}

func TestEmptySigningKeyFileIsError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "signing_key"), nil, 0o600); err != nil {
		t.Fatalf("seeding empty key: %v", err)
	}
	if _, err := NewStore(dir).SigningKey(); err == nil {
		t.Error("expected empty key file to be an error, not a regeneration")
	}
}

func TestMalformedCodeFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "one_time_codes.json"), []byte("{broken"), 0o600); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	store := NewStore(dir)
	if _, err := store.ValidateAndConsume(agentA, "c1"); err == nil {
		t.Error("expected malformed code file to surface an error")
	}
	if err := store.AddOneTimeCode(agentA, "c1"); err == nil || !strings.Contains(err.Error(), "malformed") {
		t.Errorf("expected malformed-file error, got %v", err)
	}
}
