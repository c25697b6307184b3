package resolver

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const (
	agentA = "agent-" + "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	agentB = "agent-" + "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "backends.json"), nil)
}

func TestRegisterAndResolve(t *testing.T) {
	r := newTestResolver(t)

	if got := r.BackendURL(agentA); got != "" {
		t.Errorf("expected empty URL before registration, got %q", got)
	}
	if err := r.RegisterBackend(agentA, "http://localhost:3000/"); err != nil {
		t.Fatalf("RegisterBackend: %v", err)
	}
	if got := r.BackendURL(agentA); got != "http://localhost:3000/" {
		t.Errorf("unexpected URL %q", got)
	}

	// Re-registration overwrites.
	if err := r.RegisterBackend(agentA, "http://localhost:4000/"); err != nil {
		t.Fatalf("RegisterBackend: %v", err)
	}
	if got := r.BackendURL(agentA); got != "http://localhost:4000/" {
		t.Errorf("unexpected URL after update %q", got)
	}
}

func TestDeregister(t *testing.T) {
	r := newTestResolver(t)

	if err := r.RegisterBackend(agentA, "http://localhost:3000/"); err != nil {
		t.Fatalf("RegisterBackend: %v", err)
	}
	if err := r.DeregisterBackend(agentA); err != nil {
		t.Fatalf("DeregisterBackend: %v", err)
	}
	if got := r.BackendURL(agentA); got != "" {
		t.Errorf("expected empty URL after deregister, got %q", got)
	}
	// Removing an absent entry is a no-op.
	if err := r.DeregisterBackend(agentA); err != nil {
		t.Errorf("second DeregisterBackend: %v", err)
	}
}

func TestListKnownAgentIDsSorted(t *testing.T) {
	r := newTestResolver(t)

	if err := r.RegisterBackend(agentB, "http://localhost:2/"); err != nil {
		t.Fatalf("RegisterBackend: %v", err)
	}
	if err := r.RegisterBackend(agentA, "http://localhost:1/"); err != nil {
		t.Fatalf("RegisterBackend: %v", err)
	}

	agentIDs := r.ListKnownAgentIDs()
	if len(agentIDs) != 2 || agentIDs[0] != agentA || agentIDs[1] != agentB {
		t.Errorf("expected sorted ids, got %v", agentIDs)
	}
}

func TestCorruptFileIsEmptyView(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backends.json")
	if err := os.WriteFile(path, []byte("{{{"), 0o644); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	r := New(path, nil)

	if got := r.BackendURL(agentA); got != "" {
		t.Errorf("corrupt file should read as empty, got %q", got)
	}
	// Writing through a corrupt file recovers it.
	if err := r.RegisterBackend(agentA, "http://localhost:3000/"); err != nil {
		t.Fatalf("RegisterBackend over corrupt file: %v", err)
	}
	if got := r.BackendURL(agentA); got != "http://localhost:3000/" {
		t.Errorf("unexpected URL %q", got)
	}
}

func TestWatchSeesAtomicReplace(t *testing.T) {
	r := newTestResolver(t)

	changed := make(chan struct{}, 4)
	stop := make(chan struct{})
	defer close(stop)
	if err := r.Watch(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}, stop); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := r.RegisterBackend(agentA, "http://localhost:3000/"); err != nil {
		t.Fatalf("RegisterBackend: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not observe the registry rewrite")
	}
}
