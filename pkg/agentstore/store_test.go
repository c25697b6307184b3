package agentstore

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/muxden/muxden/pkg/volume"
)

func newTestStore(t *testing.T) (*Store, *[]string) {
	t.Helper()
	var mu sync.Mutex
	warnings := &[]string{}
	store := New(volume.NewLocal(t.TempDir()), func(msg string, err error) {
		mu.Lock()
		*warnings = append(*warnings, msg)
		mu.Unlock()
	})
	return store, warnings
}

func testRecord(id, name string) *AgentRecord {
	return &AgentRecord{
		ID:         id,
		Name:       name,
		Type:       "generic",
		Command:    "sleep 9999",
		WorkDir:    "/tmp/repo",
		CreateTime: time.Now().UTC().Truncate(time.Second),
		State:      AgentRunning,
		Host:       HostRef{ID: "host-" + strings.Repeat("0", 32), Name: "local"},
	}
}

func TestWriteReadAgentRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	rec := testRecord("agent-"+strings.Repeat("a", 32), "test-a")
	if err := store.WriteAgent(ctx, rec); err != nil {
		t.Fatalf("WriteAgent: %v", err)
	}

	got, err := store.ReadAgent(ctx, rec.ID)
	if err != nil {
		t.Fatalf("ReadAgent: %v", err)
	}
	if got.Name != rec.Name || got.Command != rec.Command || got.State != rec.State {
		t.Errorf("round trip mismatch: %+v vs %+v", got, rec)
	}
}

// Concurrent rewrites of one record must never yield a partial document.
func TestConcurrentWritesNeverPartial(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	rec := testRecord("agent-"+strings.Repeat("b", 32), "test-b")
	if err := store.WriteAgent(ctx, rec); err != nil {
		t.Fatalf("WriteAgent: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			r := *rec
			r.WorkDir = strings.Repeat("/very/long/path", 50)
			if err := store.WriteAgent(ctx, &r); err != nil {
				t.Errorf("WriteAgent: %v", err)
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		got, err := store.ReadAgent(ctx, rec.ID)
		if err != nil {
			t.Fatalf("ReadAgent during writes: %v", err)
		}
		if got.ID != rec.ID || got.Name != rec.Name {
			t.Fatalf("partial document observed: %+v", got)
		}
	}
	<-done
}

func TestListAgentsSkipsMalformed(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	var warnings []string
	vol := volume.NewLocal(dir)
	store := New(vol, func(msg string, err error) {
		warnings = append(warnings, msg)
	})

	good := testRecord("agent-"+strings.Repeat("c", 32), "good")
	if err := store.WriteAgent(ctx, good); err != nil {
		t.Fatalf("WriteAgent: %v", err)
	}
	// One directory with garbage, one with no data.json at all.
	if err := vol.WriteFiles(ctx, map[string][]byte{
		"agents/agent-" + strings.Repeat("d", 32) + "/data.json": []byte("{not json"),
		"agents/agent-" + strings.Repeat("e", 32) + "/leftover":  []byte("x"),
	}); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	records, err := store.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(records) != 1 || records[0].Name != "good" {
		t.Errorf("expected only the good record, got %+v", records)
	}
	if len(warnings) != 2 {
		t.Errorf("expected one warning per skipped directory, got %v", warnings)
	}
}

func TestReadAgentIDMismatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	vol := volume.NewLocal(dir)
	store := New(vol, nil)

	wrongDir := "agent-" + strings.Repeat("f", 32)
	if err := vol.WriteFiles(ctx, map[string][]byte{
		"agents/" + wrongDir + "/data.json": []byte(`{"id":"agent-` + strings.Repeat("1", 32) + `"}`),
	}); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	if _, err := store.ReadAgent(ctx, wrongDir); err == nil {
		t.Error("expected id/directory mismatch to fail")
	}
}

func TestResolveByNameOrID(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	rec := testRecord("agent-"+strings.Repeat("1", 32), "alpha")
	if err := store.WriteAgent(ctx, rec); err != nil {
		t.Fatalf("WriteAgent: %v", err)
	}

	byID, err := store.ResolveByNameOrID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("resolve by id: %v", err)
	}
	byName, err := store.ResolveByNameOrID(ctx, "alpha")
	if err != nil {
		t.Fatalf("resolve by name: %v", err)
	}
	if byID.ID != byName.ID {
		t.Errorf("id and name resolution disagree: %s vs %s", byID.ID, byName.ID)
	}
	if _, err := store.ResolveByNameOrID(ctx, "missing"); err == nil {
		t.Error("expected unknown name to fail")
	}
}

func TestSignals(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	if err := store.WriteSignal(ctx, "muxden-test", "stop"); err != nil {
		t.Fatalf("WriteSignal: %v", err)
	}
	action, err := store.TakeSignal(ctx, "muxden-test")
	if err != nil {
		t.Fatalf("TakeSignal: %v", err)
	}
	if action != "stop" {
		t.Errorf("expected stop, got %q", action)
	}
	if _, err := store.TakeSignal(ctx, "muxden-test"); err == nil {
		t.Error("expected second TakeSignal to fail")
	}
}

func TestActivity(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	id := "agent-" + strings.Repeat("2", 32)

	// No attach yet: zero time, no error.
	last, err := store.LastActivity(ctx, id)
	if err != nil || !last.IsZero() {
		t.Fatalf("expected zero time before any activity, got %v, %v", last, err)
	}

	before := time.Now().Add(-time.Second)
	if err := store.TouchActivity(ctx, id, nil); err != nil {
		t.Fatalf("TouchActivity: %v", err)
	}
	last, err = store.LastActivity(ctx, id)
	if err != nil {
		t.Fatalf("LastActivity: %v", err)
	}
	if last.Before(before) {
		t.Errorf("activity mtime %v not refreshed", last)
	}
}

func TestHostRecords(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	rec := &HostRecord{
		ID:           "host-" + strings.Repeat("3", 32),
		Name:         "worker",
		ProviderName: "docker-ci",
		State:        HostRunning,
		StateSince:   time.Now().UTC(),
	}
	if err := store.WriteHost(ctx, rec); err != nil {
		t.Fatalf("WriteHost: %v", err)
	}
	hosts, err := store.ListHosts(ctx)
	if err != nil {
		t.Fatalf("ListHosts: %v", err)
	}
	if len(hosts) != 1 || hosts[0].Name != "worker" {
		t.Errorf("unexpected hosts %+v", hosts)
	}
	if err := store.DeleteHost(ctx, rec.ID); err != nil {
		t.Fatalf("DeleteHost: %v", err)
	}
	hosts, _ = store.ListHosts(ctx)
	if len(hosts) != 0 {
		t.Errorf("expected no hosts after delete, got %+v", hosts)
	}
}
