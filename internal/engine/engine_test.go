package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/muxden/muxden/internal/common/config"
	"github.com/muxden/muxden/internal/ids"
	"github.com/muxden/muxden/internal/provider"
	"github.com/muxden/muxden/pkg/agentstore"
	"github.com/muxden/muxden/pkg/volume"
)

// fakeTmux emulates the tmux server of one host in memory. Each session
// carries a fake pane pid; killing that pid ends the session, which is how
// the leader-exit path is exercised without real processes.
type fakeTmux struct {
	mu       sync.Mutex
	sessions map[string]int
	nextPid  int
}

func newFakeTmux() *fakeTmux {
	return &fakeTmux{sessions: map[string]int{}}
}

func (f *fakeTmux) create(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPid++
	f.sessions[name] = f.nextPid
}

func (f *fakeTmux) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[name]
	return ok
}

func target(arg string) string {
	return strings.TrimPrefix(arg, "=")
}

func (f *fakeTmux) run(argv []string) (stdout, stderr string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch argv[1] {
	case "new-session":
		var name string
		for i := 2; i < len(argv); i++ {
			switch argv[i] {
			case "-s":
				i++
				name = argv[i]
			case "-e":
				i++
			}
		}
		if _, ok := f.sessions[name]; ok {
			return "", "duplicate session: " + name, 1
		}
		f.nextPid++
		f.sessions[name] = f.nextPid
		return "", "", 0
	case "has-session":
		if _, ok := f.sessions[target(argv[3])]; ok {
			return "", "", 0
		}
		return "", "can't find session: " + target(argv[3]), 1
	case "kill-session":
		name := target(argv[3])
		if _, ok := f.sessions[name]; !ok {
			return "", "can't find session: " + name, 1
		}
		delete(f.sessions, name)
		return "", "", 0
	case "rename-session":
		oldName, newName := target(argv[3]), argv[4]
		pid, ok := f.sessions[oldName]
		if !ok {
			return "", "can't find session: " + oldName, 1
		}
		delete(f.sessions, oldName)
		f.sessions[newName] = pid
		return "", "", 0
	case "list-panes":
		pid, ok := f.sessions[target(argv[3])]
		if !ok {
			return "", "can't find session: " + target(argv[3]), 1
		}
		return fmt.Sprintf("%d\n", pid), "", 0
	case "send-keys":
		if _, ok := f.sessions[target(argv[3])]; !ok {
			return "", "can't find session: " + target(argv[3]), 1
		}
		return "", "", 0
	default:
		// bind-key, capture-pane, wait-for: accepted.
		return "", "", 0
	}
}

func (f *fakeTmux) kill(pidArg string) {
	pid, _ := strconv.Atoi(pidArg)
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, p := range f.sessions {
		if p == pid {
			delete(f.sessions, name)
		}
	}
}

// fakeRunner intercepts tmux and kill, delegating everything else to the
// real shell so volume and store operations hit the test directory.
type fakeRunner struct {
	tmux *fakeTmux
}

func (r *fakeRunner) RunCommand(ctx context.Context, argv []string, stdin []byte) ([]byte, []byte, int, error) {
	switch argv[0] {
	case "tmux":
		stdout, stderr, code := r.tmux.run(argv)
		return []byte(stdout), []byte(stderr), code, nil
	case "kill":
		r.tmux.kill(argv[len(argv)-1])
		return nil, nil, 0, nil
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
		err = nil
	}
	return stdout.Bytes(), stderr.Bytes(), code, err
}

type fakeDriver struct {
	hostDir string
	tmux    *fakeTmux
	stops   atomic.Int32
}

func (d *fakeDriver) Capabilities() provider.Capabilities {
	return provider.Capabilities{ShutdownHosts: true, MutableTags: true}
}

func (d *fakeDriver) Provision(context.Context, *agentstore.HostRecord, provider.CreateHostRequest) error {
	return nil
}

func (d *fakeDriver) Connect(context.Context, *agentstore.HostRecord) (volume.CommandRunner, string, bool, error) {
	return &fakeRunner{tmux: d.tmux}, d.hostDir, false, nil
}

func (d *fakeDriver) Start(context.Context, *agentstore.HostRecord) error { return nil }

func (d *fakeDriver) Stop(context.Context, *agentstore.HostRecord) error {
	d.stops.Add(1)
	return nil
}

func (d *fakeDriver) Destroy(context.Context, *agentstore.HostRecord) error { return nil }

func (d *fakeDriver) Resources(context.Context, *agentstore.HostRecord) (*provider.HostResources, error) {
	return &provider.HostResources{CPUs: 1}, nil
}

func (d *fakeDriver) InvalidateConnection(string) {}

func (d *fakeDriver) Close() error { return nil }

// newFakeEngine wires an engine over a single fake provider instance backed
// by the test directory.
func newFakeEngine(t *testing.T, idleSeconds int) (*Engine, *fakeDriver) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.HostDirEnv, dir)

	drv := &fakeDriver{hostDir: dir, tmux: newFakeTmux()}
	provider.ResetRegistry()
	t.Cleanup(provider.ResetRegistry)
	provider.RegisterBackend("fake", func(name ids.InstanceName, cfg config.ProviderConfig, deps provider.Deps) (provider.Instance, error) {
		return provider.NewBase(name, "fake", drv, deps, cfg.IdleTimeoutSeconds), nil
	})

	cfg := &config.Config{
		DefaultHostDir: dir,
		Prefix:         "muxden-",
		Providers: map[string]config.ProviderConfig{
			"fake": {Backend: "fake", IdleTimeoutSeconds: idleSeconds},
		},
		AgentTypes: map[string]config.AgentTypeConfig{
			"generic": {Command: "cat"},
		},
	}
	eng := New(cfg, nil)
	t.Cleanup(func() { _ = eng.Close() })
	return eng, drv
}

func seedHost(t *testing.T, dir string, state agentstore.HostState, since time.Time) *agentstore.HostRecord {
	t.Helper()
	rec := &agentstore.HostRecord{
		ID:           string(ids.NewHostID()),
		Name:         "box",
		ProviderName: "fake",
		State:        state,
		StateSince:   since,
	}
	store := agentstore.New(volume.NewLocal(filepath.Join(dir, "providers", "fake")), nil)
	if err := store.WriteHost(context.Background(), rec); err != nil {
		t.Fatalf("seeding host record: %v", err)
	}
	return rec
}

func seedAgent(t *testing.T, dir string, hostRec *agentstore.HostRecord, name string, state agentstore.AgentState, session string) *agentstore.AgentRecord {
	t.Helper()
	rec := &agentstore.AgentRecord{
		ID:         string(ids.NewAgentID()),
		Name:       name,
		Type:       "generic",
		Command:    "cat",
		WorkDir:    dir,
		CreateTime: time.Now().UTC(),
		State:      state,
		Session:    session,
		Host:       agentstore.HostRef{ID: hostRec.ID, Name: hostRec.Name},
	}
	store := agentstore.New(volume.NewLocal(dir), nil)
	if err := store.WriteAgent(context.Background(), rec); err != nil {
		t.Fatalf("seeding agent record: %v", err)
	}
	return rec
}

func hostStore(dir string) *agentstore.Store {
	return agentstore.New(volume.NewLocal(dir), nil)
}

func TestCreateAndDestroy(t *testing.T) {
	ctx := context.Background()
	eng, drv := newFakeEngine(t, 0)
	seedHost(t, drv.hostDir, agentstore.HostRunning, time.Now().UTC())

	src := filepath.Join(t.TempDir(), "repo")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatalf("creating source dir: %v", err)
	}

	result, err := eng.Create(ctx,
		SourceSpec{Path: src, Mode: SourceInPlace},
		TargetSpec{Provider: "fake"},
		CreateOptions{Name: "worker", Type: "generic"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if result.Agent.Name != "worker" || result.Agent.State != string(agentstore.AgentStarting) {
		t.Errorf("unexpected agent info %+v", result.Agent)
	}
	if !drv.tmux.has("muxden-worker") {
		t.Error("agent session not started")
	}
	wrapper := filepath.Join(drv.hostDir, "agents", result.Agent.ID, "attach.sh")
	if _, err := os.Stat(wrapper); err != nil {
		t.Errorf("attach wrapper not installed: %v", err)
	}

	// A second agent with the same name on the same host is rejected.
	if _, err := eng.Create(ctx,
		SourceSpec{Path: src, Mode: SourceInPlace},
		TargetSpec{Provider: "fake"},
		CreateOptions{Name: "worker", Type: "generic"}); err == nil {
		t.Error("expected duplicate name to fail")
	}

	destroyed, err := eng.Destroy(ctx, "worker")
	if err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if destroyed.NewState != string(agentstore.AgentDestroyed) {
		t.Errorf("unexpected destroy state %q", destroyed.NewState)
	}
	if drv.tmux.has("muxden-worker") {
		t.Error("session survived destroy")
	}
	if _, err := eng.findAgent(ctx, "worker"); err == nil {
		t.Error("agent record survived destroy")
	}
}

func TestCreateCopyModePreservesFileBytes(t *testing.T) {
	ctx := context.Background()
	eng, drv := newFakeEngine(t, 0)
	seedHost(t, drv.hostDir, agentstore.HostRunning, time.Now().UTC())

	// The copy mode pipes a tar archive to the host. CRLF, NUL bytes, and
	// a missing trailing newline must all arrive intact.
	payload := []byte("binary\r\ndata\x00tail")
	src := filepath.Join(t.TempDir(), "repo")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatalf("creating source dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "blob"), payload, 0o644); err != nil {
		t.Fatalf("writing source file: %v", err)
	}

	result, err := eng.Create(ctx,
		SourceSpec{Path: src, Mode: SourceCopy},
		TargetSpec{Provider: "fake"},
		CreateOptions{Name: "copier", Type: "generic"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	wantDir := filepath.Join(drv.hostDir, "work", "copier")
	if result.Agent.WorkDir != wantDir {
		t.Errorf("work dir %q, want %q", result.Agent.WorkDir, wantDir)
	}
	got, err := os.ReadFile(filepath.Join(wantDir, "blob"))
	if err != nil {
		t.Fatalf("reading copied file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("copied bytes %q, want %q", got, payload)
	}
}

func TestStopTerminatesSession(t *testing.T) {
	ctx := context.Background()
	eng, drv := newFakeEngine(t, 0)
	hostRec := seedHost(t, drv.hostDir, agentstore.HostRunning, time.Now().UTC())
	rec := seedAgent(t, drv.hostDir, hostRec, "alpha", agentstore.AgentRunning, "muxden-alpha")
	drv.tmux.create("muxden-alpha")

	result, err := eng.Stop(ctx, "alpha")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if result.PreviousState != string(agentstore.AgentRunning) || result.NewState != string(agentstore.AgentStopped) {
		t.Errorf("unexpected transition %s -> %s", result.PreviousState, result.NewState)
	}
	if drv.tmux.has("muxden-alpha") {
		t.Error("session survived stop")
	}
	got, err := hostStore(drv.hostDir).ReadAgent(ctx, rec.ID)
	if err != nil {
		t.Fatalf("ReadAgent: %v", err)
	}
	if got.State != agentstore.AgentStopped {
		t.Errorf("persisted state %q, want stopped", got.State)
	}
}

func TestStartRecreatesSession(t *testing.T) {
	ctx := context.Background()
	eng, drv := newFakeEngine(t, 0)
	hostRec := seedHost(t, drv.hostDir, agentstore.HostRunning, time.Now().UTC())
	seedAgent(t, drv.hostDir, hostRec, "alpha", agentstore.AgentStopped, "")

	result, err := eng.Start(ctx, "alpha", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result.NewState != string(agentstore.AgentStarting) {
		t.Errorf("unexpected state %q", result.NewState)
	}
	if !drv.tmux.has("muxden-alpha") {
		t.Error("session not recreated")
	}
}

func TestRenameMovesRecordAndSession(t *testing.T) {
	ctx := context.Background()
	eng, drv := newFakeEngine(t, 0)
	hostRec := seedHost(t, drv.hostDir, agentstore.HostRunning, time.Now().UTC())
	rec := seedAgent(t, drv.hostDir, hostRec, "alpha", agentstore.AgentRunning, "muxden-alpha")
	drv.tmux.create("muxden-alpha")

	if _, err := eng.Rename(ctx, "alpha", "beta"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := eng.findAgent(ctx, "alpha"); err == nil {
		t.Error("old name still resolves")
	}
	loc, err := eng.findAgent(ctx, "beta")
	if err != nil {
		t.Fatalf("new name does not resolve: %v", err)
	}
	if loc.rec.ID != rec.ID {
		t.Errorf("rename changed identity: %s vs %s", loc.rec.ID, rec.ID)
	}
	if loc.rec.Session != "muxden-beta" {
		t.Errorf("recorded session %q, want muxden-beta", loc.rec.Session)
	}
	if drv.tmux.has("muxden-alpha") || !drv.tmux.has("muxden-beta") {
		t.Error("session not renamed")
	}
}

// A rename interrupted between the record write and the session rename must
// complete on the next attempt instead of stranding the session under its
// old name.
func TestRenameRetryCompletesSessionHalf(t *testing.T) {
	ctx := context.Background()
	eng, drv := newFakeEngine(t, 0)
	hostRec := seedHost(t, drv.hostDir, agentstore.HostRunning, time.Now().UTC())

	// The record already carries the new name while the recorded session
	// still points at the old one.
	rec := seedAgent(t, drv.hostDir, hostRec, "gamma", agentstore.AgentRunning, "muxden-beta")
	drv.tmux.create("muxden-beta")

	if _, err := eng.Rename(ctx, "gamma", "gamma"); err != nil {
		t.Fatalf("Rename retry: %v", err)
	}
	if drv.tmux.has("muxden-beta") || !drv.tmux.has("muxden-gamma") {
		t.Error("retry did not complete the session rename")
	}
	got, err := hostStore(drv.hostDir).ReadAgent(ctx, rec.ID)
	if err != nil {
		t.Fatalf("ReadAgent: %v", err)
	}
	if got.Session != "muxden-gamma" {
		t.Errorf("recorded session %q after retry", got.Session)
	}
}

func TestRenameRejectsTakenName(t *testing.T) {
	ctx := context.Background()
	eng, drv := newFakeEngine(t, 0)
	hostRec := seedHost(t, drv.hostDir, agentstore.HostRunning, time.Now().UTC())
	seedAgent(t, drv.hostDir, hostRec, "alpha", agentstore.AgentStopped, "")
	seedAgent(t, drv.hostDir, hostRec, "beta", agentstore.AgentStopped, "")

	if _, err := eng.Rename(ctx, "alpha", "beta"); err == nil {
		t.Error("expected rename onto an existing name to fail")
	}
	if _, err := eng.Rename(ctx, "alpha", "agent-0000"); err == nil {
		t.Error("expected id-shaped name to be rejected")
	}
}

func TestEnforceIdleDryRun(t *testing.T) {
	ctx := context.Background()
	eng, drv := newFakeEngine(t, 60)
	seedHost(t, drv.hostDir, agentstore.HostRunning, time.Now().Add(-time.Hour))

	result, err := eng.Enforce(ctx, EnforceOptions{CheckIdle: true, DryRun: true})
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if result.HostsChecked != 1 || result.IdleViolations != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(result.Actions) != 1 || result.Actions[0].Action != "stop_host" {
		t.Fatalf("unexpected actions %+v", result.Actions)
	}
	if drv.stops.Load() != 0 {
		t.Error("dry run must not stop hosts")
	}
}

func TestEnforceIdleStopsHost(t *testing.T) {
	ctx := context.Background()
	eng, drv := newFakeEngine(t, 60)
	hostRec := seedHost(t, drv.hostDir, agentstore.HostRunning, time.Now().Add(-time.Hour))

	result, err := eng.Enforce(ctx, EnforceOptions{CheckIdle: true})
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if result.IdleViolations != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if drv.stops.Load() != 1 {
		t.Fatalf("expected one stop, got %d", drv.stops.Load())
	}
	got, err := agentstore.New(volume.NewLocal(filepath.Join(drv.hostDir, "providers", "fake")), nil).ReadHost(ctx, hostRec.ID)
	if err != nil {
		t.Fatalf("ReadHost: %v", err)
	}
	if got.State != agentstore.HostStopped {
		t.Errorf("host state %q after enforce, want stopped", got.State)
	}
}

func TestEnforceRecentActivityKeepsHost(t *testing.T) {
	ctx := context.Background()
	eng, drv := newFakeEngine(t, 3600)
	hostRec := seedHost(t, drv.hostDir, agentstore.HostRunning, time.Now().Add(-time.Hour))
	rec := seedAgent(t, drv.hostDir, hostRec, "alpha", agentstore.AgentRunning, "muxden-alpha")
	if err := hostStore(drv.hostDir).TouchActivity(ctx, rec.ID, nil); err != nil {
		t.Fatalf("TouchActivity: %v", err)
	}

	result, err := eng.Enforce(ctx, EnforceOptions{CheckIdle: true})
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if result.IdleViolations != 0 || drv.stops.Load() != 0 {
		t.Errorf("fresh activity treated as idle: %+v", result)
	}
}

func TestEnforceTransitionTimeout(t *testing.T) {
	ctx := context.Background()
	eng, drv := newFakeEngine(t, 0)
	seedHost(t, drv.hostDir, agentstore.HostStarting, time.Now().Add(-time.Hour))

	result, err := eng.Enforce(ctx, EnforceOptions{
		CheckTimeouts: true,
		Timeouts:      config.EnforceConfig{StartingTimeoutSeconds: 60},
	})
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if result.TimeoutViolations != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(result.Actions) != 1 || result.Actions[0].Action != "record_error" {
		t.Errorf("unexpected actions %+v", result.Actions)
	}
	if drv.stops.Load() != 0 {
		t.Error("transition timeout must not stop the host")
	}
}
