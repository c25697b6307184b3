package agentstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/muxden/muxden/pkg/volume"
)

const (
	agentsDir  = "agents"
	hostsDir   = "hosts"
	signalsDir = "signals"

	dataFile     = "data.json"
	activityFile = "activity/ssh"
)

// ErrNotFound is returned when no agent matches a reference.
var ErrNotFound = errors.New("agent not found")

// ErrAmbiguous is returned when a reference matches more than one agent.
var ErrAmbiguous = errors.New("ambiguous agent reference")

// WarnFunc receives non-fatal reader problems (malformed records are
// skipped, never surfaced to the caller).
type WarnFunc func(msg string, err error)

// Store is the crash-safe agent registry rooted at a host directory.
// Readers are side-effect-free; writers replace whole files atomically.
type Store struct {
	vol  volume.Volume
	warn WarnFunc
}

// New creates a store over the given host-directory volume. warn may be nil.
func New(vol volume.Volume, warn WarnFunc) *Store {
	if warn == nil {
		warn = func(string, error) {}
	}
	return &Store{vol: vol, warn: warn}
}

func agentDir(id string) string  { return path.Join(agentsDir, id) }
func agentData(id string) string { return path.Join(agentsDir, id, dataFile) }
func hostFile(id string) string  { return path.Join(hostsDir, id+".json") }

// ListAgents returns every well-formed agent record. Directories whose
// data.json is missing, malformed, or inconsistent with the directory name
// are skipped with one warning each.
func (s *Store) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	entries, err := s.vol.ListDir(ctx, agentsDir)
	if err != nil {
		// An absent agents/ directory means no agents yet.
		return nil, nil
	}

	var records []AgentRecord
	for _, e := range entries {
		if e.Kind != volume.KindDirectory {
			continue
		}
		id := path.Base(e.Path)
		rec, err := s.ReadAgent(ctx, id)
		if err != nil {
			s.warn(fmt.Sprintf("skipping agent directory %s", id), err)
			continue
		}
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

// ReadAgent reads one agent record and verifies its id matches the
// directory name.
func (s *Store) ReadAgent(ctx context.Context, id string) (*AgentRecord, error) {
	raw, err := s.vol.ReadFile(ctx, agentData(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var rec AgentRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("malformed record %s: %w", id, err)
	}
	if rec.ID != id {
		return nil, fmt.Errorf("record id %q does not match directory %q", rec.ID, id)
	}
	return &rec, nil
}

// WriteAgent persists the record with an atomic whole-file replacement.
func (s *Store) WriteAgent(ctx context.Context, rec *AgentRecord) error {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return s.vol.WriteFiles(ctx, map[string][]byte{agentData(rec.ID): raw})
}

// DeleteAgent removes the whole agent directory.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	return s.vol.RemoveDir(ctx, agentDir(id))
}

// ResolveByNameOrID resolves a user-supplied reference to exactly one
// record. ID matches win; a name matching more than one record (possible
// only transiently, mid-rename) is ErrAmbiguous.
func (s *Store) ResolveByNameOrID(ctx context.Context, ref string) (*AgentRecord, error) {
	if strings.HasPrefix(ref, "agent-") {
		return s.ReadAgent(ctx, ref)
	}
	records, err := s.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	var matches []AgentRecord
	for _, rec := range records {
		if rec.Name == ref {
			matches = append(matches, rec)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %q matches %d agents", ErrAmbiguous, ref, len(matches))
	}
}

// AgentVolume returns the per-agent scope of the host directory.
func (s *Store) AgentVolume(id string) volume.Volume {
	return s.vol.Scoped(agentDir(id))
}

// ListHosts returns all well-formed host records.
func (s *Store) ListHosts(ctx context.Context) ([]HostRecord, error) {
	entries, err := s.vol.ListDir(ctx, hostsDir)
	if err != nil {
		return nil, nil
	}
	var records []HostRecord
	for _, e := range entries {
		if e.Kind != volume.KindFile || !strings.HasSuffix(e.Path, ".json") {
			continue
		}
		id := strings.TrimSuffix(path.Base(e.Path), ".json")
		rec, err := s.ReadHost(ctx, id)
		if err != nil {
			s.warn(fmt.Sprintf("skipping host record %s", id), err)
			continue
		}
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

// ReadHost reads one host record.
func (s *Store) ReadHost(ctx context.Context, id string) (*HostRecord, error) {
	raw, err := s.vol.ReadFile(ctx, hostFile(id))
	if err != nil {
		return nil, fmt.Errorf("host record %s: %w", id, err)
	}
	var rec HostRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("malformed host record %s: %w", id, err)
	}
	return &rec, nil
}

// WriteHost persists a host record atomically.
func (s *Store) WriteHost(ctx context.Context, rec *HostRecord) error {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return s.vol.WriteFiles(ctx, map[string][]byte{hostFile(rec.ID): raw})
}

// DeleteHost removes a host record.
func (s *Store) DeleteHost(ctx context.Context, id string) error {
	return s.vol.RemoveFile(ctx, hostFile(id))
}

// WriteSignal writes a one-line action ("stop" or "destroy") for a session.
func (s *Store) WriteSignal(ctx context.Context, session, action string) error {
	return s.vol.WriteFiles(ctx, map[string][]byte{
		path.Join(signalsDir, session): []byte(action + "\n"),
	})
}

// TakeSignal reads and removes the pending signal for a session. The attach
// wrapper on the host consumes signals with an atomic mv; this engine-side
// reader exists for recovery and tests and is the only other consumer.
func (s *Store) TakeSignal(ctx context.Context, session string) (string, error) {
	p := path.Join(signalsDir, session)
	raw, err := s.vol.ReadFile(ctx, p)
	if err != nil {
		return "", err
	}
	if err := s.vol.RemoveFile(ctx, p); err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// TouchActivity rewrites the activity file so its mtime records "now".
func (s *Store) TouchActivity(ctx context.Context, id string, payload []byte) error {
	if payload == nil {
		payload = []byte("{}\n")
	}
	return s.vol.WriteFiles(ctx, map[string][]byte{
		path.Join(agentDir(id), activityFile): payload,
	})
}

// LastActivity returns the mtime of the agent's activity file, or zero time
// when no attach has ever happened.
func (s *Store) LastActivity(ctx context.Context, id string) (time.Time, error) {
	entries, err := s.vol.ListDir(ctx, path.Join(agentDir(id), "activity"))
	if err != nil {
		return time.Time{}, nil
	}
	for _, e := range entries {
		if path.Base(e.Path) == "ssh" {
			return e.ModTime, nil
		}
	}
	return time.Time{}, nil
}
