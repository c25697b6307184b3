package sprites

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/muxden/muxden/internal/ids"
	"github.com/muxden/muxden/pkg/agentstore"
)

// Snapshots archive the sprite's host directory into the provider directory
// on the operator machine. The snapshot identifier is recorded in the host
// record; the archive lives at snapshots/<id>.tar.gz.

const snapshotIDPrefix = "snap-"

func (i *Instance) snapshotPath(id string) string {
	return filepath.Join(i.ProviderDir(), "snapshots", id+".tar.gz")
}

// CreateSnapshot captures the host's filesystem state.
func (i *Instance) CreateSnapshot(ctx context.Context, hostRef, name string) (*agentstore.Snapshot, error) {
	h, err := i.GetHost(ctx, hostRef)
	if err != nil {
		return nil, err
	}
	rec := h.Record()
	runner, err := i.d.runnerFor(rec)
	if err != nil {
		return nil, err
	}

	stdout, stderr, code, err := runner.RunCommand(ctx,
		[]string{"tar", "-czf", "-", "-C", HostDir, "."}, nil)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("snapshot tar failed: %s", strings.TrimSpace(string(stderr)))
	}

	snap := agentstore.Snapshot{
		ID:        snapshotIDPrefix + string(ids.NewHostID())[len(ids.HostIDPrefix):],
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	path := i.snapshotPath(snap.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, stdout, 0o644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, err
	}

	rec.Snapshots = append(rec.Snapshots, snap)
	if err := i.Records().WriteHost(ctx, rec); err != nil {
		return nil, err
	}
	i.d.logger.Info("snapshot created",
		zap.String("host", rec.Name),
		zap.String("snapshot_id", snap.ID),
		zap.Int("size_bytes", len(stdout)))
	return &snap, nil
}

// ListSnapshots returns the snapshots recorded for a host.
func (i *Instance) ListSnapshots(ctx context.Context, hostRef string) ([]agentstore.Snapshot, error) {
	h, err := i.GetHost(ctx, hostRef)
	if err != nil {
		return nil, err
	}
	return h.Record().Snapshots, nil
}

// DeleteSnapshot removes the archive and the record entry.
func (i *Instance) DeleteSnapshot(ctx context.Context, hostRef, snapshotID string) error {
	h, err := i.GetHost(ctx, hostRef)
	if err != nil {
		return err
	}
	rec := h.Record()

	kept := rec.Snapshots[:0]
	found := false
	for _, s := range rec.Snapshots {
		if s.ID == snapshotID {
			found = true
			continue
		}
		kept = append(kept, s)
	}
	if !found {
		return fmt.Errorf("unknown snapshot %q on host %s", snapshotID, rec.Name)
	}
	if err := os.Remove(i.snapshotPath(snapshotID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	rec.Snapshots = kept
	return i.Records().WriteHost(ctx, rec)
}
