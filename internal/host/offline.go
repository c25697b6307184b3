package host

import "github.com/muxden/muxden/pkg/agentstore"

// Offline is a host that is not currently reachable. It exposes only data
// queries; mutating operations go through the owning provider instance.
type Offline struct {
	rec   *agentstore.HostRecord
	local bool
}

// NewOffline wraps a host record without a connection.
func NewOffline(rec *agentstore.HostRecord, local bool) *Offline {
	return &Offline{rec: rec, local: local}
}

func (h *Offline) ID() string                     { return h.rec.ID }
func (h *Offline) Name() string                   { return h.rec.Name }
func (h *Offline) Record() *agentstore.HostRecord { return h.rec }
func (h *Offline) IsLocal() bool                  { return h.local }
