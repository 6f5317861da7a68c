package core

import (
	"sort"
	"time"

	"github.com/faunasignal/wildmesh/internal/logging"
)

// loadBudgetBytes is the advertisement volume per sync interval that maps to
// 100% network load. Sized for LoRa-class airtime budgets.
const loadBudgetBytes = 4096

// TopologyEntry caches one node's advertised neighborhood. The local node's
// view is authoritative; remote entries are caches subject to the freshness
// invariant (discarded beyond three sync intervals).
type TopologyEntry struct {
	Origin    string
	Neighbors []string
	Routes    map[string]RouteSummary // keyed by destination
	// UpdatedAt is the advertisement's own timestamp: the last-write-wins
	// merge key.
	UpdatedAt time.Time
	// ReceivedAt is when this node heard the advertisement.
	ReceivedAt time.Time
	NodeCount  int
	Health     float64
	// Coordinator belief carried by the advertisement.
	Coordinator      string
	CoordinatorScore float64
}

// TopologySynchronizer exchanges and merges neighbor/route digests into a
// network-wide topology view. Owned by one MeshNode; merges are applied in
// receipt order and are commutative and idempotent across nodes.
type TopologySynchronizer struct {
	cfg     Config
	log     logging.Logger
	localID string

	remote map[string]*TopologyEntry

	lastSyncSent time.Time

	// Advertisement byte accounting for the health monitor's network load.
	windowStart time.Time
	windowBytes int
	loadPct     float64
}

// NewTopologySynchronizer constructs an empty topology view.
func NewTopologySynchronizer(cfg Config, localID string, log logging.Logger) *TopologySynchronizer {
	if log == nil {
		log = logging.Noop()
	}
	return &TopologySynchronizer{
		cfg:     cfg,
		log:     log,
		localID: localID,
		remote:  make(map[string]*TopologyEntry),
	}
}

// SyncDue reports whether a topology digest should be broadcast.
func (ts *TopologySynchronizer) SyncDue(now time.Time) bool {
	return now.Sub(ts.lastSyncSent) >= ts.cfg.SyncInterval
}

// MarkSyncSent records that a digest was handed to the scheduler.
func (ts *TopologySynchronizer) MarkSyncSent(now time.Time) { ts.lastSyncSent = now }

// maxGossipEntries bounds how many cached remote entries are re-broadcast
// per sync round, keeping the airtime cost of gossip flat as the mesh grows.
const maxGossipEntries = 8

// BuildDigest assembles this node's own advertisement from its confirmed
// neighbors and best routes. coordinator and coordinatorScore are the node's
// current election belief.
func (ts *TopologySynchronizer) BuildDigest(neighbors []string, routes []RouteSummary, health float64, coordinator string, coordinatorScore float64, now time.Time) TopologyPayload {
	return TopologyPayload{
		Origin:           ts.localID,
		Timestamp:        now,
		Neighbors:        append([]string(nil), neighbors...),
		Routes:           append([]RouteSummary(nil), routes...),
		Health:           health,
		NodeCount:        len(ts.remote) + 1,
		Coordinator:      coordinator,
		CoordinatorScore: coordinatorScore,
	}
}

// GossipDigests re-packages cached remote entries for re-broadcast, freshest
// first, preserving each entry's origin and timestamp so the last-write-wins
// merge stays convergent as entries spread hop by hop. This is what carries
// topology knowledge past one hop.
func (ts *TopologySynchronizer) GossipDigests() []TopologyPayload {
	entries := make([]*TopologyEntry, 0, len(ts.remote))
	for _, e := range ts.remote {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
			return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
		}
		return entries[i].Origin < entries[j].Origin
	})
	if len(entries) > maxGossipEntries {
		entries = entries[:maxGossipEntries]
	}

	out := make([]TopologyPayload, 0, len(entries))
	for _, e := range entries {
		routes := make([]RouteSummary, 0, len(e.Routes))
		for _, r := range e.Routes {
			routes = append(routes, r)
		}
		out = append(out, TopologyPayload{
			Origin:           e.Origin,
			Timestamp:        e.UpdatedAt,
			Neighbors:        append([]string(nil), e.Neighbors...),
			Routes:           routes,
			Health:           e.Health,
			NodeCount:        e.NodeCount,
			Coordinator:      e.Coordinator,
			CoordinatorScore: e.CoordinatorScore,
		})
	}
	return out
}

// Merge folds a received advertisement into the remote cache using
// last-write-wins keyed by the advertisement's own timestamp. Returns true
// when the cache changed. Duplicate or stale advertisements are no-ops,
// which makes the merge idempotent and order-insensitive.
func (ts *TopologySynchronizer) Merge(p TopologyPayload, now time.Time) bool {
	if p.Origin == "" || p.Origin == ts.localID {
		return false
	}
	ts.accountAdvertisement(p, now)

	existing, ok := ts.remote[p.Origin]
	if ok && !p.Timestamp.After(existing.UpdatedAt) {
		return false
	}

	routes := make(map[string]RouteSummary, len(p.Routes))
	for _, r := range p.Routes {
		routes[r.Destination] = r
	}
	ts.remote[p.Origin] = &TopologyEntry{
		Origin:           p.Origin,
		Neighbors:        append([]string(nil), p.Neighbors...),
		Routes:           routes,
		UpdatedAt:        p.Timestamp,
		ReceivedAt:       now,
		NodeCount:        p.NodeCount,
		Health:           p.Health,
		Coordinator:      p.Coordinator,
		CoordinatorScore: p.CoordinatorScore,
	}
	return true
}

// PruneStale enforces the freshness invariant: remote entries whose
// advertisement timestamp has aged beyond three sync intervals are discarded.
func (ts *TopologySynchronizer) PruneStale(now time.Time) int {
	stale := ts.cfg.TopologyStale()
	dropped := 0
	for origin, entry := range ts.remote {
		if now.Sub(entry.UpdatedAt) > stale {
			delete(ts.remote, origin)
			dropped++
		}
	}
	return dropped
}

// CoordinatorSilent reports whether no valid advertisement has been heard
// from the coordinator within the partition-detection bound. A silent
// coordinator triggers re-election.
func (ts *TopologySynchronizer) CoordinatorSilent(coordinatorID string, now time.Time) bool {
	if coordinatorID == "" || coordinatorID == ts.localID {
		return false
	}
	entry, ok := ts.remote[coordinatorID]
	if !ok {
		return true
	}
	return now.Sub(entry.ReceivedAt) > ts.cfg.TopologyStale()
}

// Entry returns the cached advertisement for origin, if fresh enough to be
// held at all.
func (ts *TopologySynchronizer) Entry(origin string) (TopologyEntry, bool) {
	e, ok := ts.remote[origin]
	if !ok {
		return TopologyEntry{}, false
	}
	return *e, true
}

// KnownNodes returns the sorted IDs of every node in the topology view,
// local node included.
func (ts *TopologySynchronizer) KnownNodes() []string {
	ids := make([]string, 0, len(ts.remote)+1)
	ids = append(ids, ts.localID)
	for origin := range ts.remote {
		ids = append(ids, origin)
	}
	sort.Strings(ids)
	return ids
}

// RouteSet flattens the merged view into (origin, destination) -> summary,
// used by tests to check merge convergence and by the coordinator's
// aggregated snapshot.
func (ts *TopologySynchronizer) RouteSet() map[string]map[string]RouteSummary {
	out := make(map[string]map[string]RouteSummary, len(ts.remote))
	for origin, entry := range ts.remote {
		routes := make(map[string]RouteSummary, len(entry.Routes))
		for dest, r := range entry.Routes {
			routes[dest] = r
		}
		out[origin] = routes
	}
	return out
}

// NetworkLoad returns the advertisement load over the last sync interval as
// a percentage in [0,100]. Fed into NetworkHealthMetrics.
func (ts *TopologySynchronizer) NetworkLoad(now time.Time) float64 {
	if now.Sub(ts.windowStart) >= ts.cfg.SyncInterval {
		ts.loadPct = float64(ts.windowBytes) / loadBudgetBytes * 100
		if ts.loadPct > 100 {
			ts.loadPct = 100
		}
		ts.windowStart = now
		ts.windowBytes = 0
	}
	return ts.loadPct
}

func (ts *TopologySynchronizer) accountAdvertisement(p TopologyPayload, now time.Time) {
	if ts.windowStart.IsZero() {
		ts.windowStart = now
	}
	// Rough on-air size: envelope plus per-neighbor and per-route cost.
	ts.windowBytes += 32 + 8*len(p.Neighbors) + 24*len(p.Routes)
}
