package core

import (
	"errors"
	"sort"
	"time"

	"github.com/faunasignal/wildmesh/internal/logging"
)

// ErrRouteNotFound indicates no path to the destination is known. Callers
// fall back to a TTL-bounded flood for coordinator-discovery traffic only;
// telemetry packets are dropped as best-effort.
var ErrRouteNotFound = errors.New("route not found")

// initialReliability is the optimistic starting score for a freshly learned
// route, matching the EMA's steady state after a couple of successes.
const initialReliability = 0.8

// referenceBandwidthKbps normalizes bandwidth estimates for scoring. LoRa
// class radios top out well under this, so the normalized term stays in [0,1].
const referenceBandwidthKbps = 250.0

// maxAlternates bounds how many routes are kept per destination. The best is
// served by BestRoute; the rest back up failover.
const maxAlternates = 3

// RouteEntry describes one known path to a destination. Owned exclusively by
// the RoutingTable; callers receive copies.
type RouteEntry struct {
	Destination   string
	NextHop       string
	HopCount      int
	Reliability   float64 // always in [0,1]
	SignalDBm     float64
	BandwidthKbps float64
	Priority      int
	LastUsed      time.Time
	LastUpdated   time.Time
}

// RoutingTable maintains reliability-weighted multi-hop routes keyed by
// destination. Not safe for concurrent use: it is owned by a single MeshNode
// and accessed only from its tick loop.
type RoutingTable struct {
	cfg    Config
	log    logging.Logger
	routes map[string][]*RouteEntry // sorted best-first per destination
}

// NewRoutingTable constructs an empty table.
func NewRoutingTable(cfg Config, log logging.Logger) *RoutingTable {
	if log == nil {
		log = logging.Noop()
	}
	return &RoutingTable{
		cfg:    cfg,
		log:    log,
		routes: make(map[string][]*RouteEntry),
	}
}

// score implements the weighted route metric. Higher is better.
func (rt *RoutingTable) score(r *RouteEntry) float64 {
	hop := r.HopCount
	if hop < 1 {
		hop = 1
	}
	bw := r.BandwidthKbps / referenceBandwidthKbps
	if bw > 1 {
		bw = 1
	}
	return r.Reliability*rt.cfg.WeightReliability +
		(1/float64(hop))*rt.cfg.WeightHopCount +
		bw*rt.cfg.WeightBandwidth
}

// less orders routes best-first: score descending, then hop count ascending,
// then lexicographically smaller next hop. The tie-break chain makes route
// selection deterministic under equal inputs.
func (rt *RoutingTable) less(a, b *RouteEntry) bool {
	sa, sb := rt.score(a), rt.score(b)
	if sa != sb {
		return sa > sb
	}
	if a.HopCount != b.HopCount {
		return a.HopCount < b.HopCount
	}
	return a.NextHop < b.NextHop
}

func clampReliability(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// Add inserts or refreshes a route. Entries beyond MaxHops are rejected;
// entries for a destination already routed via the same next hop replace the
// old entry. Per destination only the best few routes are retained.
func (rt *RoutingTable) Add(entry RouteEntry) bool {
	if entry.Destination == "" || entry.NextHop == "" {
		return false
	}
	if entry.HopCount < 1 || entry.HopCount > rt.cfg.MaxHops {
		return false
	}
	entry.Reliability = clampReliability(entry.Reliability)
	if entry.LastUpdated.IsZero() {
		entry.LastUpdated = time.Now()
	}

	list := rt.routes[entry.Destination]
	replaced := false
	for i, existing := range list {
		if existing.NextHop == entry.NextHop {
			cp := entry
			list[i] = &cp
			replaced = true
			break
		}
	}
	if !replaced {
		cp := entry
		list = append(list, &cp)
	}
	sort.SliceStable(list, func(i, j int) bool { return rt.less(list[i], list[j]) })
	if len(list) > maxAlternates {
		list = list[:maxAlternates]
	}
	rt.routes[entry.Destination] = list
	return true
}

// BestRoute returns a copy of the best-scoring route to the destination, or
// ErrRouteNotFound.
func (rt *RoutingTable) BestRoute(destination string) (RouteEntry, error) {
	list := rt.routes[destination]
	if len(list) == 0 {
		return RouteEntry{}, ErrRouteNotFound
	}
	return *list[0], nil
}

// NextBest returns the best route whose next hop differs from exclude, for
// failover after repeated transmission failures.
func (rt *RoutingTable) NextBest(destination, exclude string) (RouteEntry, error) {
	for _, r := range rt.routes[destination] {
		if r.NextHop != exclude {
			return *r, nil
		}
	}
	return RouteEntry{}, ErrRouteNotFound
}

// Remove discards all routes to the destination.
func (rt *RoutingTable) Remove(destination string) {
	delete(rt.routes, destination)
}

// RemoveByNextHop discards every route relayed through the given neighbor,
// returning the affected destinations. Invoked when discovery demotes a
// neighbor.
func (rt *RoutingTable) RemoveByNextHop(nextHop string) []string {
	var affected []string
	for dest, list := range rt.routes {
		kept := list[:0]
		for _, r := range list {
			if r.NextHop == nextHop {
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) != len(list) {
			affected = append(affected, dest)
		}
		if len(kept) == 0 {
			delete(rt.routes, dest)
		} else {
			rt.routes[dest] = kept
		}
	}
	sort.Strings(affected)
	return affected
}

// RecordOutcome folds one transmission result into the reliability EMA of the
// route to destination via nextHop:
//
//	reliability' = reliability*decay + (1-decay)  on success
//	reliability' = reliability*decay              on failure
//
// The update is idempotent-safe under duplication in the sense that repeated
// identical outcomes converge rather than diverge.
func (rt *RoutingTable) RecordOutcome(destination, nextHop string, success bool, now time.Time) {
	for _, r := range rt.routes[destination] {
		if r.NextHop != nextHop {
			continue
		}
		decay := rt.cfg.ReliabilityDecay
		r.Reliability *= decay
		if success {
			r.Reliability += 1 - decay
		}
		r.Reliability = clampReliability(r.Reliability)
		r.LastUsed = now
		r.LastUpdated = now
	}
	if list := rt.routes[destination]; len(list) > 1 {
		sort.SliceStable(list, func(i, j int) bool { return rt.less(list[i], list[j]) })
	}
}

// UpdateFromAdvertisement folds a neighbor's advertised routes into the
// table. Each advertised route becomes a candidate via that neighbor with one
// extra hop; its reliability is damped by the reliability of our own link to
// the neighbor.
func (rt *RoutingTable) UpdateFromAdvertisement(neighbor, localID string, routes []RouteSummary, now time.Time) int {
	relay := initialReliability
	if direct, err := rt.BestRoute(neighbor); err == nil {
		relay = direct.Reliability
	}

	added := 0
	for _, adv := range routes {
		if adv.Destination == "" || adv.Destination == localID || adv.Destination == neighbor {
			continue
		}
		// Routes the neighbor reaches through us would loop.
		if adv.NextHop == localID {
			continue
		}
		entry := RouteEntry{
			Destination:   adv.Destination,
			NextHop:       neighbor,
			HopCount:      adv.HopCount + 1,
			Reliability:   clampReliability(adv.Reliability * relay),
			BandwidthKbps: adv.BandwidthKbps,
			LastUpdated:   now,
		}
		if rt.Add(entry) {
			added++
		}
	}
	return added
}

// AddNeighbor registers the one-hop route discovery establishes when a
// neighbor is confirmed.
func (rt *RoutingTable) AddNeighbor(id string, signalDBm, bandwidthKbps float64, now time.Time) {
	rt.Add(RouteEntry{
		Destination:   id,
		NextHop:       id,
		HopCount:      1,
		Reliability:   initialReliability,
		SignalDBm:     signalDBm,
		BandwidthKbps: bandwidthKbps,
		LastUpdated:   now,
	})
}

// Prune evicts routes that have not been refreshed within RouteTimeout,
// returning how many were dropped.
func (rt *RoutingTable) Prune(now time.Time) int {
	dropped := 0
	for dest, list := range rt.routes {
		kept := list[:0]
		for _, r := range list {
			if now.Sub(r.LastUpdated) > rt.cfg.RouteTimeout {
				dropped++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(rt.routes, dest)
		} else {
			rt.routes[dest] = kept
		}
	}
	return dropped
}

// Len reports the number of destinations with at least one route.
func (rt *RoutingTable) Len() int { return len(rt.routes) }

// Destinations returns the sorted set of reachable destinations.
func (rt *RoutingTable) Destinations() []string {
	dests := make([]string, 0, len(rt.routes))
	for d := range rt.routes {
		dests = append(dests, d)
	}
	sort.Strings(dests)
	return dests
}

// Summaries returns the best route per destination as advertisement fodder
// for topology digests, in deterministic destination order.
func (rt *RoutingTable) Summaries() []RouteSummary {
	dests := rt.Destinations()
	out := make([]RouteSummary, 0, len(dests))
	for _, d := range dests {
		best := rt.routes[d][0]
		out = append(out, RouteSummary{
			Destination:   best.Destination,
			NextHop:       best.NextHop,
			HopCount:      best.HopCount,
			Reliability:   best.Reliability,
			BandwidthKbps: best.BandwidthKbps,
		})
	}
	return out
}

// Snapshot returns a copy of every stored route, best-first per destination.
// Used to persist the table across sleep cycles.
func (rt *RoutingTable) Snapshot() []RouteEntry {
	dests := rt.Destinations()
	var out []RouteEntry
	for _, d := range dests {
		for _, r := range rt.routes[d] {
			out = append(out, *r)
		}
	}
	return out
}

// Restore repopulates the table from a snapshot taken before sleep. Entries
// that aged past RouteTimeout while asleep are dropped by the next Prune.
func (rt *RoutingTable) Restore(entries []RouteEntry) {
	for _, e := range entries {
		rt.Add(e)
	}
}
