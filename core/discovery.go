package core

import (
	"context"
	"sort"
	"time"

	"github.com/faunasignal/wildmesh/internal/logging"
	"github.com/faunasignal/wildmesh/model"
)

// confirmBeacons is how many consecutive beacons promote a candidate to a
// confirmed neighbor.
const confirmBeacons = 2

// Neighbor is a confirmed one-hop peer.
type Neighbor struct {
	Info        model.NodeInfo
	SignalDBm   float64
	ConfirmedAt time.Time
	LastBeacon  time.Time
}

type candidate struct {
	beacons    int
	lastBeacon time.Time
}

// NeighborDiscovery maintains the one-hop neighbor set from periodic beacons
// and passive listening. Absence of neighbors is a valid, if degraded, state;
// nothing here blocks or errors.
type NeighborDiscovery struct {
	cfg     Config
	log     logging.Logger
	localID string

	candidates map[string]*candidate
	neighbors  map[string]*Neighbor

	lastBeaconSent time.Time

	// onConfirmed and onLost notify routing of neighbor set changes.
	onConfirmed func(n Neighbor)
	onLost      func(id string)
}

// NewNeighborDiscovery constructs discovery state for the given local node.
func NewNeighborDiscovery(cfg Config, localID string, log logging.Logger) *NeighborDiscovery {
	if log == nil {
		log = logging.Noop()
	}
	return &NeighborDiscovery{
		cfg:        cfg,
		log:        log,
		localID:    localID,
		candidates: make(map[string]*candidate),
		neighbors:  make(map[string]*Neighbor),
	}
}

// OnConfirmed registers the callback invoked when a candidate becomes a
// confirmed neighbor.
func (d *NeighborDiscovery) OnConfirmed(fn func(n Neighbor)) { d.onConfirmed = fn }

// OnLost registers the callback invoked when a confirmed neighbor goes
// silent.
func (d *NeighborDiscovery) OnLost(fn func(id string)) { d.onLost = fn }

// BeaconDue reports whether it is time to emit the next discovery beacon.
func (d *NeighborDiscovery) BeaconDue(now time.Time) bool {
	return now.Sub(d.lastBeaconSent) >= d.cfg.BeaconInterval
}

// MarkBeaconSent records that a beacon was handed to the scheduler.
func (d *NeighborDiscovery) MarkBeaconSent(now time.Time) { d.lastBeaconSent = now }

// HandleBeacon records a beacon heard from a peer. Candidates are promoted
// after two consecutive beacons; a gap wider than the beacon interval resets
// the streak.
func (d *NeighborDiscovery) HandleBeacon(info model.NodeInfo, signalDBm float64, now time.Time) {
	if info.ID == "" || info.ID == d.localID {
		return
	}

	if n, ok := d.neighbors[info.ID]; ok {
		n.Info = info
		n.SignalDBm = signalDBm
		n.LastBeacon = now
		return
	}

	c, ok := d.candidates[info.ID]
	if !ok {
		d.candidates[info.ID] = &candidate{beacons: 1, lastBeacon: now}
		return
	}
	// Consecutive means within roughly one beacon interval of the last.
	if now.Sub(c.lastBeacon) > d.cfg.BeaconInterval+d.cfg.BeaconInterval/2 {
		c.beacons = 1
		c.lastBeacon = now
		return
	}
	c.beacons++
	c.lastBeacon = now
	if c.beacons < confirmBeacons {
		return
	}

	delete(d.candidates, info.ID)
	neighbor := &Neighbor{
		Info:        info,
		SignalDBm:   signalDBm,
		ConfirmedAt: now,
		LastBeacon:  now,
	}
	d.neighbors[info.ID] = neighbor
	d.log.Debug(context.Background(), "neighbor confirmed", logging.String("neighbor", info.ID))
	if d.onConfirmed != nil {
		d.onConfirmed(*neighbor)
	}
}

// Expire demotes neighbors that missed three consecutive beacons and drops
// stale candidates. Call once per tick.
func (d *NeighborDiscovery) Expire(now time.Time) {
	silence := d.cfg.NeighborSilence()
	for id, n := range d.neighbors {
		if now.Sub(n.LastBeacon) <= silence {
			continue
		}
		delete(d.neighbors, id)
		d.log.Debug(context.Background(), "neighbor lost", logging.String("neighbor", id))
		if d.onLost != nil {
			d.onLost(id)
		}
	}
	for id, c := range d.candidates {
		if now.Sub(c.lastBeacon) > silence {
			delete(d.candidates, id)
		}
	}
}

// IsNeighbor reports whether id is a confirmed one-hop neighbor.
func (d *NeighborDiscovery) IsNeighbor(id string) bool {
	_, ok := d.neighbors[id]
	return ok
}

// Count returns the confirmed neighbor count, which sizes the scheduler's
// contention window.
func (d *NeighborDiscovery) Count() int { return len(d.neighbors) }

// NeighborIDs returns the sorted IDs of confirmed neighbors.
func (d *NeighborDiscovery) NeighborIDs() []string {
	ids := make([]string, 0, len(d.neighbors))
	for id := range d.neighbors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Neighbors returns a snapshot of confirmed neighbors in ID order.
func (d *NeighborDiscovery) Neighbors() []Neighbor {
	out := make([]Neighbor, 0, len(d.neighbors))
	for _, id := range d.NeighborIDs() {
		out = append(out, *d.neighbors[id])
	}
	return out
}
