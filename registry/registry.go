// Package registry holds a mesh node's own identity and resource state plus
// its table of known peers. It is the single writer for NodeInfo data; other
// components read through snapshot queries.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/faunasignal/wildmesh/model"
)

// EventType indicates what kind of change happened in the registry.
type EventType int

const (
	// EventSelfUpdated fires when the local node's resource state changes.
	EventSelfUpdated EventType = iota
	// EventPeerUpdated fires when a peer record is added or refreshed.
	EventPeerUpdated
	// EventPeerRemoved fires when a peer ages out.
	EventPeerRemoved
)

// Event is emitted to subscribers when registry state changes.
type Event struct {
	Type EventType
	Node model.NodeInfo
}

// subscriber pairs a callback with the token its unsubscribe closure removes
// it by, so unsubscribing one never disturbs the others.
type subscriber struct {
	id int
	fn func(Event)
}

// NodeRegistry is an in-memory, thread-safe store for the local NodeInfo and
// all peers this node has heard about.
type NodeRegistry struct {
	mu sync.RWMutex

	self  *model.NodeInfo
	peers map[string]*model.NodeInfo

	startedAt time.Time
	subs      []subscriber
	nextSubID int
}

// New constructs a registry around the given local node description. An empty
// node ID is replaced with a generated UUID so freshly flashed nodes can join
// before being named. The node must otherwise validate.
func New(self *model.NodeInfo) (*NodeRegistry, error) {
	if self == nil {
		return nil, fmt.Errorf("registry: %w", model.ErrInvalidNode)
	}
	node := self.Clone()
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	if err := node.Validate(); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	return &NodeRegistry{
		self:      node,
		peers:     make(map[string]*model.NodeInfo),
		startedAt: time.Now(),
	}, nil
}

// LocalID returns the stable identifier of the local node.
func (r *NodeRegistry) LocalID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.self.ID
}

// Self returns a copy of the local NodeInfo with uptime refreshed.
func (r *NodeRegistry) Self() model.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := *r.self
	cp.Uptime = time.Since(r.startedAt)
	return cp
}

// SetBatteryLevel records the power manager's battery reading, clamped to
// [0,100].
func (r *NodeRegistry) SetBatteryLevel(level float64) {
	if level < 0 {
		level = 0
	} else if level > 100 {
		level = 100
	}
	r.updateSelf(func(n *model.NodeInfo) { n.BatteryLevel = level })
}

// SetStablePower records whether the node currently runs on stable external
// power. Consumed by coordinator election scoring.
func (r *NodeRegistry) SetStablePower(stable bool) {
	r.updateSelf(func(n *model.NodeInfo) { n.StablePower = stable })
}

// SetSignalQuality records the radio's normalized link quality estimate.
func (r *NodeRegistry) SetSignalQuality(quality float64) {
	if quality < 0 {
		quality = 0
	} else if quality > 100 {
		quality = 100
	}
	r.updateSelf(func(n *model.NodeInfo) { n.SignalQuality = quality })
}

// SetCoordinator flips the local coordinator flag. Owned by the election
// component.
func (r *NodeRegistry) SetCoordinator(coordinator bool) {
	r.updateSelf(func(n *model.NodeInfo) { n.Coordinator = coordinator })
}

// SampleFreeMemory refreshes the free-memory estimate from the host. On
// sampling failure the last known value is kept; memory pressure readings are
// advisory and must never fail a node.
func (r *NodeRegistry) SampleFreeMemory() uint64 {
	if vm, err := mem.VirtualMemory(); err == nil {
		r.updateSelf(func(n *model.NodeInfo) { n.FreeMemory = vm.Available })
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.self.FreeMemory
}

// UpsertPeer adds or refreshes a peer record, stamping LastSeen with the
// provided observation time. The local node is never stored as a peer.
func (r *NodeRegistry) UpsertPeer(info model.NodeInfo, seen time.Time) {
	r.mu.Lock()
	if info.ID == "" || info.ID == r.self.ID {
		r.mu.Unlock()
		return
	}
	cp := info
	cp.LastSeen = seen
	r.peers[cp.ID] = &cp
	event := Event{Type: EventPeerUpdated, Node: cp}
	subs := append([]subscriber{}, r.subs...)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.fn(event)
	}
}

// Peer returns a copy of the peer record, or false when unknown.
func (r *NodeRegistry) Peer(id string) (model.NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return model.NodeInfo{}, false
	}
	return *p, true
}

// Peers returns a snapshot slice of all known peers.
func (r *NodeRegistry) Peers() []model.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]model.NodeInfo, 0, len(r.peers))
	for _, p := range r.peers {
		res = append(res, *p)
	}
	return res
}

// PruneSilent drops peers not seen within the timeout, returning the removed
// IDs so routing can discard routes through them.
func (r *NodeRegistry) PruneSilent(now time.Time, timeout time.Duration) []string {
	r.mu.Lock()
	var removed []string
	var events []Event
	for id, p := range r.peers {
		if now.Sub(p.LastSeen) > timeout {
			removed = append(removed, id)
			events = append(events, Event{Type: EventPeerRemoved, Node: *p})
			delete(r.peers, id)
		}
	}
	subs := append([]subscriber{}, r.subs...)
	r.mu.Unlock()

	for _, event := range events {
		for _, sub := range subs {
			sub.fn(event)
		}
	}
	return removed
}

// Subscribe registers a callback for registry events. It returns an
// unsubscribe function; calling it more than once is harmless.
func (r *NodeRegistry) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSubID
	r.nextSubID++
	r.subs = append(r.subs, subscriber{id: id, fn: fn})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subs {
			if s.id == id {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

func (r *NodeRegistry) updateSelf(mutate func(*model.NodeInfo)) {
	r.mu.Lock()
	mutate(r.self)
	event := Event{Type: EventSelfUpdated, Node: *r.self}
	subs := append([]subscriber{}, r.subs...)
	r.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, sub := range subs {
		sub.fn(event)
	}
}
