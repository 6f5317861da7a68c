package core

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/faunasignal/wildmesh/internal/logging"
)

// RadioLink describes one direction of a simulated RF link between two
// deployed cameras.
type RadioLink struct {
	// LossRate is the per-frame drop probability in [0,1].
	LossRate float64
	// SignalDBm is the nominal received signal strength.
	SignalDBm float64
}

// SimNetwork is the in-process radio medium for simulation and tests. It
// maintains a symmetric adjacency of lossy links and delivers frames into
// each node's inbound queue. Loss rolls use a caller-provided source so runs
// are reproducible from a seed.
type SimNetwork struct {
	rng   *rand.Rand
	log   logging.Logger
	nodes map[string]*MeshNode
	links map[string]map[string]RadioLink

	// frames counts every delivery attempt, dropped or not.
	frames int

	// onDeliver, when set, observes every frame that survives the loss roll.
	onDeliver func(from, to string, pkt Packet)
}

// NewSimNetwork builds an empty medium.
func NewSimNetwork(rng *rand.Rand, log logging.Logger) *SimNetwork {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	if log == nil {
		log = logging.Noop()
	}
	return &SimNetwork{
		rng:   rng,
		log:   log,
		nodes: make(map[string]*MeshNode),
		links: make(map[string]map[string]RadioLink),
	}
}

// Attach registers a node with the medium. Links are added separately.
func (sn *SimNetwork) Attach(n *MeshNode) error {
	id := n.ID()
	if _, exists := sn.nodes[id]; exists {
		return fmt.Errorf("node %q already attached", id)
	}
	sn.nodes[id] = n
	return nil
}

// RadioFor returns the transmit handle a node constructor needs. It is valid
// before the node is attached, so construction can wire the radio first.
func (sn *SimNetwork) RadioFor(nodeID string) Radio {
	return &simRadio{net: sn, nodeID: nodeID}
}

// Link creates or updates the symmetric link between two nodes. lossRate is
// clamped to [0,1); signal strength is derived from it so lossier links also
// look weaker to discovery.
func (sn *SimNetwork) Link(a, b string, lossRate float64) {
	lossRate = math.Max(0, math.Min(lossRate, 0.99))
	link := RadioLink{
		LossRate:  lossRate,
		SignalDBm: -50 - 50*lossRate,
	}
	sn.setLink(a, b, link)
	sn.setLink(b, a, link)
}

func (sn *SimNetwork) setLink(from, to string, link RadioLink) {
	m := sn.links[from]
	if m == nil {
		m = make(map[string]RadioLink)
		sn.links[from] = m
	}
	m[to] = link
}

// Unlink severs the link in both directions. Unlinking is how tests model
// node failure and network partitions.
func (sn *SimNetwork) Unlink(a, b string) {
	delete(sn.links[a], b)
	delete(sn.links[b], a)
}

// Isolate removes every link touching the node, modelling a dead camera.
func (sn *SimNetwork) Isolate(id string) {
	for peer := range sn.links[id] {
		delete(sn.links[peer], id)
	}
	delete(sn.links, id)
}

// Frames reports the total delivery attempts so far.
func (sn *SimNetwork) Frames() int { return sn.frames }

// OnDeliver registers an observer for frames that survive the loss roll,
// invoked before the receiving node sees them. Tests use it to inspect
// envelopes in flight.
func (sn *SimNetwork) OnDeliver(fn func(from, to string, pkt Packet)) {
	sn.onDeliver = fn
}

// transmit fans a frame out from the sender: to one peer for unicast, to
// every linked peer for broadcast. Each delivery rolls the link's loss
// independently. Losing a frame is not an error; the sender finds out
// through ack timeouts like a real radio.
func (sn *SimNetwork) transmit(from string, pkt Packet, nextHop string) error {
	peers := sn.links[from]
	if nextHop != "" {
		if link, ok := peers[nextHop]; ok {
			sn.deliver(from, nextHop, link, pkt)
		}
		return nil
	}
	for peer, link := range peers {
		sn.deliver(from, peer, link, pkt)
	}
	return nil
}

func (sn *SimNetwork) deliver(from, to string, link RadioLink, pkt Packet) {
	sn.frames++
	if sn.rng.Float64() < link.LossRate {
		sn.log.Debug(context.Background(), "frame lost",
			logging.String("from", from),
			logging.String("to", to),
			logging.String("type", pkt.Type.String()))
		return
	}
	if sn.onDeliver != nil {
		sn.onDeliver(from, to, pkt)
	}
	node, ok := sn.nodes[to]
	if !ok {
		return
	}
	node.Deliver(pkt)
}

// simRadio is the per-node Radio handle onto a SimNetwork.
type simRadio struct {
	net    *SimNetwork
	nodeID string
}

func (r *simRadio) Transmit(pkt Packet, nextHop string) error {
	return r.net.transmit(r.nodeID, pkt, nextHop)
}
