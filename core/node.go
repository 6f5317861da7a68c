package core

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/faunasignal/wildmesh/codec"
	"github.com/faunasignal/wildmesh/internal/logging"
	"github.com/faunasignal/wildmesh/model"
	"github.com/faunasignal/wildmesh/registry"
)

// inboundCapacity bounds the per-node receive queue. A full queue sheds the
// newest packets; a slow node must never block the medium.
const inboundCapacity = 256

// Radio is the node's transmit boundary. Inbound packets arrive through
// Deliver; the simulated medium and a hardware driver both satisfy this.
type Radio interface {
	// Transmit hands a packet to the radio. nextHop is empty for
	// broadcasts. A nil error means the frame left the antenna, not that
	// anyone received it.
	Transmit(pkt Packet, nextHop string) error
}

// TelemetrySink receives decoded observation records that reached this node
// as their destination. The dashboard/uplink collaborators implement it.
type TelemetrySink interface {
	HandleDetection(d model.WildlifeDetection)
	HandleEnvironmental(e model.EnvironmentalData)
}

// MeshNode is the per-node context object owning every component of the
// coordination layer. All cross-component state lives behind exactly one
// owner and is touched only from the tick loop, so many nodes can run in a
// single test process without shared-mutable state.
type MeshNode struct {
	cfg Config
	log logging.Logger
	ctx context.Context

	Registry  *registry.NodeRegistry
	Discovery *NeighborDiscovery
	Routes    *RoutingTable
	Topology  *TopologySynchronizer
	Election  *CoordinatorElection
	TimeSync  *TimeSynchronizer
	Scheduler *Scheduler
	Health    *HealthMonitor

	radio  Radio
	dedupe *DedupeCache
	tracer trace.Tracer

	inbound chan Packet
	seq     uint32

	asleep        bool
	routeSnapshot []RouteEntry
	sleptAsCoord  bool

	sink TelemetrySink

	// remoteHealth caches health snapshots other nodes publish, served by
	// the coordinator's aggregated status query.
	remoteHealth map[string]NetworkHealthMetrics
	// neighborLoad caches load-balance advertisements.
	neighborLoad map[string]float64
}

// NewMeshNode assembles a node around its registry and radio. rng seeds the
// scheduler's randomized backoff; pass a fixed-seed source in tests.
func NewMeshNode(cfg Config, reg *registry.NodeRegistry, radio Radio, recorder HealthRecorder, rng *rand.Rand, log logging.Logger) (*MeshNode, error) {
	cfg = cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Noop()
	}
	localID := reg.LocalID()
	ctx, log := logging.WithNodeLogger(context.Background(), log, localID)

	n := &MeshNode{
		cfg:          cfg,
		log:          log,
		ctx:          ctx,
		Registry:     reg,
		radio:        radio,
		dedupe:       NewDedupeCache(),
		tracer:       otel.Tracer("wildmesh/core"),
		inbound:      make(chan Packet, inboundCapacity),
		remoteHealth: make(map[string]NetworkHealthMetrics),
		neighborLoad: make(map[string]float64),
	}

	n.Discovery = NewNeighborDiscovery(cfg, localID, log)
	n.Routes = NewRoutingTable(cfg, log)
	n.Topology = NewTopologySynchronizer(cfg, localID, log)
	n.Election = NewCoordinatorElection(cfg, localID, log)
	n.TimeSync = NewTimeSynchronizer(cfg, log)
	n.Health = NewHealthMonitor(cfg, log, recorder)
	n.Scheduler = NewScheduler(cfg, localID, n.Routes, n.Health, n.Discovery.Count, radio.Transmit, rng, log)

	n.Discovery.OnConfirmed(func(nb Neighbor) {
		n.Routes.AddNeighbor(nb.Info.ID, nb.SignalDBm, neighborBandwidthKbps, nb.LastBeacon)
	})
	n.Discovery.OnLost(func(id string) {
		n.Routes.RemoveByNextHop(id)
		n.Routes.Remove(id)
		n.dedupe.Forget(id)
		delete(n.neighborLoad, id)
	})
	n.Scheduler.OnRouteNeeded(func(destination string, now time.Time) {
		n.enqueue(PacketRouteRequest, destination, RouteRequestPayload{Target: destination}, now)
	})
	n.Scheduler.OnNeighborLoad(func(id string) float64 { return n.neighborLoad[id] })
	n.Election.OnRoleChange(func(state ElectionState, coordinatorID string) {
		reg.SetCoordinator(state == StateCoordinator)
		if state == StateMember {
			n.TimeSync.OnCoordinatorChange()
		}
	})

	return n, nil
}

// neighborBandwidthKbps is the default bandwidth estimate for a fresh
// one-hop link until measurements refine it.
const neighborBandwidthKbps = 50.0

// ID returns the node's stable identifier.
func (n *MeshNode) ID() string { return n.Registry.LocalID() }

// SetTelemetrySink attaches the collaborator receiving decoded records.
func (n *MeshNode) SetTelemetrySink(sink TelemetrySink) { n.sink = sink }

// Asleep reports whether the node is in a low-power sleep cycle.
func (n *MeshNode) Asleep() bool { return n.asleep }

// Deliver pushes a received packet onto the inbound queue. Non-blocking: a
// full queue or a sleeping node sheds the packet rather than stalling the
// medium. Safe to call from outside the tick loop.
func (n *MeshNode) Deliver(pkt Packet) bool {
	if n.asleep {
		return false
	}
	select {
	case n.inbound <- pkt:
		return true
	default:
		return false
	}
}

// nextSeq issues the node's per-epoch sequence numbers.
func (n *MeshNode) nextSeq() uint32 {
	n.seq++
	return n.seq
}

// Tick runs one scheduling round: drain inbound packets in receipt order,
// advance every periodic component, then let the scheduler send. The caller
// owns time; nothing here sleeps or blocks.
func (n *MeshNode) Tick(now time.Time) {
	if n.asleep {
		return
	}

drain:
	for {
		select {
		case pkt := <-n.inbound:
			n.handlePacket(pkt, now)
		default:
			break drain
		}
	}

	n.Discovery.Expire(now)
	for _, id := range n.Registry.PruneSilent(now, n.cfg.NeighborSilence()) {
		n.dedupe.Forget(id)
		delete(n.remoteHealth, id)
		delete(n.neighborLoad, id)
	}

	if n.Discovery.BeaconDue(now) {
		n.sendBeacon(now)
		n.Discovery.MarkBeaconSent(now)
	}

	if n.Topology.SyncDue(now) {
		n.sendTopologyDigest(now)
		n.Topology.MarkSyncSent(now)
	}
	n.Topology.PruneStale(now)

	n.runElection(now)

	n.TimeSync.Decay(now)
	if n.TimeSync.RequestDue(now, n.coordinatorReachable()) {
		req := n.TimeSync.BuildRequest(now)
		n.enqueue(PacketTimeSyncRequest, n.Election.CoordinatorID(), req, now)
	}

	n.Routes.Prune(now)
	if n.Health.Refresh(now, n.Topology.NetworkLoad(now)) {
		n.publishHealth(now)
	}
	n.Scheduler.Tick(now)
}

// collisionLossThreshold is the smoothed loss rate beyond which the node asks
// its neighborhood to widen contention windows.
const collisionLossThreshold = 0.5

// collisionExtraSlots is the widening each collision-avoidance request asks
// for.
const collisionExtraSlots = 2

// publishHealth runs after each health refresh: members report their snapshot
// to the coordinator for the aggregated status view, everyone advertises
// relative queue load to steer relay selection, and a loss rate that looks
// like collisions asks the neighborhood to back off.
func (n *MeshNode) publishHealth(now time.Time) {
	snapshot := n.Health.Snapshot()

	if !n.Election.IsCoordinator() && n.coordinatorReachable() {
		n.enqueue(PacketNetworkHealth, n.Election.CoordinatorID(), NetworkHealthPayload{Metrics: snapshot}, now)
	}

	load := float64(n.Scheduler.QueueDepth()) / float64(n.cfg.QueueCapacity)
	if load > 1 {
		load = 1
	}
	n.enqueue(PacketLoadBalance, "", LoadBalancePayload{Load: load}, now)

	if snapshot.LossRate > collisionLossThreshold {
		n.enqueue(PacketCollisionAvoidance, "", CollisionAvoidancePayload{ExtraSlots: collisionExtraSlots}, now)
	}
}

func (n *MeshNode) runElection(now time.Time) {
	n.Election.Start(now)

	self := n.Registry.Self()
	selfScored := ScoredNode{ID: self.ID, Score: self.ElectionScore()}
	peers := n.Registry.Peers()
	scored := make([]ScoredNode, 0, len(peers))
	for i := range peers {
		scored = append(scored, ScoredNode{ID: peers[i].ID, Score: peers[i].ElectionScore()})
	}

	// Partition detection: a member whose coordinator went silent in the
	// topology view reassesses even before the heartbeat counter trips.
	// The state-age guard gives a freshly accepted coordinator's digest
	// time to arrive over multiple hops.
	if n.Election.State() == StateMember &&
		n.Election.StateAge(now) > n.cfg.TopologyStale() &&
		n.Topology.CoordinatorSilent(n.Election.CoordinatorID(), now) {
		n.Election.SuspectPartition(now)
	}

	n.Election.Tick(now, selfScored, scored, n.Discovery.IsNeighbor(n.Election.CoordinatorID()))
}

// coordinatorReachable reports whether time-sync has someone to talk to.
func (n *MeshNode) coordinatorReachable() bool {
	id := n.Election.CoordinatorID()
	return id != "" && id != n.ID()
}

func (n *MeshNode) sendBeacon(now time.Time) {
	self := n.Registry.Self()
	payload := BeaconPayload{
		Node:  self,
		Claim: n.Election.Claim(),
		Score: self.ElectionScore(),
	}
	n.enqueue(PacketBeacon, "", payload, now)
}

func (n *MeshNode) sendTopologyDigest(now time.Time) {
	digest := n.Topology.BuildDigest(
		n.Discovery.NeighborIDs(),
		n.Routes.Summaries(),
		1-n.Health.Snapshot().LossRate,
		n.Election.CoordinatorID(),
		n.Election.CoordinatorScore(),
		now,
	)
	n.enqueue(PacketTopologyUpdate, "", digest, now)
	// Re-broadcast cached entries so topology knowledge and coordinator
	// proclamations spread one hop further each sync round.
	for _, g := range n.Topology.GossipDigests() {
		n.enqueue(PacketTopologyUpdate, "", g, now)
	}
}

// enqueue wraps a payload in the packet envelope and hands it to the
// scheduler. Enqueue failures are best-effort drops already counted by the
// scheduler.
func (n *MeshNode) enqueue(t PacketType, destination string, payload Payload, now time.Time) {
	pkt := Packet{
		Type:        t,
		Source:      n.ID(),
		Destination: destination,
		TTL:         uint8(n.cfg.MaxHops),
		Seq:         n.nextSeq(),
		Payload:     payload,
	}
	if err := n.Scheduler.Enqueue(pkt, now); err != nil {
		n.log.Debug(n.ctx, "outbound packet shed", logging.String("type", t.String()), logging.Err(err))
	}
}

// SubmitDetection encodes a WildlifeDetection and queues it toward the given
// destination (usually the gateway/sink node). Timestamps are mapped onto
// network time when the clock is synced; otherwise the local timestamp rides
// along as reduced confidence.
func (n *MeshNode) SubmitDetection(d model.WildlifeDetection, destination string, now time.Time) error {
	if adjusted, err := n.TimeSync.NetworkTime(d.Timestamp); err == nil {
		d.Timestamp = adjusted
	}
	encoded := codec.EncodeDetection(d)
	return n.submitTelemetry(PacketWildlifeDetection, destination, encoded, now)
}

// SubmitEnvironmental encodes an EnvironmentalData record and queues it.
func (n *MeshNode) SubmitEnvironmental(e model.EnvironmentalData, destination string, now time.Time) error {
	if adjusted, err := n.TimeSync.NetworkTime(e.Timestamp); err == nil {
		e.Timestamp = adjusted
	}
	encoded := codec.EncodeEnvironmental(e)
	return n.submitTelemetry(PacketEnvironmentalData, destination, encoded, now)
}

func (n *MeshNode) submitTelemetry(t PacketType, destination string, encoded []byte, now time.Time) error {
	if destination == "" || destination == n.ID() {
		return fmt.Errorf("telemetry destination must be a remote node")
	}
	_, span := n.tracer.Start(n.ctx, "telemetry.submit",
		trace.WithAttributes(
			attribute.String("packet.type", t.String()),
			attribute.String("packet.destination", destination),
			attribute.Int("packet.bytes", len(encoded)),
		))
	defer span.End()

	pkt := Packet{
		Type:        t,
		Source:      n.ID(),
		Destination: destination,
		TTL:         uint8(n.cfg.MaxHops),
		Seq:         n.nextSeq(),
		Payload:     TelemetryPayload{Encoded: encoded},
	}
	return n.Scheduler.Enqueue(pkt, now)
}

// handlePacket applies one inbound packet. Duplicates are processed at most
// once; packets for other destinations are relayed with a decremented TTL.
func (n *MeshNode) handlePacket(pkt Packet, now time.Time) {
	if pkt.Source == n.ID() {
		return
	}
	if pkt.Type != PacketAck && n.dedupe.Seen(pkt.Source, pkt.Seq) {
		// A duplicate unicast means the previous hop never heard our ack
		// and is retransmitting. Re-ack so it stops; process nothing twice.
		if !pkt.Broadcast() {
			n.sendAck(pkt, now)
		}
		return
	}
	n.Health.RecordReceived()

	if !pkt.Broadcast() && pkt.Destination != n.ID() {
		n.forward(pkt, now)
		return
	}

	_, span := n.tracer.Start(n.ctx, "packet.dispatch",
		trace.WithAttributes(
			attribute.String("packet.type", pkt.Type.String()),
			attribute.String("packet.source", pkt.Source),
		))
	defer span.End()

	switch p := pkt.Payload.(type) {
	case BeaconPayload:
		n.handleBeacon(pkt, p, now)
	case RouteRequestPayload:
		n.handleRouteRequest(pkt, p, now)
	case RouteReplyPayload:
		n.Routes.Add(RouteEntry{
			Destination:   p.Target,
			NextHop:       pkt.Source,
			HopCount:      p.HopCount + 1,
			Reliability:   p.Reliability,
			BandwidthKbps: p.BandwidthKbps,
			LastUpdated:   now,
		})
	case RouteErrorPayload:
		n.Routes.RemoveByNextHop(p.BrokenHop)
		if p.Destination != "" {
			n.Routes.Remove(p.Destination)
		}
	case TopologyPayload:
		if n.Topology.Merge(p, now) {
			if n.Discovery.IsNeighbor(p.Origin) {
				n.Routes.UpdateFromAdvertisement(p.Origin, n.ID(), p.Routes, now)
			}
			// Relayed coordinator beliefs reach members the coordinator's
			// own beacons cannot, and heal split-brain coordinators.
			if p.Coordinator != "" && p.Coordinator != n.ID() {
				n.Election.HandleClaim(
					ScoredNode{ID: p.Coordinator, Score: p.CoordinatorScore},
					ClaimCoordinator, now)
			}
		}
	case TelemetryPayload:
		n.handleTelemetry(pkt, p, now)
	case TimeSyncRequestPayload:
		if n.Election.IsCoordinator() {
			n.enqueue(PacketTimeSyncReply, pkt.Source, BuildReply(p, now), now)
		}
	case TimeSyncReplyPayload:
		if pkt.Source == n.Election.CoordinatorID() {
			n.TimeSync.HandleReply(p, now)
		}
	case NetworkHealthPayload:
		n.remoteHealth[pkt.Source] = p.Metrics
	case LoadBalancePayload:
		n.neighborLoad[pkt.Source] = p.Load
	case CollisionAvoidancePayload:
		n.Scheduler.WidenContention(p.ExtraSlots)
	case AckPayload:
		n.Scheduler.HandleAck(p, now)
	default:
		// Unknown payload from newer firmware: drop, count, carry on.
		n.Health.RecordMalformed()
	}

	if !pkt.Broadcast() && pkt.Type != PacketAck {
		n.sendAck(pkt, now)
	}
}

func (n *MeshNode) handleBeacon(pkt Packet, p BeaconPayload, now time.Time) {
	if p.Node.ID != pkt.Source {
		n.Health.RecordMalformed()
		return
	}
	// Signal strength is approximated from the advertised quality until the
	// radio driver reports per-frame RSSI.
	signalDBm := -100 + p.Node.SignalQuality
	n.Discovery.HandleBeacon(p.Node, signalDBm, now)
	n.Registry.UpsertPeer(p.Node, now)
	n.Election.HandleClaim(ScoredNode{ID: p.Node.ID, Score: p.Score}, p.Claim, now)
}

func (n *MeshNode) handleRouteRequest(pkt Packet, p RouteRequestPayload, now time.Time) {
	if p.Target == n.ID() {
		n.enqueue(PacketRouteReply, pkt.Source, RouteReplyPayload{
			Target:      n.ID(),
			HopCount:    0,
			Reliability: 1,
		}, now)
		return
	}
	if route, err := n.Routes.BestRoute(p.Target); err == nil {
		n.enqueue(PacketRouteReply, pkt.Source, RouteReplyPayload{
			Target:        p.Target,
			HopCount:      route.HopCount,
			Reliability:   route.Reliability,
			BandwidthKbps: route.BandwidthKbps,
		}, now)
		return
	}
	// Relay the flood while the TTL budget lasts; duplicate suppression
	// stops loops.
	if pkt.TTL > 1 {
		relay := pkt
		relay.TTL--
		relay.Payload = RouteRequestPayload{Target: p.Target, HopCount: p.HopCount + 1}
		if err := n.Scheduler.Enqueue(relay, now); err == nil {
			n.Health.RecordForwarded()
		}
	}
}

func (n *MeshNode) handleTelemetry(pkt Packet, p TelemetryPayload, now time.Time) {
	switch pkt.Type {
	case PacketWildlifeDetection, PacketBehaviorAnalysis:
		d, err := codec.DecodeDetection(p.Encoded)
		if err != nil {
			n.Health.RecordMalformed()
			return
		}
		if n.sink != nil {
			n.sink.HandleDetection(d)
		}
	case PacketEnvironmentalData, PacketSensorFusion:
		e, err := codec.DecodeEnvironmental(p.Encoded)
		if err != nil {
			n.Health.RecordMalformed()
			return
		}
		if n.sink != nil {
			n.sink.HandleEnvironmental(e)
		}
	default:
		n.Health.RecordMalformed()
	}
}

// forward relays a unicast packet toward its destination. A packet whose TTL
// reaches zero is dropped, never forwarded.
func (n *MeshNode) forward(pkt Packet, now time.Time) {
	n.sendAck(pkt, now)
	if pkt.TTL <= 1 {
		n.Health.RecordDropped()
		n.log.Debug(n.ctx, "TTL exhausted, dropping",
			logging.String("source", pkt.Source),
			logging.String("destination", pkt.Destination))
		return
	}
	relay := pkt
	relay.TTL--
	if err := n.Scheduler.Enqueue(relay, now); err == nil {
		n.Health.RecordForwarded()
	}
}

// sendAck acknowledges a unicast packet hop-by-hop. Acks are one-hop
// broadcasts keyed by the original (source, seq); the previous hop matches
// its pending entry, everyone else ignores it.
func (n *MeshNode) sendAck(pkt Packet, now time.Time) {
	ack := Packet{
		Type:    PacketAck,
		Source:  n.ID(),
		TTL:     1,
		Seq:     n.nextSeq(),
		Payload: AckPayload{AckSource: pkt.Source, AckSeq: pkt.Seq},
	}
	if err := n.Scheduler.Enqueue(ack, now); err != nil {
		n.log.Debug(n.ctx, "ack shed", logging.Err(err))
	}
}

// Sleep enters a low-power cycle: the routing table and coordinator role are
// snapshotted, in-flight transmissions are failed for retry on wake, and the
// radio stops accepting frames.
func (n *MeshNode) Sleep(now time.Time) {
	if n.asleep {
		return
	}
	n.routeSnapshot = n.Routes.Snapshot()
	n.sleptAsCoord = n.Election.IsCoordinator()
	n.Scheduler.FailInFlight(now)
	n.asleep = true
	n.log.Info(n.ctx, "entering sleep cycle",
		logging.Int("routes_persisted", len(n.routeSnapshot)))
}

// Wake leaves the sleep cycle and restores persisted state. Routes aged past
// their timeout are discarded by the next prune.
func (n *MeshNode) Wake(now time.Time) {
	if !n.asleep {
		return
	}
	n.asleep = false
	n.Routes.Restore(n.routeSnapshot)
	n.routeSnapshot = nil
	n.log.Info(n.ctx, "waking from sleep cycle",
		logging.Bool("was_coordinator", n.sleptAsCoord))
}

// StatusSnapshot is the read-only view served to dashboards and the sink.
type StatusSnapshot struct {
	Node          model.NodeInfo                  `json:"Node"`
	State         string                          `json:"State"`
	CoordinatorID string                          `json:"CoordinatorID"`
	Neighbors     []string                        `json:"Neighbors"`
	Destinations  []string                        `json:"Destinations"`
	TimeSync      TimeSyncState                   `json:"TimeSync"`
	Health        NetworkHealthMetrics            `json:"Health"`
	KnownNodes    []string                        `json:"KnownNodes,omitempty"`
	RemoteHealth  map[string]NetworkHealthMetrics `json:"RemoteHealth,omitempty"`
}

// Status assembles the node's status query response. The coordinator also
// includes its aggregated topology view and the health snapshots members
// have published.
func (n *MeshNode) Status() StatusSnapshot {
	s := StatusSnapshot{
		Node:          n.Registry.Self(),
		State:         n.Election.State().String(),
		CoordinatorID: n.Election.CoordinatorID(),
		Neighbors:     n.Discovery.NeighborIDs(),
		Destinations:  n.Routes.Destinations(),
		TimeSync:      n.TimeSync.State(),
		Health:        n.Health.Snapshot(),
	}
	if n.Election.IsCoordinator() {
		s.KnownNodes = n.Topology.KnownNodes()
		if len(n.remoteHealth) > 0 {
			s.RemoteHealth = make(map[string]NetworkHealthMetrics, len(n.remoteHealth))
			for id, m := range n.remoteHealth {
				s.RemoteHealth[id] = m
			}
		}
	}
	return s
}
