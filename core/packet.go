package core

import (
	"time"

	"github.com/faunasignal/wildmesh/model"
)

// PacketType tags a packet on the wire. Values are stable across firmware
// versions; never renumber.
type PacketType uint8

const (
	PacketBeacon             PacketType = 0x01
	PacketRouteRequest       PacketType = 0x02
	PacketRouteReply         PacketType = 0x03
	PacketRouteError         PacketType = 0x04
	PacketTopologyUpdate     PacketType = 0x05
	PacketWildlifeDetection  PacketType = 0x06
	PacketBehaviorAnalysis   PacketType = 0x07
	PacketEnvironmentalData  PacketType = 0x08
	PacketSensorFusion       PacketType = 0x09
	PacketTimeSyncRequest    PacketType = 0x0A
	PacketTimeSyncReply      PacketType = 0x0B
	PacketNetworkHealth      PacketType = 0x0C
	PacketLoadBalance        PacketType = 0x0D
	PacketCollisionAvoidance PacketType = 0x0E
	PacketAck                PacketType = 0x0F
)

// String returns the lowercase wire name of the packet type.
func (t PacketType) String() string {
	switch t {
	case PacketBeacon:
		return "beacon"
	case PacketRouteRequest:
		return "route-request"
	case PacketRouteReply:
		return "route-reply"
	case PacketRouteError:
		return "route-error"
	case PacketTopologyUpdate:
		return "topology-update"
	case PacketWildlifeDetection:
		return "wildlife-detection"
	case PacketBehaviorAnalysis:
		return "behavior-analysis"
	case PacketEnvironmentalData:
		return "environmental-data"
	case PacketSensorFusion:
		return "sensor-fusion"
	case PacketTimeSyncRequest:
		return "time-sync-request"
	case PacketTimeSyncReply:
		return "time-sync-reply"
	case PacketNetworkHealth:
		return "network-health"
	case PacketLoadBalance:
		return "load-balance"
	case PacketCollisionAvoidance:
		return "collision-avoidance"
	case PacketAck:
		return "ack"
	default:
		return "unknown"
	}
}

// Telemetry reports whether the packet type carries codec-encoded observation
// payloads, which are acknowledged hop by hop.
func (t PacketType) Telemetry() bool {
	switch t {
	case PacketWildlifeDetection, PacketBehaviorAnalysis, PacketEnvironmentalData, PacketSensorFusion:
		return true
	}
	return false
}

// Payload is the closed set of type-specific packet bodies. Handlers dispatch
// with a type switch; there are no unchecked casts anywhere in the layer.
type Payload interface {
	isPayload()
}

// BeaconPayload advertises a node's presence and summary state. Beacons from
// the coordinator double as coordinator heartbeats, and beacons from election
// candidates carry their score so lower-scoring candidates can yield.
type BeaconPayload struct {
	Node model.NodeInfo
	// Claim is the sender's election role claim, if any.
	Claim ElectionClaim
	// Score is the sender's election score at send time.
	Score float64
}

// ElectionClaim is the role a beacon's sender asserts.
type ElectionClaim uint8

const (
	ClaimNone ElectionClaim = iota
	ClaimCandidate
	ClaimCoordinator
)

// RouteRequestPayload floods a bounded request for a path to Target.
type RouteRequestPayload struct {
	Target string
	// HopCount accumulates as the request is relayed.
	HopCount int
}

// RouteReplyPayload answers a route request with the replier's best path.
type RouteReplyPayload struct {
	Target        string
	HopCount      int
	Reliability   float64
	BandwidthKbps float64
}

// RouteErrorPayload reports a broken next hop so upstream nodes can discard
// affected routes.
type RouteErrorPayload struct {
	Destination string
	BrokenHop   string
}

// RouteSummary is a routing table digest entry carried inside topology
// updates.
type RouteSummary struct {
	Destination   string
	NextHop       string
	HopCount      int
	Reliability   float64
	BandwidthKbps float64
}

// TopologyPayload is the periodic digest of a node's one-hop neighborhood and
// best routes. Merged last-write-wins, keyed by Timestamp.
type TopologyPayload struct {
	Origin    string
	Timestamp time.Time
	Neighbors []string
	Routes    []RouteSummary
	Health    float64
	NodeCount int
	// Coordinator and CoordinatorScore carry the origin's current
	// coordinator belief, so proclamations spread past beacon range and
	// split-brain coordinators heal after partitions merge.
	Coordinator      string
	CoordinatorScore float64
}

// TelemetryPayload carries a codec-encoded observation record. The packet
// type distinguishes wildlife, behavior, environmental, and fusion records.
type TelemetryPayload struct {
	Encoded []byte
}

// TimeSyncRequestPayload asks the coordinator for its reference time.
// Originate is the member's local send time (T1).
type TimeSyncRequestPayload struct {
	Originate time.Time
}

// TimeSyncReplyPayload returns the coordinator's reference time alongside the
// echoed originate timestamp.
type TimeSyncReplyPayload struct {
	Originate   time.Time
	Coordinator time.Time
}

// NetworkHealthPayload publishes a node's health snapshot toward the sink.
type NetworkHealthPayload struct {
	Metrics NetworkHealthMetrics
}

// LoadBalancePayload advertises the sender's relative load so neighbors can
// prefer less-loaded relays.
type LoadBalancePayload struct {
	Load float64
}

// CollisionAvoidancePayload asks neighbors to widen their contention windows
// after observed collisions.
type CollisionAvoidancePayload struct {
	ExtraSlots int
}

// AckPayload acknowledges receipt of the packet identified by (AckSource,
// AckSeq) at the previous hop.
type AckPayload struct {
	AckSource string
	AckSeq    uint32
}

func (BeaconPayload) isPayload()             {}
func (RouteRequestPayload) isPayload()       {}
func (RouteReplyPayload) isPayload()         {}
func (RouteErrorPayload) isPayload()         {}
func (TopologyPayload) isPayload()           {}
func (TelemetryPayload) isPayload()          {}
func (TimeSyncRequestPayload) isPayload()    {}
func (TimeSyncReplyPayload) isPayload()      {}
func (NetworkHealthPayload) isPayload()      {}
func (LoadBalancePayload) isPayload()        {}
func (CollisionAvoidancePayload) isPayload() {}
func (AckPayload) isPayload()                {}

// Packet is the envelope every mesh transmission uses. Destination is empty
// for broadcasts. Seq is unique per source per epoch and drives duplicate
// suppression; TTL is the remaining hop budget, decremented per relay.
type Packet struct {
	Type        PacketType
	Source      string
	Destination string
	TTL         uint8
	Seq         uint32
	Payload     Payload
}

// Broadcast reports whether the packet is addressed to every neighbor.
func (p Packet) Broadcast() bool { return p.Destination == "" }

// dedupeWindow remembers recently seen sequence numbers for one source.
const dedupeWindow = 128

type seenSet struct {
	seqs  map[uint32]struct{}
	order []uint32
}

// DedupeCache suppresses duplicate packets that arrive via multiple paths.
// It keeps a bounded window of recent sequence numbers per source.
type DedupeCache struct {
	sources map[string]*seenSet
}

// NewDedupeCache constructs an empty cache.
func NewDedupeCache() *DedupeCache {
	return &DedupeCache{sources: make(map[string]*seenSet)}
}

// Seen records (source, seq) and reports whether it was already present.
func (d *DedupeCache) Seen(source string, seq uint32) bool {
	set, ok := d.sources[source]
	if !ok {
		set = &seenSet{seqs: make(map[uint32]struct{})}
		d.sources[source] = set
	}
	if _, dup := set.seqs[seq]; dup {
		return true
	}
	set.seqs[seq] = struct{}{}
	set.order = append(set.order, seq)
	if len(set.order) > dedupeWindow {
		oldest := set.order[0]
		set.order = set.order[1:]
		delete(set.seqs, oldest)
	}
	return false
}

// Forget drops all state for a source, e.g. after it ages out of the
// registry. A rebooted source restarts its epoch with fresh sequence numbers.
func (d *DedupeCache) Forget(source string) {
	delete(d.sources, source)
}
