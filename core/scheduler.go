package core

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"time"

	"github.com/faunasignal/wildmesh/internal/logging"
)

var (
	// ErrTransmissionTimeout indicates no acknowledgment arrived within the
	// ack timeout. Recoverable: the scheduler retries with backoff, then
	// re-routes, then drops.
	ErrTransmissionTimeout = errors.New("transmission timeout")

	// ErrQueueFull indicates the outbound queue rejected a packet because
	// everything already queued outranks it. The producer is never blocked.
	ErrQueueFull = errors.New("transmission queue full")
)

// Priority classes, highest first. Spec'd so conservation and emergency
// traffic preempts routine telemetry.
const (
	PriorityEmergency    = 100
	PriorityConservation = 80
	PriorityDetection    = 60
	PriorityControl      = 50
	PriorityEnvironment  = 40
	PriorityRoutine      = 20
)

// BasePriority maps a packet type to its scheduling class.
func BasePriority(t PacketType) int {
	switch t {
	case PacketCollisionAvoidance, PacketRouteError:
		return PriorityEmergency
	case PacketWildlifeDetection, PacketBehaviorAnalysis:
		return PriorityDetection
	case PacketBeacon, PacketRouteRequest, PacketRouteReply, PacketTimeSyncRequest, PacketTimeSyncReply, PacketAck:
		return PriorityControl
	case PacketEnvironmentalData, PacketSensorFusion:
		return PriorityEnvironment
	default:
		return PriorityRoutine
	}
}

// outbound is one queued transmission with its retry state.
type outbound struct {
	pkt          Packet
	basePriority int
	enqueuedAt   time.Time
	nextAttempt  time.Time
	attempts     int
	triedReroute bool

	// In-flight state while awaiting an ack.
	awaitingAck bool
	sentAt      time.Time
	nextHop     string
}

// effectivePriority decays with age so stale packets do not starve fresh
// higher-value traffic forever, matching priority = class x freshness.
func (o *outbound) effectivePriority(now time.Time) float64 {
	age := now.Sub(o.enqueuedAt)
	freshness := 1 / (1 + age.Seconds()/30)
	return float64(o.basePriority) * freshness
}

// TransmitFunc hands a packet to the radio. nextHop is empty for broadcasts.
type TransmitFunc func(pkt Packet, nextHop string) error

// Scheduler queues, prioritizes, paces, and retries outbound packets.
// Telemetry is best-effort: a packet that exhausts retries and failover is
// dropped with a logged failure, never blocking anything.
type Scheduler struct {
	cfg     Config
	log     logging.Logger
	rng     *rand.Rand
	localID string

	routes   *RoutingTable
	health   *HealthMonitor
	transmit TransmitFunc
	// neighborCount sizes the contention window.
	neighborCount func() int

	queue   []*outbound
	pending []*outbound // sent, awaiting ack

	// nextSendAt implements the randomized contention backoff between
	// sends; lastTickAt bounds how much unused airtime carries across ticks.
	nextSendAt time.Time
	lastTickAt time.Time
	// extraSlots widens the window after collision-avoidance requests.
	extraSlots int

	// routeNeeded, when set, originates a route discovery for a
	// destination that has no route yet. The owning node wires it so the
	// request gets a proper envelope and sequence number.
	routeNeeded func(destination string, now time.Time)

	// neighborLoad, when set, reports a neighbor's advertised relative load
	// in [0,1] so sends can steer around overloaded relays.
	neighborLoad func(id string) float64
}

// overloadThreshold is the advertised load above which a relay is steered
// around when a less loaded alternate exists.
const overloadThreshold = 0.75

// OnRouteNeeded registers the route-discovery origination callback.
func (s *Scheduler) OnRouteNeeded(fn func(destination string, now time.Time)) {
	s.routeNeeded = fn
}

// OnNeighborLoad registers the lookup for neighbors' advertised load.
func (s *Scheduler) OnNeighborLoad(fn func(id string) float64) {
	s.neighborLoad = fn
}

// NewScheduler wires the scheduler to its collaborators. rng must be non-nil
// so simulations stay reproducible under a fixed seed.
func NewScheduler(cfg Config, localID string, routes *RoutingTable, health *HealthMonitor, neighborCount func() int, transmit TransmitFunc, rng *rand.Rand, log logging.Logger) *Scheduler {
	if log == nil {
		log = logging.Noop()
	}
	return &Scheduler{
		cfg:           cfg,
		log:           log,
		rng:           rng,
		localID:       localID,
		routes:        routes,
		health:        health,
		transmit:      transmit,
		neighborCount: neighborCount,
	}
}

// QueueDepth reports queued plus in-flight packets.
func (s *Scheduler) QueueDepth() int { return len(s.queue) + len(s.pending) }

// WidenContention widens the contention window by the requested slots, as
// asked by a neighbor's collision-avoidance packet. The widening decays one
// slot per tick.
func (s *Scheduler) WidenContention(extraSlots int) {
	if extraSlots > 0 {
		s.extraSlots += extraSlots
	}
}

// Enqueue admits a packet to the bounded priority queue. When full, the
// lowest-priority pending packet is evicted to admit a higher-priority one;
// a packet that ranks below everything queued is rejected with ErrQueueFull.
func (s *Scheduler) Enqueue(pkt Packet, now time.Time) error {
	item := &outbound{
		pkt:          pkt,
		basePriority: BasePriority(pkt.Type),
		enqueuedAt:   now,
		nextAttempt:  now,
	}
	if len(s.queue) >= s.cfg.QueueCapacity {
		victim := -1
		lowest := item.effectivePriority(now)
		for i, queued := range s.queue {
			if p := queued.effectivePriority(now); p < lowest {
				lowest = p
				victim = i
			}
		}
		if victim < 0 {
			s.health.RecordDropped()
			return ErrQueueFull
		}
		evicted := s.queue[victim]
		s.queue = append(s.queue[:victim], s.queue[victim+1:]...)
		s.health.RecordDropped()
		s.log.Debug(context.Background(), "queue full, evicted lowest priority",
			logging.String("evicted_type", evicted.pkt.Type.String()),
			logging.String("admitted_type", pkt.Type.String()))
	}
	s.queue = append(s.queue, item)
	return nil
}

// Tick expires pending acks, then drains due packets. Consecutive sends are
// spaced one randomized contention backoff apart of airtime, and the airtime
// budget is the interval since the previous tick: a tick arriving after a
// quiet second flushes what the radio would have drained across that second,
// while back-to-back ticks send nothing extra. Call once per node tick.
func (s *Scheduler) Tick(now time.Time) {
	s.expirePending(now)

	if s.extraSlots > 0 {
		s.extraSlots--
	}
	floor := s.lastTickAt
	if floor.IsZero() {
		floor = now
	}
	if s.nextSendAt.Before(floor) {
		s.nextSendAt = floor
	}
	for !now.Before(s.nextSendAt) {
		item := s.popDue(now)
		if item == nil {
			break
		}
		s.send(item, now)
		s.nextSendAt = s.nextSendAt.Add(s.contentionBackoff())
	}
	s.lastTickAt = now
}

// contentionBackoff picks the airtime spacing to the next send: half a slot of
// occupancy plus a random delay within a window proportional to the
// neighborhood size, so denser neighborhoods get wider windows.
func (s *Scheduler) contentionBackoff() time.Duration {
	slots := 1 + s.neighborCount() + s.extraSlots
	window := time.Duration(slots) * s.cfg.ContentionSlot
	if window <= 0 {
		return s.cfg.ContentionSlot
	}
	return s.cfg.ContentionSlot/2 + time.Duration(s.rng.Int63n(int64(window)))
}

// popDue removes and returns the highest-priority packet whose retry backoff
// has elapsed.
func (s *Scheduler) popDue(now time.Time) *outbound {
	best := -1
	var bestPriority float64
	for i, item := range s.queue {
		if item.nextAttempt.After(now) {
			continue
		}
		p := item.effectivePriority(now)
		if best < 0 || p > bestPriority {
			best = i
			bestPriority = p
		}
	}
	if best < 0 {
		return nil
	}
	item := s.queue[best]
	s.queue = append(s.queue[:best], s.queue[best+1:]...)
	return item
}

func (s *Scheduler) send(item *outbound, now time.Time) {
	pkt := item.pkt

	if pkt.Broadcast() {
		if err := s.transmit(pkt, ""); err == nil {
			s.health.RecordSent()
		}
		return
	}

	nextHop := item.nextHop
	if nextHop == "" {
		route, err := s.routes.BestRoute(pkt.Destination)
		if err != nil {
			s.health.RecordRoutingError()
			if pkt.Type == PacketRouteRequest {
				// Coordinator-discovery traffic falls back to a
				// TTL-bounded flood.
				flood := pkt
				flood.Destination = ""
				if err := s.transmit(flood, ""); err == nil {
					s.health.RecordSent()
				}
				return
			}
			// No route yet: flood a discovery request and hold the
			// packet until a reply arrives or attempts run out.
			item.attempts++
			if item.attempts >= s.cfg.MaxAttempts || s.routeNeeded == nil {
				s.health.RecordDropped()
				s.log.Warn(context.Background(), "no route to destination, dropping",
					logging.String("destination", pkt.Destination),
					logging.String("type", pkt.Type.String()),
					logging.Err(ErrRouteNotFound))
				return
			}
			s.routeNeeded(pkt.Destination, now)
			item.nextAttempt = now.Add(s.cfg.AckTimeout)
			s.queue = append(s.queue, item)
			return
		}
		nextHop = route.NextHop
		// An overloaded best hop yields to a less loaded alternate.
		if s.neighborLoad != nil && s.neighborLoad(nextHop) >= overloadThreshold {
			if alt, err := s.routes.NextBest(pkt.Destination, nextHop); err == nil &&
				s.neighborLoad(alt.NextHop) < s.neighborLoad(nextHop) {
				nextHop = alt.NextHop
			}
		}
	}

	if err := s.transmit(pkt, nextHop); err != nil {
		// Radio refused (e.g. asleep); treat as an immediate failure.
		s.failAttempt(item, nextHop, now)
		return
	}
	s.health.RecordSent()

	item.awaitingAck = true
	item.sentAt = now
	item.nextHop = nextHop
	s.pending = append(s.pending, item)
}

// HandleAck resolves the pending transmission identified by the acked
// (source, seq) pair, rewarding the route it used.
func (s *Scheduler) HandleAck(ack AckPayload, now time.Time) {
	for i, item := range s.pending {
		if item.pkt.Source != ack.AckSource || item.pkt.Seq != ack.AckSeq {
			continue
		}
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		s.routes.RecordOutcome(item.pkt.Destination, item.nextHop, true, now)
		s.health.RecordAck(now.Sub(item.sentAt))
		return
	}
}

// expirePending fails transmissions whose ack timeout elapsed, scheduling a
// retry with exponential backoff, a one-time reroute after retries are
// exhausted, and finally a drop.
func (s *Scheduler) expirePending(now time.Time) {
	kept := s.pending[:0]
	for _, item := range s.pending {
		if now.Sub(item.sentAt) < s.cfg.AckTimeout {
			kept = append(kept, item)
			continue
		}
		s.failAttempt(item, item.nextHop, now)
	}
	s.pending = kept
}

func (s *Scheduler) failAttempt(item *outbound, nextHop string, now time.Time) {
	item.awaitingAck = false
	if nextHop != "" {
		s.routes.RecordOutcome(item.pkt.Destination, nextHop, false, now)
	}
	s.health.RecordSendFailure()
	item.attempts++

	if item.attempts < s.cfg.MaxAttempts {
		backoff := s.cfg.RetryBackoffBase << (item.attempts - 1)
		jitter := time.Duration(s.rng.Int63n(int64(s.cfg.RetryBackoffBase)))
		item.nextAttempt = now.Add(backoff + jitter)
		s.queue = append(s.queue, item)
		return
	}

	if !item.triedReroute {
		if alt, err := s.routes.NextBest(item.pkt.Destination, nextHop); err == nil {
			item.triedReroute = true
			item.attempts = 0
			item.nextHop = alt.NextHop
			item.nextAttempt = now
			s.queue = append(s.queue, item)
			return
		}
	}

	s.health.RecordDropped()
	s.log.Warn(context.Background(), "retries exhausted, dropping packet",
		logging.String("destination", item.pkt.Destination),
		logging.String("type", item.pkt.Type.String()),
		logging.Err(ErrTransmissionTimeout))
}

// FailInFlight converts every awaiting-ack transmission into an immediate
// retry candidate. Invoked when the node enters a sleep cycle: interrupted
// sends are failures to retry on wake, never resumed mid-flight.
func (s *Scheduler) FailInFlight(now time.Time) {
	pending := s.pending
	s.pending = nil
	for _, item := range pending {
		s.failAttempt(item, item.nextHop, now)
	}
	// Make requeued items eligible as soon as the node wakes.
	for _, item := range s.queue {
		if item.nextAttempt.After(now) {
			item.nextAttempt = now
		}
	}
	sort.SliceStable(s.queue, func(i, j int) bool {
		return s.queue[i].effectivePriority(now) > s.queue[j].effectivePriority(now)
	})
}
