package core

import (
	"context"
	"time"

	"github.com/faunasignal/wildmesh/internal/logging"
)

// ElectionState is a node's position in the coordinator election state
// machine.
type ElectionState int

const (
	StateUnassociated ElectionState = iota
	StateDiscovering
	StateCandidate
	StateCoordinator
	StateMember
	StateReassessing
)

// String names the state for logs and status output.
func (s ElectionState) String() string {
	switch s {
	case StateUnassociated:
		return "unassociated"
	case StateDiscovering:
		return "discovering"
	case StateCandidate:
		return "candidate"
	case StateCoordinator:
		return "coordinator"
	case StateMember:
		return "member"
	case StateReassessing:
		return "reassessing"
	default:
		return "unknown"
	}
}

// ScoredNode pairs a node ID with its election score for comparison.
type ScoredNode struct {
	ID    string
	Score float64
}

// beats implements the election ordering: higher score wins, ties go to the
// lexicographically smaller node ID.
func (a ScoredNode) beats(b ScoredNode) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

// CoordinatorElection runs the per-node election state machine:
//
//	UNASSOCIATED -> DISCOVERING -> CANDIDATE -> {COORDINATOR | MEMBER}
//	             -> REASSESSING (on coordinator silence) -> DISCOVERING
//
// Transient duplicate coordinators during convergence are tolerated; they
// self-heal when the better coordinator's proclamation reaches the other.
type CoordinatorElection struct {
	cfg     Config
	log     logging.Logger
	localID string

	state         ElectionState
	coordinatorID string
	// coordinatorScore is the last known score of the accepted coordinator,
	// re-advertised in topology digests so proclamations spread beyond
	// beacon range.
	coordinatorScore float64

	// enteredAt is when the current state began, used against
	// ElectionTimeout for discovery and candidacy phases.
	enteredAt time.Time

	// lastHeartbeat is the last beacon heard from the current coordinator.
	lastHeartbeat time.Time

	// cachedSelfScore holds the local score from the most recent Tick so
	// claim handling between ticks compares against something current.
	cachedSelfScore float64

	// onRoleChange is invoked whenever the state or coordinator changes.
	onRoleChange func(state ElectionState, coordinatorID string)
}

// NewCoordinatorElection constructs the state machine in UNASSOCIATED.
func NewCoordinatorElection(cfg Config, localID string, log logging.Logger) *CoordinatorElection {
	if log == nil {
		log = logging.Noop()
	}
	return &CoordinatorElection{
		cfg:     cfg,
		log:     log,
		localID: localID,
		state:   StateUnassociated,
	}
}

// OnRoleChange registers the callback fired on state or coordinator changes.
func (e *CoordinatorElection) OnRoleChange(fn func(state ElectionState, coordinatorID string)) {
	e.onRoleChange = fn
}

// State returns the current election state.
func (e *CoordinatorElection) State() ElectionState { return e.state }

// CoordinatorID returns the currently accepted coordinator, or "" when none.
func (e *CoordinatorElection) CoordinatorID() string { return e.coordinatorID }

// CoordinatorScore returns the last known score of the accepted coordinator,
// or zero when there is none.
func (e *CoordinatorElection) CoordinatorScore() float64 { return e.coordinatorScore }

// StateAge reports how long the machine has been in its current state.
func (e *CoordinatorElection) StateAge(now time.Time) time.Duration { return now.Sub(e.enteredAt) }

// IsCoordinator reports whether this node currently holds the role.
func (e *CoordinatorElection) IsCoordinator() bool { return e.state == StateCoordinator }

// Claim returns what this node asserts in its outgoing beacons.
func (e *CoordinatorElection) Claim() ElectionClaim {
	switch e.state {
	case StateCoordinator:
		return ClaimCoordinator
	case StateCandidate:
		return ClaimCandidate
	default:
		return ClaimNone
	}
}

// Start moves an UNASSOCIATED node into DISCOVERING.
func (e *CoordinatorElection) Start(now time.Time) {
	if e.state != StateUnassociated {
		return
	}
	e.transition(StateDiscovering, "", now)
}

// Tick advances the state machine. self is this node's current score; peers
// are all nodes reachable in the current topology view with their scores.
// coordinatorAdjacent reports whether the accepted coordinator is a direct
// neighbor: adjacent members expect heartbeats at beacon cadence, while far
// members hear relayed proclamations only at topology sync cadence.
func (e *CoordinatorElection) Tick(now time.Time, self ScoredNode, peers []ScoredNode, coordinatorAdjacent bool) {
	e.cachedSelfScore = self.Score
	if e.state == StateCoordinator {
		e.coordinatorScore = self.Score
	}
	switch e.state {
	case StateDiscovering:
		// Give proclamations one election timeout to arrive before
		// deciding the view is complete.
		if now.Sub(e.enteredAt) < e.cfg.ElectionTimeout {
			return
		}
		if e.bestIsSelf(self, peers) {
			e.transition(StateCandidate, "", now)
			return
		}
		// A better node exists but has not proclaimed; keep waiting one
		// more timeout, then stand anyway so a partition of modest nodes
		// still elects someone.
		if now.Sub(e.enteredAt) >= 2*e.cfg.ElectionTimeout {
			e.transition(StateCandidate, "", now)
		}

	case StateCandidate:
		if now.Sub(e.enteredAt) >= e.cfg.ElectionTimeout {
			// No objection heard within the timeout: take the role.
			e.lastHeartbeat = now
			e.coordinatorScore = e.cachedSelfScore
			e.transition(StateCoordinator, e.localID, now)
		}

	case StateMember:
		silence := time.Duration(e.cfg.CoordinatorMissLimit) * e.cfg.BeaconInterval
		if !coordinatorAdjacent {
			silence = time.Duration(e.cfg.CoordinatorMissLimit) * e.cfg.SyncInterval
		}
		if now.Sub(e.lastHeartbeat) > silence {
			e.log.Info(context.Background(), "coordinator silent, reassessing",
				logging.String("coordinator", e.coordinatorID),
				logging.Int("missed_heartbeats", e.cfg.CoordinatorMissLimit))
			e.transition(StateReassessing, "", now)
		}

	case StateReassessing:
		e.transition(StateDiscovering, "", now)
	}
}

// HandleClaim processes an election claim heard on a beacon. Proclamations
// from better nodes are accepted; worse proclamations are objected to simply
// by continuing to beacon our own claim.
func (e *CoordinatorElection) HandleClaim(from ScoredNode, claim ElectionClaim, now time.Time) {
	if from.ID == e.localID {
		return
	}

	// Heartbeat bookkeeping for the accepted coordinator, regardless of
	// claim type.
	if from.ID == e.coordinatorID {
		e.lastHeartbeat = now
		e.coordinatorScore = from.Score
	}

	switch claim {
	case ClaimCoordinator:
		e.handleProclamation(from, now)
	case ClaimCandidate:
		// A standing candidate that beats us makes our own candidacy
		// pointless; yield and wait for its proclamation.
		if e.state == StateCandidate {
			if from.beats(ScoredNode{ID: e.localID, Score: e.selfScoreDuringCandidacy()}) {
				e.transition(StateDiscovering, "", now)
			}
		}
	}
}

// handleProclamation applies the acceptance rule for a claimed coordinator.
func (e *CoordinatorElection) handleProclamation(from ScoredNode, now time.Time) {
	switch e.state {
	case StateCoordinator:
		// Split brain: two coordinators met after a partition merge. The
		// worse one steps down.
		if from.beats(ScoredNode{ID: e.localID, Score: e.selfScoreDuringCandidacy()}) {
			e.log.Info(context.Background(), "better coordinator found, stepping down",
				logging.String("coordinator", from.ID))
			e.lastHeartbeat = now
			e.coordinatorScore = from.Score
			e.transition(StateMember, from.ID, now)
		}
	case StateMember:
		if from.ID == e.coordinatorID {
			return
		}
		// Accept a strictly better coordinator than the current one. The
		// incumbent's score is the tracked coordinatorScore: a coordinator
		// several hops away never appears in the one-hop peer view, and an
		// absent peer must not read as score zero.
		current := ScoredNode{ID: e.coordinatorID, Score: e.coordinatorScore}
		if from.beats(current) {
			e.lastHeartbeat = now
			e.coordinatorScore = from.Score
			e.transition(StateMember, from.ID, now)
		}
	case StateCandidate, StateDiscovering, StateReassessing, StateUnassociated:
		e.lastHeartbeat = now
		e.coordinatorScore = from.Score
		e.transition(StateMember, from.ID, now)
	}
}

func (e *CoordinatorElection) selfScoreDuringCandidacy() float64 { return e.cachedSelfScore }

func (e *CoordinatorElection) bestIsSelf(self ScoredNode, peers []ScoredNode) bool {
	best := self
	for _, p := range peers {
		if p.beats(best) {
			best = p
		}
	}
	return best.ID == self.ID
}

// SuspectPartition forces a member to reassess its coordinator before the
// heartbeat counter trips, e.g. when the topology view shows the coordinator
// went silent network-wide.
func (e *CoordinatorElection) SuspectPartition(now time.Time) {
	if e.state != StateMember {
		return
	}
	e.log.Info(context.Background(), "coordinator suspected partitioned, reassessing",
		logging.String("coordinator", e.coordinatorID))
	e.transition(StateReassessing, "", now)
}

func (e *CoordinatorElection) transition(state ElectionState, coordinatorID string, now time.Time) {
	if e.state == state && e.coordinatorID == coordinatorID {
		return
	}
	e.state = state
	e.coordinatorID = coordinatorID
	e.enteredAt = now
	e.log.Debug(context.Background(), "election state change",
		logging.String("state", state.String()),
		logging.String("coordinator", coordinatorID))
	if e.onRoleChange != nil {
		e.onRoleChange(state, coordinatorID)
	}
}
