package core

import (
	"testing"
	"time"
)

func testElection(localID string) (*CoordinatorElection, Config) {
	cfg := DefaultConfig()
	return NewCoordinatorElection(cfg, localID, nil), cfg
}

func TestScoredNode_OrderingAndTieBreak(t *testing.T) {
	high := ScoredNode{ID: "cam-02", Score: 3.5}
	low := ScoredNode{ID: "cam-01", Score: 1.5}
	if !high.beats(low) {
		t.Errorf("expected higher score to win regardless of ID")
	}
	// Equal scores: smaller ID wins.
	a := ScoredNode{ID: "cam-01", Score: 2.0}
	b := ScoredNode{ID: "cam-02", Score: 2.0}
	if !a.beats(b) {
		t.Errorf("expected tie to break toward the smaller node ID")
	}
	if b.beats(a) {
		t.Errorf("expected cam-02 to lose the tie against cam-01")
	}
}

func TestElection_LoneNodeBecomesCoordinator(t *testing.T) {
	e, cfg := testElection("cam-00")
	start := time.Now()
	self := ScoredNode{ID: "cam-00", Score: 1.5}

	e.Start(start)
	if e.State() != StateDiscovering {
		t.Fatalf("expected discovering after start, got %v", e.State())
	}

	// Discovery window elapses with no peers: stand as candidate.
	e.Tick(start.Add(cfg.ElectionTimeout), self, nil, false)
	if e.State() != StateCandidate {
		t.Fatalf("expected candidate after unopposed discovery, got %v", e.State())
	}

	// Candidacy window elapses with no objection: take the role.
	e.Tick(start.Add(2*cfg.ElectionTimeout), self, nil, false)
	if e.State() != StateCoordinator {
		t.Fatalf("expected coordinator after unopposed candidacy, got %v", e.State())
	}
	if e.CoordinatorID() != "cam-00" {
		t.Errorf("expected self as coordinator, got %q", e.CoordinatorID())
	}
	if !e.IsCoordinator() {
		t.Errorf("expected IsCoordinator true")
	}
	if e.Claim() != ClaimCoordinator {
		t.Errorf("expected coordinator claim in beacons, got %v", e.Claim())
	}
}

func TestElection_DefersToBetterPeerDuringDiscovery(t *testing.T) {
	e, cfg := testElection("cam-00")
	start := time.Now()
	self := ScoredNode{ID: "cam-00", Score: 1.5}
	better := []ScoredNode{{ID: "gw", Score: 3.5}}

	e.Start(start)
	// A better peer is visible: hold in discovery past one timeout.
	e.Tick(start.Add(cfg.ElectionTimeout), self, better, false)
	if e.State() != StateDiscovering {
		t.Fatalf("expected to keep waiting for the better peer, got %v", e.State())
	}
	// But not forever: after two timeouts stand anyway.
	e.Tick(start.Add(2*cfg.ElectionTimeout), self, better, false)
	if e.State() != StateCandidate {
		t.Fatalf("expected candidacy after the better peer never proclaimed, got %v", e.State())
	}
}

func TestElection_CandidateYieldsToBetterCandidate(t *testing.T) {
	e, cfg := testElection("cam-05")
	start := time.Now()
	self := ScoredNode{ID: "cam-05", Score: 1.5}

	e.Start(start)
	e.Tick(start.Add(cfg.ElectionTimeout), self, nil, false)
	if e.State() != StateCandidate {
		t.Fatalf("expected candidate, got %v", e.State())
	}

	e.HandleClaim(ScoredNode{ID: "gw", Score: 3.5}, ClaimCandidate, start.Add(cfg.ElectionTimeout))
	if e.State() != StateDiscovering {
		t.Errorf("expected yield back to discovering against a better candidate, got %v", e.State())
	}

	// A worse candidate changes nothing.
	e.Tick(start.Add(3*cfg.ElectionTimeout), self, nil, false)
	e.HandleClaim(ScoredNode{ID: "cam-09", Score: 0.5}, ClaimCandidate, start.Add(3*cfg.ElectionTimeout))
	if e.State() != StateCandidate {
		t.Errorf("expected candidacy to stand against a worse candidate, got %v", e.State())
	}
}

func TestElection_AcceptsProclamation(t *testing.T) {
	e, _ := testElection("cam-00")
	start := time.Now()
	self := ScoredNode{ID: "cam-00", Score: 1.5}

	e.Start(start)
	e.Tick(start, self, nil, false)
	e.HandleClaim(ScoredNode{ID: "gw", Score: 3.5}, ClaimCoordinator, start.Add(time.Second))

	if e.State() != StateMember {
		t.Fatalf("expected member after proclamation, got %v", e.State())
	}
	if e.CoordinatorID() != "gw" {
		t.Errorf("expected coordinator gw, got %q", e.CoordinatorID())
	}
	if e.CoordinatorScore() != 3.5 {
		t.Errorf("expected coordinator score 3.5 recorded, got %f", e.CoordinatorScore())
	}
}

func TestElection_MemberIgnoresWorseProclamation(t *testing.T) {
	e, _ := testElection("cam-00")
	start := time.Now()
	self := ScoredNode{ID: "cam-00", Score: 1.5}

	e.Start(start)
	e.Tick(start, self, []ScoredNode{{ID: "gw", Score: 3.5}}, false)
	e.HandleClaim(ScoredNode{ID: "gw", Score: 3.5}, ClaimCoordinator, start)

	// A worse node proclaiming does not displace the accepted coordinator.
	e.HandleClaim(ScoredNode{ID: "cam-09", Score: 1.0}, ClaimCoordinator, start.Add(time.Second))
	if e.CoordinatorID() != "gw" {
		t.Errorf("expected gw to remain coordinator, got %q", e.CoordinatorID())
	}

	// A strictly better one does.
	e.HandleClaim(ScoredNode{ID: "gw-02", Score: 4.5}, ClaimCoordinator, start.Add(2*time.Second))
	if e.CoordinatorID() != "gw-02" {
		t.Errorf("expected better coordinator gw-02 accepted, got %q", e.CoordinatorID())
	}
}

func TestElection_MemberKeepsFarCoordinatorAgainstWorseNeighbor(t *testing.T) {
	e, _ := testElection("cam-03")
	start := time.Now()
	self := ScoredNode{ID: "cam-03", Score: 1.3}

	e.Start(start)
	e.Tick(start, self, nil, false)

	// The coordinator arrives through a relayed digest: it sits several hops
	// away and never shows up in the one-hop peer view.
	e.HandleClaim(ScoredNode{ID: "gw", Score: 2.5}, ClaimCoordinator, start)
	if e.CoordinatorID() != "gw" {
		t.Fatalf("expected gw accepted as coordinator, got %q", e.CoordinatorID())
	}

	// Ticks where only the adjacent neighbor is visible must not erase what
	// is known about the far coordinator's score.
	e.Tick(start.Add(time.Second), self, []ScoredNode{{ID: "cam-02", Score: 1.4}}, false)

	// The worse neighbor proclaims itself: the far coordinator stands.
	e.HandleClaim(ScoredNode{ID: "cam-02", Score: 1.4}, ClaimCoordinator, start.Add(2*time.Second))
	if e.CoordinatorID() != "gw" {
		t.Errorf("expected far coordinator to stand against a worse proclamation, got %q", e.CoordinatorID())
	}

	// A strictly better proclamation still wins.
	e.HandleClaim(ScoredNode{ID: "gw-02", Score: 3.0}, ClaimCoordinator, start.Add(3*time.Second))
	if e.CoordinatorID() != "gw-02" {
		t.Errorf("expected better coordinator accepted, got %q", e.CoordinatorID())
	}
}

func TestElection_SplitBrainWorseCoordinatorStepsDown(t *testing.T) {
	e, cfg := testElection("cam-05")
	start := time.Now()
	self := ScoredNode{ID: "cam-05", Score: 1.5}

	// Become coordinator of an isolated partition.
	e.Start(start)
	e.Tick(start.Add(cfg.ElectionTimeout), self, nil, false)
	e.Tick(start.Add(2*cfg.ElectionTimeout), self, nil, false)
	if !e.IsCoordinator() {
		t.Fatalf("expected coordinator, got %v", e.State())
	}

	// The partitions merge and a better coordinator's proclamation arrives.
	e.HandleClaim(ScoredNode{ID: "gw", Score: 3.5}, ClaimCoordinator, start.Add(3*cfg.ElectionTimeout))
	if e.State() != StateMember {
		t.Fatalf("expected worse coordinator to step down to member, got %v", e.State())
	}
	if e.CoordinatorID() != "gw" {
		t.Errorf("expected gw accepted after step-down, got %q", e.CoordinatorID())
	}
}

func TestElection_SplitBrainBetterCoordinatorStands(t *testing.T) {
	e, cfg := testElection("cam-01")
	start := time.Now()
	self := ScoredNode{ID: "cam-01", Score: 3.5}

	e.Start(start)
	e.Tick(start.Add(cfg.ElectionTimeout), self, nil, false)
	e.Tick(start.Add(2*cfg.ElectionTimeout), self, nil, false)

	e.HandleClaim(ScoredNode{ID: "cam-09", Score: 1.5}, ClaimCoordinator, start.Add(3*cfg.ElectionTimeout))
	if !e.IsCoordinator() {
		t.Errorf("expected better coordinator to keep the role, got %v", e.State())
	}
}

func TestElection_AdjacentMemberSilenceAtBeaconCadence(t *testing.T) {
	e, cfg := testElection("cam-00")
	start := time.Now()
	self := ScoredNode{ID: "cam-00", Score: 1.5}

	e.Start(start)
	e.Tick(start, self, nil, true)
	e.HandleClaim(ScoredNode{ID: "gw", Score: 3.5}, ClaimCoordinator, start)

	silence := time.Duration(cfg.CoordinatorMissLimit) * cfg.BeaconInterval

	// Heartbeats keep the membership alive.
	e.HandleClaim(ScoredNode{ID: "gw", Score: 3.5}, ClaimCoordinator, start.Add(silence))
	e.Tick(start.Add(silence+time.Second), self, nil, true)
	if e.State() != StateMember {
		t.Fatalf("expected member while heartbeats arrive, got %v", e.State())
	}

	// Three missed heartbeats from an adjacent coordinator trip re-election.
	e.Tick(start.Add(2*silence+2*time.Second), self, nil, true)
	if e.State() != StateReassessing {
		t.Fatalf("expected reassessing after adjacent coordinator silence, got %v", e.State())
	}
	// Reassessing drains back into discovery on the next tick.
	e.Tick(start.Add(2*silence+3*time.Second), self, nil, true)
	if e.State() != StateDiscovering {
		t.Errorf("expected discovering after reassessment, got %v", e.State())
	}
}

func TestElection_FarMemberSilenceAtSyncCadence(t *testing.T) {
	e, cfg := testElection("cam-00")
	start := time.Now()
	self := ScoredNode{ID: "cam-00", Score: 1.5}

	e.Start(start)
	e.Tick(start, self, nil, false)
	e.HandleClaim(ScoredNode{ID: "gw", Score: 3.5}, ClaimCoordinator, start)

	beaconSilence := time.Duration(cfg.CoordinatorMissLimit) * cfg.BeaconInterval
	syncSilence := time.Duration(cfg.CoordinatorMissLimit) * cfg.SyncInterval

	// A non-adjacent member hears the coordinator only through relayed
	// topology digests, so beacon-cadence silence must not trip it.
	e.Tick(start.Add(beaconSilence+time.Second), self, nil, false)
	if e.State() != StateMember {
		t.Fatalf("expected far member to tolerate beacon-cadence silence, got %v", e.State())
	}
	e.Tick(start.Add(syncSilence+time.Second), self, nil, false)
	if e.State() != StateReassessing {
		t.Fatalf("expected reassessing after sync-cadence silence, got %v", e.State())
	}
}

func TestElection_SuspectPartitionOnlyAffectsMembers(t *testing.T) {
	e, cfg := testElection("cam-00")
	start := time.Now()
	self := ScoredNode{ID: "cam-00", Score: 3.5}

	// Coordinators and discovering nodes ignore the hint.
	e.Start(start)
	e.SuspectPartition(start)
	if e.State() != StateDiscovering {
		t.Errorf("expected discovering unaffected by partition hint, got %v", e.State())
	}
	e.Tick(start.Add(cfg.ElectionTimeout), self, nil, false)
	e.Tick(start.Add(2*cfg.ElectionTimeout), self, nil, false)
	e.SuspectPartition(start.Add(2 * cfg.ElectionTimeout))
	if !e.IsCoordinator() {
		t.Errorf("expected coordinator unaffected by partition hint, got %v", e.State())
	}

	// Members reassess immediately.
	e.HandleClaim(ScoredNode{ID: "aw", Score: 5.0}, ClaimCoordinator, start.Add(3*cfg.ElectionTimeout))
	if e.State() != StateMember {
		t.Fatalf("expected member before the hint, got %v", e.State())
	}
	e.SuspectPartition(start.Add(3 * cfg.ElectionTimeout))
	if e.State() != StateReassessing {
		t.Errorf("expected member to reassess on partition hint, got %v", e.State())
	}
}

func TestElection_RoleChangeCallback(t *testing.T) {
	e, cfg := testElection("cam-00")
	start := time.Now()
	self := ScoredNode{ID: "cam-00", Score: 1.5}

	type change struct {
		state       ElectionState
		coordinator string
	}
	var changes []change
	e.OnRoleChange(func(s ElectionState, id string) {
		changes = append(changes, change{s, id})
	})

	e.Start(start)
	e.Tick(start.Add(cfg.ElectionTimeout), self, nil, false)
	e.Tick(start.Add(2*cfg.ElectionTimeout), self, nil, false)

	want := []change{
		{StateDiscovering, ""},
		{StateCandidate, ""},
		{StateCoordinator, "cam-00"},
	}
	if len(changes) != len(want) {
		t.Fatalf("expected %d role changes, got %d: %v", len(want), len(changes), changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change %d: expected %+v, got %+v", i, want[i], changes[i])
		}
	}
}
