package core

import (
	"testing"
	"time"
)

func TestTimeSync_OffsetFromReply(t *testing.T) {
	cfg := DefaultConfig()
	ts := NewTimeSynchronizer(cfg, nil)
	t1 := time.Now()

	req := ts.BuildRequest(t1)
	if !req.Originate.Equal(t1) {
		t.Fatalf("expected originate timestamp %v, got %v", t1, req.Originate)
	}

	// Coordinator clock runs 10s ahead; reply arrives after a 2s round trip.
	coordinatorAtMidpoint := t1.Add(time.Second).Add(10 * time.Second)
	reply := BuildReply(req, coordinatorAtMidpoint)
	arrival := t1.Add(2 * time.Second)

	if !ts.HandleReply(reply, arrival) {
		t.Fatalf("expected matching reply to be accepted")
	}
	state := ts.State()
	if !state.Synced {
		t.Fatalf("expected synced state after reply")
	}
	if state.Offset != 10*time.Second {
		t.Errorf("expected offset 10s, got %v", state.Offset)
	}
	if state.Accuracy != time.Second {
		t.Errorf("expected accuracy rtt/2 = 1s, got %v", state.Accuracy)
	}
}

func TestTimeSync_RejectsUnmatchedReply(t *testing.T) {
	cfg := DefaultConfig()
	ts := NewTimeSynchronizer(cfg, nil)
	t1 := time.Now()

	// No outstanding request.
	if ts.HandleReply(TimeSyncReplyPayload{Originate: t1, Coordinator: t1}, t1.Add(time.Second)) {
		t.Errorf("expected reply without an outstanding request to be ignored")
	}

	ts.BuildRequest(t1)
	// Wrong originate timestamp (reply to a previous request).
	stale := TimeSyncReplyPayload{Originate: t1.Add(-time.Minute), Coordinator: t1}
	if ts.HandleReply(stale, t1.Add(time.Second)) {
		t.Errorf("expected reply with mismatched originate to be ignored")
	}
	if ts.State().Synced {
		t.Errorf("expected state to remain unsynced")
	}
}

func TestTimeSync_NetworkTimeMapping(t *testing.T) {
	cfg := DefaultConfig()
	ts := NewTimeSynchronizer(cfg, nil)
	local := time.Now()

	// Unsynced: local time is returned unchanged with the advisory error.
	mapped, err := ts.NetworkTime(local)
	if err != ErrClockUnsynced {
		t.Fatalf("expected ErrClockUnsynced while unsynced, got %v", err)
	}
	if !mapped.Equal(local) {
		t.Errorf("expected local time passthrough while unsynced")
	}

	req := ts.BuildRequest(local)
	ts.HandleReply(BuildReply(req, local.Add(5*time.Second)), local)

	mapped, err = ts.NetworkTime(local)
	if err != nil {
		t.Fatalf("NetworkTime after sync: %v", err)
	}
	if got := mapped.Sub(local); got != 5*time.Second {
		t.Errorf("expected +5s mapping onto the reference clock, got %v", got)
	}
}

func TestTimeSync_DecayAfterStaleness(t *testing.T) {
	cfg := DefaultConfig()
	ts := NewTimeSynchronizer(cfg, nil)
	start := time.Now()

	req := ts.BuildRequest(start)
	ts.HandleReply(BuildReply(req, start), start)
	if !ts.State().Synced {
		t.Fatalf("expected synced state")
	}

	ts.Decay(start.Add(cfg.TimeSyncStale()))
	if !ts.State().Synced {
		t.Errorf("expected sync to survive exactly at the staleness bound")
	}
	ts.Decay(start.Add(cfg.TimeSyncStale() + time.Second))
	if ts.State().Synced {
		t.Errorf("expected sync to decay past three sync intervals")
	}
}

func TestTimeSync_RequestCadence(t *testing.T) {
	cfg := DefaultConfig()
	ts := NewTimeSynchronizer(cfg, nil)
	start := time.Now()

	// No coordinator: free-run, never request.
	if ts.RequestDue(start, false) {
		t.Errorf("expected no request without a coordinator")
	}
	// With a coordinator and no sync yet: request immediately.
	if !ts.RequestDue(start, true) {
		t.Fatalf("expected immediate request while unsynced")
	}

	req := ts.BuildRequest(start)
	// Outstanding request suppresses re-requests until the ack timeout.
	if ts.RequestDue(start.Add(cfg.AckTimeout/2), true) {
		t.Errorf("expected no re-request while one is outstanding")
	}

	ts.HandleReply(BuildReply(req, start), start.Add(time.Second))
	if ts.RequestDue(start.Add(time.Minute), true) {
		t.Errorf("expected no request mid sync interval")
	}
	if !ts.RequestDue(start.Add(time.Second+cfg.SyncInterval), true) {
		t.Errorf("expected request after a full sync interval")
	}
}

func TestTimeSync_CoordinatorChangeForcesResync(t *testing.T) {
	cfg := DefaultConfig()
	ts := NewTimeSynchronizer(cfg, nil)
	start := time.Now()

	req := ts.BuildRequest(start)
	ts.HandleReply(BuildReply(req, start.Add(3*time.Second)), start)

	if ts.RequestDue(start.Add(time.Second), true) {
		t.Fatalf("expected no request right after a successful sync")
	}

	ts.OnCoordinatorChange()
	if !ts.RequestDue(start.Add(time.Second), true) {
		t.Errorf("expected immediate resync after a coordinator change")
	}
	// The old offset stays usable until replaced.
	if _, err := ts.NetworkTime(start); err != nil {
		t.Errorf("expected previous offset to remain in use, got %v", err)
	}
}
