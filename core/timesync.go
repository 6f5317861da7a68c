package core

import (
	"errors"
	"time"

	"github.com/faunasignal/wildmesh/internal/logging"
)

// ErrClockUnsynced is advisory: downstream consumers treat timestamps from an
// unsynced node as reduced confidence, never as a failure.
var ErrClockUnsynced = errors.New("clock not synchronized")

// TimeSyncState is the single per-node clock state, overwritten on each
// successful exchange and decayed when stale.
type TimeSyncState struct {
	Offset   time.Duration
	Accuracy time.Duration
	LastSync time.Time
	Synced   bool
}

// TimeSynchronizer propagates the coordinator's reference clock to members
// with bounded drift. Members exchange one request/reply per sync interval,
// and immediately after any coordinator change; without a coordinator the
// node free-runs on its local clock.
type TimeSynchronizer struct {
	cfg Config
	log logging.Logger

	state TimeSyncState

	// outstanding is the originate timestamp of the in-flight request,
	// zero when none.
	outstanding time.Time
	forceResync bool
}

// NewTimeSynchronizer constructs an unsynced clock state.
func NewTimeSynchronizer(cfg Config, log logging.Logger) *TimeSynchronizer {
	if log == nil {
		log = logging.Noop()
	}
	return &TimeSynchronizer{cfg: cfg, log: log}
}

// State returns a copy of the current sync state.
func (t *TimeSynchronizer) State() TimeSyncState { return t.state }

// RequestDue reports whether a sync request should be sent now. The caller
// supplies whether a coordinator is currently known.
func (t *TimeSynchronizer) RequestDue(now time.Time, haveCoordinator bool) bool {
	if !haveCoordinator {
		return false
	}
	if !t.outstanding.IsZero() && now.Sub(t.outstanding) < t.cfg.AckTimeout {
		return false
	}
	if t.forceResync || !t.state.Synced {
		return true
	}
	return now.Sub(t.state.LastSync) >= t.cfg.SyncInterval
}

// BuildRequest produces the request payload and marks it outstanding.
// Originate is the member's local send time (T1).
func (t *TimeSynchronizer) BuildRequest(now time.Time) TimeSyncRequestPayload {
	t.outstanding = now
	return TimeSyncRequestPayload{Originate: now}
}

// BuildReply is the coordinator side: echo the originate timestamp and attach
// the reference clock reading.
func BuildReply(req TimeSyncRequestPayload, coordinatorNow time.Time) TimeSyncReplyPayload {
	return TimeSyncReplyPayload{Originate: req.Originate, Coordinator: coordinatorNow}
}

// HandleReply folds a coordinator reply into the clock state:
//
//	offset   = coordinatorTime - (originate + roundTrip/2)
//	accuracy = roundTrip/2
//
// Replies that do not match the outstanding request are ignored (duplicates
// or replies from a previous coordinator).
func (t *TimeSynchronizer) HandleReply(p TimeSyncReplyPayload, now time.Time) bool {
	if t.outstanding.IsZero() || !p.Originate.Equal(t.outstanding) {
		return false
	}
	roundTrip := now.Sub(p.Originate)
	if roundTrip < 0 {
		return false
	}
	midpoint := p.Originate.Add(roundTrip / 2)
	t.state = TimeSyncState{
		Offset:   p.Coordinator.Sub(midpoint),
		Accuracy: roundTrip / 2,
		LastSync: now,
		Synced:   true,
	}
	t.outstanding = time.Time{}
	t.forceResync = false
	return true
}

// OnCoordinatorChange schedules an immediate resync against the new
// coordinator. The previous offset remains in use until replaced or stale.
func (t *TimeSynchronizer) OnCoordinatorChange() {
	t.forceResync = true
	t.outstanding = time.Time{}
}

// Decay flips Synced off once the last exchange ages past the staleness
// bound. Call once per tick.
func (t *TimeSynchronizer) Decay(now time.Time) {
	if t.state.Synced && now.Sub(t.state.LastSync) > t.cfg.TimeSyncStale() {
		t.state.Synced = false
	}
}

// NetworkTime maps a local timestamp onto the coordinator's reference clock.
// When unsynced it returns the local time unchanged alongside
// ErrClockUnsynced so callers can mark the timestamp reduced-confidence.
func (t *TimeSynchronizer) NetworkTime(local time.Time) (time.Time, error) {
	if !t.state.Synced {
		return local, ErrClockUnsynced
	}
	return local.Add(t.state.Offset), nil
}
