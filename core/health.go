package core

import (
	"time"

	"github.com/faunasignal/wildmesh/internal/logging"
)

// NetworkHealthMetrics is the read-only snapshot the monitor refreshes on a
// fixed cadence. Routing and the scheduler consult it; external status
// collaborators read it through the node's status query.
type NetworkHealthMetrics struct {
	PacketsSent      uint64  `json:"PacketsSent"`
	PacketsReceived  uint64  `json:"PacketsReceived"`
	PacketsForwarded uint64  `json:"PacketsForwarded"`
	PacketsDropped   uint64  `json:"PacketsDropped"`
	RoutingErrors    uint64  `json:"RoutingErrors"`
	MalformedPackets uint64  `json:"MalformedPackets"`
	AvgLatencyMs     float64 `json:"AvgLatencyMs"`
	// LossRate is the observed fraction of unacknowledged transmissions,
	// in [0,1].
	LossRate float64 `json:"LossRate"`
	// NetworkLoad is the advertisement-volume load estimate, in [0,100].
	NetworkLoad float64   `json:"NetworkLoad"`
	UpdatedAt   time.Time `json:"UpdatedAt"`
}

// HealthRecorder mirrors snapshots into an external metrics system. The
// observability package provides the Prometheus implementation.
type HealthRecorder interface {
	RecordHealth(m NetworkHealthMetrics)
}

// HealthMonitor aggregates counters from the scheduler and topology
// synchronizer. Strictly observational: it never mutates routing or topology
// state.
type HealthMonitor struct {
	cfg      Config
	log      logging.Logger
	recorder HealthRecorder

	sent      uint64
	received  uint64
	forwarded uint64
	dropped   uint64
	routeErrs uint64
	malformed uint64

	latencySum   time.Duration
	latencyCount uint64

	// Window counters for the loss-rate estimate, reset each refresh.
	windowAcked  uint64
	windowFailed uint64

	snapshot    NetworkHealthMetrics
	lastRefresh time.Time
}

// NewHealthMonitor constructs the monitor. recorder may be nil.
func NewHealthMonitor(cfg Config, log logging.Logger, recorder HealthRecorder) *HealthMonitor {
	if log == nil {
		log = logging.Noop()
	}
	return &HealthMonitor{cfg: cfg, log: log, recorder: recorder}
}

// RecordSent counts one transmitted packet.
func (h *HealthMonitor) RecordSent() { h.sent++ }

// RecordReceived counts one received packet.
func (h *HealthMonitor) RecordReceived() { h.received++ }

// RecordForwarded counts one relayed packet.
func (h *HealthMonitor) RecordForwarded() { h.forwarded++ }

// RecordDropped counts one dropped packet (TTL expiry, queue eviction, or
// retry exhaustion).
func (h *HealthMonitor) RecordDropped() { h.dropped++ }

// RecordRoutingError counts one route lookup failure.
func (h *HealthMonitor) RecordRoutingError() { h.routeErrs++ }

// RecordMalformed counts one undecodable packet. Malformed input is dropped
// silently; this counter is its only trace.
func (h *HealthMonitor) RecordMalformed() { h.malformed++ }

// RecordAck folds one acknowledged transmission and its round-trip latency.
func (h *HealthMonitor) RecordAck(latency time.Duration) {
	h.windowAcked++
	h.latencySum += latency
	h.latencyCount++
}

// RecordSendFailure folds one transmission that timed out without an ack.
func (h *HealthMonitor) RecordSendFailure() { h.windowFailed++ }

// Refresh recomputes the snapshot when the cadence has elapsed. networkLoad
// comes from the topology synchronizer's advertisement accounting. Returns
// true when a new snapshot was produced.
func (h *HealthMonitor) Refresh(now time.Time, networkLoad float64) bool {
	if !h.lastRefresh.IsZero() && now.Sub(h.lastRefresh) < h.cfg.BeaconInterval {
		return false
	}
	h.lastRefresh = now

	var avgLatency float64
	if h.latencyCount > 0 {
		avgLatency = float64(h.latencySum.Milliseconds()) / float64(h.latencyCount)
	}

	lossRate := h.snapshot.LossRate
	if total := h.windowAcked + h.windowFailed; total > 0 {
		observed := float64(h.windowFailed) / float64(total)
		// Smooth across windows so a single quiet interval does not
		// whipsaw routing decisions.
		lossRate = lossRate*0.5 + observed*0.5
	}
	h.windowAcked, h.windowFailed = 0, 0

	if networkLoad < 0 {
		networkLoad = 0
	} else if networkLoad > 100 {
		networkLoad = 100
	}

	h.snapshot = NetworkHealthMetrics{
		PacketsSent:      h.sent,
		PacketsReceived:  h.received,
		PacketsForwarded: h.forwarded,
		PacketsDropped:   h.dropped,
		RoutingErrors:    h.routeErrs,
		MalformedPackets: h.malformed,
		AvgLatencyMs:     avgLatency,
		LossRate:         lossRate,
		NetworkLoad:      networkLoad,
		UpdatedAt:        now,
	}
	if h.recorder != nil {
		h.recorder.RecordHealth(h.snapshot)
	}
	return true
}

// Snapshot returns the latest metrics copy.
func (h *HealthMonitor) Snapshot() NetworkHealthMetrics { return h.snapshot }
