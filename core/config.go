package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig indicates an operator-supplied configuration failed
// validation. This is the only error class in the layer that surfaces to the
// operator rather than being absorbed at runtime.
var ErrInvalidConfig = errors.New("invalid mesh config")

// Config carries every interval, weight, and bound the coordination layer
// uses. The values are deployment choices, not protocol invariants: two nodes
// with different intervals still interoperate, they just converge slower.
type Config struct {
	// BeaconInterval is the period between discovery beacons. A neighbor is
	// considered silent after missing three consecutive beacons.
	// Default: 30 seconds.
	BeaconInterval time.Duration

	// SyncInterval is the period between topology digests and time-sync
	// exchanges. Remote topology entries staler than three intervals are
	// discarded. Default: 2 minutes.
	SyncInterval time.Duration

	// RouteTimeout is how long an unused route survives before pruning.
	// Default: 5 minutes.
	RouteTimeout time.Duration

	// MaxHops bounds route length and seeds packet TTLs. Default: 8.
	MaxHops int

	// ElectionTimeout is how long a candidate waits for objections before
	// proclaiming itself coordinator. Default: 2x BeaconInterval.
	ElectionTimeout time.Duration

	// CoordinatorMissLimit is the number of consecutive missed coordinator
	// heartbeats that triggers re-election. Default: 3.
	CoordinatorMissLimit int

	// AckTimeout is how long the scheduler waits for an acknowledgment
	// before treating a transmission as failed. Default: 5 seconds.
	AckTimeout time.Duration

	// MaxAttempts bounds retransmissions of a single packet, after which
	// the next-best route is tried once and then the packet is dropped.
	// Default: 4.
	MaxAttempts int

	// RetryBackoffBase is the first retry delay; subsequent retries double
	// it. Default: 2 seconds.
	RetryBackoffBase time.Duration

	// ContentionSlot sizes the randomized send backoff: the contention
	// window is ContentionSlot x (1 + neighbor count). Default: 50ms.
	ContentionSlot time.Duration

	// QueueCapacity bounds the outbound priority queue. When full, the
	// lowest-priority pending packet is dropped to admit a higher-priority
	// one. Default: 64.
	QueueCapacity int

	// ReliabilityDecay is the EMA decay for route reliability updates.
	// Default: 0.8.
	ReliabilityDecay float64

	// Route scoring weights. Defaults favor reliability: 0.7 / 0.2 / 0.1.
	WeightReliability float64
	WeightHopCount    float64
	WeightBandwidth   float64
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		BeaconInterval:       30 * time.Second,
		SyncInterval:         2 * time.Minute,
		RouteTimeout:         5 * time.Minute,
		MaxHops:              8,
		ElectionTimeout:      time.Minute,
		CoordinatorMissLimit: 3,
		AckTimeout:           5 * time.Second,
		MaxAttempts:          4,
		RetryBackoffBase:     2 * time.Second,
		ContentionSlot:       50 * time.Millisecond,
		QueueCapacity:        64,
		ReliabilityDecay:     0.8,
		WeightReliability:    0.7,
		WeightHopCount:       0.2,
		WeightBandwidth:      0.1,
	}
}

// ApplyDefaults fills zero or negative fields with their defaults, leaving
// explicitly set values alone.
func (c Config) ApplyDefaults() Config {
	def := DefaultConfig()
	if c.BeaconInterval <= 0 {
		c.BeaconInterval = def.BeaconInterval
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = def.SyncInterval
	}
	if c.RouteTimeout <= 0 {
		c.RouteTimeout = def.RouteTimeout
	}
	if c.MaxHops <= 0 {
		c.MaxHops = def.MaxHops
	}
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = 2 * c.BeaconInterval
	}
	if c.CoordinatorMissLimit <= 0 {
		c.CoordinatorMissLimit = def.CoordinatorMissLimit
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = def.RetryBackoffBase
	}
	if c.ContentionSlot <= 0 {
		c.ContentionSlot = def.ContentionSlot
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.ReliabilityDecay <= 0 {
		c.ReliabilityDecay = def.ReliabilityDecay
	}
	if c.WeightReliability == 0 && c.WeightHopCount == 0 && c.WeightBandwidth == 0 {
		c.WeightReliability = def.WeightReliability
		c.WeightHopCount = def.WeightHopCount
		c.WeightBandwidth = def.WeightBandwidth
	}
	return c
}

// NeighborSilence is the silence timeout after which a confirmed neighbor is
// removed: three consecutive missed beacons.
func (c Config) NeighborSilence() time.Duration { return 3 * c.BeaconInterval }

// TopologyStale bounds the freshness of cached remote topology entries.
func (c Config) TopologyStale() time.Duration { return 3 * c.SyncInterval }

// TimeSyncStale bounds how long a clock offset stays trusted without a
// successful exchange.
func (c Config) TimeSyncStale() time.Duration { return 3 * c.SyncInterval }

// Validate rejects configurations that would break scoring or bounds.
func (c Config) Validate() error {
	if c.MaxHops < 1 || c.MaxHops > 255 {
		return fmt.Errorf("%w: MaxHops must be in [1,255], got %d", ErrInvalidConfig, c.MaxHops)
	}
	if c.ReliabilityDecay <= 0 || c.ReliabilityDecay >= 1 {
		return fmt.Errorf("%w: ReliabilityDecay must be in (0,1), got %g", ErrInvalidConfig, c.ReliabilityDecay)
	}
	if c.WeightReliability < 0 || c.WeightHopCount < 0 || c.WeightBandwidth < 0 {
		return fmt.Errorf("%w: route scoring weights must be non-negative", ErrInvalidConfig)
	}
	if c.WeightReliability+c.WeightHopCount+c.WeightBandwidth == 0 {
		return fmt.Errorf("%w: at least one route scoring weight must be positive", ErrInvalidConfig)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("%w: QueueCapacity must be positive, got %d", ErrInvalidConfig, c.QueueCapacity)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: MaxAttempts must be positive, got %d", ErrInvalidConfig, c.MaxAttempts)
	}
	return nil
}
