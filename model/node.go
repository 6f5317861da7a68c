package model

import (
	"errors"
	"time"
)

// ErrInvalidNode indicates a node definition failed validation.
var ErrInvalidNode = errors.New("invalid node")

// Capabilities is the closed set of hardware features a node can advertise.
// Represented as named booleans rather than an opaque bitmask so that adding
// a capability is a type-level change, not a magic constant.
type Capabilities struct {
	Camera               bool `json:"Camera"`
	AIInference          bool `json:"AIInference"`
	EnvironmentalSensors bool `json:"EnvironmentalSensors"`
	SolarPower           bool `json:"SolarPower"`
	WeatherStation       bool `json:"WeatherStation"`
	Thermal              bool `json:"Thermal"`
	Radar                bool `json:"Radar"`
}

// Any reports whether at least one capability is advertised.
func (c Capabilities) Any() bool {
	return c.Camera || c.AIInference || c.EnvironmentalSensors ||
		c.SolarPower || c.WeatherStation || c.Thermal || c.Radar
}

// NodeInfo describes a single mesh node: identity, capabilities, and the
// resource state that drives coordinator election and routing decisions.
//
// Self fields are mutated only by the owning node (via the registry); peer
// copies are refreshed from beacons and topology advertisements and aged out
// after a silence timeout.
type NodeInfo struct {
	ID           string       `json:"ID"`
	Name         string       `json:"Name,omitempty"`
	Capabilities Capabilities `json:"Capabilities"`

	// BatteryLevel is a percentage in [0,100].
	BatteryLevel float64 `json:"BatteryLevel"`
	// StablePower is set by the power manager when the node runs on
	// external power rather than battery alone.
	StablePower bool `json:"StablePower"`
	// SignalQuality is a normalized link quality estimate in [0,100].
	SignalQuality float64 `json:"SignalQuality"`

	Uptime     time.Duration `json:"Uptime"`
	FreeMemory uint64        `json:"FreeMemory"`
	LastSeen   time.Time     `json:"LastSeen"`

	Coordinator bool `json:"Coordinator"`
}

// ElectionScore is the composite used to pick a coordinator: stable external
// power dominates, then battery, then signal quality. Ties are broken by the
// caller using the smaller node ID.
func (n *NodeInfo) ElectionScore() float64 {
	score := n.BatteryLevel/100 + n.SignalQuality/100
	if n.StablePower {
		score += 2
	}
	return score
}

// Validate checks operator-supplied fields. Ranges on battery and signal are
// enforced here because election scoring assumes them.
func (n *NodeInfo) Validate() error {
	if n.ID == "" {
		return errors.Join(ErrInvalidNode, errors.New("node ID must not be empty"))
	}
	if n.BatteryLevel < 0 || n.BatteryLevel > 100 {
		return errors.Join(ErrInvalidNode, errors.New("battery level out of range [0,100]"))
	}
	if n.SignalQuality < 0 || n.SignalQuality > 100 {
		return errors.Join(ErrInvalidNode, errors.New("signal quality out of range [0,100]"))
	}
	if !n.Capabilities.Any() {
		return errors.Join(ErrInvalidNode, errors.New("node must advertise at least one capability"))
	}
	return nil
}

// Clone returns a deep copy safe for handing to other components.
func (n *NodeInfo) Clone() *NodeInfo {
	if n == nil {
		return nil
	}
	cp := *n
	return &cp
}
