package model

import "time"

// BehaviorCode classifies observed animal behavior. Values are part of the
// wire format and must stay stable across firmware versions.
type BehaviorCode uint8

const (
	BehaviorUnknown BehaviorCode = iota
	BehaviorResting
	BehaviorFeeding
	BehaviorAlert
	BehaviorMoving
	BehaviorMating
	BehaviorTerritorial
)

// BoundingBox locates a detection within the captured frame, in pixels.
type BoundingBox struct {
	X      uint16 `json:"X"`
	Y      uint16 `json:"Y"`
	Width  uint16 `json:"Width"`
	Height uint16 `json:"Height"`
}

// WildlifeDetection is an immutable observation record produced by the
// camera/AI subsystem. The coordination layer never mutates one; it only
// encodes, forwards, and decodes them.
type WildlifeDetection struct {
	SpeciesID uint16 `json:"SpeciesID"`
	// Confidence is the classifier confidence in [0,1]. Quantized to
	// 1/255 steps on the wire.
	Confidence float64      `json:"Confidence"`
	Box        BoundingBox  `json:"Box"`
	Behavior   BehaviorCode `json:"Behavior"`
	// ImageRef names the stored frame on the capturing node, e.g. a
	// filename or content hash. Not dereferenced by this layer.
	ImageRef string `json:"ImageRef,omitempty"`
	// EnvironmentalScore correlates the detection with ambient conditions,
	// in [0,1]. Quantized to 1/255 steps on the wire.
	EnvironmentalScore float64 `json:"EnvironmentalScore"`
	// Latitude and Longitude are the capturing node's position in degrees.
	// Quantized to 1e-5 degree steps (roughly 1.1 m) on the wire.
	Latitude  float64 `json:"Latitude"`
	Longitude float64 `json:"Longitude"`
	// Timestamp is carried as Unix milliseconds, exactly.
	Timestamp time.Time `json:"Timestamp"`
}

// EnvironmentalData is an immutable sensor reading record. Wire precision per
// field is documented in the codec package.
type EnvironmentalData struct {
	TemperatureC  float64   `json:"TemperatureC"`
	Humidity      float64   `json:"Humidity"`      // percent
	PressureHPa   float64   `json:"PressureHPa"`   // hectopascal
	LightLevel    uint16    `json:"LightLevel"`    // sensor-native lux steps
	ParticulateUg uint16    `json:"ParticulateUg"` // micrograms per cubic metre
	GasPPB        uint16    `json:"GasPPB"`        // parts per billion
	SoilMoisture  uint16    `json:"SoilMoisture"`  // sensor-native steps
	WindSpeedMS   float64   `json:"WindSpeedMS"`   // metres per second
	WindDirection uint16    `json:"WindDirection"` // degrees clockwise from north
	Timestamp     time.Time `json:"Timestamp"`
}
