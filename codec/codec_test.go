package codec

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/faunasignal/wildmesh/model"
)

func TestDetectionRoundTrip(t *testing.T) {
	captured := time.Date(2026, 3, 14, 5, 30, 12, 345e6, time.UTC)
	d := model.WildlifeDetection{
		SpeciesID:          451,
		Confidence:         0.87,
		Box:                model.BoundingBox{X: 120, Y: 48, Width: 300, Height: 210},
		Behavior:           model.BehaviorFeeding,
		ImageRef:           "frame-20260314-053012.jpg",
		EnvironmentalScore: 0.42,
		Latitude:           46.56789,
		Longitude:          -8.54321,
		Timestamp:          captured,
	}

	got, err := DecodeDetection(EncodeDetection(d))
	if err != nil {
		t.Fatalf("DecodeDetection: %v", err)
	}

	// Integer fields round-trip exactly.
	if got.SpeciesID != d.SpeciesID {
		t.Errorf("expected species %d, got %d", d.SpeciesID, got.SpeciesID)
	}
	if got.Box != d.Box {
		t.Errorf("expected box %+v, got %+v", d.Box, got.Box)
	}
	if got.Behavior != d.Behavior {
		t.Errorf("expected behavior %v, got %v", d.Behavior, got.Behavior)
	}
	if got.ImageRef != d.ImageRef {
		t.Errorf("expected image ref %q, got %q", d.ImageRef, got.ImageRef)
	}

	// Unit fields quantize to 1/255 steps.
	if math.Abs(got.Confidence-d.Confidence) > 1.0/255 {
		t.Errorf("confidence error beyond quantization: want %f, got %f", d.Confidence, got.Confidence)
	}
	if math.Abs(got.EnvironmentalScore-d.EnvironmentalScore) > 1.0/255 {
		t.Errorf("environmental score error beyond quantization: want %f, got %f", d.EnvironmentalScore, got.EnvironmentalScore)
	}

	// Coordinates quantize to 1e-5 degrees; sign must survive.
	if math.Abs(got.Latitude-d.Latitude) > 1e-5 {
		t.Errorf("latitude error beyond quantization: want %f, got %f", d.Latitude, got.Latitude)
	}
	if math.Abs(got.Longitude-d.Longitude) > 1e-5 {
		t.Errorf("longitude error beyond quantization: want %f, got %f", d.Longitude, got.Longitude)
	}

	// Timestamps carry Unix milliseconds exactly.
	if !got.Timestamp.Equal(captured.Truncate(time.Millisecond)) {
		t.Errorf("expected timestamp %v, got %v", captured.Truncate(time.Millisecond), got.Timestamp)
	}
}

func TestDetectionOmitsEmptyImageRef(t *testing.T) {
	d := model.WildlifeDetection{SpeciesID: 1, Timestamp: time.Now()}
	got, err := DecodeDetection(EncodeDetection(d))
	if err != nil {
		t.Fatalf("DecodeDetection: %v", err)
	}
	if got.ImageRef != "" {
		t.Errorf("expected empty image ref, got %q", got.ImageRef)
	}
}

func TestEnvironmentalRoundTrip(t *testing.T) {
	captured := time.Date(2026, 3, 14, 5, 30, 0, 0, time.UTC)
	e := model.EnvironmentalData{
		TemperatureC:  -12.7,
		Humidity:      68.5,
		PressureHPa:   1013.3,
		LightLevel:    820,
		ParticulateUg: 14,
		GasPPB:        230,
		SoilMoisture:  512,
		WindSpeedMS:   4.3,
		WindDirection: 270,
		Timestamp:     captured,
	}

	got, err := DecodeEnvironmental(EncodeEnvironmental(e))
	if err != nil {
		t.Fatalf("DecodeEnvironmental: %v", err)
	}

	// Negative temperatures round-trip at 0.1 degC resolution.
	if math.Abs(got.TemperatureC-e.TemperatureC) > 0.05 {
		t.Errorf("temperature error beyond quantization: want %f, got %f", e.TemperatureC, got.TemperatureC)
	}
	if math.Abs(got.Humidity-e.Humidity) > 0.25 {
		t.Errorf("humidity error beyond quantization: want %f, got %f", e.Humidity, got.Humidity)
	}
	if math.Abs(got.PressureHPa-e.PressureHPa) > 0.05 {
		t.Errorf("pressure error beyond quantization: want %f, got %f", e.PressureHPa, got.PressureHPa)
	}
	if math.Abs(got.WindSpeedMS-e.WindSpeedMS) > 0.05 {
		t.Errorf("wind speed error beyond quantization: want %f, got %f", e.WindSpeedMS, got.WindSpeedMS)
	}

	// Sensor-native integer fields are exact.
	if got.LightLevel != e.LightLevel || got.ParticulateUg != e.ParticulateUg ||
		got.GasPPB != e.GasPPB || got.SoilMoisture != e.SoilMoisture {
		t.Errorf("expected integer sensor fields exact, got %+v", got)
	}
	if got.WindDirection != 270 {
		t.Errorf("expected wind direction 270, got %d", got.WindDirection)
	}
	if !got.Timestamp.Equal(captured) {
		t.Errorf("expected timestamp %v, got %v", captured, got.Timestamp)
	}
}

func TestEnvironmentalClampsOutOfRangeInput(t *testing.T) {
	e := model.EnvironmentalData{
		Humidity:      140,   // clamped to 100
		PressureHPa:   -5,    // clamped to 0
		WindSpeedMS:   -1,    // clamped to 0
		WindDirection: 725,   // wrapped mod 360
		Timestamp:     time.Now(),
	}
	got, err := DecodeEnvironmental(EncodeEnvironmental(e))
	if err != nil {
		t.Fatalf("DecodeEnvironmental: %v", err)
	}
	if got.Humidity != 100 {
		t.Errorf("expected humidity clamped to 100, got %f", got.Humidity)
	}
	if got.PressureHPa != 0 {
		t.Errorf("expected pressure clamped to 0, got %f", got.PressureHPa)
	}
	if got.WindSpeedMS != 0 {
		t.Errorf("expected wind speed clamped to 0, got %f", got.WindSpeedMS)
	}
	if got.WindDirection != 5 {
		t.Errorf("expected wind direction wrapped to 5, got %d", got.WindDirection)
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown compression flag", []byte{0x7F, 1, 2, 3}},
		{"truncated zstd", []byte{0x01, 0xDE, 0xAD}},
		{"garbage varint", []byte{0x00, 0x08, 0xFF}},
	}
	for _, tc := range cases {
		if _, err := DecodeDetection(tc.data); !errors.Is(err, ErrMalformedPacket) {
			t.Errorf("%s: expected ErrMalformedPacket from DecodeDetection, got %v", tc.name, err)
		}
		if _, err := DecodeEnvironmental(tc.data); !errors.Is(err, ErrMalformedPacket) {
			t.Errorf("%s: expected ErrMalformedPacket from DecodeEnvironmental, got %v", tc.name, err)
		}
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	// A record from newer firmware may carry fields this build does not
	// know. Append an unknown varint field and decode.
	d := model.WildlifeDetection{SpeciesID: 7, Timestamp: time.Now()}
	body, err := decompress(EncodeDetection(d))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	extended := appendVarintField(body, 99, 12345)

	got, err := DecodeDetection(append([]byte{flagRaw}, extended...))
	if err != nil {
		t.Fatalf("expected unknown field skipped, got %v", err)
	}
	if got.SpeciesID != 7 {
		t.Errorf("expected known fields preserved, got species %d", got.SpeciesID)
	}
}

func TestCompressionEnvelopeFallsBackToRaw(t *testing.T) {
	// Short records rarely shrink under zstd; the envelope must fall back
	// to the raw flag and still decode.
	d := model.WildlifeDetection{SpeciesID: 1, Timestamp: time.UnixMilli(0)}
	encoded := EncodeDetection(d)
	if encoded[0] != flagRaw && encoded[0] != flagZstd {
		t.Fatalf("unexpected envelope flag 0x%02X", encoded[0])
	}
	if _, err := DecodeDetection(encoded); err != nil {
		t.Errorf("expected envelope to decode regardless of flag, got %v", err)
	}
}
