// Package codec serializes wildlife-detection and environmental telemetry
// into a compact wire representation: numeric fields are quantized to
// fixed-point varints and the record is passed through a byte compressor.
// Decoding is the exact inverse up to the documented quantization error.
//
// Quantization, per field:
//
//	confidence, environmental score:  1/255 steps
//	latitude, longitude:              1e-5 degree steps (~1.1 m)
//	temperature:                      0.1 degC
//	humidity:                         0.5 %
//	pressure:                         0.1 hPa
//	wind speed:                       0.1 m/s
//	timestamps:                       Unix milliseconds, exact
//
// Species ID, bounding box, behavior code, and all sensor-native integer
// fields round-trip exactly.
package codec

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/faunasignal/wildmesh/model"
)

// ErrMalformedPacket indicates undecodable input. Callers drop the packet and
// increment the health monitor's error counter; decoding never panics.
var ErrMalformedPacket = errors.New("malformed packet")

// Compression envelope flags: the first byte of every encoded record.
const (
	flagRaw  = 0x00
	flagZstd = 0x01
)

// Wire field numbers for WildlifeDetection. Stable; never renumber.
const (
	fdSpecies    = 1
	fdConfidence = 2
	fdBoxX       = 3
	fdBoxY       = 4
	fdBoxW       = 5
	fdBoxH       = 6
	fdBehavior   = 7
	fdImageRef   = 8
	fdEnvScore   = 9
	fdLatitude   = 10
	fdLongitude  = 11
	fdTimestamp  = 12
)

// Wire field numbers for EnvironmentalData.
const (
	feTemperature = 1
	feHumidity    = 2
	fePressure    = 3
	feLight       = 4
	feParticulate = 5
	feGas         = 6
	feSoil        = 7
	feWindSpeed   = 8
	feWindDir     = 9
	feTimestamp   = 10
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// quantizeUnit maps a [0,1] value onto 0..255.
func quantizeUnit(v float64) uint64 {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	return uint64(math.Round(v * 255))
}

func dequantizeUnit(q uint64) float64 {
	if q > 255 {
		q = 255
	}
	return float64(q) / 255
}

// quantizeSigned maps a value to fixed-point with the given scale, zigzagged
// so negatives stay small on the wire.
func quantizeSigned(v, scale float64) uint64 {
	return protowire.EncodeZigZag(int64(math.Round(v * scale)))
}

func dequantizeSigned(q uint64, scale float64) float64 {
	return float64(protowire.DecodeZigZag(q)) / scale
}

// EncodeDetection serializes a WildlifeDetection record.
func EncodeDetection(d model.WildlifeDetection) []byte {
	var b []byte
	b = appendVarintField(b, fdSpecies, uint64(d.SpeciesID))
	b = appendVarintField(b, fdConfidence, quantizeUnit(d.Confidence))
	b = appendVarintField(b, fdBoxX, uint64(d.Box.X))
	b = appendVarintField(b, fdBoxY, uint64(d.Box.Y))
	b = appendVarintField(b, fdBoxW, uint64(d.Box.Width))
	b = appendVarintField(b, fdBoxH, uint64(d.Box.Height))
	b = appendVarintField(b, fdBehavior, uint64(d.Behavior))
	if d.ImageRef != "" {
		b = protowire.AppendTag(b, fdImageRef, protowire.BytesType)
		b = protowire.AppendString(b, d.ImageRef)
	}
	b = appendVarintField(b, fdEnvScore, quantizeUnit(d.EnvironmentalScore))
	b = appendVarintField(b, fdLatitude, quantizeSigned(d.Latitude, 1e5))
	b = appendVarintField(b, fdLongitude, quantizeSigned(d.Longitude, 1e5))
	b = appendVarintField(b, fdTimestamp, protowire.EncodeZigZag(d.Timestamp.UnixMilli()))
	return compress(b)
}

// DecodeDetection is the inverse of EncodeDetection.
func DecodeDetection(data []byte) (model.WildlifeDetection, error) {
	var d model.WildlifeDetection
	body, err := decompress(data)
	if err != nil {
		return d, err
	}
	err = walkFields(body, func(num protowire.Number, typ protowire.Type, value uint64, raw []byte) error {
		switch num {
		case fdSpecies:
			d.SpeciesID = uint16(value)
		case fdConfidence:
			d.Confidence = dequantizeUnit(value)
		case fdBoxX:
			d.Box.X = uint16(value)
		case fdBoxY:
			d.Box.Y = uint16(value)
		case fdBoxW:
			d.Box.Width = uint16(value)
		case fdBoxH:
			d.Box.Height = uint16(value)
		case fdBehavior:
			d.Behavior = model.BehaviorCode(value)
		case fdImageRef:
			d.ImageRef = string(raw)
		case fdEnvScore:
			d.EnvironmentalScore = dequantizeUnit(value)
		case fdLatitude:
			d.Latitude = dequantizeSigned(value, 1e5)
		case fdLongitude:
			d.Longitude = dequantizeSigned(value, 1e5)
		case fdTimestamp:
			d.Timestamp = time.UnixMilli(protowire.DecodeZigZag(value)).UTC()
		}
		return nil
	})
	if err != nil {
		return model.WildlifeDetection{}, err
	}
	return d, nil
}

// EncodeEnvironmental serializes an EnvironmentalData record.
func EncodeEnvironmental(e model.EnvironmentalData) []byte {
	var b []byte
	b = appendVarintField(b, feTemperature, quantizeSigned(e.TemperatureC, 10))
	b = appendVarintField(b, feHumidity, uint64(math.Round(clamp(e.Humidity, 0, 100)*2)))
	b = appendVarintField(b, fePressure, uint64(math.Round(math.Max(e.PressureHPa, 0)*10)))
	b = appendVarintField(b, feLight, uint64(e.LightLevel))
	b = appendVarintField(b, feParticulate, uint64(e.ParticulateUg))
	b = appendVarintField(b, feGas, uint64(e.GasPPB))
	b = appendVarintField(b, feSoil, uint64(e.SoilMoisture))
	b = appendVarintField(b, feWindSpeed, uint64(math.Round(math.Max(e.WindSpeedMS, 0)*10)))
	b = appendVarintField(b, feWindDir, uint64(e.WindDirection%360))
	b = appendVarintField(b, feTimestamp, protowire.EncodeZigZag(e.Timestamp.UnixMilli()))
	return compress(b)
}

// DecodeEnvironmental is the inverse of EncodeEnvironmental.
func DecodeEnvironmental(data []byte) (model.EnvironmentalData, error) {
	var e model.EnvironmentalData
	body, err := decompress(data)
	if err != nil {
		return e, err
	}
	err = walkFields(body, func(num protowire.Number, typ protowire.Type, value uint64, raw []byte) error {
		switch num {
		case feTemperature:
			e.TemperatureC = dequantizeSigned(value, 10)
		case feHumidity:
			e.Humidity = float64(value) / 2
		case fePressure:
			e.PressureHPa = float64(value) / 10
		case feLight:
			e.LightLevel = uint16(value)
		case feParticulate:
			e.ParticulateUg = uint16(value)
		case feGas:
			e.GasPPB = uint16(value)
		case feSoil:
			e.SoilMoisture = uint16(value)
		case feWindSpeed:
			e.WindSpeedMS = float64(value) / 10
		case feWindDir:
			e.WindDirection = uint16(value % 360)
		case feTimestamp:
			e.Timestamp = time.UnixMilli(protowire.DecodeZigZag(value)).UTC()
		}
		return nil
	})
	if err != nil {
		return model.EnvironmentalData{}, err
	}
	return e, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// walkFields iterates the protowire fields of body, handing varint values and
// raw bytes to the visitor. Unknown fields are skipped so older firmware can
// decode records from newer nodes.
func walkFields(body []byte, visit func(num protowire.Number, typ protowire.Type, value uint64, raw []byte) error) error {
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return fmt.Errorf("%w: bad field tag", ErrMalformedPacket)
		}
		body = body[n:]

		switch typ {
		case protowire.VarintType:
			value, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return fmt.Errorf("%w: bad varint for field %d", ErrMalformedPacket, num)
			}
			body = body[n:]
			if err := visit(num, typ, value, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return fmt.Errorf("%w: bad bytes for field %d", ErrMalformedPacket, num)
			}
			body = body[n:]
			if err := visit(num, typ, 0, raw); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return fmt.Errorf("%w: bad field %d", ErrMalformedPacket, num)
			}
			body = body[n:]
		}
	}
	return nil
}

// compress wraps the record body in the compression envelope, falling back to
// raw when zstd does not shrink it (common for these short records).
func compress(body []byte) []byte {
	compressed := zstdEncoder.EncodeAll(body, nil)
	if len(compressed) < len(body) {
		return append([]byte{flagZstd}, compressed...)
	}
	return append([]byte{flagRaw}, body...)
}

func decompress(data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty record", ErrMalformedPacket)
	}
	switch data[0] {
	case flagRaw:
		return data[1:], nil
	case flagZstd:
		body, err := zstdDecoder.DecodeAll(data[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
		}
		return body, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression flag 0x%02x", ErrMalformedPacket, data[0])
	}
}
