package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// TelemetryCollector exposes codec-level Prometheus metrics: how small the
// quantized encodings come out and how many records flow through the sink.
type TelemetryCollector struct {
	gatherer prometheus.Gatherer

	EncodedBytes *prometheus.HistogramVec
	Records      *prometheus.CounterVec
}

// NewTelemetryCollector registers codec metrics against the provided registerer.
func NewTelemetryCollector(reg prometheus.Registerer) (*TelemetryCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	encodedBytes := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "telemetry_encoded_bytes",
		Help:    "Size of encoded telemetry payloads in bytes, labeled by record kind.",
		Buckets: []float64{8, 16, 24, 32, 48, 64, 96, 128, 256, 512},
	}, []string{"kind"})
	encodedBytes, err := registerHistogramVec(reg, encodedBytes, "telemetry_encoded_bytes")
	if err != nil {
		return nil, err
	}

	records := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_records_total",
		Help: "Telemetry records delivered to the sink, labeled by record kind.",
	}, []string{"kind"})
	records, err = registerCounterVec(reg, records, "telemetry_records_total")
	if err != nil {
		return nil, err
	}

	return &TelemetryCollector{
		gatherer:     gatherer,
		EncodedBytes: encodedBytes,
		Records:      records,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *TelemetryCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveEncoded records the size of one encoded payload.
func (c *TelemetryCollector) ObserveEncoded(kind string, bytes int) {
	if c == nil || c.EncodedBytes == nil {
		return
	}
	c.EncodedBytes.WithLabelValues(kind).Observe(float64(bytes))
}

// IncRecord counts one record delivered to the sink.
func (c *TelemetryCollector) IncRecord(kind string) {
	if c == nil || c.Records == nil {
		return
	}
	c.Records.WithLabelValues(kind).Inc()
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
