package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/faunasignal/wildmesh/core"
)

// MeshCollector bundles Prometheus metrics for the mesh coordination layer.
// All vectors are labeled by node so one process simulating many cameras
// exports a per-node breakdown from a single registry.
type MeshCollector struct {
	gatherer prometheus.Gatherer

	Packets   *prometheus.CounterVec
	Malformed *prometheus.CounterVec

	LossRate    *prometheus.GaugeVec
	NetworkLoad *prometheus.GaugeVec
	AvgLatency  *prometheus.GaugeVec

	Neighbors   *prometheus.GaugeVec
	Routes      *prometheus.GaugeVec
	QueueDepth  *prometheus.GaugeVec
	Coordinator *prometheus.GaugeVec
}

// NewMeshCollector registers mesh Prometheus metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewMeshCollector(reg prometheus.Registerer) (*MeshCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	packets := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_packets_total",
		Help: "Packets handled by the coordination layer, labeled by node and direction (sent, received, forwarded, dropped).",
	}, []string{"node", "direction"})
	packets, err := registerCounterVec(reg, packets, "mesh_packets_total")
	if err != nil {
		return nil, err
	}

	malformed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_malformed_packets_total",
		Help: "Packets dropped because they failed to decode.",
	}, []string{"node"})
	malformed, err = registerCounterVec(reg, malformed, "mesh_malformed_packets_total")
	if err != nil {
		return nil, err
	}

	lossRate, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mesh_loss_rate",
		Help: "Observed fraction of unacknowledged transmissions, in [0,1].",
	}, []string{"node"}), "mesh_loss_rate")
	if err != nil {
		return nil, err
	}
	networkLoad, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mesh_network_load_percent",
		Help: "Advertisement-volume network load estimate, in [0,100].",
	}, []string{"node"}), "mesh_network_load_percent")
	if err != nil {
		return nil, err
	}
	avgLatency, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mesh_avg_latency_ms",
		Help: "Average hop acknowledgment latency in milliseconds.",
	}, []string{"node"}), "mesh_avg_latency_ms")
	if err != nil {
		return nil, err
	}

	neighbors, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mesh_neighbors",
		Help: "Current number of confirmed one-hop neighbors.",
	}, []string{"node"}), "mesh_neighbors")
	if err != nil {
		return nil, err
	}
	routes, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mesh_route_destinations",
		Help: "Current number of destinations with at least one route.",
	}, []string{"node"}), "mesh_route_destinations")
	if err != nil {
		return nil, err
	}
	queueDepth, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mesh_transmit_queue_depth",
		Help: "Outbound packets queued or awaiting acknowledgment.",
	}, []string{"node"}), "mesh_transmit_queue_depth")
	if err != nil {
		return nil, err
	}
	coordinator, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mesh_coordinator",
		Help: "1 when the node currently holds the coordinator role.",
	}, []string{"node"}), "mesh_coordinator")
	if err != nil {
		return nil, err
	}

	return &MeshCollector{
		gatherer:    gatherer,
		Packets:     packets,
		Malformed:   malformed,
		LossRate:    lossRate,
		NetworkLoad: networkLoad,
		AvgLatency:  avgLatency,
		Neighbors:   neighbors,
		Routes:      routes,
		QueueDepth:  queueDepth,
		Coordinator: coordinator,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *MeshCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ForNode returns the per-node health recorder fed to a MeshNode's
// constructor. Health snapshots carry cumulative counters, so the recorder
// tracks the previous snapshot and adds deltas.
func (c *MeshCollector) ForNode(nodeID string) *NodeRecorder {
	if c == nil {
		return nil
	}
	return &NodeRecorder{collector: c, nodeID: nodeID}
}

// NodeRecorder bridges one node's health snapshots into the collector.
type NodeRecorder struct {
	collector *MeshCollector
	nodeID    string

	last core.NetworkHealthMetrics
}

// RecordHealth implements core.HealthRecorder.
func (r *NodeRecorder) RecordHealth(m core.NetworkHealthMetrics) {
	if r == nil || r.collector == nil {
		return
	}
	c := r.collector

	addDelta := func(direction string, current, previous uint64) {
		if current > previous {
			c.Packets.WithLabelValues(r.nodeID, direction).Add(float64(current - previous))
		}
	}
	addDelta("sent", m.PacketsSent, r.last.PacketsSent)
	addDelta("received", m.PacketsReceived, r.last.PacketsReceived)
	addDelta("forwarded", m.PacketsForwarded, r.last.PacketsForwarded)
	addDelta("dropped", m.PacketsDropped, r.last.PacketsDropped)
	if m.MalformedPackets > r.last.MalformedPackets {
		c.Malformed.WithLabelValues(r.nodeID).Add(float64(m.MalformedPackets - r.last.MalformedPackets))
	}
	r.last = m

	c.LossRate.WithLabelValues(r.nodeID).Set(m.LossRate)
	c.NetworkLoad.WithLabelValues(r.nodeID).Set(m.NetworkLoad)
	c.AvgLatency.WithLabelValues(r.nodeID).Set(m.AvgLatencyMs)
}

// ObserveNode refreshes the structural gauges from a node's current state.
// Intended to run from an engine tick listener or a periodic goroutine.
func (c *MeshCollector) ObserveNode(n *core.MeshNode) {
	if c == nil || n == nil {
		return
	}
	id := n.ID()
	c.Neighbors.WithLabelValues(id).Set(float64(n.Discovery.Count()))
	c.Routes.WithLabelValues(id).Set(float64(len(n.Routes.Destinations())))
	c.QueueDepth.WithLabelValues(id).Set(float64(n.Scheduler.QueueDepth()))
	if n.Election.IsCoordinator() {
		c.Coordinator.WithLabelValues(id).Set(1)
	} else {
		c.Coordinator.WithLabelValues(id).Set(0)
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
