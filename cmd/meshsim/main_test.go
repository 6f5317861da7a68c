package main

import (
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/faunasignal/wildmesh/core"
	"github.com/faunasignal/wildmesh/internal/observability"
	"github.com/faunasignal/wildmesh/timectrl"
)

// TestIntegration_ChainMeshElectsAndRoutes runs a tiny end-to-end simulation
// through the same wiring main uses: time controller driving the engine.
func TestIntegration_ChainMeshElectsAndRoutes(t *testing.T) {
	collector, err := observability.NewMeshCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMeshCollector: %v", err)
	}

	rng := rand.New(rand.NewSource(7))
	network := core.NewSimNetwork(rand.New(rand.NewSource(8)), nil)
	start := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

	cfg := core.DefaultConfig()
	cfg.BeaconInterval = time.Second
	cfg.SyncInterval = 4 * time.Second
	cfg.ElectionTimeout = 3 * time.Second
	cfg.AckTimeout = 2 * time.Second

	engine := core.NewEngine(network, start, time.Second)
	nodes, err := buildNodes(cfg, engine, network, collector, rng, nil, 4)
	if err != nil {
		t.Fatalf("buildNodes: %v", err)
	}
	linkTopology(network, nodes, "chain", 0)

	tc := timectrl.NewTimeController(start, time.Second, timectrl.Accelerated)
	tc.AddListener(engine.StepAt)
	<-tc.Start(90 * time.Second)

	coords := engine.Coordinators()
	if len(coords) != 1 {
		t.Fatalf("coordinators = %v, want exactly one", coords)
	}
	// The chain ends must have discovered each other through relays.
	first, last := nodes[0], nodes[len(nodes)-1]
	if len(first.Discovery.NeighborIDs()) != 1 {
		t.Fatalf("chain end neighbors = %v, want 1", first.Discovery.NeighborIDs())
	}
	if last.Election.CoordinatorID() != coords[0] {
		t.Fatalf("far node coordinator = %q, want %q", last.Election.CoordinatorID(), coords[0])
	}
}

func TestLinkTopologyStar(t *testing.T) {
	network := core.NewSimNetwork(rand.New(rand.NewSource(1)), nil)
	engine := core.NewEngine(network, time.Now(), time.Second)
	collector, err := observability.NewMeshCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMeshCollector: %v", err)
	}

	nodes, err := buildNodes(core.DefaultConfig(), engine, network, collector, rand.New(rand.NewSource(2)), nil, 5)
	if err != nil {
		t.Fatalf("buildNodes: %v", err)
	}
	linkTopology(network, nodes, "star", 0)

	// In a star only the hub can broadcast to everyone: one hub frame
	// reaches 4 peers, a leaf frame reaches 1.
	before := network.Frames()
	if err := network.RadioFor(nodes[0].ID()).Transmit(core.Packet{Type: core.PacketBeacon, Source: nodes[0].ID(), TTL: 1, Seq: 1}, ""); err != nil {
		t.Fatalf("hub transmit: %v", err)
	}
	if got := network.Frames() - before; got != 4 {
		t.Fatalf("hub broadcast reached %d links, want 4", got)
	}

	before = network.Frames()
	if err := network.RadioFor(nodes[2].ID()).Transmit(core.Packet{Type: core.PacketBeacon, Source: nodes[2].ID(), TTL: 1, Seq: 1}, ""); err != nil {
		t.Fatalf("leaf transmit: %v", err)
	}
	if got := network.Frames() - before; got != 1 {
		t.Fatalf("leaf broadcast reached %d links, want 1", got)
	}
}
