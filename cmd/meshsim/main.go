package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/faunasignal/wildmesh/core"
	"github.com/faunasignal/wildmesh/internal/logging"
	"github.com/faunasignal/wildmesh/internal/observability"
	"github.com/faunasignal/wildmesh/model"
	"github.com/faunasignal/wildmesh/registry"
	"github.com/faunasignal/wildmesh/timectrl"
)

func main() {
	nodeCount := flag.Int("nodes", 6, "number of simulated cameras")
	topology := flag.String("topology", "grid", "link layout: chain, grid, or star")
	loss := flag.Float64("loss", 0.1, "per-frame loss probability on every link")
	seed := flag.Int64("seed", 1, "RNG seed; identical seeds replay identically")
	duration := flag.Duration("duration", time.Hour, "total simulated duration")
	tick := flag.Duration("tick", time.Second, "tick interval in simulated time")
	accelerated := flag.Bool("accelerated", true, "run in accelerated mode (vs real-time)")
	detectEvery := flag.Duration("detect-every", 2*time.Minute, "simulated interval between synthetic wildlife detections")
	metricsAddr := flag.String("metrics-addr", ":9090", "HTTP address for Prometheus /metrics and /status")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing, log)

	collector, err := observability.NewMeshCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		os.Exit(1)
	}
	telemetry, err := observability.NewTelemetryCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise telemetry collector", logging.Err(err))
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(*seed))
	network := core.NewSimNetwork(rand.New(rand.NewSource(*seed+1)), log)
	start := time.Now().UTC()
	engine := core.NewEngine(network, start, *tick)

	cfg := core.DefaultConfig()
	nodes, err := buildNodes(cfg, engine, network, collector, rng, log, *nodeCount)
	if err != nil {
		log.Error(ctx, "failed to build mesh", logging.Err(err))
		os.Exit(1)
	}
	linkTopology(network, nodes, *topology, *loss)

	// The first camera doubles as the uplink gateway: telemetry converges on
	// it and it reports decoded records.
	gateway := nodes[0]
	gateway.SetTelemetrySink(&loggingSink{log: log, telemetry: telemetry})

	var mu sync.Mutex
	lastDetect := start
	mode := timectrl.RealTime
	if *accelerated {
		mode = timectrl.Accelerated
	}
	tc := timectrl.NewTimeController(start, *tick, mode)
	tc.AddListener(func(now time.Time) {
		mu.Lock()
		defer mu.Unlock()
		engine.StepAt(now)
		for _, n := range nodes {
			collector.ObserveNode(n)
		}
		if now.Sub(lastDetect) >= *detectEvery {
			lastDetect = now
			submitSyntheticDetection(nodes, gateway.ID(), rng, now, telemetry, log)
		}
	})

	srv := serveHTTP(*metricsAddr, collector, nodes, &mu, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("Starting mesh simulation: nodes=%d topology=%s loss=%.2f duration=%s tick=%s\n",
		*nodeCount, *topology, *loss, *duration, *tick)
	<-tc.Start(*duration)

	mu.Lock()
	defer mu.Unlock()
	fmt.Printf("Simulation complete: coordinators=%v frames=%d\n",
		engine.Coordinators(), network.Frames())
	for _, n := range nodes {
		s := n.Status()
		fmt.Printf("↳ %-8s state=%-12s coordinator=%-8s neighbors=%d routes=%d loss=%.2f sent=%d\n",
			s.Node.ID, s.State, s.CoordinatorID,
			len(s.Neighbors), len(s.Destinations),
			s.Health.LossRate, s.Health.PacketsSent)
	}
}

// buildNodes constructs the cameras with varied battery and power profiles so
// the election has something to choose between. The first node models the
// solar-powered gateway.
func buildNodes(cfg core.Config, engine *core.Engine, network *core.SimNetwork, collector *observability.MeshCollector, rng *rand.Rand, log logging.Logger, count int) ([]*core.MeshNode, error) {
	nodes := make([]*core.MeshNode, 0, count)
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("cam-%02d", i+1)
		info := &model.NodeInfo{
			ID:            id,
			Name:          fmt.Sprintf("Trailcam %d", i+1),
			BatteryLevel:  40 + rng.Float64()*55,
			SignalQuality: 50 + rng.Float64()*40,
			Capabilities: model.Capabilities{
				Camera:               true,
				EnvironmentalSensors: i%2 == 0,
				AIInference:          i%3 == 0,
			},
		}
		if i == 0 {
			info.StablePower = true
			info.Capabilities.SolarPower = true
		}

		reg, err := registry.New(info)
		if err != nil {
			return nil, err
		}
		reg.SampleFreeMemory()

		node, err := core.NewMeshNode(cfg, reg, network.RadioFor(id), collector.ForNode(id),
			rand.New(rand.NewSource(rng.Int63())), log)
		if err != nil {
			return nil, err
		}
		if err := engine.AddNode(node); err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// linkTopology wires the medium. Chain strings the cameras along a ridgeline,
// grid packs them into a clearing with 4-neighbor adjacency, star puts every
// camera in range of the gateway only.
func linkTopology(network *core.SimNetwork, nodes []*core.MeshNode, topology string, loss float64) {
	switch topology {
	case "chain":
		for i := 1; i < len(nodes); i++ {
			network.Link(nodes[i-1].ID(), nodes[i].ID(), loss)
		}
	case "star":
		for i := 1; i < len(nodes); i++ {
			network.Link(nodes[0].ID(), nodes[i].ID(), loss)
		}
	default: // grid
		cols := int(math.Ceil(math.Sqrt(float64(len(nodes)))))
		for i := range nodes {
			if (i+1)%cols != 0 && i+1 < len(nodes) {
				network.Link(nodes[i].ID(), nodes[i+1].ID(), loss)
			}
			if i+cols < len(nodes) {
				network.Link(nodes[i].ID(), nodes[i+cols].ID(), loss)
			}
		}
	}
}

// submitSyntheticDetection has a random non-gateway camera report a sighting,
// exercising the codec and the multi-hop path toward the gateway.
func submitSyntheticDetection(nodes []*core.MeshNode, gatewayID string, rng *rand.Rand, now time.Time, telemetry *observability.TelemetryCollector, log logging.Logger) {
	if len(nodes) < 2 {
		return
	}
	reporter := nodes[1+rng.Intn(len(nodes)-1)]
	if reporter.Asleep() {
		return
	}
	d := model.WildlifeDetection{
		SpeciesID:  uint16(1 + rng.Intn(40)),
		Confidence: 0.5 + rng.Float64()*0.5,
		Behavior:   model.BehaviorCode(rng.Intn(7)),
		Box: model.BoundingBox{
			X: uint16(rng.Intn(1280)), Y: uint16(rng.Intn(720)),
			Width: uint16(64 + rng.Intn(256)), Height: uint16(64 + rng.Intn(256)),
		},
		EnvironmentalScore: rng.Float64(),
		Timestamp:          now,
	}
	if err := reporter.SubmitDetection(d, gatewayID, now); err != nil {
		log.Debug(context.Background(), "detection shed", logging.Err(err))
		return
	}
	telemetry.IncRecord("detection")
}

// loggingSink reports decoded telemetry arriving at the gateway.
type loggingSink struct {
	log       logging.Logger
	telemetry *observability.TelemetryCollector
}

func (s *loggingSink) HandleDetection(d model.WildlifeDetection) {
	s.log.Info(context.Background(), "detection delivered",
		logging.Int("species", int(d.SpeciesID)),
		logging.Float64("confidence", d.Confidence))
	s.telemetry.IncRecord("detection_delivered")
}

func (s *loggingSink) HandleEnvironmental(e model.EnvironmentalData) {
	s.log.Info(context.Background(), "environmental reading delivered",
		logging.Float64("temperature_c", e.TemperatureC))
	s.telemetry.IncRecord("environmental_delivered")
}

// serveHTTP exposes Prometheus metrics and the JSON status query.
func serveHTTP(addr string, collector *observability.MeshCollector, nodes []*core.MeshNode, mu *sync.Mutex, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		statuses := make(map[string]core.StatusSnapshot, len(nodes))
		for _, n := range nodes {
			statuses[n.ID()] = n.Status()
		}
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(statuses); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "http server exited", logging.Err(err))
		}
	}()
	log.Info(context.Background(), "serving metrics and status", logging.String("addr", addr))
	return srv
}
