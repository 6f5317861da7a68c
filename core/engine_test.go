package core

import (
	"math/rand"
	"testing"
	"time"
)

func TestEngine_RunAdvancesVirtualClock(t *testing.T) {
	start := time.Date(2026, 3, 14, 6, 0, 0, 0, time.UTC)
	engine := NewEngine(NewSimNetwork(rand.New(rand.NewSource(1)), nil), start, time.Second)

	engine.Run(10)
	if got := engine.Now(); !got.Equal(start.Add(10 * time.Second)) {
		t.Errorf("expected virtual clock at start+10s, got %v", got)
	}
}

func TestEngine_RunUntilStopsOnCondition(t *testing.T) {
	start := time.Date(2026, 3, 14, 6, 0, 0, 0, time.UTC)
	engine := NewEngine(NewSimNetwork(rand.New(rand.NewSource(1)), nil), start, time.Second)

	met := engine.RunUntil(func() bool {
		return engine.Now().Sub(start) >= 5*time.Second
	}, 100)
	if !met {
		t.Fatalf("expected condition to be met")
	}
	if got := engine.Now(); !got.Equal(start.Add(5 * time.Second)) {
		t.Errorf("expected run to stop at start+5s, got %v", got)
	}

	if engine.RunUntil(func() bool { return false }, 3) {
		t.Errorf("expected unmet condition to report false")
	}
}

func TestEngine_TickListeners(t *testing.T) {
	start := time.Date(2026, 3, 14, 6, 0, 0, 0, time.UTC)
	engine := NewEngine(NewSimNetwork(rand.New(rand.NewSource(1)), nil), start, time.Second)

	var ticks []int
	engine.RegisterTickListener(func(tick int, now time.Time) {
		ticks = append(ticks, tick)
	})
	engine.Run(3)

	if len(ticks) != 3 {
		t.Fatalf("expected 3 listener invocations, got %d", len(ticks))
	}
	for i, tick := range ticks {
		if tick != i {
			t.Errorf("expected tick %d, got %d", i, tick)
		}
	}
}

func TestEngine_DuplicateNodeRejected(t *testing.T) {
	ids := []string{"gw"}
	engine := newTestMesh(t, fastConfig(), ids...)

	node := engine.Node("gw")
	if err := engine.AddNode(node); err == nil {
		t.Errorf("expected duplicate attachment to be rejected")
	}
}
