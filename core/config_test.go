package core

import (
	"errors"
	"testing"
	"time"
)

func TestConfig_ApplyDefaultsFillsZeroValues(t *testing.T) {
	cfg := Config{}.ApplyDefaults()
	def := DefaultConfig()

	if cfg.BeaconInterval != def.BeaconInterval {
		t.Errorf("expected default beacon interval %v, got %v", def.BeaconInterval, cfg.BeaconInterval)
	}
	if cfg.MaxHops != def.MaxHops {
		t.Errorf("expected default max hops %d, got %d", def.MaxHops, cfg.MaxHops)
	}
	if cfg.WeightReliability != def.WeightReliability {
		t.Errorf("expected default reliability weight %f, got %f", def.WeightReliability, cfg.WeightReliability)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaulted config to validate, got %v", err)
	}
}

func TestConfig_ApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{BeaconInterval: 10 * time.Second, MaxHops: 4}.ApplyDefaults()
	if cfg.BeaconInterval != 10*time.Second {
		t.Errorf("expected explicit beacon interval kept, got %v", cfg.BeaconInterval)
	}
	if cfg.MaxHops != 4 {
		t.Errorf("expected explicit max hops kept, got %d", cfg.MaxHops)
	}
	// ElectionTimeout derives from the beacon interval when unset.
	if cfg.ElectionTimeout != 20*time.Second {
		t.Errorf("expected election timeout 2x beacon interval, got %v", cfg.ElectionTimeout)
	}
}

func TestConfig_DerivedTimeouts(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.NeighborSilence(); got != 90*time.Second {
		t.Errorf("expected neighbor silence 3x30s, got %v", got)
	}
	if got := cfg.TopologyStale(); got != 6*time.Minute {
		t.Errorf("expected topology staleness 3x2m, got %v", got)
	}
	if got := cfg.TimeSyncStale(); got != 6*time.Minute {
		t.Errorf("expected time sync staleness 3x2m, got %v", got)
	}
}

func TestConfig_ValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"max hops zero", func(c *Config) { c.MaxHops = 0 }},
		{"max hops over ttl range", func(c *Config) { c.MaxHops = 256 }},
		{"decay at one", func(c *Config) { c.ReliabilityDecay = 1 }},
		{"negative weight", func(c *Config) { c.WeightHopCount = -0.1 }},
		{"all weights zero", func(c *Config) {
			c.WeightReliability, c.WeightHopCount, c.WeightBandwidth = 0, 0, 0
		}},
		{"queue capacity zero", func(c *Config) { c.QueueCapacity = 0 }},
		{"max attempts zero", func(c *Config) { c.MaxAttempts = 0 }},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil {
			t.Errorf("%s: expected validation failure", tc.name)
			continue
		}
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", tc.name, err)
		}
	}
}
