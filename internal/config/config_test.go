package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func noEnv(string) (string, bool) { return "", false }

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Routing.MaxHops != 3 || cfg.Routing.MaxCostBps != 50 || cfg.Routing.CommitRetries != 3 {
		t.Errorf("unexpected routing defaults %+v", cfg.Routing)
	}
	if cfg.Allocator.Interval != 30*time.Second || cfg.Allocator.RoutableFraction != 0.70 {
		t.Errorf("unexpected allocator defaults %+v", cfg.Allocator)
	}
	if cfg.Orchestrator.MaxFallbackAttempts != 2 || cfg.Orchestrator.FallbackTimeout != 2*time.Second {
		t.Errorf("unexpected orchestrator defaults %+v", cfg.Orchestrator)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wreckage.yaml")
	yml := `
port: "9090"
routing:
  max_hops: 4
  venue_ttl: 45s
allocator:
  routable_fraction: 0.8
minting:
  p2p_rate: 1.5
  rails_rate: 1.2
  max_rails_rate: 2.2
orchestrator:
  workers: 2
  fallback_timeout: 500ms
fallback:
  mode: static
  static:
    rate: 0.85
    capacity: "1000000"
venues:
  - id: hyperliquid
    utilization: 0.2
    connections: [dydx]
    cost: {base_bps: 2, impact_bps: 5}
    liquidity:
      BTC: 10000000
  - id: dydx
    liquidity:
      BTC: "2500000.50"
prices:
  BTC: 65000
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := load(path, noEnv)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" || cfg.Routing.MaxHops != 4 || cfg.Routing.VenueTTL != 45*time.Second {
		t.Errorf("file values not applied: %+v", cfg.Routing)
	}
	// untouched keys keep their defaults
	if cfg.Routing.MaxCostBps != 50 || cfg.Routing.StaleAfter != 2*time.Minute {
		t.Errorf("defaults lost: %+v", cfg.Routing)
	}
	if !cfg.Minting.P2PRate.Equal(decimal.NewFromFloat(1.5)) {
		t.Errorf("p2p rate: got %s", cfg.Minting.P2PRate)
	}
	if cfg.Orchestrator.Workers != 2 || cfg.Orchestrator.FallbackTimeout != 500*time.Millisecond {
		t.Errorf("orchestrator: %+v", cfg.Orchestrator)
	}
	if !cfg.Fallback.Static.Capacity.Equal(decimal.NewFromInt(1_000_000)) {
		t.Errorf("fallback capacity: got %s", cfg.Fallback.Static.Capacity)
	}

	if len(cfg.Venues) != 2 {
		t.Fatalf("expected 2 venues, got %d", len(cfg.Venues))
	}
	v := cfg.Venues[0].Venue()
	if v.ID != "hyperliquid" || v.Cost.ImpactBps != 5 || !v.Liquidity["BTC"].Depth.Equal(decimal.NewFromInt(10_000_000)) {
		t.Errorf("unexpected venue %+v", v)
	}
	if !cfg.Venues[1].Liquidity["BTC"].Equal(decimal.NewFromFloat(2500000.50)) {
		t.Errorf("string depth not parsed: %s", cfg.Venues[1].Liquidity["BTC"])
	}
	if !cfg.Prices["BTC"].Equal(decimal.NewFromInt(65_000)) {
		t.Errorf("price: got %s", cfg.Prices["BTC"])
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	env := map[string]string{
		"PORT":         "7070",
		"DATABASE_URL": "postgres://localhost/wreckage",
		"NATS_URL":     "nats://localhost:4222",
		"LOG_LEVEL":    "DEBUG",
	}
	cfg, err := load("", func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "7070" || cfg.DatabaseURL != env["DATABASE_URL"] || cfg.NATSURL != env["NATS_URL"] {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected normalized log level, got %q", cfg.LogLevel)
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Routing.MaxHops = 0
	cfg.Allocator.RoutableFraction = 1.5
	cfg.Orchestrator.Workers = 0
	cfg.Orchestrator.ExposureRetention = -time.Minute
	cfg.Fallback.Mode = "carrier-pigeon"
	cfg.Venues = []VenueConfig{{ID: "a"}, {ID: "a", Utilization: 2}}
	cfg.Prices = map[string]decimal.Decimal{"BTC": decimal.Zero}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{
		"routing.max_hops",
		"allocator.routable_fraction",
		"orchestrator.workers",
		"orchestrator.exposure_retention",
		"fallback.mode",
		"duplicate id a",
		"venues[1].utilization",
		"prices.BTC",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}
}

func TestValidate_NATSFallbackNeedsURL(t *testing.T) {
	cfg := Default()
	cfg.Fallback.Mode = FallbackNATS
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "NATS_URL") {
		t.Errorf("expected NATS_URL error, got %v", err)
	}
	cfg.NATSURL = "nats://localhost:4222"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := load(filepath.Join(t.TempDir(), "absent.yaml"), noEnv); err == nil {
		t.Error("expected error for missing file")
	}
}
