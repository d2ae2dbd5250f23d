// Package config loads the engine configuration: defaults, then an optional
// YAML file, then environment overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/wreckage-engine/internal/allocator"
	"github.com/atmx/wreckage-engine/internal/fallback"
	"github.com/atmx/wreckage-engine/internal/ingest"
	"github.com/atmx/wreckage-engine/internal/mint"
	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/orchestrator"
	"github.com/atmx/wreckage-engine/internal/route"
	"github.com/atmx/wreckage-engine/internal/wreckage"
)

// EnvConfigPath names the environment variable holding the YAML file path.
const EnvConfigPath = "WRECKAGE_CONFIG"

// Fallback modes.
const (
	FallbackStatic = "static"
	FallbackNATS   = "nats"
)

// Config is the complete engine configuration.
type Config struct {
	Port        string        `yaml:"port"`
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	NATSURL     string        `yaml:"nats_url"`
	LogLevel    string        `yaml:"log_level"` // debug, info, warn, error
	CacheTTL    time.Duration `yaml:"cache_ttl"`

	Routing      RoutingConfig       `yaml:"routing"`
	Allocator    allocator.Config    `yaml:"allocator"`
	Minting      mint.Config         `yaml:"minting"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Fallback     FallbackConfig      `yaml:"fallback"`
	NATS         ingest.Config       `yaml:"nats"`

	Venues []VenueConfig              `yaml:"venues"`
	Prices map[string]decimal.Decimal `yaml:"prices"` // verified USD prices
}

// RoutingConfig holds the planner bounds and venue freshness windows.
type RoutingConfig struct {
	route.Config `yaml:",inline"`
	VenueTTL     time.Duration `yaml:"venue_ttl"`   // default mark-unavailable window
	StaleAfter   time.Duration `yaml:"stale_after"` // venues older than this are skipped
}

// FallbackConfig selects the market-maker client.
type FallbackConfig struct {
	Mode    string                `yaml:"mode"` // "static" or "nats"
	Subject string                `yaml:"subject"`
	Static  fallback.StaticConfig `yaml:"static"`
	// Serve answers fill requests on Subject with the static maker, standing
	// in for the remote market maker in development.
	Serve bool `yaml:"serve"`
}

// VenueConfig seeds one venue at startup. Liquidity maps asset to depth.
type VenueConfig struct {
	ID          string                     `yaml:"id"`
	Utilization float64                    `yaml:"utilization"`
	FundingRate float64                    `yaml:"funding_rate"`
	Connections []string                   `yaml:"connections"`
	Cost        model.CostCurve            `yaml:"cost"`
	Liquidity   map[string]decimal.Decimal `yaml:"liquidity"`
}

// Venue converts the seed entry into a registry venue.
func (v VenueConfig) Venue() model.Venue {
	out := model.Venue{
		ID:          v.ID,
		Utilization: v.Utilization,
		FundingRate: v.FundingRate,
		Connections: append([]string(nil), v.Connections...),
		Cost:        v.Cost,
		Liquidity:   make(map[string]model.AssetLiquidity, len(v.Liquidity)),
	}
	for asset, depth := range v.Liquidity {
		out.Liquidity[asset] = model.AssetLiquidity{Asset: asset, Depth: depth, Reserved: decimal.Zero}
	}
	return out
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:     "8080",
		LogLevel: "info",
		CacheTTL: 30 * time.Second,
		Routing: RoutingConfig{
			Config:     route.DefaultConfig(),
			VenueTTL:   30 * time.Second,
			StaleAfter: 2 * time.Minute,
		},
		Allocator:    allocator.DefaultConfig(),
		Minting:      mint.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Fallback: FallbackConfig{
			Mode:    FallbackStatic,
			Subject: fallback.DefaultSubject,
			Static:  fallback.DefaultStaticConfig(),
		},
		NATS: ingest.DefaultConfig(),
	}
}

// Load builds the configuration from path (skipped when empty) and the
// environment.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

// LoadFromEnv reads the file named by WRECKAGE_CONFIG, if set.
func LoadFromEnv() (*Config, error) {
	return Load(os.Getenv(EnvConfigPath))
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv(lookup)

	// The minting efficiency bonus is measured against the routing bound.
	if cfg.Minting.MaxCostBps <= 0 {
		cfg.Minting.MaxCostBps = cfg.Routing.MaxCostBps
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("PORT", &c.Port)
	set("DATABASE_URL", &c.DatabaseURL)
	set("REDIS_URL", &c.RedisURL)
	set("NATS_URL", &c.NATSURL)
	set("LOG_LEVEL", &c.LogLevel)
	c.LogLevel = strings.ToLower(c.LogLevel)
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Port == "" {
		fail("port is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		fail("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}

	r := c.Routing
	if r.MaxHops < 1 {
		fail("routing.max_hops must be at least 1")
	}
	if r.MaxCostBps <= 0 {
		fail("routing.max_cost_bps must be positive")
	}
	if r.CommitRetries < 0 {
		fail("routing.commit_retries must not be negative")
	}
	if r.VenueTTL <= 0 {
		fail("routing.venue_ttl must be positive")
	}
	if r.StaleAfter < 0 {
		fail("routing.stale_after must not be negative")
	}

	if c.Allocator.Interval <= 0 {
		fail("allocator.interval must be positive")
	}
	if f := c.Allocator.RoutableFraction; f < 0 || f > 1 {
		fail("allocator.routable_fraction must be within [0,1], got %v", f)
	}

	m := c.Minting
	if !m.P2PRate.IsPositive() || !m.RailsRate.IsPositive() || !m.MaxRailsRate.IsPositive() {
		fail("minting rates must be positive")
	} else if m.MaxRailsRate.LessThan(m.RailsRate) {
		fail("minting.max_rails_rate must not be below rails_rate")
	}
	if m.LiquidityThreshold < 0 || m.LiquidityThreshold > 1 {
		fail("minting.liquidity_threshold must be within [0,1]")
	}

	o := c.Orchestrator
	if o.Workers < 1 {
		fail("orchestrator.workers must be at least 1")
	}
	if o.QueueSize < 1 {
		fail("orchestrator.queue_size must be at least 1")
	}
	if o.FallbackTimeout <= 0 {
		fail("orchestrator.fallback_timeout must be positive")
	}
	if o.MaxFallbackAttempts < 1 {
		fail("orchestrator.max_fallback_attempts must be at least 1")
	}
	if o.RetryBackoff < 0 {
		fail("orchestrator.retry_backoff must not be negative")
	}
	if o.BackoffMultiplier < 1 {
		fail("orchestrator.backoff_multiplier must be at least 1")
	}
	if o.ExposureRetention < 0 {
		fail("orchestrator.exposure_retention must not be negative")
	}

	switch c.Fallback.Mode {
	case FallbackStatic:
		if !c.Fallback.Static.Rate.IsPositive() {
			fail("fallback.static.rate must be positive")
		}
	case FallbackNATS:
		if c.NATSURL == "" {
			fail("fallback.mode nats requires NATS_URL")
		}
	default:
		fail("fallback.mode must be static or nats, got %q", c.Fallback.Mode)
	}

	seen := make(map[string]bool, len(c.Venues))
	for i, v := range c.Venues {
		switch {
		case v.ID == "":
			fail("venues[%d].id is required", i)
		case seen[v.ID]:
			fail("venues[%d]: duplicate id %s", i, v.ID)
		}
		seen[v.ID] = true
		if v.Utilization < 0 || v.Utilization > 1 {
			fail("venues[%d].utilization must be within [0,1]", i)
		}
		for asset, depth := range v.Liquidity {
			if !wreckage.ValidAsset(asset) {
				fail("venues[%d]: invalid asset %q", i, asset)
			}
			if depth.IsNegative() {
				fail("venues[%d]: negative depth for %s", i, asset)
			}
		}
	}

	for asset, px := range c.Prices {
		if !px.IsPositive() {
			fail("prices.%s must be positive", asset)
		}
	}

	return errors.Join(errs...)
}
