// Package config defines the analyzer's configuration and validation
// helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by ANALYZER_* environment
// variables.
type Config struct {
	Polymarket PolymarketConfig `toml:"polymarket"`
	Engine     EngineConfig     `toml:"engine"`
	RateLimit  RateLimitConfig  `toml:"ratelimit"`
	LogLevel   string           `toml:"log_level"`
}

// PolymarketConfig holds API endpoints and the instruments to track.
type PolymarketConfig struct {
	ClobHost string   `toml:"clob_host"`
	WsURL    string   `toml:"ws_url"`
	AssetIDs []string `toml:"asset_ids"`
}

// EngineConfig holds synchronization timings and depth limits.
type EngineConfig struct {
	MaxDepth        int      `toml:"max_depth"`
	RefreshInterval duration `toml:"refresh_interval"`
	StaleAfter      duration `toml:"stale_after"`
	ResyncCooldown  duration `toml:"resync_cooldown"`
	ResyncDelay     duration `toml:"resync_delay"`
}

// RateLimitConfig holds the per-window request ceilings. Paths is the
// per-path ceiling map taking precedence over the host-wide limit by
// longest-prefix match.
type RateLimitConfig struct {
	Window    duration       `toml:"window"`
	HostLimit int            `toml:"host_limit"`
	Paths     map[string]int `toml:"paths"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "30s", "1200ms").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "30s" or "1200ms".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost: "https://clob.polymarket.com",
			WsURL:    "wss://ws-subscriptions-clob.polymarket.com/ws/market",
		},
		Engine: EngineConfig{
			MaxDepth:        50,
			RefreshInterval: duration{30 * time.Second},
			StaleAfter:      duration{15 * time.Second},
			ResyncCooldown:  duration{15 * time.Second},
			ResyncDelay:     duration{1200 * time.Millisecond},
		},
		RateLimit: RateLimitConfig{
			Window:    duration{10 * time.Second},
			HostLimit: 3000,
			Paths: map[string]int{
				"/book":           1500,
				"/books":          500,
				"/price":          1500,
				"/midpoint":       1500,
				"/prices-history": 1000,
			},
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and
// returns a combined error describing every problem found. A failed
// validation is fatal at startup.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	} else if _, err := url.Parse(c.Polymarket.ClobHost); err != nil {
		errs = append(errs, fmt.Sprintf("polymarket: clob_host: %v", err))
	}
	if c.Polymarket.WsURL == "" {
		errs = append(errs, "polymarket: ws_url must not be empty")
	}
	if len(c.Polymarket.AssetIDs) == 0 {
		errs = append(errs, "polymarket: asset_ids must list at least one token id")
	}

	if c.Engine.MaxDepth < 1 {
		errs = append(errs, "engine: max_depth must be >= 1")
	}
	if c.Engine.RefreshInterval.Duration <= 0 {
		errs = append(errs, "engine: refresh_interval must be positive")
	}
	if c.Engine.StaleAfter.Duration <= 0 {
		errs = append(errs, "engine: stale_after must be positive")
	}
	if c.Engine.ResyncCooldown.Duration <= 0 {
		errs = append(errs, "engine: resync_cooldown must be positive")
	}
	if c.Engine.ResyncDelay.Duration <= 0 {
		errs = append(errs, "engine: resync_delay must be positive")
	}

	if c.RateLimit.Window.Duration <= 0 {
		errs = append(errs, "ratelimit: window must be positive")
	}
	if c.RateLimit.HostLimit < 1 {
		errs = append(errs, "ratelimit: host_limit must be >= 1")
	}
	for path, limit := range c.RateLimit.Paths {
		if !strings.HasPrefix(path, "/") {
			errs = append(errs, fmt.Sprintf("ratelimit: path %q must start with /", path))
		}
		if limit < 1 {
			errs = append(errs, fmt.Sprintf("ratelimit: limit for %q must be >= 1", path))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
