package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ANALYZER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ANALYZER_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators point at alternative endpoints without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Polymarket.ClobHost, "ANALYZER_CLOB_HOST")
	setStr(&cfg.Polymarket.WsURL, "ANALYZER_WS_URL")
	setStringSlice(&cfg.Polymarket.AssetIDs, "ANALYZER_ASSET_IDS")

	setInt(&cfg.Engine.MaxDepth, "ANALYZER_ENGINE_MAX_DEPTH")
	setDuration(&cfg.Engine.RefreshInterval, "ANALYZER_ENGINE_REFRESH_INTERVAL")
	setDuration(&cfg.Engine.StaleAfter, "ANALYZER_ENGINE_STALE_AFTER")
	setDuration(&cfg.Engine.ResyncCooldown, "ANALYZER_ENGINE_RESYNC_COOLDOWN")
	setDuration(&cfg.Engine.ResyncDelay, "ANALYZER_ENGINE_RESYNC_DELAY")

	setDuration(&cfg.RateLimit.Window, "ANALYZER_RATELIMIT_WINDOW")
	setInt(&cfg.RateLimit.HostLimit, "ANALYZER_RATELIMIT_HOST_LIMIT")

	setStr(&cfg.LogLevel, "ANALYZER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
