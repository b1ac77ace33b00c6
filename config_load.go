package edge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/akmlabs5/loanledger-edge/internal/upstream"
)

// LoadConfig reads and parses a config file from the given path on top of
// DefaultConfig. Supported formats: JSON (.json), YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	return &cfg, nil
}

// ApplyEnv overrides cfg from ORIGIN_URL, CACHE_VERSION and PORT.
func ApplyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("ORIGIN_URL")); v != "" {
		cfg.Origin = v
	}
	if v := strings.TrimSpace(os.Getenv("CACHE_VERSION")); v != "" {
		cfg.Version = v
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		cfg.Listen = ":" + v
	}
}

// ValidateConfig validates a Config for correctness.
func ValidateConfig(cfg Config) error {
	v := strings.TrimSpace(cfg.Version)
	if v == "" {
		return fmt.Errorf("version is required")
	}
	if strings.ContainsAny(v, " /") {
		return fmt.Errorf("version %q must not contain spaces or slashes", cfg.Version)
	}

	if _, err := upstream.ParseOrigin(cfg.Origin); err != nil {
		return err
	}

	offlineListed := false
	for _, p := range cfg.Precache {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("precache path %q must start with /", p)
		}
		if p == cfg.OfflinePage {
			offlineListed = true
		}
	}
	if cfg.OfflinePage == "" {
		return fmt.Errorf("offline_page is required")
	}
	if !offlineListed {
		return fmt.Errorf("offline_page %q must be listed in precache", cfg.OfflinePage)
	}

	if cfg.Stores.APIMaxEntries <= 0 {
		return fmt.Errorf("stores.api_max_entries must be positive")
	}
	if cfg.Stores.DynamicMaxEntries <= 0 {
		return fmt.Errorf("stores.dynamic_max_entries must be positive")
	}

	switch cfg.Storage.Driver {
	case "", DriverMemory, DriverSQLite:
	case DriverPostgres:
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	case DriverRedis:
		if strings.TrimSpace(cfg.Storage.Redis.Addr) == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown storage driver: %q", cfg.Storage.Driver)
	}

	durations := map[string]string{
		"upstream.timeout":                 cfg.Upstream.Timeout,
		"upstream.circuit_breaker.timeout": cfg.Upstream.CircuitBreaker.Timeout,
		"install.initial_interval":         cfg.Install.InitialInterval,
		"install.max_elapsed":              cfg.Install.MaxElapsed,
	}
	for field, raw := range durations {
		if _, err := parseDuration(raw); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}

	if cfg.Control.RateLimit.RPS < 0 || cfg.Control.RateLimit.Burst < 0 {
		return fmt.Errorf("control.rate_limit values must not be negative")
	}
	return nil
}

// parseDuration parses an optional duration; empty means zero.
func parseDuration(raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", raw)
	}
	return d, nil
}
