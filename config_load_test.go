package edge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadConfig_JSON(t *testing.T) {
	data := `{
		"version": "v7",
		"origin": "http://app:3000",
		"stores": {"api_max_entries": 10}
	}`
	path := writeTempFile(t, "config.json", data)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Version != "v7" {
		t.Errorf("expected version v7, got %q", cfg.Version)
	}
	if cfg.Stores.APIMaxEntries != 10 {
		t.Errorf("expected api bound 10, got %d", cfg.Stores.APIMaxEntries)
	}
	if cfg.Stores.DynamicMaxEntries != 100 {
		t.Errorf("expected default dynamic bound 100, got %d", cfg.Stores.DynamicMaxEntries)
	}
	if len(cfg.Precache) != len(DefaultPrecache) {
		t.Errorf("expected default precache list, got %v", cfg.Precache)
	}
	if err := ValidateConfig(*cfg); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestLoadConfig_YAML(t *testing.T) {
	data := `
version: v3
origin: https://app.example.com
precache:
  - /
  - /offline.html
storage:
  driver: sqlite
  dsn: /var/lib/edge/cache.db
upstream:
  timeout: 10s
  circuit_breaker:
    enabled: false
log:
  file: /var/log/edge.log
  compress: true
`
	path := writeTempFile(t, "config.yml", data)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Storage.Driver != DriverSQLite || cfg.Storage.DSN != "/var/lib/edge/cache.db" {
		t.Errorf("unexpected storage %+v", cfg.Storage)
	}
	if len(cfg.Precache) != 2 {
		t.Errorf("expected 2 precache paths, got %v", cfg.Precache)
	}
	if cfg.Upstream.CircuitBreaker.Enabled {
		t.Error("expected circuit breaker disabled")
	}
	if !cfg.Log.Compress || cfg.Log.MaxBackups != 3 {
		t.Errorf("unexpected log config %+v", cfg.Log)
	}
	if err := ValidateConfig(*cfg); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestLoadConfig_NonExistentFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := writeTempFile(t, "bad.json", `{invalid`)

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoadConfig_UnsupportedExtension(t *testing.T) {
	path := writeTempFile(t, "config.toml", `version = "v1"`)

	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "unsupported config file extension") {
		t.Fatalf("expected unsupported extension error, got %v", err)
	}
}

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Origin = "http://localhost:3000"
	return cfg
}

func TestValidateConfig_Defaults(t *testing.T) {
	if err := ValidateConfig(validConfig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateConfig_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty version", func(c *Config) { c.Version = "" }},
		{"version with slash", func(c *Config) { c.Version = "v1/beta" }},
		{"missing origin", func(c *Config) { c.Origin = "" }},
		{"origin with path", func(c *Config) { c.Origin = "http://app/base" }},
		{"relative precache path", func(c *Config) { c.Precache = []string{"offline.html"} }},
		{"offline page not precached", func(c *Config) { c.OfflinePage = "/other.html" }},
		{"zero api bound", func(c *Config) { c.Stores.APIMaxEntries = 0 }},
		{"negative dynamic bound", func(c *Config) { c.Stores.DynamicMaxEntries = -1 }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = DriverPostgres }},
		{"redis without addr", func(c *Config) { c.Storage.Driver = DriverRedis }},
		{"bad timeout", func(c *Config) { c.Upstream.Timeout = "soon" }},
		{"negative interval", func(c *Config) { c.Install.InitialInterval = "-1s" }},
		{"negative rate", func(c *Config) { c.Control.RateLimit.RPS = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			if err := ValidateConfig(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("ORIGIN_URL", "http://origin:9000")
	t.Setenv("CACHE_VERSION", "v9")
	t.Setenv("PORT", "9090")

	cfg := DefaultConfig()
	ApplyEnv(&cfg)
	if cfg.Origin != "http://origin:9000" || cfg.Version != "v9" || cfg.Listen != ":9090" {
		t.Fatalf("unexpected config after env overrides: %+v", cfg)
	}
}

func TestOpenStorage(t *testing.T) {
	cfg := validConfig()
	s, err := OpenStorage(cfg)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	_ = s.Close()

	cfg.Storage = StorageConfig{Driver: DriverSQLite, DSN: filepath.Join(t.TempDir(), "cache.db")}
	s, err = OpenStorage(cfg)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	_ = s.Close()

	cfg.Storage = StorageConfig{Driver: "mongo"}
	if _, err := OpenStorage(cfg); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}
