package edge

// Config holds the configuration for the edge gateway.
type Config struct {
	// Version names the cache generation. Store names derive from it; bumping
	// it is how a deploy invalidates every cache.
	Version string `json:"version" yaml:"version"`
	// Origin is the application origin, e.g. http://app:3000.
	Origin string `json:"origin" yaml:"origin"`
	// Listen is the server address, e.g. ":8080".
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`
	// Precache lists the paths fetched into the static store at install.
	Precache []string `json:"precache" yaml:"precache"`
	// OfflinePage is served to navigations when offline; it must be precached.
	OfflinePage string `json:"offline_page" yaml:"offline_page"`

	Stores         StoresConfig         `json:"stores" yaml:"stores"`
	Storage        StorageConfig        `json:"storage" yaml:"storage"`
	Upstream       UpstreamConfig       `json:"upstream" yaml:"upstream"`
	Install        InstallConfig        `json:"install" yaml:"install"`
	Control        ControlConfig        `json:"control" yaml:"control"`
	BackgroundSync BackgroundSyncConfig `json:"background_sync" yaml:"background_sync"`
	Log            LogConfig            `json:"log" yaml:"log"`

	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
}

// StoresConfig bounds the dynamic and api stores. The static store is
// unbounded.
type StoresConfig struct {
	APIMaxEntries     int `json:"api_max_entries" yaml:"api_max_entries"`
	DynamicMaxEntries int `json:"dynamic_max_entries" yaml:"dynamic_max_entries"`
}

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// StorageConfig selects the cache backend.
type StorageConfig struct {
	Driver string      `json:"driver" yaml:"driver"`
	DSN    string      `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	Redis  RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// RedisConfig configures the redis driver.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// UpstreamConfig tunes origin fetches. Durations use time.ParseDuration
// syntax ("30s").
type UpstreamConfig struct {
	Timeout        string               `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures the origin breaker.
type CircuitBreakerConfig struct {
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	FailureThreshold int    `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	SuccessThreshold int    `json:"success_threshold,omitempty" yaml:"success_threshold,omitempty"`
	Timeout          string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// InstallConfig drives install retries.
type InstallConfig struct {
	InitialInterval string `json:"initial_interval,omitempty" yaml:"initial_interval,omitempty"`
	// MaxElapsed caps the retry loop; empty or "0" retries until shutdown.
	MaxElapsed string `json:"max_elapsed,omitempty" yaml:"max_elapsed,omitempty"`
}

// ControlConfig protects the /__edge control surface.
type ControlConfig struct {
	Token     string          `json:"token,omitempty" yaml:"token,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig is a per-IP token bucket. RPS 0 disables limiting.
type RateLimitConfig struct {
	RPS   float64 `json:"rps" yaml:"rps"`
	Burst float64 `json:"burst" yaml:"burst"`
}

// BackgroundSyncConfig enables the background-sync hooks.
type BackgroundSyncConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// LogConfig configures logging. Empty fields fall back to LOG_LEVEL and
// LOG_FORMAT.
type LogConfig struct {
	Level      string `json:"level,omitempty" yaml:"level,omitempty"`
	Format     string `json:"format,omitempty" yaml:"format,omitempty"`
	File       string `json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty" yaml:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty" yaml:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty" yaml:"compress,omitempty"`
}

// DefaultPrecache is the install-time asset list.
var DefaultPrecache = []string{
	"/",
	"/offline.html",
	"/icons/icon-192x192.png",
	"/icons/icon-512x512.png",
	"/manifest.json",
}

// DefaultConfig returns a Config with every default filled in. Origin is
// left empty.
func DefaultConfig() Config {
	return Config{
		Version:     "v1",
		Listen:      ":8080",
		Precache:    append([]string(nil), DefaultPrecache...),
		OfflinePage: "/offline.html",
		Stores: StoresConfig{
			APIMaxEntries:     50,
			DynamicMaxEntries: 100,
		},
		Storage: StorageConfig{
			Driver: DriverMemory,
			Redis:  RedisConfig{Prefix: "edge:"},
		},
		Upstream: UpstreamConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				SuccessThreshold: 1,
				Timeout:          "30s",
			},
		},
		Install: InstallConfig{
			InitialInterval: "1s",
		},
		Control: ControlConfig{
			RateLimit: RateLimitConfig{RPS: 5, Burst: 10},
		},
		BackgroundSync: BackgroundSyncConfig{Enabled: true},
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}
