package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects how the runtime composes its providers
type Mode string

const (
	ModeLocal Mode = "local"
	ModeCloud Mode = "cloud"
)

// Environment variables honored by Load
const (
	EnvMode            = "LIGHTNING_MODE"
	EnvStorageProvider = "LIGHTNING_STORAGE_PROVIDER"
	EnvEventBus        = "LIGHTNING_EVENT_BUS_PROVIDER"
	EnvStoragePath     = "LIGHTNING_STORAGE_PATH"
	EnvAPIAddr         = "LIGHTNING_API_ADDR"
)

// DedupConfig controls publish-time deduplication
type DedupConfig struct {
	Enabled       bool `yaml:"enabled"`
	WindowSeconds int  `yaml:"window_seconds"`
	MaxCacheSize  int  `yaml:"max_cache_size"`
}

// ReplayConfig controls the history ring used for replay
type ReplayConfig struct {
	Enabled          bool `yaml:"enabled"`
	MaxHistorySize   int  `yaml:"max_history_size"`
	RetentionSeconds int  `yaml:"retention_seconds"`
}

// BreakerConfig controls circuit breakers wrapped around providers
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold"`
	TimeoutSeconds   int `yaml:"timeout_seconds"`
	HalfOpenRequests int `yaml:"half_open_requests"`
}

// HealthConfig controls the provider health monitor
type HealthConfig struct {
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`
}

// ConversationConfig bounds per-session conversation state
type ConversationConfig struct {
	MaxSessionAgeHours int `yaml:"max_session_age_hours"`
	MaxTurnsPerSession int `yaml:"max_turns_per_session"`
}

// BusConfig bounds the in-process event bus
type BusConfig struct {
	QueueSize          int `yaml:"queue_size"`
	Workers            int `yaml:"workers"`
	OrphanLimit        int `yaml:"orphan_limit"`
	DeadLetterLimit    int `yaml:"dead_letter_limit"`
	DeadLetterTTLHours int `yaml:"dead_letter_ttl_hours"`
}

// APIConfig configures the HTTP edge
type APIConfig struct {
	Addr      string  `yaml:"addr"`
	RateLimit float64 `yaml:"rate_limit"` // requests per second per client, 0 disables
}

// RedisConfig configures the Redis event bus provider
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RuntimeConfig enumerates the providers and bounds composed into a runtime
type RuntimeConfig struct {
	Mode Mode `yaml:"mode"`

	StorageProvider    string `yaml:"storage_provider"`
	EventBusProvider   string `yaml:"event_bus_provider"`
	ServerlessProvider string `yaml:"serverless_provider"`
	ContainerRuntime   string `yaml:"container_runtime"`

	// StoragePath enables file durability for the local storage provider
	StoragePath string `yaml:"storage_path"`

	Dedup        DedupConfig        `yaml:"dedup"`
	Replay       ReplayConfig       `yaml:"replay"`
	Resilience   ResilienceConfig   `yaml:"resilience"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Health       HealthConfig       `yaml:"health"`
	Conversation ConversationConfig `yaml:"conversation"`
	Bus          BusConfig          `yaml:"bus"`
	API          APIConfig          `yaml:"api"`
	Redis        RedisConfig        `yaml:"redis"`

	// Cloud-mode resource placement
	Region string            `yaml:"region"`
	Tags   map[string]string `yaml:"tags"`
}

// ResilienceConfig toggles the breaker/health layer
type ResilienceConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when nothing is specified:
// a fully local runtime with resilience enabled.
func Default() *RuntimeConfig {
	return &RuntimeConfig{
		Mode:               ModeLocal,
		StorageProvider:    "memory",
		EventBusProvider:   "local",
		ServerlessProvider: "local",
		ContainerRuntime:   "none",
		Dedup: DedupConfig{
			Enabled:       true,
			WindowSeconds: 60,
			MaxCacheSize:  10000,
		},
		Replay: ReplayConfig{
			Enabled:          true,
			MaxHistorySize:   10000,
			RetentionSeconds: 3600,
		},
		Resilience: ResilienceConfig{Enabled: true},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			TimeoutSeconds:   60,
			HalfOpenRequests: 3,
		},
		Health: HealthConfig{CheckIntervalSeconds: 10},
		Conversation: ConversationConfig{
			MaxSessionAgeHours: 24,
			MaxTurnsPerSession: 100,
		},
		Bus: BusConfig{
			QueueSize:          1024,
			Workers:            8,
			OrphanLimit:        1000,
			DeadLetterLimit:    1000,
			DeadLetterTTLHours: 24,
		},
		API: APIConfig{
			Addr:      ":8420",
			RateLimit: 50,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
	}
}

// Load builds a RuntimeConfig from defaults, an optional YAML file, and
// environment overrides, in that order.
func Load(path string) (*RuntimeConfig, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *RuntimeConfig) {
	if v := os.Getenv(EnvMode); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv(EnvStorageProvider); v != "" {
		cfg.StorageProvider = v
	}
	if v := os.Getenv(EnvEventBus); v != "" {
		cfg.EventBusProvider = v
	}
	if v := os.Getenv(EnvStoragePath); v != "" {
		cfg.StoragePath = v
	}
	if v := os.Getenv(EnvAPIAddr); v != "" {
		cfg.API.Addr = v
	}
}

// Validate checks mode and bounds before the runtime composes providers.
func (c *RuntimeConfig) Validate() error {
	if c.Mode != ModeLocal && c.Mode != ModeCloud {
		return fmt.Errorf("invalid mode %q (want local or cloud)", c.Mode)
	}
	if c.Dedup.Enabled && c.Dedup.WindowSeconds <= 0 {
		return fmt.Errorf("dedup.window_seconds must be positive, got %d", c.Dedup.WindowSeconds)
	}
	if c.Dedup.Enabled && c.Dedup.MaxCacheSize <= 0 {
		return fmt.Errorf("dedup.max_cache_size must be positive, got %d", c.Dedup.MaxCacheSize)
	}
	if c.Replay.Enabled && c.Replay.MaxHistorySize <= 0 {
		return fmt.Errorf("replay.max_history_size must be positive, got %d", c.Replay.MaxHistorySize)
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 || c.Breaker.HalfOpenRequests <= 0 {
		return fmt.Errorf("breaker thresholds must be positive")
	}
	if c.Health.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("health.check_interval_seconds must be positive, got %d", c.Health.CheckIntervalSeconds)
	}
	if c.Conversation.MaxSessionAgeHours <= 0 || c.Conversation.MaxTurnsPerSession <= 0 {
		return fmt.Errorf("conversation bounds must be positive")
	}
	if c.Bus.QueueSize <= 0 || c.Bus.Workers <= 0 {
		return fmt.Errorf("bus.queue_size and bus.workers must be positive")
	}
	return nil
}

// DedupWindow returns the dedup window as a duration.
func (c *RuntimeConfig) DedupWindow() time.Duration {
	return time.Duration(c.Dedup.WindowSeconds) * time.Second
}

// BreakerTimeout returns the open-state timeout as a duration.
func (c *RuntimeConfig) BreakerTimeout() time.Duration {
	return time.Duration(c.Breaker.TimeoutSeconds) * time.Second
}

// HealthInterval returns the poll interval as a duration.
func (c *RuntimeConfig) HealthInterval() time.Duration {
	return time.Duration(c.Health.CheckIntervalSeconds) * time.Second
}

// DeadLetterTTL returns the DLQ retention as a duration.
func (c *RuntimeConfig) DeadLetterTTL() time.Duration {
	return time.Duration(c.Bus.DeadLetterTTLHours) * time.Hour
}

// ParseBool is a forgiving boolean parser for environment values.
func ParseBool(s string, def bool) bool {
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}
