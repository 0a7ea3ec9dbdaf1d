// Package config loads the dashboard configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aeiouboy/ris-pdm-performance/internal/validation"
)

// Config is the complete dashboard configuration.
type Config struct {
	Server      ServerConfig        `yaml:"server"`
	Logging     LoggingConfig       `yaml:"logging"`
	Redis       RedisConfig         `yaml:"redis"`
	Cache       CacheConfig         `yaml:"cache"`
	EventBus    EventBusConfig      `yaml:"event_bus"`
	AzureDevOps AzureDevOpsConfig   `yaml:"azure_devops"`
	Sync        SyncConfig          `yaml:"sync"`
	Validation  ValidationConfig    `yaml:"validation"`
	Realtime    RealtimeConfig      `yaml:"realtime"`
	Targets     []validation.Target `yaml:"targets"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// HeartbeatInterval is how often idle event streams get a heartbeat.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// ValidationRate limits on-demand validations, per second.
	ValidationRate  float64       `yaml:"validation_rate"`
	ValidationBurst int           `yaml:"validation_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// RedisConfig configures the shared Redis connection. An empty Addr means
// no Redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// CacheConfig selects the KV cache backend.
type CacheConfig struct {
	// Backend is memory or redis.
	Backend string `yaml:"backend"`
	// UpstreamTTL is how long upstream responses are reused.
	UpstreamTTL time.Duration `yaml:"upstream_ttl"`
}

// EventBusConfig selects the event bus backend.
type EventBusConfig struct {
	Backend string `yaml:"backend"`
	Topic   string `yaml:"topic"`
	Buffer  int    `yaml:"buffer"`
}

// AzureDevOpsConfig configures the upstream tracker client.
type AzureDevOpsConfig struct {
	Organization string        `yaml:"organization"`
	PAT          string        `yaml:"pat"`
	Timeout      time.Duration `yaml:"timeout"`
}

// SyncConfig configures the dashboard snapshot sync.
type SyncConfig struct {
	Interval    time.Duration `yaml:"interval"`
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
}

// ValidationConfig configures scheduled validation.
type ValidationConfig struct {
	Interval   time.Duration         `yaml:"interval"`
	Thresholds validation.Thresholds `yaml:"thresholds"`
}

// RealtimeConfig configures the realtime client used by the watch command.
type RealtimeConfig struct {
	ServerURL    string        `yaml:"server_url"`
	StreamPath   string        `yaml:"stream_path"`
	GracePeriod  time.Duration `yaml:"grace_period"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	// Offline serves cached values and manual refreshes only.
	Offline bool `yaml:"offline"`
}

// Default returns a Config with production defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":3001",
			HeartbeatInterval: 30 * time.Second,
			ValidationRate:    1,
			ValidationBurst:   5,
			ShutdownTimeout:   10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Redis:   RedisConfig{Prefix: "pdm:"},
		Cache: CacheConfig{
			Backend:     "memory",
			UpstreamTTL: 2 * time.Minute,
		},
		EventBus: EventBusConfig{
			Backend: "memory",
			Topic:   "dashboard.events",
			Buffer:  64,
		},
		AzureDevOps: AzureDevOpsConfig{Timeout: 30 * time.Second},
		Sync: SyncConfig{
			Interval:    5 * time.Minute,
			SnapshotTTL: 30 * time.Minute,
		},
		Validation: ValidationConfig{
			Interval:   10 * time.Minute,
			Thresholds: validation.DefaultThresholds(),
		},
		Realtime: RealtimeConfig{
			ServerURL:    "http://localhost:3001",
			StreamPath:   "/api/realtime/events",
			GracePeriod:  5 * time.Second,
			PollInterval: 30 * time.Second,
			MaxAttempts:  5,
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.ValidationRate <= 0 || c.Server.ValidationBurst <= 0 {
		return fmt.Errorf("server.validation_rate and server.validation_burst must be positive")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	for name, backend := range map[string]string{"cache.backend": c.Cache.Backend, "event_bus.backend": c.EventBus.Backend} {
		switch backend {
		case "memory":
		case "redis":
			if c.Redis.Addr == "" {
				return fmt.Errorf("%s is redis but redis.addr is empty", name)
			}
		default:
			return fmt.Errorf("%s must be memory or redis, got %q", name, backend)
		}
	}
	if c.Sync.Interval <= 0 || c.Sync.SnapshotTTL <= 0 {
		return fmt.Errorf("sync.interval and sync.snapshot_ttl must be positive")
	}
	if c.Realtime.PollInterval < 5*time.Second {
		return fmt.Errorf("realtime.poll_interval must be at least 5s")
	}
	for i, t := range c.Targets {
		if t.ProjectID == "" || t.TeamID == "" {
			return fmt.Errorf("targets[%d]: project_id and team_id are required", i)
		}
	}
	return nil
}

// LoadFromFile reads a YAML file over the defaults and applies environment
// overrides.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// Load returns the defaults when path is empty and LoadFromFile otherwise.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		cfg.ApplyEnv()
		return cfg, nil
	}
	return LoadFromFile(path)
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("AZURE_DEVOPS_PAT"); v != "" {
		c.AzureDevOps.PAT = v
	}
	if v := os.Getenv("AZURE_DEVOPS_ORG"); v != "" {
		c.AzureDevOps.Organization = v
	}
	if v := os.Getenv("PDM_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("PDM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}
