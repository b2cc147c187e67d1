package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Snapshot backends.
const (
	BackendNone     = "none"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config models configline.yml.
type Config struct {
	Stream     string           `yaml:"stream"`
	Log        LogConfig        `yaml:"log"`
	Projection ProjectionConfig `yaml:"projection"`
	Snapshots  SnapshotConfig   `yaml:"snapshots"`
	Writes     WritesConfig     `yaml:"writes"`
	Maintenance struct {
		SweepInterval    time.Duration `yaml:"sweep_interval"`
		HeadPollInterval time.Duration `yaml:"head_poll_interval"`
	} `yaml:"maintenance"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Telemetry struct {
		OTLPEndpoint string `yaml:"otlp_endpoint"`
	} `yaml:"telemetry"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ProjectionConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type SnapshotConfig struct {
	Backend       string         `yaml:"backend"`
	QueueCapacity int            `yaml:"queue_capacity"`
	BatchSize     int            `yaml:"batch_size"`
	Interval      time.Duration  `yaml:"interval"`
	WarmStart     bool           `yaml:"warm_start"`
	Postgres      PostgresConfig `yaml:"postgres"`
	Redis         RedisConfig    `yaml:"redis"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type WritesConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with cl config show > %s", path, path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Stream == "" {
		return fmt.Errorf("config.stream is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("config.log.format must be json or text")
	}
	if c.Projection.BatchSize <= 0 {
		return fmt.Errorf("config.projection.batch_size must be positive")
	}
	if c.Projection.PollInterval <= 0 || c.Projection.ReconnectDelay <= 0 {
		return fmt.Errorf("config.projection intervals must be positive")
	}
	switch c.Snapshots.Backend {
	case BackendNone, BackendSQLite:
	case BackendPostgres:
		if c.Snapshots.Postgres.DSN == "" {
			return fmt.Errorf("config.snapshots.postgres.dsn is required for the postgres backend")
		}
	case BackendRedis:
		if c.Snapshots.Redis.Addr == "" {
			return fmt.Errorf("config.snapshots.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.snapshots.backend %q is not one of none, sqlite, postgres, redis", c.Snapshots.Backend)
	}
	if c.Snapshots.QueueCapacity <= 0 || c.Snapshots.BatchSize <= 0 {
		return fmt.Errorf("config.snapshots queue_capacity and batch_size must be positive")
	}
	if c.Snapshots.Interval <= 0 {
		return fmt.Errorf("config.snapshots.interval must be positive")
	}
	if c.Writes.RetryAttempts <= 0 {
		return fmt.Errorf("config.writes.retry_attempts must be positive")
	}
	if c.Writes.RetryDelay < 0 {
		return fmt.Errorf("config.writes.retry_delay must not be negative")
	}
	if c.Maintenance.SweepInterval <= 0 || c.Maintenance.HeadPollInterval <= 0 {
		return fmt.Errorf("config.maintenance intervals must be positive")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "configline.yml")
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Fields left out
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config as it would be written to configline.yml.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `stream: configline

log:
  level: info
  format: text

projection:
  batch_size: 256
  poll_interval: 250ms
  reconnect_delay: 1s

snapshots:
  backend: sqlite
  queue_capacity: 1024
  batch_size: 128
  interval: 2s
  warm_start: true
  redis:
    prefix: "configline:"

writes:
  retry_attempts: 5
  retry_delay: 200ms

maintenance:
  sweep_interval: 1m
  head_poll_interval: 5s

server:
  addr: 127.0.0.1:8080
  base_path: /v1
`
