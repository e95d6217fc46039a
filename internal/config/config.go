// Package config holds memento's enumerated configuration,
// loadable from YAML with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all memento configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Logging LoggingConfig `yaml:"logging"`

	Embedding EmbeddingConfig `yaml:"embedding"`

	History HistoryConfig `yaml:"history"`

	Queue QueueConfig `yaml:"queue"`

	Workers WorkersConfig `yaml:"workers"`

	AutoScale AutoScaleConfig `yaml:"autoscale"`

	Session SessionConfig `yaml:"session"`

	Stores StoresConfig `yaml:"stores"`

	Search SearchConfig `yaml:"search"`
}

// LoggingConfig controls the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool   `yaml:"debug_mode"`
	Level      string `yaml:"level"`
	JSONFormat bool   `yaml:"json_format"`
}

// EmbeddingConfig configures the Embedding Service.
type EmbeddingConfig struct {
	Model          string        `yaml:"model"`
	Dimensions     int           `yaml:"dimensions"`
	BatchSize      int           `yaml:"batch_size"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	RateLimitDelay time.Duration `yaml:"rate_limit_delay"`
}

// HistoryConfig controls the History Service.
type HistoryConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention_days"`
}

// QueueConfig controls the partitioned ingestion queue.
type QueueConfig struct {
	PartitionCount        int           `yaml:"partition_count"`
	MaxSize               int           `yaml:"max_size"`
	BackpressureThreshold int           `yaml:"backpressure_threshold"`
	PartitionStrategy     string        `yaml:"partition_strategy"` // round_robin | hash | priority
	MetricsInterval       time.Duration `yaml:"metrics_interval"`
	BaseRetryDelay        time.Duration `yaml:"base_retry_delay"`
	MaxRetryDelay         time.Duration `yaml:"max_retry_delay"`
}

// WorkersConfig controls the worker pool.
type WorkersConfig struct {
	Min               int           `yaml:"min"`
	Max               int           `yaml:"max"`
	Timeout           time.Duration `yaml:"timeout"`
	HealthCheckPeriod time.Duration `yaml:"health_check_interval"`
	RestartThreshold  int           `yaml:"restart_threshold"`
}

// AutoScaleConfig controls worker pool auto-scaling.
type AutoScaleConfig struct {
	Enabled           bool          `yaml:"enabled"`
	ScaleUpThreshold  int           `yaml:"scale_up_threshold"`
	ScaleDownThreshold int          `yaml:"scale_down_threshold"`
	ScaleUpCooldown   time.Duration `yaml:"scale_up_cooldown"`
	ScaleDownCooldown time.Duration `yaml:"scale_down_cooldown"`
}

// SessionConfig controls the Session Manager.
type SessionConfig struct {
	DefaultTTL         time.Duration `yaml:"default_ttl"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	GraceTTL           time.Duration `yaml:"grace_ttl"`
	GlobalChannel      string        `yaml:"global_channel"`
	SessionChannelFmt  string        `yaml:"session_channel_fmt"`
}

// SearchConfig controls the Search Service's hybrid blend; the weights are
// a tunable knob, fixed at 0.6/0.4 by default.
type SearchConfig struct {
	StructuralWeight float64 `yaml:"structural_weight"`
	SemanticWeight   float64 `yaml:"semantic_weight"`
	CacheSize        int     `yaml:"cache_size"`
}

// StoresConfig carries connection strings for the three backing stores.
type StoresConfig struct {
	GraphPath      string `yaml:"graph_path"`
	RelationalDSN  string `yaml:"relational_dsn"`
	KVAddr         string `yaml:"kv_addr"`
	VectorDims     int    `yaml:"vector_dims"`
}

// DefaultConfig returns sensible defaults for every enumerated sub-config.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "data",
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
		Embedding: EmbeddingConfig{
			Model:          "text-embedding-3-small",
			Dimensions:     1536,
			BatchSize:      64,
			MaxRetries:     3,
			RetryDelay:     500 * time.Millisecond,
			RateLimitDelay: 200 * time.Millisecond,
		},
		History: HistoryConfig{
			Enabled:       true,
			RetentionDays: 180,
		},
		Queue: QueueConfig{
			PartitionCount:        8,
			MaxSize:               10000,
			BackpressureThreshold: 1000,
			PartitionStrategy:     "round_robin",
			MetricsInterval:       10 * time.Second,
			BaseRetryDelay:        1 * time.Second,
			MaxRetryDelay:         60 * time.Second,
		},
		Workers: WorkersConfig{
			Min:               2,
			Max:               16,
			Timeout:           30 * time.Second,
			HealthCheckPeriod: 15 * time.Second,
			RestartThreshold:  5,
		},
		AutoScale: AutoScaleConfig{
			Enabled:            true,
			ScaleUpThreshold:   100,
			ScaleDownThreshold: 10,
			ScaleUpCooldown:    30 * time.Second,
			ScaleDownCooldown:  60 * time.Second,
		},
		Session: SessionConfig{
			DefaultTTL:         24 * time.Hour,
			CheckpointInterval: 15 * time.Minute,
			GraceTTL:           5 * time.Minute,
			GlobalChannel:      "sessions:global",
			SessionChannelFmt:  "sessions:%s",
		},
		Stores: StoresConfig{
			GraphPath:     "data/memento.db",
			RelationalDSN: "postgres://localhost:5432/memento",
			KVAddr:        "localhost:6379",
			VectorDims:    1536,
		},
		Search: SearchConfig{
			StructuralWeight: 0.6,
			SemanticWeight:   0.4,
			CacheSize:        500,
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults with
// environment overrides applied when the file doesn't exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("MEMENTO_RELATIONAL_DSN"); dsn != "" {
		c.Stores.RelationalDSN = dsn
	}
	if addr := os.Getenv("MEMENTO_KV_ADDR"); addr != "" {
		c.Stores.KVAddr = addr
	}
	if p := os.Getenv("MEMENTO_GRAPH_PATH"); p != "" {
		c.Stores.GraphPath = p
	}
	if d := os.Getenv("MEMENTO_DATA_DIR"); d != "" {
		c.DataDir = d
	}
}

// Validate checks internal consistency of the configuration.
func (c *Config) Validate() error {
	if c.Queue.PartitionCount <= 0 {
		return fmt.Errorf("queue.partition_count must be positive")
	}
	if c.Queue.BackpressureThreshold <= 0 {
		return fmt.Errorf("queue.backpressure_threshold must be positive")
	}
	if c.Workers.Min <= 0 || c.Workers.Max < c.Workers.Min {
		return fmt.Errorf("workers.min/max misconfigured")
	}
	if c.Search.StructuralWeight+c.Search.SemanticWeight <= 0 {
		return fmt.Errorf("search weights must sum to a positive value")
	}
	return nil
}
