// Package config loads the replicator's configuration: defaults, then
// an optional YAML file, then environment overrides — the same
// precedence and Duration-wrapper shape as the teacher's
// internal/config/config.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure, read-only after Load().
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Worker    WorkerConfig    `yaml:"worker"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Admin     AdminConfig     `yaml:"admin"`
	Log       LogConfig       `yaml:"log"`
}

// DatabaseConfig contains the data mart's SQLite settings.
type DatabaseConfig struct {
	Path          string `yaml:"path"`
	MaxOpenConns  int    `yaml:"max_open_conns"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

// WorkerConfig contains the ingestion/refresh pool's parallelism and
// backpressure settings — spec.md §5's consumer_parallelism /
// worker_parallelism and high/low watermarks, surfaced per
// SPEC_FULL.md §10's "config-driven parallelism" supplement.
type WorkerConfig struct {
	ConsumerParallelism int      `yaml:"consumer_parallelism"`
	WorkerParallelism   int      `yaml:"worker_parallelism"`
	HighWatermark       int      `yaml:"high_watermark"`
	LowWatermark        int      `yaml:"low_watermark"`
	WatermarkInterval   Duration `yaml:"watermark_interval"`
	TablePollInterval   Duration `yaml:"table_poll_interval"`
	TablePollBatchSize  int      `yaml:"table_poll_batch_size"`
	BootstrapStaleness  Duration `yaml:"bootstrap_staleness"`
}

// EngineConfig contains the External Engine HTTP client's settings.
type EngineConfig struct {
	BaseURL string   `yaml:"base_url"`
	Timeout Duration `yaml:"timeout"`
}

// SchedulerConfig contains the in-repo Scheduler's settings.
type SchedulerConfig struct {
	QueueDepth int `yaml:"queue_depth"`
}

// AdminConfig contains the admin HTTP surface's settings.
type AdminConfig struct {
	Port            int      `yaml:"port"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string
// parsing, identical in shape to the teacher's internal/config.Duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("REPLICATOR_CONFIG_PATH", "config/replicator.yaml")
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path, used for
// testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newDefaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:          "data/replicator.db",
			MaxOpenConns:  1,
			BusyTimeoutMS: 5000,
		},
		Worker: WorkerConfig{
			// Both default to 4 here; cmd/replicator substitutes
			// 2 x runtime.NumCPU() only when a value is zero or less.
			ConsumerParallelism: 4,
			WorkerParallelism:   4,
			HighWatermark:       1000,
			LowWatermark:        100,
			WatermarkInterval:   Duration(time.Second),
			TablePollInterval:   Duration(2 * time.Second),
			TablePollBatchSize:  100,
			BootstrapStaleness:  Duration(10 * time.Minute),
		},
		Engine: EngineConfig{
			BaseURL: "http://localhost:8250",
			Timeout: Duration(10 * time.Second),
		},
		Scheduler: SchedulerConfig{
			QueueDepth: 1024,
		},
		Admin: AdminConfig{
			Port:            8251,
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REPLICATOR_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("REPLICATOR_DB_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.MaxOpenConns = n
		}
	}
	if v := os.Getenv("REPLICATOR_CONSUMER_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.ConsumerParallelism = n
		}
	}
	if v := os.Getenv("REPLICATOR_WORKER_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.WorkerParallelism = n
		}
	}
	if v := os.Getenv("REPLICATOR_HIGH_WATERMARK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.HighWatermark = n
		}
	}
	if v := os.Getenv("REPLICATOR_LOW_WATERMARK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.LowWatermark = n
		}
	}
	if v := os.Getenv("REPLICATOR_ENGINE_BASE_URL"); v != "" {
		cfg.Engine.BaseURL = v
	}
	if v := os.Getenv("REPLICATOR_ENGINE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("REPLICATOR_ADMIN_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Admin.Port = n
		}
	}
	if v := os.Getenv("REPLICATOR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("REPLICATOR_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks configuration values that would otherwise fail
// confusingly deep inside dbconn/scheduler/admin startup.
func (c *Config) validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Worker.HighWatermark <= c.Worker.LowWatermark {
		return fmt.Errorf("worker.high_watermark must exceed worker.low_watermark")
	}
	if c.Engine.BaseURL == "" {
		return fmt.Errorf("engine.base_url is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
