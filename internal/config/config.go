// Package config loads service configuration from a YAML file with
// environment variable overrides. Every field has a sensible default, so an
// empty config runs against localhost backends.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "5s"
// or "1h30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration for the tradestore binaries.
type Config struct {
	Redis      RedisConfig      `yaml:"redis"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Writer     WriterConfig     `yaml:"writer"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Retention  RetentionConfig  `yaml:"retention"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// RedisConfig configures the hot store connection.
type RedisConfig struct {
	Addrs     []string `yaml:"addrs"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	Namespace string   `yaml:"namespace"`
}

// ClickHouseConfig configures the analytical sink connection.
type ClickHouseConfig struct {
	DSN string `yaml:"dsn"`
}

// WriterConfig configures the buffered writers.
type WriterConfig struct {
	BatchSize     int      `yaml:"batch_size"`
	MaxBufferSize int      `yaml:"max_buffer_size"`
	FlushInterval Duration `yaml:"flush_interval"`
	Sync          bool     `yaml:"sync"`
}

// ArchiveConfig configures the archivers and their scheduler.
type ArchiveConfig struct {
	OrderInterval      Duration `yaml:"order_interval"`
	PositionInterval   Duration `yaml:"position_interval"`
	ArchiveAfter       Duration `yaml:"archive_after"`
	BatchSize          int      `yaml:"batch_size"`
	DeleteAfterArchive bool     `yaml:"delete_after_archive"`
}

// RetentionConfig configures hot-tier retention sweeps.
type RetentionConfig struct {
	Days int `yaml:"days"`
}

// MetricsConfig configures the HTTP endpoint serving /metrics and /health.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file and no overrides are
// present.
func Default() Config {
	return Config{
		Redis: RedisConfig{
			Addrs:     []string{"localhost:6379"},
			Namespace: "tradestore",
		},
		ClickHouse: ClickHouseConfig{
			DSN: "clickhouse://localhost:9000/tradestore",
		},
		Writer: WriterConfig{
			BatchSize:     100,
			MaxBufferSize: 10000,
			FlushInterval: Duration(5 * time.Second),
		},
		Archive: ArchiveConfig{
			OrderInterval:      Duration(1 * time.Hour),
			PositionInterval:   Duration(1 * time.Hour),
			ArchiveAfter:       Duration(24 * time.Hour),
			BatchSize:          500,
			DeleteAfterArchive: true,
		},
		Retention: RetentionConfig{
			Days: 30,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load reads configuration from path, falling back to defaults when path is
// empty, then applies environment overrides. A missing file at a non-empty
// path is an error; a malformed file is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides file values from the environment. Only the settings an
// operator plausibly changes per deployment are exposed.
func applyEnv(cfg *Config) {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addrs = []string{v}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_NAMESPACE"); v != "" {
		cfg.Redis.Namespace = v
	}
	if v := os.Getenv("CLICKHOUSE_DSN"); v != "" {
		cfg.ClickHouse.DSN = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retention.Days = n
		}
	}
	if v := os.Getenv("ARCHIVE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Archive.ArchiveAfter = Duration(d)
		}
	}
}

// LoadEnvFile loads environment variables from a .env file in the working
// directory if one exists. Existing variables are never overridden.
func LoadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

func (c Config) validate() error {
	if len(c.Redis.Addrs) == 0 {
		return fmt.Errorf("config: redis.addrs is required")
	}
	if c.ClickHouse.DSN == "" {
		return fmt.Errorf("config: clickhouse.dsn is required")
	}
	if c.Writer.BatchSize < 0 || c.Writer.MaxBufferSize < 0 {
		return fmt.Errorf("config: writer sizes must be non-negative")
	}
	if c.Archive.BatchSize < 0 {
		return fmt.Errorf("config: archive.batch_size must be non-negative")
	}
	if c.Retention.Days < 0 {
		return fmt.Errorf("config: retention.days must be non-negative")
	}
	return nil
}
