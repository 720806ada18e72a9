// Package config provides unified configuration loading for the
// researchflow daemon: defaults, then a YAML file, then environment
// variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("RESEARCHFLOW").
//	    Load()
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/researchflow/checkpoint"
	"github.com/BaSui01/researchflow/internal/pool"
	"github.com/BaSui01/researchflow/job"
	"github.com/BaSui01/researchflow/pipeline"
	"github.com/BaSui01/researchflow/progress"
)

// Config is the complete daemon configuration.
type Config struct {
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Database backs both the job store and, when Store.Type is
	// "gorm", the checkpoint store.
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Redis backs the checkpoint store and the distributed lease when
	// Store.Type is "redis".
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Store selects the checkpoint backend: memory, gorm, redis.
	Store StoreConfig `yaml:"store" env:"STORE"`

	Pipeline PipelineConfig    `yaml:"pipeline" env:"PIPELINE"`
	Worker   pool.Config       `yaml:"worker" env:"WORKER"`
	Sweeper  job.SweeperConfig `yaml:"sweeper" env:"SWEEPER"`
	Webhook  WebhookConfig     `yaml:"webhook" env:"WEBHOOK"`
	Log      LogConfig         `yaml:"log" env:"LOG"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig holds relational database settings. Driver is
// "sqlite" or "postgres".
type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"DRIVER"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	Name     string `yaml:"name" env:"NAME"`
	SSLMode  string `yaml:"ssl_mode" env:"SSL_MODE"`
}

// DSN returns the driver-specific connection string.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "sqlite", "":
		return d.Name
	default:
		return ""
	}
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	PoolSize  int    `yaml:"pool_size" env:"POOL_SIZE"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// StoreConfig selects the checkpoint backend.
type StoreConfig struct {
	// Type: memory, gorm, redis.
	Type string `yaml:"type" env:"TYPE"`
}

// PipelineConfig groups the execution policy knobs.
type PipelineConfig struct {
	Executor pipeline.ExecutorConfig `yaml:"executor" env:"EXECUTOR"`
	Machine  pipeline.Config         `yaml:"machine" env:"MACHINE"`
	Invoker  InvokerConfig           `yaml:"invoker" env:"INVOKER"`

	// MockCapabilities registers the built-in mock capability set at
	// startup, development and demo runs only.
	MockCapabilities bool `yaml:"mock_capabilities" env:"MOCK_CAPABILITIES"`
}

// InvokerConfig tunes agent call timeout enforcement.
type InvokerConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	GracePeriod    time.Duration `yaml:"grace_period" env:"GRACE_PERIOD"`
}

// WebhookConfig tunes progress webhook delivery.
type WebhookConfig struct {
	Endpoints     []string      `yaml:"endpoints" env:"ENDPOINTS"`
	RatePerSecond float64       `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	Burst         int           `yaml:"burst" env:"BURST"`
	QueueSize     int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries    int           `yaml:"max_retries" env:"MAX_RETRIES"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths, zap-style; defaults to stderr.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// DefaultConfig returns the development defaults: sqlite job store,
// in-memory checkpoints, mock capabilities off.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:  "sqlite",
			Name:    "researchflow.db",
			SSLMode: "disable",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "researchflow:",
		},
		Store: StoreConfig{Type: "memory"},
		Pipeline: PipelineConfig{
			Executor: pipeline.DefaultExecutorConfig(),
			Machine:  pipeline.DefaultConfig(),
			Invoker: InvokerConfig{
				DefaultTimeout: 2 * time.Minute,
				GracePeriod:    5 * time.Second,
			},
		},
		Worker:  pool.DefaultConfig(),
		Sweeper: job.DefaultSweeperConfig(),
		Webhook: WebhookConfig{
			RatePerSecond: 10,
			Burst:         20,
			QueueSize:     256,
			Timeout:       10 * time.Second,
			MaxRetries:    3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	switch c.Store.Type {
	case "memory", "gorm", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown store type %q", c.Store.Type))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "":
	default:
		errs = append(errs, fmt.Sprintf("unknown database driver %q", c.Database.Driver))
	}
	if c.Store.Type == "redis" && c.Redis.Addr == "" {
		errs = append(errs, "redis store requires redis.addr")
	}
	if c.Pipeline.Machine.BackoffMultiplier < 1 && c.Pipeline.Machine.BackoffMultiplier != 0 {
		errs = append(errs, "backoff multiplier must be >= 1")
	}
	if c.Worker.MaxWorkers < 0 {
		errs = append(errs, "worker count must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// CheckpointStoreConfig translates the daemon config into the
// checkpoint package's backend config.
func (c *Config) CheckpointStoreConfig() checkpoint.StoreConfig {
	return checkpoint.StoreConfig{
		Type:   checkpoint.StoreType(c.Store.Type),
		Driver: c.Database.Driver,
		DSN:    c.Database.DSN(),
		Redis: checkpoint.RedisConfig{
			Addr:      c.Redis.Addr,
			Password:  c.Redis.Password,
			DB:        c.Redis.DB,
			PoolSize:  c.Redis.PoolSize,
			KeyPrefix: c.Redis.KeyPrefix,
		},
	}
}

// WebhookDispatcherConfig translates the webhook section for the
// progress package.
func (c *Config) WebhookDispatcherConfig() progress.WebhookConfig {
	return progress.WebhookConfig{
		Endpoints:     c.Webhook.Endpoints,
		RatePerSecond: c.Webhook.RatePerSecond,
		Burst:         c.Webhook.Burst,
		QueueSize:     c.Webhook.QueueSize,
		Timeout:       c.Webhook.Timeout,
		MaxRetries:    c.Webhook.MaxRetries,
	}
}
