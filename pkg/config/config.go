package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all settings for one API instance, the proxy, and the
// orchestrator. One JSON file per environment (config_dev.json,
// config_staging.json, config_prod.json) selected by the ENVIRONMENT
// variable; every key can be overridden from the environment.
type Config struct {
	Environment     string  `mapstructure:"environment"`
	Port            int     `mapstructure:"port"`
	WorkerThreads   int     `mapstructure:"worker_threads"`
	ProcessingDelay float64 `mapstructure:"processing_delay"` // seconds per reservation
	LogLevel        string  `mapstructure:"log_level"`

	CacheSize      int `mapstructure:"cache_size"`
	MinConnections int `mapstructure:"min_connections"`
	MaxConnections int `mapstructure:"max_connections"`

	BatchInterval     float64 `mapstructure:"batch_interval"` // seconds
	BatchSize         int     `mapstructure:"batch_size"`
	MaxQueue          int     `mapstructure:"max_queue"`
	MaxRetries        int     `mapstructure:"max_retries"`
	AcquireTimeout    float64 `mapstructure:"acquire_timeout"`     // seconds
	SLAReportInterval float64 `mapstructure:"sla_report_interval"` // minutes

	HeartbeatInterval   float64 `mapstructure:"heartbeat_interval"`    // seconds
	QueueSampleInterval float64 `mapstructure:"queue_sample_interval"` // seconds

	HealthInterval float64 `mapstructure:"health_interval"` // seconds
	HealthTimeout  float64 `mapstructure:"health_timeout"`  // seconds
	ShutdownGrace  float64 `mapstructure:"shutdown_grace"`  // seconds

	ProxyPort    int   `mapstructure:"proxy_port"`
	BackendPorts []int `mapstructure:"backend_ports"`

	OTelEnabled       bool   `mapstructure:"otel_enabled"`
	OTelCollectorAddr string `mapstructure:"otel_collector_addr"`
}

// Durations derived from the numeric fields. The JSON config keeps plain
// numbers (seconds, minutes) so the environment files stay readable.

func (c *Config) BatchIntervalDuration() time.Duration {
	return secondsToDuration(c.BatchInterval)
}

func (c *Config) ProcessingDelayDuration() time.Duration {
	return secondsToDuration(c.ProcessingDelay)
}

func (c *Config) AcquireTimeoutDuration() time.Duration {
	return secondsToDuration(c.AcquireTimeout)
}

func (c *Config) SLAReportIntervalDuration() time.Duration {
	return time.Duration(c.SLAReportInterval * float64(time.Minute))
}

func (c *Config) HeartbeatIntervalDuration() time.Duration {
	return secondsToDuration(c.HeartbeatInterval)
}

func (c *Config) QueueSampleIntervalDuration() time.Duration {
	return secondsToDuration(c.QueueSampleInterval)
}

func (c *Config) HealthIntervalDuration() time.Duration {
	return secondsToDuration(c.HealthInterval)
}

func (c *Config) HealthTimeoutDuration() time.Duration {
	return secondsToDuration(c.HealthTimeout)
}

func (c *Config) ShutdownGraceDuration() time.Duration {
	return secondsToDuration(c.ShutdownGrace)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// DatabasePath returns the per-instance SQLite file derived from the
// listen port. Each instance owns its file exclusively.
func (c *Config) DatabasePath() string {
	return fmt.Sprintf("library_system_%d.db", c.Port)
}

// Addr returns the HTTP listen address for an API instance.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Load reads configuration for the environment named by ENVIRONMENT
// (dev|staging|prod, default dev). A missing config file is not an error:
// defaults plus environment variables apply. PORT overrides the listen port.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	env := v.GetString("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}

	v.SetConfigFile(fmt.Sprintf("config_%s.json", env))
	v.SetConfigType("json")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Defaults plus environment variables still apply when the file is
		// absent; any other read error (malformed JSON, permissions) is fatal.
		if !errors.Is(err, os.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to bind config: %w", err)
	}
	cfg.Environment = env

	// PORT wins over the file when starting a single instance.
	if p := v.GetInt("PORT"); p != 0 {
		cfg.Port = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")
	v.SetDefault("port", 8080)
	v.SetDefault("worker_threads", 1)
	v.SetDefault("processing_delay", 0)
	v.SetDefault("log_level", "debug")

	v.SetDefault("cache_size", 1000)
	v.SetDefault("min_connections", 2)
	v.SetDefault("max_connections", 10)

	v.SetDefault("batch_interval", 5)
	v.SetDefault("batch_size", 10)
	v.SetDefault("max_queue", 100)
	v.SetDefault("max_retries", 3)
	v.SetDefault("acquire_timeout", 5)
	v.SetDefault("sla_report_interval", 30)

	v.SetDefault("heartbeat_interval", 5)
	v.SetDefault("queue_sample_interval", 5)

	v.SetDefault("health_interval", 5)
	v.SetDefault("health_timeout", 2)
	v.SetDefault("shutdown_grace", 10)

	v.SetDefault("proxy_port", 8000)
	v.SetDefault("backend_ports", []int{8080, 8081})

	v.SetDefault("otel_enabled", false)
	v.SetDefault("otel_collector_addr", "localhost:4317")
}

// Validate checks the loaded configuration for values the system cannot
// run with. A failure here is fatal at startup.
func (c *Config) Validate() error {
	switch c.Environment {
	case "dev", "staging", "prod":
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.WorkerThreads < 1 {
		return fmt.Errorf("worker_threads must be at least 1, got %d", c.WorkerThreads)
	}
	if c.CacheSize < 1 {
		return fmt.Errorf("cache_size must be at least 1, got %d", c.CacheSize)
	}
	if c.MinConnections < 1 {
		return fmt.Errorf("min_connections must be at least 1, got %d", c.MinConnections)
	}
	if c.MaxConnections < c.MinConnections {
		return fmt.Errorf("max_connections (%d) must be >= min_connections (%d)",
			c.MaxConnections, c.MinConnections)
	}
	if c.BatchInterval <= 0 {
		return fmt.Errorf("batch_interval must be positive, got %v", c.BatchInterval)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", c.BatchSize)
	}
	if c.MaxQueue < 1 {
		return fmt.Errorf("max_queue must be at least 1, got %d", c.MaxQueue)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if len(c.BackendPorts) == 0 {
		return fmt.Errorf("backend_ports must name at least one backend")
	}
	return nil
}

// IsProduction reports whether this configuration targets prod.
func (c *Config) IsProduction() bool {
	return c.Environment == "prod"
}

// IsDevelopment reports whether this configuration targets dev.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "dev"
}
