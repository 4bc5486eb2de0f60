// Package config loads service configuration from an optional YAML file and
// TASKORCH_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"taskorch/internal/job"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment key (TASKORCH_MAX_CONCURRENT_JOBS).
const EnvPrefix = "TASKORCH"

// Config holds configuration for the service. It is immutable once loaded.
type Config struct {
	// Service
	Port              string        `mapstructure:"port" validate:"required,numeric"`
	MetricsPort       string        `mapstructure:"metrics_port" validate:"required,numeric"`
	APIKeyFile        string        `mapstructure:"api_key_file"`
	APIKey            string        `mapstructure:"-"`
	ShutdownDrainWait time.Duration `mapstructure:"shutdown_drain_wait" validate:"gte=0"` // Time to wait for load balancer to drain (0 to skip)
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace" validate:"gt=0"`
	LogLevel          string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`

	// Concurrency
	MaxConcurrentJobs int `mapstructure:"max_concurrent_jobs" validate:"gte=1"`
	MaxQueueDepth     int `mapstructure:"max_queue_depth" validate:"gte=0"`

	// Job defaults
	DefaultTimeout        time.Duration `mapstructure:"default_timeout" validate:"gt=0"`
	DefaultMaxRetries     int           `mapstructure:"default_max_retries" validate:"gte=0,lte=19"`
	DefaultRetryBaseDelay time.Duration `mapstructure:"default_retry_base_delay" validate:"gte=0"`
	DefaultBackoffFactor  float64       `mapstructure:"default_backoff_factor" validate:"gte=1,lte=10"`
	MaxRetryDelay         time.Duration `mapstructure:"max_retry_delay" validate:"gte=0"`
	RetryParseErrors      bool          `mapstructure:"retry_parse_errors"`

	// Process worker
	ProcessEnabled    bool          `mapstructure:"process_enabled"`
	WorkerCommand     string        `mapstructure:"worker_command"`
	WorkerBasePath    string        `mapstructure:"worker_base_path"`
	KillGrace         time.Duration `mapstructure:"kill_grace" validate:"gt=0"`
	MaxOutputBytes    int           `mapstructure:"max_output_bytes" validate:"gte=1024"`
	PermanentExitRule string        `mapstructure:"permanent_exit_rule"`

	// Remote
	RemoteEnabled       bool    `mapstructure:"remote_enabled"`
	RemoteEndpoint      string  `mapstructure:"remote_endpoint" validate:"omitempty,url"`
	APIVersion          string  `mapstructure:"api_version"`
	RemoteAPIKeyFile    string  `mapstructure:"remote_api_key_file"`
	RemoteAPIKey        string  `mapstructure:"-"`
	RemoteMaxInFlight   int64   `mapstructure:"remote_max_in_flight" validate:"gte=0"`
	RemoteRatePerSecond float64 `mapstructure:"remote_rate_per_second" validate:"gte=0"`
	RemoteBurst         int     `mapstructure:"remote_burst" validate:"gte=0"`

	// Cost
	CostPerThousandUnits float64 `mapstructure:"cost_per_thousand_units" validate:"gte=0"`
	CostPerSecond        float64 `mapstructure:"cost_per_second" validate:"gte=0"`

	// Container
	ContainerEnabled  bool    `mapstructure:"container_enabled"`
	ContainerCPU      float64 `mapstructure:"container_cpu" validate:"gte=0"`
	ContainerMemoryMB int     `mapstructure:"container_memory_mb" validate:"gte=0"`
	ContainerNetwork  string  `mapstructure:"container_network"`

	// Retention
	JobRetention        time.Duration `mapstructure:"job_retention" validate:"gt=0"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval" validate:"gt=0"`

	// Callback dispatcher
	DispatcherBufferSize  int           `mapstructure:"dispatcher_buffer_size" validate:"gte=1"`
	DispatcherWorkers     int           `mapstructure:"dispatcher_workers" validate:"gte=1"`
	DispatcherHTTPTimeout time.Duration `mapstructure:"dispatcher_http_timeout" validate:"gt=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("metrics_port", "9090")
	v.SetDefault("api_key_file", "")
	v.SetDefault("shutdown_drain_wait", 5*time.Second)
	v.SetDefault("shutdown_grace", 30*time.Second)
	v.SetDefault("log_level", "info")

	v.SetDefault("max_concurrent_jobs", 4)
	v.SetDefault("max_queue_depth", 1000)

	v.SetDefault("default_timeout", 5*time.Minute)
	v.SetDefault("default_max_retries", 2)
	v.SetDefault("default_retry_base_delay", time.Second)
	v.SetDefault("default_backoff_factor", 2.0)
	v.SetDefault("max_retry_delay", 2*time.Minute)
	v.SetDefault("retry_parse_errors", false)

	v.SetDefault("process_enabled", true)
	v.SetDefault("worker_command", "")
	v.SetDefault("worker_base_path", "")
	v.SetDefault("kill_grace", 5*time.Second)
	v.SetDefault("max_output_bytes", 1<<20)
	v.SetDefault("permanent_exit_rule", "")

	v.SetDefault("remote_enabled", true)
	v.SetDefault("remote_endpoint", "")
	v.SetDefault("api_version", "")
	v.SetDefault("remote_api_key_file", "")
	v.SetDefault("remote_max_in_flight", 8)
	v.SetDefault("remote_rate_per_second", 0.0)
	v.SetDefault("remote_burst", 1)

	v.SetDefault("cost_per_thousand_units", 0.0)
	v.SetDefault("cost_per_second", 0.0)

	v.SetDefault("container_enabled", false)
	v.SetDefault("container_cpu", 1.0)
	v.SetDefault("container_memory_mb", 512)
	v.SetDefault("container_network", "")

	v.SetDefault("job_retention", time.Hour)
	v.SetDefault("maintenance_interval", time.Minute)

	v.SetDefault("dispatcher_buffer_size", 10000)
	v.SetDefault("dispatcher_workers", 10)
	v.SetDefault("dispatcher_http_timeout", 10*time.Second)
}

// Load reads configuration. path names an optional YAML file; environment
// variables take precedence over it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigType("yaml")
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.APIKey = GetSecretFile(cfg.APIKeyFile)
	cfg.RemoteAPIKey = GetSecretFile(cfg.RemoteAPIKeyFile)
	return &cfg, nil
}

// Default returns the built-in defaults, ignoring files and the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return &cfg
}

// Validate checks field constraints and that at least one runner is enabled.
func (c *Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", describe(err))
	}
	if !c.ProcessEnabled && !c.RemoteEnabled && !c.ContainerEnabled {
		return errors.New("configuration validation failed: no runner enabled")
	}
	return nil
}

// describe rewrites validator errors in terms of the environment keys an
// operator would set.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s_%s fails %q (got %v)", EnvPrefix, strings.ToUpper(fe.Field()), fe.Tag(), fe.Value()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func newValidator() *validator.Validate {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("mapstructure")
	})
	return validate
}

// JobDefaults returns the values applied to unset spec fields.
func (c *Config) JobDefaults() job.Defaults {
	return job.Defaults{
		Timeout:        c.DefaultTimeout,
		MaxRetries:     c.DefaultMaxRetries,
		RetryBaseDelay: c.DefaultRetryBaseDelay,
		BackoffFactor:  c.DefaultBackoffFactor,
	}
}

// Level returns the slog level for LogLevel.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
