// Package config loads the service configuration from an optional YAML file
// and PUBLISHER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "PUBLISHER"

// Content collaborator modes
const (
	ContentModeHTTP = "http"
	ContentModeNATS = "nats"
	ContentModeLog  = "log"
)

// Config is the full service configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Content   ContentConfig   `mapstructure:"content"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Events    EventsConfig    `mapstructure:"events"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type DatabaseConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
}

type ContentConfig struct {
	Mode            string            `mapstructure:"mode"`
	BaseURL         string            `mapstructure:"base_url"`
	Headers         map[string]string `mapstructure:"headers"`
	NATSSubject     string            `mapstructure:"nats_subject"`
	ValidateSubject string            `mapstructure:"validate_subject"`
	Timeout         time.Duration     `mapstructure:"timeout"`
	Validate        bool              `mapstructure:"validate"`
}

type SchedulerConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	BatchSize        int           `mapstructure:"batch_size"`
	Workers          int           `mapstructure:"workers"`
	MaxRetries       int           `mapstructure:"max_retries"`
	Horizon          time.Duration `mapstructure:"horizon"`
	MinLeadTime      time.Duration `mapstructure:"min_lead_time"`
	ClaimTTL         time.Duration `mapstructure:"claim_ttl"`
	RecoverySpec     string        `mapstructure:"recovery_spec"`
	PruneSpec        string        `mapstructure:"prune_spec"`
	AttemptRetention time.Duration `mapstructure:"attempt_retention"`
}

type RetryConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

type ExecutorConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type MonitorConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Interval         time.Duration `mapstructure:"interval"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	Burst           int           `mapstructure:"burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type EventsConfig struct {
	Retention time.Duration `mapstructure:"retention"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "publish-scheduler")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("database.path", "schedules.db")
	v.SetDefault("database.busy_timeout", 5*time.Second)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.connect_retries", 5)

	v.SetDefault("content.mode", ContentModeLog)
	v.SetDefault("content.base_url", "")
	v.SetDefault("content.headers", map[string]string{})
	v.SetDefault("content.nats_subject", "content.articles.publish")
	v.SetDefault("content.validate_subject", "content.articles.validate")
	v.SetDefault("content.timeout", 5*time.Second)
	v.SetDefault("content.validate", true)

	v.SetDefault("scheduler.poll_interval", 30*time.Second)
	v.SetDefault("scheduler.batch_size", 50)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.horizon", 365*24*time.Hour)
	v.SetDefault("scheduler.min_lead_time", time.Duration(0))
	v.SetDefault("scheduler.claim_ttl", 5*time.Minute)
	v.SetDefault("scheduler.recovery_spec", "@every 1m")
	v.SetDefault("scheduler.prune_spec", "0 0 3 * * *")
	v.SetDefault("scheduler.attempt_retention", 30*24*time.Hour)

	v.SetDefault("retry.initial_delay", time.Minute)
	v.SetDefault("retry.max_delay", 30*time.Minute)
	v.SetDefault("retry.multiplier", 2.0)

	v.SetDefault("executor.timeout", 10*time.Second)

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.interval", 15*time.Second)
	v.SetDefault("monitor.failure_threshold", 10)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.rate_limit", 20.0)
	v.SetDefault("http.burst", 40)
	v.SetDefault("http.shutdown_timeout", 15*time.Second)

	v.SetDefault("events.retention", 7*24*time.Hour)
}

// Load reads the configuration. With an empty path, config.yaml is looked up
// in ./config and the working directory and may be absent.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Content.Mode = strings.ToLower(cfg.Content.Mode)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	var errs []error

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}

	switch c.Content.Mode {
	case ContentModeHTTP:
		if c.Content.BaseURL == "" {
			errs = append(errs, errors.New("content.base_url is required in http mode"))
		}
	case ContentModeNATS:
		if !c.NATS.Enabled {
			errs = append(errs, errors.New("content.mode nats requires nats.enabled"))
		}
	case ContentModeLog:
	default:
		errs = append(errs, fmt.Errorf("content.mode must be one of http, nats, log, got %q", c.Content.Mode))
	}

	if c.Scheduler.MaxRetries < 1 || c.Scheduler.MaxRetries > 10 {
		errs = append(errs, errors.New("scheduler.max_retries must be between 1 and 10"))
	}
	if c.Scheduler.PollInterval <= 0 {
		errs = append(errs, errors.New("scheduler.poll_interval must be positive"))
	}
	if c.Scheduler.Workers < 1 {
		errs = append(errs, errors.New("scheduler.workers must be at least 1"))
	}
	if c.Scheduler.MinLeadTime < 0 || c.Scheduler.MinLeadTime >= c.Scheduler.Horizon {
		errs = append(errs, errors.New("scheduler.min_lead_time must be non-negative and below scheduler.horizon"))
	}
	if c.Executor.Timeout <= 0 {
		errs = append(errs, errors.New("executor.timeout must be positive"))
	}
	if c.Scheduler.ClaimTTL <= c.Executor.Timeout {
		errs = append(errs, errors.New("scheduler.claim_ttl must exceed executor.timeout"))
	}
	if c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay < c.Retry.InitialDelay || c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry requires initial_delay > 0, max_delay >= initial_delay and multiplier >= 1"))
	}
	if c.HTTP.RateLimit < 0 {
		errs = append(errs, errors.New("http.rate_limit must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
