// Package config loads the scheduler configuration from a YAML file and
// WA_SCHEDULER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. WA_SCHEDULER_TIMER_BACKEND
const EnvPrefix = "WA_SCHEDULER"

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Log       LogConfig       `mapstructure:"log"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Timer     TimerConfig     `mapstructure:"timer"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Credits   CreditsConfig   `mapstructure:"credits"`
}

type AppConfig struct {
	Name string `mapstructure:"name" validate:"required"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

type NATSConfig struct {
	URLs           []string      `mapstructure:"urls" validate:"required,min=1"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// TimerConfig selects the wake-up backend. The redis backend survives
// restarts and is safe with several scheduler processes.
type TimerConfig struct {
	Backend      string        `mapstructure:"backend" validate:"oneof=local redis"`
	RedisURL     string        `mapstructure:"redis_url" validate:"required_if=Backend redis"`
	RedisPrefix  string        `mapstructure:"redis_prefix"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type SchedulerConfig struct {
	// TierLimits caps the number of tasks per subscription tier
	TierLimits  map[string]int `mapstructure:"tier_limits" validate:"required,min=1,dive,gte=0"`
	DefaultTier string         `mapstructure:"default_tier" validate:"required"`

	RearmSpec        string        `mapstructure:"rearm_spec" validate:"required"`
	RearmGrace       time.Duration `mapstructure:"rearm_grace"`
	PruneSpec        string        `mapstructure:"prune_spec" validate:"required"`
	HistoryRetention time.Duration `mapstructure:"history_retention" validate:"gt=0"`
	MetricsInterval  time.Duration `mapstructure:"metrics_interval" validate:"gt=0"`

	MaxConcurrent    int     `mapstructure:"max_concurrent" validate:"gte=1"`
	MaxCPUPercent    float64 `mapstructure:"max_cpu_percent" validate:"gte=0,lte=100"`
	MaxMemoryPercent float64 `mapstructure:"max_memory_percent" validate:"gte=0,lte=100"`
}

type DeliveryConfig struct {
	SessionWindow      time.Duration `mapstructure:"session_window" validate:"gt=0"`
	ResultTemplate     string        `mapstructure:"result_template" validate:"required"`
	LowCreditTemplate  string        `mapstructure:"low_credit_template" validate:"required"`
	LowCreditMessage   string        `mapstructure:"low_credit_message" validate:"required"`
	TemplateMaxLength  int           `mapstructure:"template_max_length" validate:"gt=1"`
	BreakerMaxFailures uint32        `mapstructure:"breaker_max_failures"`
	BreakerReset       time.Duration `mapstructure:"breaker_reset"`
}

type AgentConfig struct {
	Subject string        `mapstructure:"subject" validate:"required"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type CreditsConfig struct {
	Allowances         map[string]int `mapstructure:"allowances" validate:"required,min=1"`
	FreeDiscriminators []string       `mapstructure:"free_discriminators"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "wa-scheduler")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("nats.urls", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("database.path", "./data/scheduler.db")

	v.SetDefault("timer.backend", "local")
	v.SetDefault("timer.redis_url", "")
	v.SetDefault("timer.redis_prefix", "wa-scheduler:")
	v.SetDefault("timer.poll_interval", time.Second)

	v.SetDefault("scheduler.tier_limits", map[string]int{"basic": 5, "pro": 50})
	v.SetDefault("scheduler.default_tier", "basic")
	v.SetDefault("scheduler.rearm_spec", "*/5 * * * *")
	v.SetDefault("scheduler.rearm_grace", 10*time.Minute)
	v.SetDefault("scheduler.prune_spec", "0 3 * * *")
	v.SetDefault("scheduler.history_retention", 30*24*time.Hour)
	v.SetDefault("scheduler.metrics_interval", time.Minute)
	v.SetDefault("scheduler.max_concurrent", 10)
	v.SetDefault("scheduler.max_cpu_percent", 0)
	v.SetDefault("scheduler.max_memory_percent", 90)

	v.SetDefault("delivery.session_window", 24*time.Hour)
	v.SetDefault("delivery.result_template", "scheduled_task_result")
	v.SetDefault("delivery.low_credit_template", "scheduled_task_low_credits")
	v.SetDefault("delivery.low_credit_message", "Your scheduled tasks are paused until your credits renew.")
	v.SetDefault("delivery.template_max_length", 1000)
	v.SetDefault("delivery.breaker_max_failures", 5)
	v.SetDefault("delivery.breaker_reset", 30*time.Second)

	v.SetDefault("agent.subject", "agent.turn")
	v.SetDefault("agent.timeout", 2*time.Minute)

	v.SetDefault("credits.allowances", map[string]int{"basic": 100, "pro": 1000})
	v.SetDefault("credits.free_discriminators", []string{})
}

// Load reads the configuration. An empty path looks for config.yaml in
// ./config and the working directory and falls back to defaults if none
// exists; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, ok := c.Scheduler.TierLimits[c.Scheduler.DefaultTier]; !ok {
		return fmt.Errorf("invalid config: default tier %q has no task limit", c.Scheduler.DefaultTier)
	}
	return nil
}
