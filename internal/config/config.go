// Package config loads service configuration from an optional YAML file and
// MAILMIND_* environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/FeiNiaoBF/MailMind/internal/scheduler"
)

// EnvPrefix prefixes every environment override, e.g. MAILMIND_SERVER_ADDR
const EnvPrefix = "MAILMIND"

type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	// Mode is the gin mode: debug, release or test
	Mode string `mapstructure:"mode" yaml:"mode"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type AuthConfig struct {
	// JWKSURL enables JWT verification; empty runs the API as DevUser
	JWKSURL        string `mapstructure:"jwks_url" yaml:"jwks_url"`
	TokenServerURL string `mapstructure:"token_server_url" yaml:"token_server_url"`
	ServiceKey     string `mapstructure:"service_key" yaml:"service_key"`
	DevUser        string `mapstructure:"dev_user" yaml:"dev_user"`
}

type NATSConfig struct {
	// URL enables the event outbox; empty disables publishing
	URL            string        `mapstructure:"url" yaml:"url"`
	OutboxInterval time.Duration `mapstructure:"outbox_interval" yaml:"outbox_interval"`
}

type GoogleConfig struct {
	PageSize int64 `mapstructure:"page_size" yaml:"page_size"`
}

type MicrosoftConfig struct {
	PageSize int32 `mapstructure:"page_size" yaml:"page_size"`
}

type ProvidersConfig struct {
	Google    GoogleConfig    `mapstructure:"google" yaml:"google"`
	Microsoft MicrosoftConfig `mapstructure:"microsoft" yaml:"microsoft"`
}

type SyncConfig struct {
	RequestTimeout      time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	MaxRetries          int           `mapstructure:"max_retries" yaml:"max_retries"`
	DefaultDays         int           `mapstructure:"default_days" yaml:"default_days"`
	InitialLookbackDays int           `mapstructure:"initial_lookback_days" yaml:"initial_lookback_days"`
	ManualPageLimit     int           `mapstructure:"manual_page_limit" yaml:"manual_page_limit"`
}

// JobConfig schedules one account at boot
type JobConfig struct {
	Account string `mapstructure:"account" yaml:"account"`
	Trigger string `mapstructure:"trigger" yaml:"trigger"`
}

type SchedulerConfig struct {
	Timezone       string      `mapstructure:"timezone" yaml:"timezone"`
	DefaultTrigger string      `mapstructure:"default_trigger" yaml:"default_trigger"`
	Jobs           []JobConfig `mapstructure:"jobs" yaml:"jobs"`
}

// Config is the top-level service configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	NATS      NATSConfig      `mapstructure:"nats" yaml:"nats"`
	Providers ProvidersConfig `mapstructure:"providers" yaml:"providers"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.path", "./data/mailmind.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.jwks_url", "")
	v.SetDefault("auth.token_server_url", "http://localhost:3000")
	v.SetDefault("auth.service_key", "")
	v.SetDefault("auth.dev_user", "local")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.outbox_interval", time.Second)
	v.SetDefault("providers.google.page_size", 100)
	v.SetDefault("providers.microsoft.page_size", 50)
	v.SetDefault("sync.request_timeout", 30*time.Second)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.default_days", 7)
	v.SetDefault("sync.initial_lookback_days", 7)
	v.SetDefault("sync.manual_page_limit", 10)
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.default_trigger", "interval:300")
	v.SetDefault("scheduler.jobs", []JobConfig{})
}

// Load reads configuration from path, if given, then applies environment
// overrides. A missing file yields the defaults
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at runtime
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("server.mode %q must be debug, release or test", c.Server.Mode))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	if c.Auth.TokenServerURL == "" {
		errs = append(errs, errors.New("auth.token_server_url is required"))
	}
	if c.Auth.JWKSURL == "" && c.Auth.DevUser == "" {
		errs = append(errs, errors.New("auth.dev_user is required when auth.jwks_url is empty"))
	}
	if c.Sync.RequestTimeout <= 0 {
		errs = append(errs, errors.New("sync.request_timeout must be positive"))
	}
	if c.Sync.MaxRetries < 0 {
		errs = append(errs, errors.New("sync.max_retries must not be negative"))
	}
	if c.Sync.DefaultDays <= 0 {
		errs = append(errs, errors.New("sync.default_days must be positive"))
	}
	if c.Sync.InitialLookbackDays <= 0 {
		errs = append(errs, errors.New("sync.initial_lookback_days must be positive"))
	}
	if c.Sync.ManualPageLimit <= 0 {
		errs = append(errs, errors.New("sync.manual_page_limit must be positive"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}

	now := time.Now()
	if c.Scheduler.DefaultTrigger != "" {
		if _, err := scheduler.ParseTrigger(c.Scheduler.DefaultTrigger, now); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.default_trigger: %w", err))
		}
	}
	for i, j := range c.Scheduler.Jobs {
		if j.Account == "" {
			errs = append(errs, fmt.Errorf("scheduler.jobs[%d].account is required", i))
		}
		trigger := j.Trigger
		if trigger == "" {
			trigger = c.Scheduler.DefaultTrigger
		}
		if _, err := scheduler.ParseTrigger(trigger, now); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.jobs[%d].trigger: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

// Location returns the scheduler time zone
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Scheduler.Timezone)
}

// InitialLookback is the window of the first incremental sync of an account
func (c *Config) InitialLookback() time.Duration {
	return time.Duration(c.Sync.InitialLookbackDays) * 24 * time.Hour
}
