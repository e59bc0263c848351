package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PALLIATIVE_DB_PASSWORD.
const EnvPrefix = "PALLIATIVE"

type Config struct {
	Server     ServerConfig     `mapstructure:"server" envconfig:"SERVER"`
	Database   DatabaseConfig   `mapstructure:"database" envconfig:"DB"`
	Redis      RedisConfig      `mapstructure:"redis" envconfig:"REDIS"`
	Outbox     OutboxConfig     `mapstructure:"outbox" envconfig:"OUTBOX"`
	Auth       AuthConfig       `mapstructure:"auth" envconfig:"AUTH"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit" envconfig:"RATE_LIMIT"`
	Log        LogConfig        `mapstructure:"log" envconfig:"LOG"`
	Metrics    MetricsConfig    `mapstructure:"metrics" envconfig:"METRICS"`
	Scheduling SchedulingConfig `mapstructure:"scheduling" envconfig:"SCHEDULING"`
	Audit      AuditConfig      `mapstructure:"audit" envconfig:"AUDIT"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" split_words:"true"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" split_words:"true"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" split_words:"true"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" split_words:"true"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" split_words:"true"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" split_words:"true"`
	Host            string        `mapstructure:"host" split_words:"true"`
	Port            int           `mapstructure:"port" split_words:"true"`
	User            string        `mapstructure:"user" split_words:"true"`
	Password        string        `mapstructure:"password" split_words:"true"`
	Name            string        `mapstructure:"name" split_words:"true"`
	SSLMode         string        `mapstructure:"sslmode" split_words:"true"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" split_words:"true"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" split_words:"true"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" split_words:"true"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url" split_words:"true"`
	Channel      string        `mapstructure:"channel" split_words:"true"`
	MaxRetries   int           `mapstructure:"max_retries" split_words:"true"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" split_words:"true"`
	PoolSize     int           `mapstructure:"pool_size" split_words:"true"`
	MinIdleConns int           `mapstructure:"min_idle_conns" split_words:"true"`
}

type OutboxConfig struct {
	BatchSize       int           `mapstructure:"batch_size" split_words:"true"`
	PollInterval    time.Duration `mapstructure:"poll_interval" split_words:"true"`
	RetryAttempts   int           `mapstructure:"retry_attempts" split_words:"true"`
	RetryDelay      time.Duration `mapstructure:"retry_delay" split_words:"true"`
	MaxRetries      int           `mapstructure:"max_retries" split_words:"true"`
	RetentionPeriod time.Duration `mapstructure:"retention_period" split_words:"true"`
}

type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled" split_words:"true"`
	Secret  string `mapstructure:"secret" split_words:"true"`
	Issuer  string `mapstructure:"issuer" split_words:"true"`
}

type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled" split_words:"true"`
	RPS     float64       `mapstructure:"rps" split_words:"true"`
	Burst   int           `mapstructure:"burst" split_words:"true"`
	TTL     time.Duration `mapstructure:"ttl" split_words:"true"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" split_words:"true"`
	Format string `mapstructure:"format" split_words:"true"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" split_words:"true"`
	Path      string `mapstructure:"path" split_words:"true"`
	Namespace string `mapstructure:"namespace" split_words:"true"`
}

type AuditConfig struct {
	// RetentionPeriod of zero keeps the trail forever.
	RetentionPeriod time.Duration `mapstructure:"retention_period" split_words:"true"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" split_words:"true"`
}

type SchedulingConfig struct {
	// TimeZone anchors appointment wall-clock times.
	TimeZone string `mapstructure:"time_zone" split_words:"true"`
}

// Location resolves the scheduling time zone, defaulting to UTC.
func (c SchedulingConfig) Location() (*time.Location, error) {
	if c.TimeZone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.TimeZone)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.name", "palliative")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.channel", "palliative.events")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.poll_interval", 5*time.Second)
	v.SetDefault("outbox.retry_attempts", 3)
	v.SetDefault("outbox.retry_delay", time.Second)
	v.SetDefault("outbox.max_retries", 10)
	v.SetDefault("outbox.retention_period", 7*24*time.Hour)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.issuer", "palliative-api")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rps", 20.0)
	v.SetDefault("rate_limit.burst", 40)
	v.SetDefault("rate_limit.ttl", 10*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "palliative")

	v.SetDefault("scheduling.time_zone", "UTC")

	v.SetDefault("audit.retention_period", time.Duration(0))
	v.SetDefault("audit.cleanup_interval", 24*time.Hour)
}

// LoadConfig reads config.yaml from the usual places, applies defaults for
// missing keys and finally overlays PALLIATIVE_* environment variables.
// A missing file is not an error; path, when set, must exist.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/app/config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var problems []string

	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			problems = append(problems, "database.host is required for the postgres driver")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("unknown database.driver %q", c.Database.Driver))
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		problems = append(problems, "auth.secret is required when auth is enabled")
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.PollInterval <= 0 || c.Outbox.RetryAttempts <= 0 || c.Outbox.RetryDelay <= 0 {
		problems = append(problems, "outbox batch_size, poll_interval, retry_attempts and retry_delay must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		problems = append(problems, "rate_limit rps and burst must be positive")
	}
	if c.Audit.RetentionPeriod < 0 || (c.Audit.RetentionPeriod > 0 && c.Audit.CleanupInterval <= 0) {
		problems = append(problems, "audit retention_period must not be negative and needs a positive cleanup_interval")
	}
	if _, err := c.Scheduling.Location(); err != nil {
		problems = append(problems, fmt.Sprintf("scheduling.time_zone: %v", err))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
