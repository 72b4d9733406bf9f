// Package config loads application configuration from defaults, a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Storage drivers.
const (
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

// Content drivers.
const (
	ContentTina = "tina"
	ContentFeed = "feed"
)

// Throttle strategies.
const (
	ThrottleFixed = "fixed"
	ThrottleRate  = "rate"
	ThrottleNone  = "none"
)

// Config is the root application configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
	CORS       CORSConfig       `koanf:"cors"`
	Storage    StorageConfig    `koanf:"storage"`
	Content    ContentConfig    `koanf:"content"`
	Email      EmailConfig      `koanf:"email"`
	Newsletter NewsletterConfig `koanf:"newsletter"`
	Digest     DigestConfig     `koanf:"digest"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CORSConfig configures cross-origin access.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// StorageConfig selects and configures the subscriber store backend.
type StorageConfig struct {
	Driver   string         `koanf:"driver"`
	Redis    RedisConfig    `koanf:"redis"`
	Postgres DatabaseConfig `koanf:"postgres"`
}

// RedisConfig configures the Redis client.
type RedisConfig struct {
	URL             string        `koanf:"url"`
	PoolSize        int           `koanf:"pool_size"`
	MinIdleConns    int           `koanf:"min_idle_conns"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
}

// ContentConfig selects the source of published posts.
type ContentConfig struct {
	Driver  string        `koanf:"driver"`
	Timeout time.Duration `koanf:"timeout"`
	Tina    TinaConfig    `koanf:"tina"`
	Feed    FeedConfig    `koanf:"feed"`
}

// TinaConfig configures the TinaCMS GraphQL client.
type TinaConfig struct {
	URL      string `koanf:"url"`
	Token    string `koanf:"token"`
	PageSize int    `koanf:"page_size"`
}

// FeedConfig configures the RSS/Atom source.
type FeedConfig struct {
	URL string `koanf:"url"`
}

// EmailConfig configures the SMTP transport.
type EmailConfig struct {
	Enabled      bool   `koanf:"enabled"`
	SMTPHost     string `koanf:"smtp_host"`
	SMTPPort     int    `koanf:"smtp_port"`
	SMTPUser     string `koanf:"smtp_user"`
	SMTPPassword string `koanf:"smtp_password"`
	FromAddress  string `koanf:"from_address"`
	Secure       bool   `koanf:"secure"`
	SendAttempts int    `koanf:"send_attempts"`
}

// NewsletterConfig holds list-level settings.
type NewsletterConfig struct {
	SiteURL            string        `koanf:"site_url"`
	ListName           string        `koanf:"list_name"`
	CronSecret         string        `koanf:"cron_secret"`
	MinPosts           int           `koanf:"min_posts"`
	Lookback           time.Duration `koanf:"lookback"`
	SubscribeRateLimit float64       `koanf:"subscribe_rate_limit"`
	SubscribeBurst     int           `koanf:"subscribe_burst"`
}

// DigestConfig configures digest runs.
type DigestConfig struct {
	Throttle         string        `koanf:"throttle"`
	SendDelay        time.Duration `koanf:"send_delay"`
	RatePerSecond    float64       `koanf:"rate_per_second"`
	LockTTL          time.Duration `koanf:"lock_ttl"`
	RunTimeout       time.Duration `koanf:"run_timeout"`
	ScheduleEnabled  bool          `koanf:"schedule_enabled"`
	ScheduleInterval time.Duration `koanf:"schedule_interval"`
}

// envAliases maps deployment variables of the blog to config keys.
var envAliases = map[string]string{
	"REDIS_URL":       "storage.redis.url",
	"DATABASE_URL":    "storage.postgres.url",
	"SMTP_HOST":       "email.smtp_host",
	"SMTP_PORT":       "email.smtp_port",
	"SMTP_SECURE":     "email.secure",
	"SMTP_USER":       "email.smtp_user",
	"SMTP_PASSWORD":   "email.smtp_password",
	"SMTP_FROM_EMAIL": "email.from_address",
	"CRON_SECRET":     "newsletter.cron_secret",
	"BLOG_URL":        "newsletter.site_url",
	"BLOG_TITLE":      "newsletter.list_name",
	"TINA_URL":        "content.tina.url",
	"TINA_TOKEN":      "content.tina.token",
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      5 * time.Minute,
			IdleTimeout:       60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			Driver: StorageRedis,
			Redis: RedisConfig{
				PoolSize:        10,
				MinIdleConns:    2,
				ConnectTimeout:  30 * time.Second,
				ConnectAttempts: 5,
			},
			Postgres: DatabaseConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    2,
				ConnMaxLifetime: 30 * time.Minute,
				ConnectTimeout:  30 * time.Second,
				ConnectAttempts: 5,
			},
		},
		Content: ContentConfig{
			Driver:  ContentTina,
			Timeout: 30 * time.Second,
			Tina: TinaConfig{
				PageSize: 50,
			},
		},
		Email: EmailConfig{
			SMTPPort:     587,
			FromAddress:  "noreply@example.com",
			SendAttempts: 1,
		},
		Newsletter: NewsletterConfig{
			SiteURL:            "https://example.com",
			ListName:           "My Blog",
			MinPosts:           3,
			Lookback:           7 * 24 * time.Hour,
			SubscribeRateLimit: 1,
			SubscribeBurst:     5,
		},
		Digest: DigestConfig{
			Throttle:         ThrottleFixed,
			SendDelay:        100 * time.Millisecond,
			RatePerSecond:    10,
			LockTTL:          15 * time.Minute,
			RunTimeout:       10 * time.Minute,
			ScheduleInterval: 7 * 24 * time.Hour,
		},
	}
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables are used.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Deployments that only set SMTP_HOST expect mail to go out.
	if !k.Exists("email.enabled") {
		cfg.Email.Enabled = cfg.Email.SMTPHost != ""
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// envKey maps an environment variable name to a config key.
// Nested keys use a double underscore: DIGEST__SEND_DELAY -> digest.send_delay.
// Returning an empty string skips the variable.
func envKey(name string) string {
	if key, ok := envAliases[name]; ok {
		return key
	}
	if !strings.Contains(name, "__") {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(name), "__", ".")
}

// Validate checks the configuration for the selected drivers.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case StorageRedis:
		if c.Storage.Redis.URL == "" {
			errs = append(errs, errors.New("storage.redis.url is required (REDIS_URL)"))
		}
	case StoragePostgres:
		if c.Storage.Postgres.URL == "" {
			errs = append(errs, errors.New("storage.postgres.url is required (DATABASE_URL)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}

	switch c.Content.Driver {
	case ContentTina:
		if c.Content.Tina.URL == "" {
			errs = append(errs, errors.New("content.tina.url is required (TINA_URL)"))
		}
	case ContentFeed:
		if c.Content.Feed.URL == "" {
			errs = append(errs, errors.New("content.feed.url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown content driver %q", c.Content.Driver))
	}

	switch c.Digest.Throttle {
	case ThrottleFixed, ThrottleNone:
	case ThrottleRate:
		if c.Digest.RatePerSecond <= 0 {
			errs = append(errs, errors.New("digest.rate_per_second must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown digest throttle %q", c.Digest.Throttle))
	}

	if c.Newsletter.MinPosts <= 0 {
		errs = append(errs, errors.New("newsletter.min_posts must be positive"))
	}
	if c.Newsletter.Lookback <= 0 {
		errs = append(errs, errors.New("newsletter.lookback must be positive"))
	}
	if c.Newsletter.SiteURL == "" {
		errs = append(errs, errors.New("newsletter.site_url is required (BLOG_URL)"))
	}
	if c.Digest.ScheduleEnabled && c.Digest.ScheduleInterval <= 0 {
		errs = append(errs, errors.New("digest.schedule_interval must be positive when scheduling is enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
