package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all configuration for the slotcast server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AMQP      AMQPConfig
	Transport TransportConfig
	Webhook   WebhookConfig
	Sweep     SweepConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// AMQPConfig configures the approval queue. An empty URL routes approval events to the log.
type AMQPConfig struct {
	URL      string
	Exchange string
}

type TransportConfig struct {
	Provider   string
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RatePerSec int
}

type WebhookConfig struct {
	Secret string
}

type SweepConfig struct {
	ExpireSpec string
	RetrySpec  string
	RetryBatch int
	Timezone   string
}

type RateLimitConfig struct {
	PerMinute int
}

var validTransports = map[string]bool{
	"http": true,
	"log":  true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("SLOTCAST_PORT", 8080),
			Env:  envString("SLOTCAST_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		AMQP: AMQPConfig{
			URL:      os.Getenv("AMQP_URL"),
			Exchange: envString("AMQP_EXCHANGE", "slotcast.approvals"),
		},
		Transport: TransportConfig{
			Provider:   envString("TRANSPORT_PROVIDER", "log"),
			BaseURL:    os.Getenv("TRANSPORT_BASE_URL"),
			APIKey:     os.Getenv("TRANSPORT_API_KEY"),
			Timeout:    envDuration("TRANSPORT_TIMEOUT", 10*time.Second),
			RatePerSec: envInt("TRANSPORT_RATE_PER_SEC", 10),
		},
		Webhook: WebhookConfig{
			Secret: os.Getenv("WEBHOOK_SECRET"),
		},
		Sweep: SweepConfig{
			ExpireSpec: envString("SWEEP_EXPIRE_SPEC", "@every 1m"),
			RetrySpec:  envString("SWEEP_RETRY_SPEC", "@every 1m"),
			RetryBatch: envInt("SWEEP_RETRY_BATCH", 50),
			Timezone:   envString("SWEEP_TIMEZONE", "UTC"),
		},
		RateLimit: RateLimitConfig{
			PerMinute: envInt("RATE_LIMIT_PER_MIN", 120),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validTransports[c.Transport.Provider] {
		return fmt.Errorf("TRANSPORT_PROVIDER must be one of http, log; got %q", c.Transport.Provider)
	}
	if c.Transport.Provider == "http" {
		if c.Transport.BaseURL == "" {
			return fmt.Errorf("TRANSPORT_BASE_URL is required when TRANSPORT_PROVIDER is http")
		}
		if !strings.HasPrefix(c.Transport.BaseURL, "http://") && !strings.HasPrefix(c.Transport.BaseURL, "https://") {
			return fmt.Errorf("TRANSPORT_BASE_URL must start with http:// or https://, got %q", c.Transport.BaseURL)
		}
	}
	if c.Transport.RatePerSec <= 0 {
		return fmt.Errorf("TRANSPORT_RATE_PER_SEC must be positive, got %d", c.Transport.RatePerSec)
	}

	if c.Webhook.Secret == "" && c.Server.Env == "production" {
		return fmt.Errorf("WEBHOOK_SECRET is required in production")
	}

	if c.AMQP.URL != "" && !strings.HasPrefix(c.AMQP.URL, "amqp://") && !strings.HasPrefix(c.AMQP.URL, "amqps://") {
		return fmt.Errorf("AMQP_URL must start with amqp:// or amqps://, got %q", c.AMQP.URL)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Sweep.ExpireSpec); err != nil {
		return fmt.Errorf("SWEEP_EXPIRE_SPEC is invalid: %w", err)
	}
	if _, err := parser.Parse(c.Sweep.RetrySpec); err != nil {
		return fmt.Errorf("SWEEP_RETRY_SPEC is invalid: %w", err)
	}
	if _, err := time.LoadLocation(c.Sweep.Timezone); err != nil {
		return fmt.Errorf("SWEEP_TIMEZONE is invalid: %w", err)
	}
	if c.Sweep.RetryBatch <= 0 {
		return fmt.Errorf("SWEEP_RETRY_BATCH must be positive, got %d", c.Sweep.RetryBatch)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
