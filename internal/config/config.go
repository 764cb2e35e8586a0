package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const devJWTSecret = "your-secret-key"

type Config struct {
	Env      string `envconfig:"APP_ENV" default:"development"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	Redis     RedisConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Socket    SocketConfig
	Jobs      JobsConfig

	// DatabaseURL points at the system of record. Optional; without it the
	// conversation participants must be carried in the message payload.
	DatabaseURL string `envconfig:"DATABASE_URL"`
}

type RedisConfig struct {
	URL      string `envconfig:"REDIS_URL"`
	Addr     string `envconfig:"REDIS_ADDR"`
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// Address resolves REDIS_ADDR first, then REDIS_HOST/REDIS_PORT.
func (r RedisConfig) Address() string {
	if r.Addr != "" {
		return r.Addr
	}
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

type AuthConfig struct {
	JWTSecret string `envconfig:"JWT_SECRET"`
	// InternalAPIKey guards /internal. Unset leaves those routes closed.
	InternalAPIKey string `envconfig:"INTERNAL_API_KEY"`
}

type RateLimitConfig struct {
	Window time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"60s"`
	Max    int64         `envconfig:"RATE_LIMIT_MAX"`
}

type SocketConfig struct {
	HandshakeTimeout time.Duration `envconfig:"WS_HANDSHAKE_TIMEOUT" default:"5s"`
	EventsPerSecond  float64       `envconfig:"WS_EVENTS_PER_SECOND" default:"20"`
}

type JobsConfig struct {
	Concurrency  int           `envconfig:"JOB_CONCURRENCY" default:"5"`
	Timeout      time.Duration `envconfig:"JOB_TIMEOUT" default:"30s"`
	PollInterval time.Duration `envconfig:"JOB_POLL_INTERVAL" default:"1s"`
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Load reads an optional .env file and then the process environment.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		slog.Warn("Failed to load .env file", "error", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if cfg.RateLimit.Max == 0 {
		// Relaxed limits everywhere except production.
		cfg.RateLimit.Max = 1000
		if cfg.IsProduction() {
			cfg.RateLimit.Max = 100
		}
	}

	if cfg.Auth.JWTSecret == "" {
		if cfg.IsProduction() {
			return nil, errors.New("JWT_SECRET environment variable is required")
		}
		slog.Warn("JWT_SECRET not set, using development secret")
		cfg.Auth.JWTSecret = devJWTSecret
	}

	if cfg.Auth.InternalAPIKey == "" {
		if cfg.IsProduction() {
			return nil, errors.New("INTERNAL_API_KEY environment variable is required")
		}
		slog.Warn("INTERNAL_API_KEY not set, internal routes are disabled")
	}

	if cfg.Jobs.Concurrency <= 0 {
		return nil, fmt.Errorf("JOB_CONCURRENCY must be positive, got %d", cfg.Jobs.Concurrency)
	}

	return &cfg, nil
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// SetupLogger installs the JSON slog handler as the process default.
func (c *Config) SetupLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: c.SlogLevel()}))
	slog.SetDefault(logger)
	return logger
}
