package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	UpstreamHTTP = "http"
	UpstreamMock = "mock"

	QuotaRemoteNone  = "none"
	QuotaRemoteRedis = "redis"
	QuotaRemoteHTTP  = "http"
)

// Config contains all runtime settings for the chat service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	Env              string
	MetricsNamespace string
	AllowAnyOrigin   bool
	// TrustUserHeader honors httpapi.UserHeader. Enable it only behind a
	// proxy that authenticates callers and strips the header from clients.
	TrustUserHeader  bool
	LogFilePath      string

	UpstreamMode   string
	UpstreamURL    string
	UpstreamAPIKey string
	UpstreamModel  string
	StallTimeout   time.Duration
	TurnTimeout    time.Duration

	StoreBackend string
	DatabaseURL  string
	BadgerPath   string

	QuotaLimit         int
	QuotaWindow        time.Duration
	QuotaRemote        string
	RedisURL           string
	QuotaRemoteURL     string
	QuotaRemoteTimeout time.Duration

	NATSURL string
}

func (c Config) Production() bool {
	return c.Env == "production"
}

// Load reads an optional dotenv file (APP_ENV_FILE, default .env) and then
// environment variables, applying safe defaults. Variables already set in the
// environment win over the file.
func Load() (Config, error) {
	envFile := envOrDefault("APP_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		Env:                strings.ToLower(envOrDefault("APP_ENV", "development")),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "streamchat"),
		LogFilePath:        envOrDefault("LOG_FILE_PATH", "logs/streamchat.log"),
		UpstreamMode:       strings.ToLower(envOrDefault("UPSTREAM_MODE", UpstreamMock)),
		UpstreamURL:        stringsTrimSpace("UPSTREAM_URL"),
		UpstreamAPIKey:     stringsTrimSpace("UPSTREAM_API_KEY"),
		UpstreamModel:      envOrDefault("UPSTREAM_MODEL", "gpt-4o-mini"),
		StoreBackend:       strings.ToLower(stringsTrimSpace("STORE_BACKEND")),
		DatabaseURL:        stringsTrimSpace("DATABASE_URL"),
		BadgerPath:         envOrDefault("BADGER_PATH", "data/conversations"),
		QuotaRemote:        strings.ToLower(envOrDefault("QUOTA_REMOTE", QuotaRemoteNone)),
		RedisURL:           stringsTrimSpace("REDIS_URL"),
		QuotaRemoteURL:     stringsTrimSpace("QUOTA_REMOTE_URL"),
		NATSURL:            stringsTrimSpace("NATS_URL"),
		ShutdownTimeout:    15 * time.Second,
		StallTimeout:       60 * time.Second,
		TurnTimeout:        5 * time.Minute,
		QuotaLimit:         10,
		QuotaWindow:        24 * time.Hour,
		QuotaRemoteTimeout: 800 * time.Millisecond,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.TrustUserHeader, err = boolFromEnv("APP_TRUST_USER_HEADER", cfg.TrustUserHeader)
	if err != nil {
		return Config{}, err
	}
	cfg.StallTimeout, err = durationFromEnv("STREAM_STALL_TIMEOUT", cfg.StallTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TurnTimeout, err = durationFromEnv("TURN_TIMEOUT", cfg.TurnTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.QuotaLimit, err = intFromEnv("QUOTA_LIMIT", cfg.QuotaLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.QuotaWindow, err = durationFromEnv("QUOTA_WINDOW", cfg.QuotaWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.QuotaRemoteTimeout, err = durationFromEnv("QUOTA_REMOTE_TIMEOUT", cfg.QuotaRemoteTimeout)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.UpstreamMode {
	case UpstreamMock:
	case UpstreamHTTP:
		if c.UpstreamURL == "" {
			return fmt.Errorf("UPSTREAM_URL is required when UPSTREAM_MODE=http")
		}
	default:
		return fmt.Errorf("UPSTREAM_MODE must be %q or %q", UpstreamHTTP, UpstreamMock)
	}
	if c.StallTimeout < time.Second {
		return fmt.Errorf("STREAM_STALL_TIMEOUT must be at least 1s")
	}
	if c.TurnTimeout < c.StallTimeout {
		return fmt.Errorf("TURN_TIMEOUT must not be shorter than STREAM_STALL_TIMEOUT")
	}
	if c.QuotaLimit <= 0 {
		return fmt.Errorf("QUOTA_LIMIT must be positive")
	}
	if c.QuotaWindow < time.Minute {
		return fmt.Errorf("QUOTA_WINDOW must be at least 1m")
	}
	if c.QuotaRemoteTimeout <= 0 {
		return fmt.Errorf("QUOTA_REMOTE_TIMEOUT must be positive")
	}
	switch c.QuotaRemote {
	case QuotaRemoteNone:
	case QuotaRemoteRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when QUOTA_REMOTE=redis")
		}
	case QuotaRemoteHTTP:
		if c.QuotaRemoteURL == "" {
			return fmt.Errorf("QUOTA_REMOTE_URL is required when QUOTA_REMOTE=http")
		}
	default:
		return fmt.Errorf("QUOTA_REMOTE must be one of none, redis, http")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
