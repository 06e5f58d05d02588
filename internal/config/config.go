// Package config loads service settings from the environment, reading a
// .env file first when one is present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	redisclient "github.com/cleftcare/referralhub/internal/infrastructure/redis"
)

// Store drivers
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	Env             string        // development, production
	ServiceName     string        // used for tracing and logs
	HTTPPort        string        // default 8080
	LogLevel        string        // debug, info, warn, error
	APIKeys         map[string]string
	Store           string        // memory, sqlite, postgres
	SeedFile        string        // JSON referrals loaded into the memory store
	SQLitePath      string        // snapshot database for the sqlite store
	DatabaseURL     string        // required for the postgres store and relay
	KafkaBrokers    []string      // empty disables event streaming
	RedisAddr       string        // empty disables distributed locks
	RedisUsername   string
	RedisPassword   string
	LockTTL         time.Duration // how long a referral lock lives
	OTLPEndpoint    string        // empty disables tracing export
	TimeZone        *time.Location
	WebhookURL      string // notification webhook; empty logs instead
	Workers         int    // notification worker pool size
	ShutdownTimeout time.Duration
}

// Load reads the configuration for serviceName.
func Load(serviceName string) (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Env:             getEnv("APP_ENV", "development"),
		ServiceName:     getEnv("SERVICE_NAME", serviceName),
		HTTPPort:        getEnv("PORT", "8080"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		Store:           strings.ToLower(getEnv("STORE_DRIVER", StoreMemory)),
		SeedFile:        os.Getenv("SEED_FILE"),
		SQLitePath:      getEnv("SQLITE_PATH", "referrals.db"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		KafkaBrokers:    getList("KAFKA_BROKERS"),
		LockTTL:         getDuration("LOCK_TTL", 5*time.Second),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		WebhookURL:      os.Getenv("NOTIFY_WEBHOOK_URL"),
		Workers:         getInt("NOTIFY_WORKERS", 4),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	keys, err := parseAPIKeys(os.Getenv("API_KEYS"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid API_KEYS: %w", err)
	}
	cfg.APIKeys = keys

	tz := getEnv("TIME_ZONE", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Config{}, fmt.Errorf("invalid TIME_ZONE %q: %w", tz, err)
	}
	cfg.TimeZone = loc

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		addr, username, password, err := redisclient.ParseURL(redisURL)
		if err != nil {
			return Config{}, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		cfg.RedisAddr = addr
		cfg.RedisUsername = username
		cfg.RedisPassword = password
	} else {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		cfg.RedisUsername = os.Getenv("REDIS_USERNAME")
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	switch cfg.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, errors.New("DATABASE_URL is required for the postgres store")
		}
	default:
		return Config{}, fmt.Errorf("unknown STORE_DRIVER %q", cfg.Store)
	}

	return cfg, nil
}

// Production reports whether the service runs in production mode.
func (c Config) Production() bool {
	return c.Env == "production" || c.Env == "prod"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		fmt.Fprintf(os.Stderr, "invalid integer for %s=%q, using default %d\n", key, v, def)
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		fmt.Fprintf(os.Stderr, "invalid duration for %s=%q, using default %s\n", key, v, def)
	}
	return def
}

// getList splits a comma separated value, dropping blanks.
func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseAPIKeys reads "key:client,key:client".
func parseAPIKeys(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, client, ok := strings.Cut(pair, ":")
		if !ok || key == "" || client == "" {
			return nil, fmt.Errorf("expected key:client, got %q", pair)
		}
		keys[key] = client
	}
	return keys, nil
}
