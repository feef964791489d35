// Package config reads process settings from the environment. A .env file in the working
// directory is loaded first when present; variables already set win over it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jason-s-yu/matchmaker/internal/database"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Backends selectable with STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Notification fan-out modes selectable with NOTIFY_BACKEND.
const (
	NotifyLocal = "local"
	NotifyRedis = "redis"
)

// Config holds every setting the server and historian read at startup.
type Config struct {
	Port     string
	LogLevel logrus.Level

	StoreBackend  string
	NotifyBackend string

	DatabaseURL string
	RedisAddr   string
	RedisDB     int
	// RedisEnabled is set when REDIS_ADDR is given or a selected backend needs Redis.
	RedisEnabled bool

	MaxAttempts  int
	MinOpponents int
	MaxOpponents int

	EventsQueue   string
	NotifyChannel string

	// TokenTTL is zero when tokens never expire.
	TokenTTL time.Duration
	// Key files shared by every instance; when unset each process generates its own pair.
	PrivateKeyPath string
	PublicKeyPath  string

	HistorianBatchSize int
	HistorianFlush     time.Duration
}

// Load reads the configuration. Invalid values are reported rather than defaulted.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		StoreBackend:       strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
		NotifyBackend:      strings.ToLower(getEnv("NOTIFY_BACKEND", NotifyLocal)),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		EventsQueue:        getEnv("LOBBY_EVENTS_QUEUE", "matchmaker_lobby_events"),
		NotifyChannel:      getEnv("NOTIFY_CHANNEL", "matchmaker_notify"),
		PrivateKeyPath:     os.Getenv("AUTH_PRIVATE_KEY"),
		PublicKeyPath:      os.Getenv("AUTH_PUBLIC_KEY"),
		HistorianBatchSize: 20,
		HistorianFlush:     500 * time.Millisecond,
	}

	level, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "debug"))
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	cfg.LogLevel = level

	switch cfg.StoreBackend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		return nil, fmt.Errorf("STORE_BACKEND: unknown backend %q", cfg.StoreBackend)
	}
	switch cfg.NotifyBackend {
	case NotifyLocal, NotifyRedis:
	default:
		return nil, fmt.Errorf("NOTIFY_BACKEND: unknown backend %q", cfg.NotifyBackend)
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && os.Getenv("PG_HOST") != "" {
		cfg.DatabaseURL = database.DSN(
			os.Getenv("POSTGRES_USER"),
			os.Getenv("POSTGRES_PASSWORD"),
			os.Getenv("PG_HOST"),
			getEnv("PG_PORT", "5432"),
			getEnv("PG_DATABASE", "matchmaker"),
		)
	}
	if cfg.StoreBackend == BackendPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("STORE_BACKEND=postgres needs DATABASE_URL or PG_HOST")
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ADDR") != "" || cfg.StoreBackend == BackendRedis || cfg.NotifyBackend == NotifyRedis

	ints := []struct {
		key string
		dst *int
		def int
	}{
		{"REDIS_DB", &cfg.RedisDB, 0},
		{"MATCH_MAX_ATTEMPTS", &cfg.MaxAttempts, 5},
		{"MATCH_MIN_OPPONENTS", &cfg.MinOpponents, 2},
		{"MATCH_MAX_OPPONENTS", &cfg.MaxOpponents, 8},
		{"HISTORIAN_BATCH_SIZE", &cfg.HistorianBatchSize, cfg.HistorianBatchSize},
	}
	for _, v := range ints {
		n, err := getEnvInt(v.key, v.def)
		if err != nil {
			return nil, err
		}
		*v.dst = n
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("MATCH_MAX_ATTEMPTS must be positive, got %d", cfg.MaxAttempts)
	}
	if cfg.MinOpponents < 1 || cfg.MaxOpponents < cfg.MinOpponents {
		return nil, fmt.Errorf("opponent range [%d, %d] is invalid", cfg.MinOpponents, cfg.MaxOpponents)
	}

	flushMs, err := getEnvInt("HISTORIAN_FLUSH_MS", int(cfg.HistorianFlush/time.Millisecond))
	if err != nil {
		return nil, err
	}
	cfg.HistorianFlush = time.Duration(flushMs) * time.Millisecond

	cfg.TokenTTL, err = tokenTTL(os.Getenv("TOKEN_EXPIRE_TIME"))
	if err != nil {
		return nil, err
	}
	if (cfg.PrivateKeyPath == "") != (cfg.PublicKeyPath == "") {
		return nil, fmt.Errorf("AUTH_PRIVATE_KEY and AUTH_PUBLIC_KEY must be set together")
	}
	return cfg, nil
}

// tokenTTL accepts a Go duration, or "never", "0" or empty for no expiry.
func tokenTTL(v string) (time.Duration, error) {
	if v == "" || v == "never" || v == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("failed to parse token expire time: %w", err)
	}
	return d, nil
}

// getEnv retrieves an environment variable's value or returns a default.
func getEnv(key, defVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defVal
}

// getEnvInt retrieves an integer value from an environment variable or returns a default value.
func getEnvInt(key string, defVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defVal, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return i, nil
}
