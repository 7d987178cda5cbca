package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	RealtimeDriverPostgres = "postgres"
	RealtimeDriverRedis    = "redis"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RealtimeDriver     string
	RealtimeChannel    string
	RedisAddr          string
	CORSAllowedOrigins []string
	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	WorkerKinds        []string
	TrackerEventBuffer int
	SubmitRateLimit    int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
// A .env file in the working directory is honoured but never overrides the environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "development"),
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RealtimeDriver:     strings.ToLower(getEnv("REALTIME_DRIVER", RealtimeDriverPostgres)),
		RealtimeChannel:    getEnv("REALTIME_CHANNEL", "job_logs_changes"),
		RedisAddr:          strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 0)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 2),
		WorkerPollInterval: time.Millisecond * time.Duration(getEnvInt("WORKER_POLL_INTERVAL_MS", 2000)),
		WorkerKinds:        getEnvList("WORKER_KINDS"),
		TrackerEventBuffer: getEnvInt("TRACKER_EVENT_BUFFER", 16),
		SubmitRateLimit:    getEnvInt("SUBMIT_RATE_LIMIT_PER_MINUTE", 60),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	switch cfg.RealtimeDriver {
	case RealtimeDriverPostgres:
	case RealtimeDriverRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("REDIS_ADDR is required when REALTIME_DRIVER=redis")
		}
	default:
		return nil, fmt.Errorf("unsupported REALTIME_DRIVER %q", cfg.RealtimeDriver)
	}

	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
