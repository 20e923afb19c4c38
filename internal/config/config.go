// Package config loads the queue manager's configuration from environment
// variables, following the teacher's own ambient style (main.go reads
// os.Getenv directly with fmt.Sscanf for numeric fields rather than
// binding into a struct via viper/envconfig). All fields have the
// defaults spec.md §6 names.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Retry configures the broker's backoff on execution failure.
type Retry struct {
	MaxAttempts    int
	InitialDelayMs int64
	Exponential    bool
}

// Config is the full set of tunables spec.md §6 names, plus the ambient
// connection/admin settings a real deployment needs.
type Config struct {
	QueueName             string
	MaxParallelAgents      int
	Retry                  Retry
	HealthCheckIntervalMs  int64
	FallbackDir            string
	CascadeThreshold       int
	HealthCheckTimeoutMs   int64

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AdminAddr  string
	AdminToken string

	// PostgresDSN, when set, enables bounded completed-job history
	// retention (internal/history). Empty disables it — the queue manager
	// still functions, just without queryable completed-job history.
	PostgresDSN        string
	HistoryRetention   time.Duration
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Load reads Config from the environment, falling back to spec.md §6
// defaults for anything unset.
func Load() Config {
	return Config{
		QueueName:             getEnv("QUEUE_NAME", "marketing-tasks"),
		MaxParallelAgents:     getEnvInt("MAX_PARALLEL_AGENTS", 3),
		Retry: Retry{
			MaxAttempts:    getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			InitialDelayMs: getEnvInt64("RETRY_INITIAL_DELAY_MS", 2000),
			Exponential:    getEnvBool("RETRY_EXPONENTIAL", true),
		},
		HealthCheckIntervalMs: getEnvInt64("HEALTH_CHECK_INTERVAL_MS", 30000),
		FallbackDir:           getEnv("FALLBACK_DIR", ".workspace/queue-fallback"),
		CascadeThreshold:      getEnvInt("CASCADE_THRESHOLD", 3),
		HealthCheckTimeoutMs:  getEnvInt64("HEALTH_CHECK_TIMEOUT_MS", 5000),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		AdminAddr:  getEnv("ADMIN_ADDR", ":8090"),
		AdminToken: getEnv("ADMIN_TOKEN", ""),

		PostgresDSN:      getEnv("HISTORY_POSTGRES_DSN", ""),
		HistoryRetention: time.Duration(getEnvInt64("HISTORY_RETENTION_HOURS", 72)) * time.Hour,
	}
}
