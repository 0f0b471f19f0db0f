package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Rate limiter backends
const (
	LimiterBackendMemory = "memory"
	LimiterBackendRedis  = "redis"
)

// maxDispatchTimeout はアダプタ呼び出しタイムアウトの上限（これ未満であること）。
const maxDispatchTimeout = 60 * time.Second

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	StoreDriver string
	DatabaseURL string

	// Server
	ServerPort        string
	CORSAllowedOrigin string
	RateLimitGeneral  int

	// Logging
	LogLevel string

	// Platforms
	PlatformsFile  string
	WatchPlatforms bool

	// Dispatch
	SweepInterval         time.Duration
	DispatchTimeout       time.Duration
	DispatchMaxConcurrent int
	ClaimsPerSweep        int
	MaxAttempts           int
	BaseBackoff           time.Duration
	MaxBackoff            time.Duration

	// Recovery
	RecoveryInterval time.Duration
	InFlightLease    time.Duration

	// Engagement
	EngagementPollInterval time.Duration
	FAQThreshold           float64

	// Rate limiter
	LimiterBackend string
	RedisURL       string
	RedisPrefix    string

	// Activity fan-out
	KafkaBrokers []string
	KafkaTopic   string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.StoreDriver = getEnvString("STORE_DRIVER", StoreDriverPostgres)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.StoreDriver == StoreDriverPostgres && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.LimiterBackend = getEnvString("RATE_LIMITER_BACKEND", LimiterBackendMemory)
	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.LimiterBackend == LimiterBackendRedis && cfg.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if cfg.StoreDriver != StoreDriverPostgres && cfg.StoreDriver != StoreDriverMemory {
		return nil, fmt.Errorf("unknown STORE_DRIVER: %q", cfg.StoreDriver)
	}
	if cfg.LimiterBackend != LimiterBackendMemory && cfg.LimiterBackend != LimiterBackendRedis {
		return nil, fmt.Errorf("unknown RATE_LIMITER_BACKEND: %q", cfg.LimiterBackend)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.PlatformsFile = getEnvString("PLATFORMS_FILE", "platforms.yaml")
	cfg.WatchPlatforms = getEnvBool("PLATFORMS_WATCH", true)
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", 5*time.Second)
	cfg.DispatchTimeout = getEnvDuration("DISPATCH_TIMEOUT", 30*time.Second)
	cfg.DispatchMaxConcurrent = getEnvInt("DISPATCH_MAX_CONCURRENT", 10)
	cfg.ClaimsPerSweep = getEnvInt("CLAIMS_PER_SWEEP", 20)
	cfg.MaxAttempts = getEnvInt("MAX_ATTEMPTS", 3)
	cfg.BaseBackoff = getEnvDuration("BASE_BACKOFF", time.Minute)
	cfg.MaxBackoff = getEnvDuration("MAX_BACKOFF", time.Hour)
	cfg.RecoveryInterval = getEnvDuration("RECOVERY_INTERVAL", time.Minute)
	cfg.InFlightLease = getEnvDuration("IN_FLIGHT_LEASE", 5*time.Minute)
	cfg.EngagementPollInterval = getEnvDuration("ENGAGEMENT_POLL_INTERVAL", 2*time.Minute)
	cfg.FAQThreshold = getEnvFloat("FAQ_THRESHOLD", 0.5)
	cfg.RedisPrefix = getEnvString("REDIS_PREFIX", "mediaagent:ratelimit")
	cfg.KafkaBrokers = getEnvList("KAFKA_BROKERS")
	cfg.KafkaTopic = getEnvString("KAFKA_ACTIVITY_TOPIC", "mediaagent.activity")

	if cfg.DispatchTimeout <= 0 || cfg.DispatchTimeout >= maxDispatchTimeout {
		return nil, fmt.Errorf("DISPATCH_TIMEOUT must be between 0 and %s: %s", maxDispatchTimeout, cfg.DispatchTimeout)
	}
	if cfg.InFlightLease <= cfg.DispatchTimeout {
		return nil, fmt.Errorf("IN_FLIGHT_LEASE (%s) must be longer than DISPATCH_TIMEOUT (%s)", cfg.InFlightLease, cfg.DispatchTimeout)
	}
	if cfg.FAQThreshold <= 0 || cfg.FAQThreshold > 1 {
		return nil, fmt.Errorf("FAQ_THRESHOLD must be in (0, 1]: %v", cfg.FAQThreshold)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
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

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
