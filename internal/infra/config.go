package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage backends accepted by STORAGE_BACKEND.
const (
	StorageBackendFile  = "file"
	StorageBackendRedis = "redis"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	JWTSecret   string
	AutoMigrate bool

	LightX2VBaseURL     string
	LightX2VAccessToken string
	LightX2VTimeout     time.Duration

	StorageBackend string
	StoragePath    string
	RedisURL       string
	RedisPrefix    string

	SubmitConcurrency  int
	SubmitStagger      time.Duration
	SubmitAttempts     int
	SubmitBackoff      time.Duration
	PollConcurrency    int
	PollInterval       time.Duration
	PollTimeout        time.Duration
	RetryConcurrency   int
	EstimatedDuration  time.Duration
	MaxImagesPerBatch  int
	MaxUploadBytes     int64
	SettlementSchedule string

	AllowedOrigins   []string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		AutoMigrate: getEnvBool("AUTO_MIGRATE", false),

		LightX2VBaseURL:     strings.TrimRight(getEnv("LIGHTX2V_BASE_URL", "https://x2v.light-ai.top"), "/"),
		LightX2VAccessToken: strings.TrimSpace(os.Getenv("LIGHTX2V_ACCESS_TOKEN")),
		LightX2VTimeout:     time.Second * time.Duration(getEnvInt("LIGHTX2V_TIMEOUT_SECONDS", 60)),

		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", StorageBackendFile)),
		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		RedisURL:       os.Getenv("REDIS_URL"),
		RedisPrefix:    getEnv("REDIS_PREFIX", "visionbatch:blob:"),

		SubmitConcurrency:  getEnvInt("SUBMIT_CONCURRENCY", 3),
		SubmitStagger:      time.Millisecond * time.Duration(getEnvInt("SUBMIT_STAGGER_MS", 60)),
		SubmitAttempts:     getEnvInt("SUBMIT_ATTEMPTS", 3),
		SubmitBackoff:      time.Millisecond * time.Duration(getEnvInt("SUBMIT_BACKOFF_MS", 1000)),
		PollConcurrency:    getEnvInt("POLL_CONCURRENCY", 3),
		PollInterval:       time.Second * time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 5)),
		PollTimeout:        time.Second * time.Duration(getEnvInt("POLL_TIMEOUT_SECONDS", 3600)),
		RetryConcurrency:   getEnvInt("RETRY_CONCURRENCY", 3),
		EstimatedDuration:  time.Second * time.Duration(getEnvInt("ESTIMATED_DURATION_SECONDS", 60)),
		MaxImagesPerBatch:  getEnvInt("MAX_IMAGES_PER_BATCH", 50),
		MaxUploadBytes:     int64(getEnvInt("MAX_UPLOAD_MB", 200)) << 20,
		SettlementSchedule: getEnv("SETTLEMENT_SCHEDULE", "@every 1m"),

		AllowedOrigins:   splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 60)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 120)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	switch cfg.StorageBackend {
	case StorageBackendFile:
	case StorageBackendRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required when STORAGE_BACKEND=redis")
		}
	default:
		return nil, fmt.Errorf("unsupported STORAGE_BACKEND %q", cfg.StorageBackend)
	}

	if cfg.SubmitAttempts < 1 {
		cfg.SubmitAttempts = 1
	}
	if cfg.MaxImagesPerBatch < 1 {
		cfg.MaxImagesPerBatch = 50
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

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
