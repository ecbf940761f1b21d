package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the relay.
type Config struct {
	Port        string
	Env         string
	SQLitePath  string
	DatabaseURL string // when set, Postgres replaces SQLite
	RedisURL    string // when set, enables the chat flood limiter

	// Relay tunables.
	HistorySize     int           // bounded in-memory history window
	BusCapacity     int           // per-subscriber broadcast buffer
	MaxMessageChars int           // advertised chat length cap
	LinkCodeTTL     time.Duration // device-link code lifetime
	UploadKeep      int           // FIFO retention for upload records

	// Outbound notifier (best-effort, per accepted human chat message).
	WebhookURL   string
	WebhookToken string
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	return &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		SQLitePath:  os.Getenv("SQLITE_PATH"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		HistorySize:     getEnvInt("HISTORY_SIZE", 100),
		BusCapacity:     getEnvInt("BUS_CAPACITY", 64),
		MaxMessageChars: getEnvInt("MAX_MESSAGE_CHARS", 2000),
		LinkCodeTTL:     getEnvDuration("LINK_CODE_TTL", 5*time.Minute),
		UploadKeep:      getEnvInt("UPLOAD_KEEP", 50),

		WebhookURL:   os.Getenv("WEBHOOK_URL"),
		WebhookToken: os.Getenv("WEBHOOK_TOKEN"),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
