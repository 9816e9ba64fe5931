package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config holds all configuration for the gateway.
type Config struct {
	Addr        string
	Env         string
	DatabaseURL string
	JWTSecret   string
	RedisAddr   string

	KafkaBrokers []string
	KafkaTopic   string

	SendRateLimit  int // messages per user per minute, 0 disables
	AllowedOrigins []string
}

// Load reads configuration from environment variables, loading a .env file
// first when one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:           getEnv("ADDR", ":8080"),
		Env:            getEnv("ENV", "development"),
		DatabaseURL:    os.Getenv("DB_DSN"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:   splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:     getEnv("KAFKA_TOPIC", "chat.message.sent"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),
	}

	limit, err := strconv.Atoi(getEnv("SEND_RATE_LIMIT", "30"))
	if err != nil || limit < 0 {
		return nil, errors.New("SEND_RATE_LIMIT must be a non-negative integer")
	}
	cfg.SendRateLimit = limit

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DB_DSN is not set")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is not set")
	}
	return cfg, nil
}

// IsDevelopment returns true for local and development environments.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development" || c.Env == "local"
}

// NewLogger builds a development logger for local work and a JSON
// production logger everywhere else.
func NewLogger(cfg *Config) (*zap.Logger, error) {
	if cfg.IsDevelopment() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
