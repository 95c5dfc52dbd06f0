// Package config loads server configuration from environment variables,
// 12-factor style. The authority rules profile is the one piece of config
// with real structure; it lives in YAML and is loaded by pkg/authority.
package config

import (
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects Postgres when set; otherwise the event store falls
	// back to SQLite at DBPath.
	DatabaseURL string
	DBPath      string

	// RulesPath points at the authority profile YAML. Empty means the
	// built-in default ruleset.
	RulesPath string

	DataDir   string
	RedisAddr string

	JWTSecret     string
	WebhookSecret string
	PackSealSeed  string

	RateRPM   int
	RateBurst int

	OTLPEndpoint string
	OTLPInsecure bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		LogLevel:      getEnv("LOG_LEVEL", "INFO"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		DBPath:        getEnv("KEEL_DB_PATH", "data/keel.db"),
		RulesPath:     os.Getenv("KEEL_RULES_PATH"),
		DataDir:       getEnv("KEEL_DATA_DIR", "data"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		JWTSecret:     os.Getenv("KEEL_JWT_SECRET"),
		WebhookSecret: os.Getenv("KEEL_WEBHOOK_SECRET"),
		PackSealSeed:  os.Getenv("KEEL_PACK_SEAL_SEED"),
		RateRPM:       getEnvInt("KEEL_RATE_RPM", 120),
		RateBurst:     getEnvInt("KEEL_RATE_BURST", 30),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:  os.Getenv("KEEL_OTLP_INSECURE") == "true",
	}
}

// UsePostgres reports whether the event store should run on Postgres.
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
