package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the risk engine.
type Config struct {
	Port     string
	LogLevel string

	// Database
	DBPath string

	// Auth
	JWTSecret string

	// Risk definitions (strategies, limits, breaker thresholds)
	RiskConfigPath string

	// Scheduling
	EvaluationInterval  time.Duration
	ExternalCallTimeout time.Duration
	IdleAccountTTL      time.Duration

	// Persistence batching
	BatchSize          int
	BatchFlushInterval time.Duration

	// Dry-run equity source
	DryRunInitialEquity float64
	Accounts            []string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/risk.db")
	}

	return &Config{
		Port:                getEnv("PORT", "8080"),
		LogLevel:            strings.ToLower(getEnv("LOG_LEVEL", "info")),
		DBPath:              dbPath,
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
		RiskConfigPath:      getEnv("RISK_CONFIG_PATH", "./config/risk.yaml"),
		EvaluationInterval:  getEnvDuration("EVALUATION_INTERVAL", 30*time.Second),
		ExternalCallTimeout: getEnvDuration("EXTERNAL_CALL_TIMEOUT", 5*time.Second),
		IdleAccountTTL:      getEnvDuration("IDLE_ACCOUNT_TTL", 0),
		BatchSize:           getEnvInt("PERSIST_BATCH_SIZE", 50),
		BatchFlushInterval:  getEnvDuration("PERSIST_FLUSH_INTERVAL", 500*time.Millisecond),
		DryRunInitialEquity: getEnvFloat("DRY_RUN_INITIAL_EQUITY", 10000.0),
		Accounts:            splitAndTrim(getEnv("ACCOUNTS", "default")),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
