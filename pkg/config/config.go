// Package config loads service configuration from environment variables
// and source-trust profiles from YAML.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds service configuration.
type Config struct {
	LogLevel string

	// Evidence storage.
	EvidenceDir    string
	EvidenceDriver string // "sqlite" or "postgres"
	EvidenceDSN    string
	S3Bucket       string // non-empty switches the backend to S3
	S3Region       string
	S3Endpoint     string
	S3Prefix       string

	// Promotion platform database.
	PromoDSN string

	// Provider fan-out.
	SourceProfilePath string
	CallTimeout       time.Duration
	RatePerSecond     float64
	RateBurst         int

	// Workflow orchestration.
	MaxConcurrent    int
	TickInterval     time.Duration
	ExecutionTimeout time.Duration
	DrainTimeout     time.Duration
	RollbackEnabled  bool

	// Integration bridge.
	RedisAddr string

	// Telemetry.
	OTLPEndpoint     string
	TelemetryEnabled bool
}

// Load loads configuration from environment variables, falling back to
// single-node development defaults.
func Load() *Config {
	return &Config{
		LogLevel: getEnv("LOG_LEVEL", "INFO"),

		EvidenceDir:    getEnv("EVIDENCE_DIR", "./evidence"),
		EvidenceDriver: getEnv("EVIDENCE_DRIVER", "sqlite"),
		EvidenceDSN:    getEnv("EVIDENCE_DSN", "./evidence/index.db"),
		S3Bucket:       os.Getenv("EVIDENCE_S3_BUCKET"),
		S3Region:       getEnv("EVIDENCE_S3_REGION", "us-east-1"),
		S3Endpoint:     os.Getenv("EVIDENCE_S3_ENDPOINT"),
		S3Prefix:       getEnv("EVIDENCE_S3_PREFIX", "evidence"),

		PromoDSN: getEnv("PROMO_DSN", "./promogate.db"),

		SourceProfilePath: getEnv("SOURCE_PROFILE", "./profiles/sources.yaml"),
		CallTimeout:       getDuration("PROVIDER_CALL_TIMEOUT", 5*time.Second),
		RatePerSecond:     getFloat("PROVIDER_RATE_PER_SECOND", 5),
		RateBurst:         getInt("PROVIDER_RATE_BURST", 10),

		MaxConcurrent:    getInt("MAX_CONCURRENT_EXECUTIONS", 4),
		TickInterval:     getDuration("TICK_INTERVAL", 250*time.Millisecond),
		ExecutionTimeout: getDuration("EXECUTION_TIMEOUT", 30*time.Second),
		DrainTimeout:     getDuration("DRAIN_TIMEOUT", 15*time.Second),
		RollbackEnabled:  getBool("ROLLBACK_ENABLED", true),

		RedisAddr: os.Getenv("REDIS_ADDR"),

		OTLPEndpoint:     getEnv("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: getBool("TELEMETRY_ENABLED", false),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
