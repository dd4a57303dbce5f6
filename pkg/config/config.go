package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds engine configuration.
type Config struct {
	LogLevel string

	// AuditBackend selects the audit store: memory, sqlite, or postgres.
	AuditBackend string
	DatabaseURL  string
	SQLitePath   string

	// RedisURL enables the shared rate-limiter store; empty means the
	// in-process limiter.
	RedisURL string

	// ProfilePath points at an optional YAML catalog profile.
	ProfilePath string

	// GrantSigningKey signs approval grant tokens.
	GrantSigningKey string

	HandoffDeadline time.Duration
	GrantTTL        time.Duration

	// Evidence archiving to S3-compatible storage; disabled when the
	// bucket is empty.
	S3Bucket   string
	S3Prefix   string
	S3Endpoint string

	OTLPEndpoint     string
	TelemetryEnabled bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	backend := os.Getenv("AUDIT_BACKEND")
	if backend == "" {
		backend = "memory"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to local generic postgres
		dbURL = "postgres://warden@localhost:5432/warden?sslmode=disable"
	}

	sqlitePath := os.Getenv("SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "warden-audit.db"
	}

	signingKey := os.Getenv("GRANT_SIGNING_KEY")
	if signingKey == "" {
		// Dev-only key; deployments must set their own.
		signingKey = "warden-dev-insecure-key"
	}

	return &Config{
		LogLevel:         logLevel,
		AuditBackend:     backend,
		DatabaseURL:      dbURL,
		SQLitePath:       sqlitePath,
		RedisURL:         os.Getenv("REDIS_URL"),
		ProfilePath:      os.Getenv("TRUST_PROFILE_PATH"),
		GrantSigningKey:  signingKey,
		HandoffDeadline:  durationEnv("HANDOFF_DEADLINE", 4*time.Hour),
		GrantTTL:         durationEnv("GRANT_TTL", 15*time.Minute),
		S3Bucket:         os.Getenv("EVIDENCE_S3_BUCKET"),
		S3Prefix:         os.Getenv("EVIDENCE_S3_PREFIX"),
		S3Endpoint:       os.Getenv("EVIDENCE_S3_ENDPOINT"),
		OTLPEndpoint:     otlpEndpoint(),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",
	}
}

func otlpEndpoint() string {
	if v := os.Getenv("OTLP_ENDPOINT"); v != "" {
		return v
	}
	return "localhost:4317"
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
