package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures process configuration. FromEnv builds it from environment
// variables so main stays lean.
type Config struct {
	Addr     string
	LogLevel string

	// DatabaseURL is the postgres DSN. Empty selects the in-memory stores
	// (local development and tests only).
	DatabaseURL string

	Redis RedisConfig
	Kafka KafkaConfig

	Apple  AppleConfig
	Google GoogleConfig

	Sweep SweepConfig

	// DedupTTL bounds how long a processed notification fingerprint is
	// remembered for duplicate suppression.
	DedupTTL time.Duration
}

// RedisConfig configures the shared Redis client.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures the audit event publisher. Empty brokers disable
// publishing.
type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
}

// AppleConfig configures App Store receipt verification.
type AppleConfig struct {
	SharedSecret  string
	ProductionURL string
	SandboxURL    string
	Timeout       time.Duration
}

// GoogleConfig configures Play Developer API verification.
type GoogleConfig struct {
	// ServiceAccountKey is the JSON key material for the service account
	// used against the androidpublisher scope.
	ServiceAccountKey string
	PackageName       string
	Timeout           time.Duration
}

// SweepConfig configures the expiry sweep.
type SweepConfig struct {
	// Schedule is a cron expression; empty disables the in-process
	// scheduler (sweeps then run only via the internal endpoint).
	Schedule string
	// GracePeriod is how long a grace_period subscription keeps its
	// entitlement past expires_at before the sweep fully expires it.
	GracePeriod time.Duration
	// Lookahead is the approaching-expiry observation window.
	Lookahead time.Duration
	// Concurrency bounds parallel per-record processing within one sweep.
	Concurrency int
}

// FromEnv builds a Config from environment variables, applying defaults
// suitable for local development.
func FromEnv() Config {
	return Config{
		Addr:        getEnv("TESSERA_ADDR", ":8080"),
		LogLevel:    getEnv("TESSERA_LOG_LEVEL", "info"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:    splitNonEmpty(os.Getenv("KAFKA_BROKERS")),
			AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "tessera.audit"),
		},
		Apple: AppleConfig{
			SharedSecret:  os.Getenv("APPLE_SHARED_SECRET"),
			ProductionURL: getEnv("APPLE_VERIFY_URL", "https://buy.itunes.apple.com/verifyReceipt"),
			SandboxURL:    getEnv("APPLE_VERIFY_SANDBOX_URL", "https://sandbox.itunes.apple.com/verifyReceipt"),
			Timeout:       getEnvDuration("APPLE_VERIFY_TIMEOUT", 10*time.Second),
		},
		Google: GoogleConfig{
			ServiceAccountKey: os.Getenv("GOOGLE_SERVICE_ACCOUNT_KEY"),
			PackageName:       getEnv("ANDROID_PACKAGE_NAME", "com.onemessage.app"),
			Timeout:           getEnvDuration("GOOGLE_VERIFY_TIMEOUT", 10*time.Second),
		},
		Sweep: SweepConfig{
			Schedule:    getEnv("SWEEP_SCHEDULE", "0 2 * * *"),
			GracePeriod: getEnvDuration("SWEEP_GRACE_PERIOD", 72*time.Hour),
			Lookahead:   getEnvDuration("SWEEP_LOOKAHEAD", 72*time.Hour),
			Concurrency: getEnvInt("SWEEP_CONCURRENCY", 8),
		},
		DedupTTL: getEnvDuration("NOTIFICATION_DEDUP_TTL", 48*time.Hour),
	}
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
