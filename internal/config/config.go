package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	AppPort        string
	AppEnv         string
	StoreDriver    string // "dynamo" or "memory"
	AWSRegion      string
	AWSEndpointURL string // empty in prod, set to LocalStack URL in dev
	AWSAccessKeyID string
	AWSSecretKey   string
	AWSMaxAttempts int
	DynamoTables   DynamoTables
	MemstoreRanges int

	LockTTL              time.Duration
	SweepInterval        time.Duration
	PendingAccountMaxAge time.Duration

	StreamPollInterval   time.Duration
	StreamRangeRefresh   time.Duration
	StreamRetryDelay     time.Duration
	StreamBatchSize      int
	FanOutParallelism    int
	FanOutRate           float64 // feed writes per second across a worker; 0 disables pacing
	FeedTTL              time.Duration
	TombstoneTTL         time.Duration
	UnlikeTTL            time.Duration
	ConflictPollInterval time.Duration

	SessionTTL        time.Duration
	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
	JWTExpiry         time.Duration

	OTelEndpoint   string
	OTelEnabled    bool
	AllowedOrigins []string // CORS allowed origins
}

// DynamoTables holds the DynamoDB table names.
type DynamoTables struct {
	Documents string
}

// Load reads all configuration from environment variables.
func Load() *Config {
	return &Config{
		AppPort:        getEnv("APP_PORT", "3000"),
		AppEnv:         getEnv("APP_ENV", "development"),
		StoreDriver:    getEnv("STORE_DRIVER", "dynamo"),
		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
		AWSEndpointURL: getEnv("AWS_ENDPOINT_URL", ""),
		AWSAccessKeyID: getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSMaxAttempts: getEnvInt("AWS_MAX_ATTEMPTS", 5),
		DynamoTables: DynamoTables{
			Documents: getEnv("DYNAMO_TABLE_DOCUMENTS", "social_documents"),
		},
		MemstoreRanges: getEnvInt("MEMSTORE_RANGES", 4),

		LockTTL:              getEnvDuration("LOCK_TTL", 5*time.Minute),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", time.Minute),
		PendingAccountMaxAge: getEnvDuration("PENDING_ACCOUNT_MAX_AGE", 10*time.Minute),

		StreamPollInterval:   getEnvDuration("STREAM_POLL_INTERVAL", time.Second),
		StreamRangeRefresh:   getEnvDuration("STREAM_RANGE_REFRESH", time.Minute),
		StreamRetryDelay:     getEnvDuration("STREAM_RETRY_DELAY", 5*time.Second),
		StreamBatchSize:      getEnvInt("STREAM_BATCH_SIZE", 100),
		FanOutParallelism:    getEnvInt("FANOUT_PARALLELISM", 8),
		FanOutRate:           getEnvFloat("FANOUT_RATE", 0),
		FeedTTL:              getEnvDuration("FEED_TTL", 30*24*time.Hour),
		TombstoneTTL:         getEnvDuration("TOMBSTONE_TTL", 24*time.Hour),
		UnlikeTTL:            getEnvDuration("UNLIKE_TTL", time.Hour),
		ConflictPollInterval: getEnvDuration("CONFLICT_POLL_INTERVAL", 10*time.Second),

		SessionTTL:        getEnvDuration("SESSION_TTL", 30*24*time.Hour),
		JWTPrivateKeyPath: getEnv("JWT_PRIVATE_KEY_PATH", "./private_key.pem"),
		JWTPublicKeyPath:  getEnv("JWT_PUBLIC_KEY_PATH", "./public_key.pem"),
		JWTExpiry:         getEnvDuration("JWT_EXPIRY", 7*24*time.Hour),

		OTelEndpoint:   getEnv("OTEL_ENDPOINT", ""),
		OTelEnabled:    getEnv("OTEL_ENABLED", "true") != "false",
		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "*"), ","),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("90s", "5m").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
