package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds shared runtime configuration for the engine and the rulectl CLI.
type Config struct {
	Env      string
	LogLevel string
	HTTPPort string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string

	VisibilityTimeout    time.Duration
	WorkerPollInterval   time.Duration
	WorkerConcurrency    int
	JobAttempts          int
	BackoffInitial       time.Duration
	BackoffMax           time.Duration
	BrokerHealthInterval time.Duration
	PriorityQueues       []string
	ScheduledBatchSize   int

	SchedulerInterval  time.Duration
	SchedulerLookahead time.Duration
	SchedulerDueWindow time.Duration

	ConditionInterval  time.Duration
	FXRefreshInterval  time.Duration
	ConditionDebounce  time.Duration
	MarketOpenHourUTC  int
	MarketCloseHourUTC int

	DLQTTL              time.Duration
	DLQMaxAttempts      int
	DLQCleanupCron      string
	DLQArchiveBucket    string
	DLQArchiveRegion    string
	DLQArchiveEndpoint  string
	DLQArchivePathStyle bool
	DLQArchiveDir       string

	SafetyMaxAmountUSD         float64
	SafetyApprovalThresholdUSD float64
	SafetyMaxConcurrent        int
	SafetyMaxDaily             int
	HealthCacheTTL             time.Duration

	BalanceSafetyBufferUSD float64
	TransferRateCapacity   int
	TransferRateRefill     float64

	FXFeedURL      string
	GasFeedURL     string
	OracleCacheTTL time.Duration
	OracleTimeout  time.Duration

	ProviderAPIKeyEnv   string
	SimulatedBalanceUSD float64
	WorkerID            string
	MonitorInterval     time.Duration
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:      getEnv("APP_ENV", "dev"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		HTTPPort: getEnv("HTTP_PORT", "8080"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		PostgresDSN:   getEnv("POSTGRES_DSN", ""),

		VisibilityTimeout:    getEnvDuration("VISIBILITY_TIMEOUT", 2*time.Minute),
		WorkerPollInterval:   getEnvDuration("WORKER_POLL_INTERVAL", time.Second),
		WorkerConcurrency:    getEnvInt("WORKER_CONCURRENCY", 4),
		JobAttempts:          getEnvInt("JOB_ATTEMPTS", 3),
		BackoffInitial:       getEnvDuration("BACKOFF_INITIAL", 2*time.Second),
		BackoffMax:           getEnvDuration("BACKOFF_MAX", 5*time.Minute),
		BrokerHealthInterval: getEnvDuration("BROKER_HEALTH_INTERVAL", 5*time.Second),
		PriorityQueues:       getEnvList("PRIORITY_QUEUES", []string{"high", "default", "low"}),
		ScheduledBatchSize:   getEnvInt("SCHEDULED_BATCH_SIZE", 100),

		SchedulerInterval:  getEnvDuration("SCHEDULER_INTERVAL", time.Minute),
		SchedulerLookahead: getEnvDuration("SCHEDULER_LOOKAHEAD", 5*time.Minute),
		SchedulerDueWindow: getEnvDuration("SCHEDULER_DUE_WINDOW", 60*time.Second),

		ConditionInterval:  getEnvDuration("CONDITION_INTERVAL", 5*time.Minute),
		FXRefreshInterval:  getEnvDuration("FX_REFRESH_INTERVAL", 2*time.Minute),
		ConditionDebounce:  getEnvDuration("CONDITION_DEBOUNCE", 300*time.Second),
		MarketOpenHourUTC:  getEnvInt("MARKET_OPEN_HOUR", 8),
		MarketCloseHourUTC: getEnvInt("MARKET_CLOSE_HOUR", 17),

		DLQTTL:              getEnvDuration("DLQ_TTL", 30*24*time.Hour),
		DLQMaxAttempts:      getEnvInt("DLQ_MAX_ATTEMPTS", 5),
		DLQCleanupCron:      getEnv("DLQ_CLEANUP_CRON", "0 2 * * *"),
		DLQArchiveBucket:    getEnv("DLQ_ARCHIVE_BUCKET", ""),
		DLQArchiveRegion:    getEnv("DLQ_ARCHIVE_REGION", "us-east-1"),
		DLQArchiveEndpoint:  getEnv("DLQ_ARCHIVE_ENDPOINT", ""),
		DLQArchivePathStyle: getEnvBool("DLQ_ARCHIVE_PATH_STYLE", false),
		DLQArchiveDir:       getEnv("DLQ_ARCHIVE_DIR", ""),

		SafetyMaxAmountUSD:         getEnvFloat("SAFETY_MAX_AMOUNT_USD", 10000),
		SafetyApprovalThresholdUSD: getEnvFloat("SAFETY_APPROVAL_THRESHOLD_USD", 1000),
		SafetyMaxConcurrent:        getEnvInt("SAFETY_MAX_CONCURRENT", 10),
		SafetyMaxDaily:             getEnvInt("SAFETY_MAX_DAILY", 100),
		HealthCacheTTL:             getEnvDuration("HEALTH_CACHE_TTL", 30*time.Second),

		BalanceSafetyBufferUSD: getEnvFloat("BALANCE_SAFETY_BUFFER_USD", 5),
		TransferRateCapacity:   getEnvInt("TRANSFER_RATE_CAPACITY", 10),
		TransferRateRefill:     getEnvFloat("TRANSFER_RATE_REFILL_PER_SEC", 0.1),

		FXFeedURL:      getEnv("FX_FEED_URL", ""),
		GasFeedURL:     getEnv("GAS_FEED_URL", ""),
		OracleCacheTTL: getEnvDuration("ORACLE_CACHE_TTL", time.Minute),
		OracleTimeout:  getEnvDuration("ORACLE_TIMEOUT", 5*time.Second),

		ProviderAPIKeyEnv:   getEnv("PROVIDER_API_KEY_ENV", "CIRCLE_API_KEY"),
		SimulatedBalanceUSD: getEnvFloat("SIMULATED_WALLET_BALANCE_USD", 0),
		WorkerID:            getEnv("WORKER_ID", ""),
		MonitorInterval:     getEnvDuration("MONITOR_INTERVAL", 30*time.Second),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
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

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
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

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
