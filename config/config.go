package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tradeCore/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all application configuration.
type Config struct {
	// Broker API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Broker session
	BrokerHost string
	BrokerPort int
	ClientID   int

	// Trading
	TradingMode string   // PAPER, LIVE or SIMULATION
	Symbols     []string // Symbols subscribed at startup

	// Order handling
	LatencyBudget   time.Duration // Placement latency warning threshold
	OrderHistoryMax int           // Completed orders retained in memory
	EventQueueSize  int           // Broker event bridge capacity

	// Market data
	BarBufferCapacity int

	// State
	SnapshotInterval time.Duration

	// Resilience
	BreakerThreshold    int
	BreakerTimeout      time.Duration
	RetryMaxAttempts    int
	RetryInitialDelay   time.Duration
	RetryMaxDelay       time.Duration
	RecoveryMaxAttempts int
	HealthCheckInterval time.Duration

	// Broadcast / observability
	WSListenAddr      string
	MetricsListenAddr string
	BatchInterval     time.Duration // QueueMessage flush interval

	// Logging
	LogLevel logger.LogLevel // Use the LogLevel type from the logger adapter
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string // Collect validation errors

	// Broker API
	cfg.APIKey = getEnv("BROKER_API_KEY", "")
	cfg.SecretKey = getEnv("BROKER_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BROKER_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BROKER_API_SECRET must be set")
	}

	// Broker session
	cfg.BrokerHost = getEnv("BROKER_HOST", "127.0.0.1")
	cfg.BrokerPort = getEnvAsInt("BROKER_PORT", 7497)
	if cfg.BrokerPort <= 0 || cfg.BrokerPort > 65535 {
		errs = append(errs, "BROKER_PORT must be a valid port number")
	}
	cfg.ClientID = getEnvAsInt("BROKER_CLIENT_ID", 1)
	if cfg.ClientID < 0 {
		errs = append(errs, "BROKER_CLIENT_ID cannot be negative")
	}

	// Trading
	cfg.TradingMode = strings.ToUpper(getEnv("TRADING_MODE", "PAPER"))
	switch cfg.TradingMode {
	case "PAPER", "LIVE", "SIMULATION":
	default:
		errs = append(errs, "TRADING_MODE must be one of PAPER, LIVE, SIMULATION")
	}

	symbolsStr := getEnv("SYMBOLS", "ETHUSDT")
	for _, s := range strings.Split(symbolsStr, ",") {
		if s = strings.TrimSpace(s); s != "" {
			cfg.Symbols = append(cfg.Symbols, s)
		}
	}
	if len(cfg.Symbols) == 0 {
		errs = append(errs, "SYMBOLS must name at least one symbol")
	}

	// Order handling
	latencyBudgetMs := getEnvAsInt("ORDER_LATENCY_BUDGET_MS", 50)
	if latencyBudgetMs <= 0 {
		errs = append(errs, "ORDER_LATENCY_BUDGET_MS must be positive")
	}
	cfg.LatencyBudget = time.Duration(latencyBudgetMs) * time.Millisecond

	cfg.OrderHistoryMax = getEnvAsInt("ORDER_HISTORY_MAX", 10000)
	if cfg.OrderHistoryMax <= 0 {
		errs = append(errs, "ORDER_HISTORY_MAX must be positive")
	}
	cfg.EventQueueSize = getEnvAsInt("EVENT_QUEUE_SIZE", 1024)
	if cfg.EventQueueSize <= 0 {
		errs = append(errs, "EVENT_QUEUE_SIZE must be positive")
	}

	// Market data
	cfg.BarBufferCapacity = getEnvAsInt("BAR_BUFFER_CAPACITY", 1000)
	if cfg.BarBufferCapacity <= 0 {
		errs = append(errs, "BAR_BUFFER_CAPACITY must be positive")
	}

	// State
	snapshotSeconds := getEnvAsInt("STATE_SNAPSHOT_INTERVAL_SECONDS", 60)
	if snapshotSeconds <= 0 {
		errs = append(errs, "STATE_SNAPSHOT_INTERVAL_SECONDS must be positive")
	}
	cfg.SnapshotInterval = time.Duration(snapshotSeconds) * time.Second

	// Resilience
	cfg.BreakerThreshold = getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5)
	if cfg.BreakerThreshold <= 0 {
		errs = append(errs, "BREAKER_FAILURE_THRESHOLD must be positive")
	}
	breakerTimeoutSeconds := getEnvAsInt("BREAKER_RECOVERY_TIMEOUT_SECONDS", 60)
	if breakerTimeoutSeconds <= 0 {
		errs = append(errs, "BREAKER_RECOVERY_TIMEOUT_SECONDS must be positive")
	}
	cfg.BreakerTimeout = time.Duration(breakerTimeoutSeconds) * time.Second

	cfg.RetryMaxAttempts = getEnvAsInt("RETRY_MAX_ATTEMPTS", 3)
	if cfg.RetryMaxAttempts <= 0 {
		errs = append(errs, "RETRY_MAX_ATTEMPTS must be positive")
	}
	retryInitialMs := getEnvAsInt("RETRY_INITIAL_DELAY_MS", 1000)
	if retryInitialMs <= 0 {
		errs = append(errs, "RETRY_INITIAL_DELAY_MS must be positive")
	}
	cfg.RetryInitialDelay = time.Duration(retryInitialMs) * time.Millisecond
	retryMaxSeconds := getEnvAsInt("RETRY_MAX_DELAY_SECONDS", 60)
	if retryMaxSeconds <= 0 {
		errs = append(errs, "RETRY_MAX_DELAY_SECONDS must be positive")
	}
	cfg.RetryMaxDelay = time.Duration(retryMaxSeconds) * time.Second
	if cfg.RetryInitialDelay > cfg.RetryMaxDelay {
		errs = append(errs, "RETRY_INITIAL_DELAY_MS must not exceed RETRY_MAX_DELAY_SECONDS")
	}

	cfg.RecoveryMaxAttempts = getEnvAsInt("RECOVERY_MAX_ATTEMPTS", 5)
	if cfg.RecoveryMaxAttempts <= 0 {
		errs = append(errs, "RECOVERY_MAX_ATTEMPTS must be positive")
	}
	healthSeconds := getEnvAsInt("HEALTH_CHECK_INTERVAL_SECONDS", 30)
	if healthSeconds <= 0 {
		errs = append(errs, "HEALTH_CHECK_INTERVAL_SECONDS must be positive")
	}
	cfg.HealthCheckInterval = time.Duration(healthSeconds) * time.Second

	// Broadcast / observability
	cfg.WSListenAddr = getEnv("WS_LISTEN_ADDR", ":8765")
	cfg.MetricsListenAddr = getEnv("METRICS_LISTEN_ADDR", ":9090")
	batchMs := getEnvAsInt("BROADCAST_BATCH_INTERVAL_MS", 100)
	if batchMs <= 0 {
		errs = append(errs, "BROADCAST_BATCH_INTERVAL_MS must be positive")
	}
	cfg.BatchInterval = time.Duration(batchMs) * time.Millisecond

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Log warning? For non-required fields, default is often acceptable.
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
