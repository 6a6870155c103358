package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeCore/internal/adapters/logger"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BROKER_API_KEY", "test-key")
	t.Setenv("BROKER_API_SECRET", "test-secret")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.IsTestnet, "testnet must be the default")
	assert.Equal(t, "127.0.0.1", cfg.BrokerHost)
	assert.Equal(t, 7497, cfg.BrokerPort)
	assert.Equal(t, "PAPER", cfg.TradingMode)
	assert.Equal(t, []string{"ETHUSDT"}, cfg.Symbols)
	assert.Equal(t, 50*time.Millisecond, cfg.LatencyBudget)
	assert.Equal(t, 10000, cfg.OrderHistoryMax)
	assert.Equal(t, 1024, cfg.EventQueueSize)
	assert.Equal(t, 1000, cfg.BarBufferCapacity)
	assert.Equal(t, time.Minute, cfg.SnapshotInterval)
	assert.Equal(t, 5, cfg.BreakerThreshold)
	assert.Equal(t, time.Minute, cfg.BreakerTimeout)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, time.Second, cfg.RetryInitialDelay)
	assert.Equal(t, time.Minute, cfg.RetryMaxDelay)
	assert.Equal(t, 5, cfg.RecoveryMaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, ":8765", cfg.WSListenAddr)
	assert.Equal(t, ":9090", cfg.MetricsListenAddr)
	assert.Equal(t, 100*time.Millisecond, cfg.BatchInterval)
	assert.Equal(t, logger.LevelInfo, cfg.LogLevel)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SYMBOLS", "BTCUSDT, ETHUSDT ,SOLUSDT")
	t.Setenv("TRADING_MODE", "live")
	t.Setenv("ORDER_LATENCY_BUDGET_MS", "25")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, cfg.Symbols)
	assert.Equal(t, "LIVE", cfg.TradingMode)
	assert.Equal(t, 25*time.Millisecond, cfg.LatencyBudget)
	assert.Equal(t, logger.LevelDebug, cfg.LogLevel)
}

func TestLoadConfig_MissingCredentials(t *testing.T) {
	t.Setenv("BROKER_API_KEY", "")
	t.Setenv("BROKER_API_SECRET", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BROKER_API_KEY must be set")
	assert.Contains(t, err.Error(), "BROKER_API_SECRET must be set")
}

func TestLoadConfig_CollectsValidationErrors(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TRADING_MODE", "YOLO")
	t.Setenv("BROKER_PORT", "99999")
	t.Setenv("RETRY_INITIAL_DELAY_MS", "120000")
	t.Setenv("RETRY_MAX_DELAY_SECONDS", "60")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRADING_MODE")
	assert.Contains(t, err.Error(), "BROKER_PORT")
	assert.Contains(t, err.Error(), "RETRY_INITIAL_DELAY_MS must not exceed")
}

func TestLoadConfig_InvalidIntFallsBackToDefault(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("EVENT_QUEUE_SIZE", "not-a-number")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.EventQueueSize)
}
