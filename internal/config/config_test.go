package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "0.0.0.0:50070", cfg.Broker.GRPCAddr)
	assert.Equal(t, "0.0.0.0:50071", cfg.Broker.WSAddr)
	assert.Equal(t, 128, cfg.Broker.QueueDepth)

	assert.Equal(t, uint32(1), cfg.Runtime.PID)
	assert.Equal(t, 2, cfg.Runtime.Workers)
	assert.Equal(t, 8, cfg.Runtime.MaxWorkers)
	assert.Equal(t, 30, cfg.Runtime.CallTimeoutSeconds)
	assert.Equal(t, float64(1000), cfg.Runtime.OnewayRPS)
	assert.Equal(t, 2000, cfg.Runtime.OnewayBurst)

	assert.Equal(t, "0.0.0.0:50072", cfg.Debug.Addr)
	assert.True(t, cfg.Debug.Enabled)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)
}

func TestLoadOrDefault(t *testing.T) {
	cfg := LoadOrDefault()

	assert.NotNil(t, cfg)
	assert.Equal(t, "0.0.0.0:50070", cfg.Broker.GRPCAddr)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"CAPBUS_GRPC_ADDR":    "127.0.0.1:6000",
		"CAPBUS_WS_ADDR":      "127.0.0.1:6001",
		"CAPBUS_QUEUE_DEPTH":  "64",
		"CAPBUS_PID":          "7",
		"CAPBUS_WORKERS":      "4",
		"CAPBUS_MAX_WORKERS":  "16",
		"CAPBUS_CALL_TIMEOUT": "10",
		"CAPBUS_ONEWAY_RPS":   "500",
		"CAPBUS_ONEWAY_BURST": "750",
		"CAPBUS_DEBUG_ADDR":   "127.0.0.1:6002",
		"LOG_LEVEL":           "debug",
		"LOG_DEV":             "true",
	}
	for key, value := range envVars {
		err := os.Setenv(key, value)
		require.NoError(t, err)
		defer os.Unsetenv(key)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6000", cfg.Broker.GRPCAddr)
	assert.Equal(t, "127.0.0.1:6001", cfg.Broker.WSAddr)
	assert.Equal(t, 64, cfg.Broker.QueueDepth)
	assert.Equal(t, uint32(7), cfg.Runtime.PID)
	assert.Equal(t, 4, cfg.Runtime.Workers)
	assert.Equal(t, 16, cfg.Runtime.MaxWorkers)
	assert.Equal(t, 10, cfg.Runtime.CallTimeoutSeconds)
	assert.Equal(t, float64(500), cfg.Runtime.OnewayRPS)
	assert.Equal(t, 750, cfg.Runtime.OnewayBurst)
	assert.Equal(t, "127.0.0.1:6002", cfg.Debug.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
}

func TestLoadWithPartialEnvironmentVariables(t *testing.T) {
	err := os.Setenv("CAPBUS_WORKERS", "6")
	require.NoError(t, err)
	defer os.Unsetenv("CAPBUS_WORKERS")

	err = os.Setenv("LOG_LEVEL", "warn")
	require.NoError(t, err)
	defer os.Unsetenv("LOG_LEVEL")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Runtime.Workers)
	assert.Equal(t, "warn", cfg.Logging.Level)

	// Defaults still apply for everything unset.
	assert.Equal(t, 8, cfg.Runtime.MaxWorkers)
	assert.Equal(t, "0.0.0.0:50070", cfg.Broker.GRPCAddr)
	assert.True(t, cfg.Debug.Enabled)
}
