// Package config loads daemon configuration from the environment.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all daemon configuration.
type Config struct {
	Broker  BrokerConfig
	Runtime RuntimeConfig
	Debug   DebugConfig
	Logging LogConfig
}

// BrokerConfig holds the transport listeners.
type BrokerConfig struct {
	GRPCAddr string `envconfig:"CAPBUS_GRPC_ADDR" default:"0.0.0.0:50070"`
	WSAddr   string `envconfig:"CAPBUS_WS_ADDR" default:"0.0.0.0:50071"`
	// QueueDepth bounds each endpoint's undelivered transactions.
	QueueDepth int `envconfig:"CAPBUS_QUEUE_DEPTH" default:"128"`
}

// RuntimeConfig holds the daemon's own IPC runtime settings.
type RuntimeConfig struct {
	// PID is the daemon's well-known process identity on the bus.
	PID uint32 `envconfig:"CAPBUS_PID" default:"1"`
	// Workers is the initial dispatch pool size.
	Workers int `envconfig:"CAPBUS_WORKERS" default:"2"`
	// MaxWorkers caps pool growth under load.
	MaxWorkers int `envconfig:"CAPBUS_MAX_WORKERS" default:"8"`
	// CallTimeoutSeconds bounds two-way calls with no caller deadline.
	CallTimeoutSeconds int `envconfig:"CAPBUS_CALL_TIMEOUT" default:"30"`
	// OnewayRPS caps inbound oneway transactions per second; 0 disables.
	OnewayRPS   float64 `envconfig:"CAPBUS_ONEWAY_RPS" default:"1000"`
	OnewayBurst int     `envconfig:"CAPBUS_ONEWAY_BURST" default:"2000"`
}

// DebugConfig holds the HTTP debug surface.
type DebugConfig struct {
	Addr    string `envconfig:"CAPBUS_DEBUG_ADDR" default:"0.0.0.0:50072"`
	Enabled bool   `envconfig:"CAPBUS_DEBUG_ENABLED" default:"true"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			GRPCAddr:   "0.0.0.0:50070",
			WSAddr:     "0.0.0.0:50071",
			QueueDepth: 128,
		},
		Runtime: RuntimeConfig{
			PID:                1,
			Workers:            2,
			MaxWorkers:         8,
			CallTimeoutSeconds: 30,
			OnewayRPS:          1000,
			OnewayBurst:        2000,
		},
		Debug: DebugConfig{
			Addr:    "0.0.0.0:50072",
			Enabled: true,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
