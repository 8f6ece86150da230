// Package config loads broker runtime settings.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the broker.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Env      EnvOverrides
}

// ServerConfig controls the control-socket listener and protocol limits.
type ServerConfig struct {
	SocketPath        string        `mapstructure:"socket_path"`
	PidFile           string        `mapstructure:"pid_file"`
	MaxFrameBytes     int           `mapstructure:"max_frame_bytes"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
	MaxAgents         int           `mapstructure:"max_agents"`
	ConnRateBurst     int           `mapstructure:"conn_rate_burst"`
	ConnRatePerSecond float64       `mapstructure:"conn_rate_per_second"`
}

// DeliveryConfig controls the per-agent delivery engine.
type DeliveryConfig struct {
	QueueDepth        int           `mapstructure:"queue_depth"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	VerifyWindow      time.Duration `mapstructure:"verify_window"`
	TTL               time.Duration `mapstructure:"ttl"`
	AckTimeout        time.Duration `mapstructure:"ack_timeout"`
	EventBusQueueSize int           `mapstructure:"event_bus_queue_size"`
}

// WorkerConfig controls PTY worker defaults.
type WorkerConfig struct {
	DefaultIdleSeconds int `mapstructure:"default_idle_seconds"`
	ScrollbackBytes    int `mapstructure:"scrollback_bytes"`
	Cols               int `mapstructure:"cols"`
	Rows               int `mapstructure:"rows"`
	CPUGuardPercent    float64 `mapstructure:"cpu_guard_percent"`
}

// MetricsConfig controls the Prometheus/health HTTP endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// EnvOverrides are the environment variables the broker honors directly,
// per the protocol's external-interfaces contract: socket path override,
// spawned-CLI binary path override, verbose/quiet log level, workspace dir.
type EnvOverrides struct {
	SocketPath   string `env:"AGENTBROKER_SOCKET"`
	BinaryPath   string `env:"AGENTBROKER_CLI_BIN"`
	LogLevel     string `env:"AGENTBROKER_LOG_LEVEL"`
	WorkspaceDir string `env:"AGENTBROKER_WORKSPACE"`
}

// Load reads configuration from defaults, an optional config file, and
// environment variables, in that order of increasing precedence.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	v.SetDefault("server.socket_path", "/tmp/agentbroker.sock")
	v.SetDefault("server.pid_file", "/tmp/agentbroker.pid")
	v.SetDefault("server.max_frame_bytes", 1<<20)
	v.SetDefault("server.request_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_grace", 3*time.Second)
	v.SetDefault("server.max_agents", 256)
	v.SetDefault("server.conn_rate_burst", 50)
	v.SetDefault("server.conn_rate_per_second", 20.0)

	v.SetDefault("delivery.queue_depth", 1000)
	v.SetDefault("delivery.max_attempts", 3)
	v.SetDefault("delivery.verify_window", 2*time.Second)
	v.SetDefault("delivery.ttl", time.Duration(0))
	v.SetDefault("delivery.ack_timeout", 30*time.Second)
	v.SetDefault("delivery.event_bus_queue_size", 1024)

	v.SetDefault("worker.default_idle_seconds", 20)
	v.SetDefault("worker.scrollback_bytes", 64<<10)
	v.SetDefault("worker.cols", 120)
	v.SetDefault("worker.rows", 40)
	v.SetDefault("worker.cpu_guard_percent", 95.0)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", "127.0.0.1:9465")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("agentbroker")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentbroker")
	v.SetEnvPrefix("AGENTBROKER")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	var overrides EnvOverrides
	if err := env.Parse(&overrides); err != nil {
		return Config{}, fmt.Errorf("env overrides: %w", err)
	}
	cfg.Env = overrides

	if overrides.SocketPath != "" {
		cfg.Server.SocketPath = overrides.SocketPath
	}
	if overrides.LogLevel != "" {
		cfg.Logging.Level = overrides.LogLevel
	}

	if cfg.Delivery.QueueDepth <= 0 {
		cfg.Delivery.QueueDepth = 1000
	}
	if cfg.Delivery.MaxAttempts <= 0 {
		cfg.Delivery.MaxAttempts = 3
	}

	return cfg, nil
}
