// Package config loads runtime configuration for rpcmux, following the
// same viper-based pattern as the teacher's go-server-3.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration.
type Config struct {
	Frontend FrontendConfig `mapstructure:"frontend"`
	Nodes    NodesConfig    `mapstructure:"nodes"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

// FrontendConfig controls the inbound WS acceptor users connect to.
type FrontendConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Path            string        `mapstructure:"path"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	SendChannelSize int           `mapstructure:"send_channel_size"`
}

// NodesConfig describes the upstream WebSocket RPC nodes that make up the
// Node Registry (spec §4.A), plus the Manager's reconnect behaviour.
type NodesConfig struct {
	URLs             []string      `mapstructure:"urls"`
	InboundQueueSize int           `mapstructure:"inbound_queue_size"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	ReconnectBurst   int           `mapstructure:"reconnect_burst"`
}

// CacheConfig controls the Response Cache's hashing mode (spec §6).
type CacheConfig struct {
	FastHash bool `mapstructure:"fast_hash"`
}

// ExecutorConfig controls the Call Executor's correlation timeout (spec §4.G).
type ExecutorConfig struct {
	CorrelationTimeout time.Duration `mapstructure:"correlation_timeout"`
}

// MetricsConfig controls the Prometheus/diagnostics endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Verbose     bool   `mapstructure:"verbose"`
}

// NATSConfig controls the optional supervisor event bus (spec §4.F
// "external collaborator"); left with an empty URL, the supervisor runs
// in-process only and never dials NATS.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// AuthConfig controls optional bearer-token authentication of the frontend.
type AuthConfig struct {
	Required  bool   `mapstructure:"required"`
	HMACSecret string `mapstructure:"hmac_secret"`
}

// Load reads configuration from environment variables and an optional
// config file named "rpcmux.yaml"/"rpcmux.json"/etc in "." or "./config".
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("frontend.host", "0.0.0.0")
	v.SetDefault("frontend.port", 8090)
	v.SetDefault("frontend.path", "/ws")
	v.SetDefault("frontend.read_timeout", 30*time.Second)
	v.SetDefault("frontend.write_timeout", 10*time.Second)
	v.SetDefault("frontend.send_channel_size", 256)

	v.SetDefault("nodes.urls", []string{})
	v.SetDefault("nodes.inbound_queue_size", 0) // 0 = the worker's default bounded buffer (4096)
	v.SetDefault("nodes.dial_timeout", 10*time.Second)
	v.SetDefault("nodes.reconnect_backoff", 2*time.Second)
	v.SetDefault("nodes.reconnect_burst", 1)

	v.SetDefault("cache.fast_hash", false)

	v.SetDefault("executor.correlation_timeout", 5*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.verbose", false)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)

	v.SetDefault("auth.required", false)
	v.SetDefault("auth.hmac_secret", "")

	v.SetConfigName("rpcmux")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("RPCMUX")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Executor.CorrelationTimeout <= 0 {
		cfg.Executor.CorrelationTimeout = 5 * time.Second
	}
	if cfg.Nodes.ReconnectBurst <= 0 {
		cfg.Nodes.ReconnectBurst = 1
	}

	return cfg, nil
}
