// Package config defines all configuration for the trading bridge.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via FB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Websocket WebsocketConfig `mapstructure:"websocket"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the inbound webhook HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig selects the persistence backend. A DSN starting with
// postgres:// selects the postgres driver, anything else is treated as
// a sqlite file path.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// BrokerConfig holds broker REST endpoints and call budgets.
//
//   - RateLimitPerMinute: the broker's posted per-token limit. The
//     effective guard engages 10 calls below it because one token may be
//     shared by several accounts.
//   - CallTimeout: per-REST-call deadline.
//   - TaskDeadline: outer deadline for one execution task.
type BrokerConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	DemoBaseURL        string        `mapstructure:"demo_base_url"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	CallTimeout        time.Duration `mapstructure:"call_timeout"`
	TaskDeadline       time.Duration `mapstructure:"task_deadline"`
}

// WebsocketConfig tunes the shared broker WebSocket connections.
//
//   - HeartbeatInterval: liveness frame cadence (broker expects ~2.5s).
//   - ReadIdleTimeout: declare the connection dead after this much silence.
//   - MaxMessageSize: the initial sync dump can exceed the websocket
//     library's 1 MiB default; exceeding the limit produces a 1009 close
//     and a crash loop, so this defaults to 10 MiB.
//   - RotateBefore: reconnect with a fresh token before the 85-minute
//     access-token expiry.
//   - ConnectPermits: process-wide cap on concurrent connect attempts.
type WebsocketConfig struct {
	LiveURL           string        `mapstructure:"live_url"`
	DemoURL           string        `mapstructure:"demo_url"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReadIdleTimeout   time.Duration `mapstructure:"read_idle_timeout"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	RotateBefore      time.Duration `mapstructure:"rotate_before"`
	ConnectPermits    int           `mapstructure:"connect_permits"`
	ConnectCooldown   time.Duration `mapstructure:"connect_cooldown"`
	InitialStaggerMax time.Duration `mapstructure:"initial_stagger_max"`
}

// DispatchConfig tunes the webhook ingest pipeline.
type DispatchConfig struct {
	DedupWindow   time.Duration `mapstructure:"dedup_window"`
	DedupCapacity int           `mapstructure:"dedup_capacity"`
	EnqueueBudget time.Duration `mapstructure:"enqueue_budget"`
	QueueDepth    int           `mapstructure:"queue_depth"`
}

// ExecutorConfig tunes the broker execution engine.
type ExecutorConfig struct {
	WorkerCount     int `mapstructure:"worker_count"`
	FailureBuffer   int `mapstructure:"failure_buffer"`
	IdempotentTries int `mapstructure:"idempotent_tries"`
}

// ReconcileConfig tunes the broker-truth reconciliation sweep.
// AutoFlatTime is a wall-clock "HH:MM" cutoff; empty disables auto-flat.
type ReconcileConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	AutoFlatTime string        `mapstructure:"auto_flat_time"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: FB_DATABASE_DSN, FB_BROKER_BASE_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if dsn := os.Getenv("FB_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if url := os.Getenv("FB_BROKER_BASE_URL"); url != "" {
		cfg.Broker.BaseURL = url
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)

	v.SetDefault("broker.rate_limit_per_minute", 80)
	v.SetDefault("broker.call_timeout", 10*time.Second)
	v.SetDefault("broker.task_deadline", 60*time.Second)

	v.SetDefault("websocket.heartbeat_interval", 2500*time.Millisecond)
	v.SetDefault("websocket.read_idle_timeout", 10*time.Second)
	v.SetDefault("websocket.max_message_size", int64(10*1024*1024))
	v.SetDefault("websocket.rotate_before", 80*time.Minute)
	v.SetDefault("websocket.connect_permits", 2)
	v.SetDefault("websocket.connect_cooldown", 3*time.Second)
	v.SetDefault("websocket.initial_stagger_max", 30*time.Second)

	v.SetDefault("dispatch.dedup_window", 5*time.Second)
	v.SetDefault("dispatch.dedup_capacity", 10000)
	v.SetDefault("dispatch.enqueue_budget", 50*time.Millisecond)
	v.SetDefault("dispatch.queue_depth", 1024)

	v.SetDefault("executor.worker_count", 10)
	v.SetDefault("executor.failure_buffer", 256)
	v.SetDefault("executor.idempotent_tries", 10)

	v.SetDefault("reconcile.interval", 300*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (set FB_DATABASE_DSN)")
	}
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if c.Websocket.LiveURL == "" {
		return fmt.Errorf("websocket.live_url is required")
	}
	if c.Broker.RateLimitPerMinute <= 10 {
		return fmt.Errorf("broker.rate_limit_per_minute must be > 10")
	}
	if c.Dispatch.QueueDepth <= 0 {
		return fmt.Errorf("dispatch.queue_depth must be > 0")
	}
	if c.Executor.WorkerCount <= 0 {
		return fmt.Errorf("executor.worker_count must be > 0")
	}
	if c.Websocket.ConnectPermits <= 0 {
		return fmt.Errorf("websocket.connect_permits must be > 0")
	}
	if c.Reconcile.AutoFlatTime != "" {
		if _, err := time.Parse("15:04", c.Reconcile.AutoFlatTime); err != nil {
			return fmt.Errorf("reconcile.auto_flat_time must be HH:MM: %w", err)
		}
	}
	return nil
}
