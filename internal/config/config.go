// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/a11ylab/scanrunner/internal/scan"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Scan      ScanConfig      `mapstructure:"scan"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Hub       HubConfig       `mapstructure:"hub"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// EngineConfig locates the scan engine's HTTP endpoints.
type EngineConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	CapturePath    string `mapstructure:"capture_path"`
	AnalyzePath    string `mapstructure:"analyze_path"`
	StatusPath     string `mapstructure:"status_path"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ScanConfig governs worker pool and poll loop behavior.
type ScanConfig struct {
	Concurrency      int      `mapstructure:"concurrency"`
	QueueDepth       int      `mapstructure:"queue_depth"`
	PollIntervalMs   int      `mapstructure:"poll_interval_ms"`
	RetryStatuses    []string `mapstructure:"retry_statuses"`
	DefaultTimeoutMs int      `mapstructure:"default_timeout_ms"`
}

// RateLimitConfig throttles scan submissions per target host.
type RateLimitConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	DefaultRPS float64 `mapstructure:"default_rps"`
	Burst      int     `mapstructure:"burst"`
}

// HubConfig tunes the progress event pipeline.
type HubConfig struct {
	BufferSize         int `mapstructure:"buffer_size"`
	MaxBatchEvents     int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs     int `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutSeconds int `mapstructure:"sink_timeout_seconds"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCANRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	// Registered empty so SCANRUNNER_ENGINE_BASE_URL is visible to Unmarshal.
	v.SetDefault("engine.base_url", "")
	v.SetDefault("engine.capture_path", "/capture")
	v.SetDefault("engine.analyze_path", "/analyze")
	v.SetDefault("engine.status_path", "/status")
	v.SetDefault("engine.timeout_seconds", 15)
	v.SetDefault("scan.concurrency", 4)
	v.SetDefault("scan.queue_depth", 64)
	v.SetDefault("scan.poll_interval_ms", 1500)
	v.SetDefault("scan.retry_statuses", []string{"captured"})
	v.SetDefault("scan.default_timeout_ms", 30000)
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.default_rps", 1)
	v.SetDefault("rate_limit.burst", 3)
	v.SetDefault("hub.buffer_size", 1024)
	v.SetDefault("hub.max_batch_events", 256)
	v.SetDefault("hub.max_batch_wait_ms", 500)
	v.SetDefault("hub.sink_timeout_seconds", 10)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Engine.BaseURL) == "" {
		return fmt.Errorf("engine.base_url is required")
	}
	if c.Engine.TimeoutSeconds <= 0 {
		return fmt.Errorf("engine.timeout_seconds must be > 0")
	}
	if c.Scan.Concurrency <= 0 {
		return fmt.Errorf("scan.concurrency must be > 0")
	}
	if c.Scan.QueueDepth <= 0 {
		return fmt.Errorf("scan.queue_depth must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}

// EngineTimeout returns the per-request engine HTTP timeout.
func (c Config) EngineTimeout() time.Duration {
	return time.Duration(c.Engine.TimeoutSeconds) * time.Second
}

// PollInterval returns the configured wait between status polls.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Scan.PollIntervalMs) * time.Millisecond
}

// DefaultScanTimeout is the capture timeout forwarded to the engine when a
// request does not carry its own limit.
func (c Config) DefaultScanTimeout() time.Duration {
	return time.Duration(c.Scan.DefaultTimeoutMs) * time.Millisecond
}

// RetryStatuses converts the configured trigger labels into scan statuses.
func (c Config) RetryStatuses() []scan.Status {
	out := make([]scan.Status, 0, len(c.Scan.RetryStatuses))
	for _, s := range c.Scan.RetryStatuses {
		out = append(out, scan.Status(strings.ToLower(strings.TrimSpace(s))))
	}
	return out
}
