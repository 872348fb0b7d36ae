package core

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the entire NetSentry configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Bus        BusConfig        `yaml:"bus"`
	Detector   DetectorConfig   `yaml:"detector"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StoreConfig selects and tunes the event store backend.
type StoreConfig struct {
	Backend          string `yaml:"backend"` // "memory" or "redis"
	RedisURL         string `yaml:"redis_url"`
	ProcessedTTLSec  int    `yaml:"processed_ttl_seconds"`
	StatsTTLSec      int    `yaml:"stats_ttl_seconds"`
	RecentEventsCap  int    `yaml:"recent_events_cap"`
	ThreatEventsCap  int    `yaml:"threat_events_cap"`
	RecentPacketsCap int    `yaml:"recent_packets_cap"`
	RecentMetricsCap int    `yaml:"recent_metrics_cap"`
}

// ProcessedTTL returns the processed-event TTL as a duration.
func (c StoreConfig) ProcessedTTL() time.Duration {
	return time.Duration(c.ProcessedTTLSec) * time.Second
}

// StatsTTL returns the aggregate snapshot TTL as a duration.
func (c StoreConfig) StatsTTL() time.Duration {
	return time.Duration(c.StatsTTLSec) * time.Second
}

// BusConfig holds NATS event bus settings. The bus mirrors processed events
// and alerts to JetStream for external consumers; it is optional.
type BusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// DetectorConfig tunes the score engine.
type DetectorConfig struct {
	ThreatThreshold  float64 `yaml:"threat_threshold"`
	AnomalyThreshold float64 `yaml:"anomaly_threshold"`
	// SecondaryWeight blends a trained secondary model's probability into
	// the final score. Ignored while no trained model is loaded.
	SecondaryWeight float64 `yaml:"secondary_weight"`
}

// ProcessorConfig tunes the stream processing loop.
type ProcessorConfig struct {
	PollIntervalMS  int `yaml:"poll_interval_ms"`
	PacketBatch     int `yaml:"packet_batch"`
	MetricsBatch    int `yaml:"metrics_batch"`
	StatsLogSec     int `yaml:"stats_log_seconds"`
	DedupCacheSize  int `yaml:"dedup_cache_size"`
	ErrorBackoffSec int `yaml:"error_backoff_seconds"`
}

// PollInterval returns the poll interval as a duration.
func (c ProcessorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// ErrorBackoff returns the store-error backoff as a duration.
func (c ProcessorConfig) ErrorBackoff() time.Duration {
	return time.Duration(c.ErrorBackoffSec) * time.Second
}

// AggregatorConfig tunes periodic statistics aggregation.
type AggregatorConfig struct {
	IntervalSec int `yaml:"interval_seconds"`
	Window      int `yaml:"window"`
}

// Interval returns the aggregation interval as a duration.
func (c AggregatorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// AlertsConfig holds alert manager settings.
type AlertsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	QueueSize     int           `yaml:"queue_size"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelaySec int           `yaml:"retry_delay_seconds"`
	RulesFile     string        `yaml:"rules_file"`
	Email         EmailConfig   `yaml:"email"`
	Webhook       WebhookConfig `yaml:"webhook"`
	Chat          ChatConfig    `yaml:"chat"`
}

// RetryDelay returns the requeue delay as a duration.
func (c AlertsConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySec) * time.Second
}

// EmailConfig holds SMTP delivery settings. Password comes from the
// environment, never from the YAML file.
type EmailConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	Username string   `yaml:"username"`
	Password string   `yaml:"-"`
}

// WebhookConfig holds generic webhook delivery settings.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// ChatConfig holds chat webhook (Slack-compatible) delivery settings.
type ChatConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sane defaults — zero-config works out
// of the box with the in-memory store and log-only alerting.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:          "memory",
			RedisURL:         "redis://localhost:6379/0",
			ProcessedTTLSec:  3600,
			StatsTTLSec:      3600,
			RecentEventsCap:  1000,
			ThreatEventsCap:  500,
			RecentPacketsCap: 1000,
			RecentMetricsCap: 100,
		},
		Bus: BusConfig{
			Enabled:  false,
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Detector: DetectorConfig{
			ThreatThreshold:  0.7,
			AnomalyThreshold: -0.1,
			SecondaryWeight:  0.5,
		},
		Processor: ProcessorConfig{
			PollIntervalMS:  100,
			PacketBatch:     10,
			MetricsBatch:    5,
			StatsLogSec:     300,
			DedupCacheSize:  50000,
			ErrorBackoffSec: 1,
		},
		Aggregator: AggregatorConfig{
			IntervalSec: 60,
			Window:      100,
		},
		Alerts: AlertsConfig{
			Enabled:       true,
			QueueSize:     1000,
			MaxRetries:    3,
			RetryDelaySec: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
// A .env file in the working directory is loaded first; secrets and
// deployment-specific endpoints can be overridden via NETSENTRY_* variables.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NETSENTRY_REDIS_URL"); v != "" {
		c.Store.RedisURL = v
		c.Store.Backend = "redis"
	}
	if v := os.Getenv("NETSENTRY_NATS_URL"); v != "" {
		c.Bus.URL = v
	}
	if v := os.Getenv("NETSENTRY_WEBHOOK_URL"); v != "" {
		c.Alerts.Webhook.URL = v
		c.Alerts.Webhook.Enabled = true
	}
	if v := os.Getenv("NETSENTRY_CHAT_WEBHOOK_URL"); v != "" {
		c.Alerts.Chat.URL = v
		c.Alerts.Chat.Enabled = true
	}
	if v := os.Getenv("NETSENTRY_SMTP_PASSWORD"); v != "" {
		c.Alerts.Email.Password = v
	}
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// LogLevel returns the normalized log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}
