// Package config loads, validates and watches the AutoSys configuration file.
package config

import (
	"fmt"
	"time"

	"github.com/shizukutanaka/autosys/internal/logging"
)

// Metric names accepted by alert rules.
const (
	MetricCPU    = "cpu"
	MetricMemory = "memory"
	MetricDisk   = "disk"
)

// Severity levels, ordered info < warning < critical.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Channel types.
const (
	ChannelEmail    = "email"
	ChannelTelegram = "telegram"
	ChannelWebhook  = "webhook"
	ChannelKafka    = "kafka"
)

// Archive formats.
const (
	FormatTarGz = "tar.gz"
	FormatZip   = "zip"
)

// Config is the root configuration structure
type Config struct {
	Log     logging.Config `yaml:"log"`
	Monitor MonitorConfig  `yaml:"monitor"`
	Alerts  AlertsConfig   `yaml:"alerts"`
	Notify  NotifyConfig   `yaml:"notify"`
	Backup  BackupConfig   `yaml:"backup"`
	API     APIConfig      `yaml:"api"`
	History HistoryConfig  `yaml:"history"`
	Status  StatusConfig   `yaml:"status"`
}

// MonitorConfig drives the sampling loop.
type MonitorConfig struct {
	Interval      time.Duration `yaml:"interval"`
	SampleTimeout time.Duration `yaml:"sample_timeout"`
	DiskPath      string        `yaml:"disk_path"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// AlertsConfig holds the static rule set.
type AlertsConfig struct {
	Rules []AlertRule `yaml:"rules"`
}

// AlertRule is one threshold rule as written in the file.
type AlertRule struct {
	Name              string        `yaml:"name"`
	Metric            string        `yaml:"metric"`
	Threshold         float64       `yaml:"threshold"`
	Comparison        string        `yaml:"comparison"`
	Debounce          time.Duration `yaml:"debounce"`
	Severity          string        `yaml:"severity"`
	CriticalThreshold float64       `yaml:"critical_threshold"`
}

// NotifyConfig configures delivery retries and channels.
type NotifyConfig struct {
	Attempts       int             `yaml:"attempts"`
	InitialBackoff time.Duration   `yaml:"initial_backoff"`
	MaxBackoff     time.Duration   `yaml:"max_backoff"`
	AttemptTimeout time.Duration   `yaml:"attempt_timeout"`
	QueueSize      int             `yaml:"queue_size"`
	Channels       []ChannelConfig `yaml:"channels"`
}

// ChannelConfig describes one notification channel. Only the block matching
// Type is read.
type ChannelConfig struct {
	Name           string `yaml:"name"`
	Type           string `yaml:"type"`
	Enabled        *bool  `yaml:"enabled"`
	MinSeverity    string `yaml:"min_severity"`
	NotifyResolved bool   `yaml:"notify_resolved"`

	Email    EmailConfig    `yaml:"email"`
	Telegram TelegramConfig `yaml:"telegram"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Kafka    KafkaConfig    `yaml:"kafka"`
}

// IsEnabled reports whether the channel is active. Channels are enabled
// unless explicitly switched off.
func (c ChannelConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// EmailConfig is an SMTP relay.
type EmailConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// TelegramConfig is a Bot API destination.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
	APIURL   string `yaml:"api_url"`
}

// WebhookConfig is a JSON POST endpoint (Slack incoming webhooks work).
type WebhookConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// KafkaConfig publishes alert messages to a topic.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// BackupConfig configures the periodic archive job.
type BackupConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Source           string        `yaml:"source"`
	Destination      string        `yaml:"destination"`
	Interval         time.Duration `yaml:"interval"`
	Epoch            time.Time     `yaml:"epoch"`
	Format           string        `yaml:"format"`
	CompressionLevel int           `yaml:"compression_level"`
	MaxAttempts      int           `yaml:"max_attempts"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	SpaceFactor      float64       `yaml:"space_factor"`
}

// APIConfig configures the read-only dashboard API.
type APIConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ListenAddr     string        `yaml:"listen_addr"`
	JWTSecret      string        `yaml:"jwt_secret"`
	WSWriteTimeout time.Duration `yaml:"ws_write_timeout"`
}

// HistoryConfig configures the optional history database.
type HistoryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	SampleRetention time.Duration `yaml:"sample_retention"`
	SeedJobs        int           `yaml:"seed_jobs"`
}

// StatusConfig bounds the in-memory history kept by the status store.
type StatusConfig struct {
	AlertHistory int `yaml:"alert_history"`
	JobHistory   int `yaml:"job_history"`
	SampleWindow int `yaml:"sample_window"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() *Config {
	return &Config{
		Log: logging.DefaultConfig(),
		Monitor: MonitorConfig{
			Interval:      time.Second,
			SampleTimeout: 500 * time.Millisecond,
			DiskPath:      "/",
			ShutdownGrace: 30 * time.Second,
		},
		Notify: NotifyConfig{
			Attempts:       3,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			AttemptTimeout: 10 * time.Second,
			QueueSize:      256,
		},
		Backup: BackupConfig{
			Interval:         24 * time.Hour,
			Format:           FormatTarGz,
			CompressionLevel: 6,
			MaxAttempts:      3,
			RetryBackoff:     time.Minute,
			SpaceFactor:      2,
		},
		API: APIConfig{
			Enabled:        true,
			ListenAddr:     "127.0.0.1:8088",
			WSWriteTimeout: 5 * time.Second,
		},
		History: HistoryConfig{
			Driver:          "sqlite3",
			DSN:             "autosys.db",
			SampleRetention: 7 * 24 * time.Hour,
			SeedJobs:        50,
		},
		Status: StatusConfig{
			AlertHistory: 100,
			JobHistory:   50,
			SampleWindow: 60,
		},
	}
}

// normalize fills per-element defaults that cannot be expressed in Default,
// such as rule names and channel severities.
func (c *Config) normalize() {
	for i := range c.Alerts.Rules {
		r := &c.Alerts.Rules[i]
		if r.Comparison == "" {
			r.Comparison = "above"
		}
		if r.Severity == "" {
			r.Severity = SeverityWarning
		}
		if r.Name == "" {
			r.Name = fmt.Sprintf("%s_above_%g", r.Metric, r.Threshold)
		}
	}
	for i := range c.Notify.Channels {
		ch := &c.Notify.Channels[i]
		if ch.Name == "" {
			ch.Name = ch.Type
		}
		if ch.MinSeverity == "" {
			ch.MinSeverity = SeverityWarning
		}
		if ch.Type == ChannelTelegram && ch.Telegram.APIURL == "" {
			ch.Telegram.APIURL = "https://api.telegram.org"
		}
		if ch.Type == ChannelEmail && ch.Email.Port == 0 {
			ch.Email.Port = 587
		}
	}
}
