package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	apperrors "github.com/shizukutanaka/autosys/internal/errors"
)

// Validator is responsible for validating the application's configuration.
// Every section is checked and all problems are reported together.
type Validator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns a ConfigurationInvalid error joining every problem found,
// or nil.
func (v *Validator) Validate(cfg *Config) error {
	var problems []error
	check := func(section string, errs []error) {
		for _, err := range errs {
			problems = append(problems, fmt.Errorf("%s: %w", section, err))
		}
	}

	check("log", v.validateLog(cfg))
	check("monitor", v.validateMonitor(&cfg.Monitor))
	check("alerts", v.validateAlerts(&cfg.Alerts))
	check("notify", v.validateNotify(&cfg.Notify))
	check("backup", v.validateBackup(&cfg.Backup))
	check("api", v.validateAPI(&cfg.API))
	check("history", v.validateHistory(&cfg.History))
	check("status", v.validateStatus(&cfg.Status))

	if len(problems) == 0 {
		return nil
	}
	return apperrors.Wrapf(apperrors.TypeConfigurationInvalid, "config.validate",
		errors.Join(problems...), "%d problem(s)", len(problems))
}

func (v *Validator) validateLog(cfg *Config) []error {
	var errs []error
	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level: %s", cfg.Log.Level))
	}
	if cfg.Log.Encoding != "" && cfg.Log.Encoding != "json" && cfg.Log.Encoding != "console" {
		errs = append(errs, fmt.Errorf("invalid encoding: %s", cfg.Log.Encoding))
	}
	return errs
}

func (v *Validator) validateMonitor(cfg *MonitorConfig) []error {
	var errs []error
	if cfg.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	if cfg.SampleTimeout <= 0 {
		errs = append(errs, errors.New("sample_timeout must be positive"))
	}
	if cfg.DiskPath == "" {
		errs = append(errs, errors.New("disk_path is required"))
	}
	if cfg.ShutdownGrace < 0 {
		errs = append(errs, errors.New("shutdown_grace cannot be negative"))
	}
	return errs
}

func (v *Validator) validateAlerts(cfg *AlertsConfig) []error {
	var errs []error
	seen := make(map[string]bool)
	for i, r := range cfg.Rules {
		prefix := fmt.Sprintf("rules[%d]", i)
		if r.Name != "" {
			prefix = fmt.Sprintf("rules[%s]", r.Name)
		}
		if seen[r.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate rule name", prefix))
		}
		seen[r.Name] = true

		if !contains([]string{MetricCPU, MetricMemory, MetricDisk}, r.Metric) {
			errs = append(errs, fmt.Errorf("%s: unknown metric %q", prefix, r.Metric))
		}
		if r.Threshold < 0 || r.Threshold > 100 {
			errs = append(errs, fmt.Errorf("%s: threshold %g out of range 0-100", prefix, r.Threshold))
		}
		if r.Comparison != "above" {
			errs = append(errs, fmt.Errorf("%s: unsupported comparison %q", prefix, r.Comparison))
		}
		if r.Debounce < 0 {
			errs = append(errs, fmt.Errorf("%s: debounce cannot be negative", prefix))
		}
		if !validSeverity(r.Severity) {
			errs = append(errs, fmt.Errorf("%s: invalid severity %q", prefix, r.Severity))
		}
		if r.CriticalThreshold != 0 && (r.CriticalThreshold <= r.Threshold || r.CriticalThreshold > 100) {
			errs = append(errs, fmt.Errorf("%s: critical_threshold must be above threshold and at most 100", prefix))
		}
	}
	return errs
}

func (v *Validator) validateNotify(cfg *NotifyConfig) []error {
	var errs []error
	if cfg.Attempts < 1 {
		errs = append(errs, errors.New("attempts must be at least 1"))
	}
	if cfg.InitialBackoff <= 0 {
		errs = append(errs, errors.New("initial_backoff must be positive"))
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		errs = append(errs, errors.New("max_backoff must not be below initial_backoff"))
	}
	if cfg.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("attempt_timeout must be positive"))
	}
	if cfg.QueueSize < 1 {
		errs = append(errs, errors.New("queue_size must be at least 1"))
	}

	seen := make(map[string]bool)
	for _, ch := range cfg.Channels {
		prefix := fmt.Sprintf("channels[%s]", ch.Name)
		if seen[ch.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate channel name", prefix))
		}
		seen[ch.Name] = true
		if !validSeverity(ch.MinSeverity) {
			errs = append(errs, fmt.Errorf("%s: invalid min_severity %q", prefix, ch.MinSeverity))
		}
		if !ch.IsEnabled() {
			continue
		}
		for _, err := range v.validateChannel(&ch) {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
	}
	return errs
}

func (v *Validator) validateChannel(ch *ChannelConfig) []error {
	var errs []error
	switch ch.Type {
	case ChannelEmail:
		if ch.Email.Host == "" {
			errs = append(errs, errors.New("email.host is required"))
		}
		if ch.Email.Port <= 0 || ch.Email.Port > 65535 {
			errs = append(errs, fmt.Errorf("invalid email.port %d", ch.Email.Port))
		}
		if ch.Email.From == "" {
			errs = append(errs, errors.New("email.from is required"))
		}
		if len(ch.Email.To) == 0 {
			errs = append(errs, errors.New("email.to needs at least one recipient"))
		}
	case ChannelTelegram:
		if ch.Telegram.BotToken == "" {
			errs = append(errs, errors.New("telegram.bot_token is required"))
		}
		if ch.Telegram.ChatID == "" {
			errs = append(errs, errors.New("telegram.chat_id is required"))
		}
	case ChannelWebhook:
		if !strings.HasPrefix(ch.Webhook.URL, "http://") && !strings.HasPrefix(ch.Webhook.URL, "https://") {
			errs = append(errs, fmt.Errorf("webhook.url must be http(s): %q", ch.Webhook.URL))
		}
	case ChannelKafka:
		if len(ch.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required"))
		}
		if ch.Kafka.Topic == "" {
			errs = append(errs, errors.New("kafka.topic is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown channel type %q", ch.Type))
	}
	return errs
}

func (v *Validator) validateBackup(cfg *BackupConfig) []error {
	if !cfg.Enabled {
		return nil
	}
	var errs []error
	if cfg.Source == "" {
		errs = append(errs, errors.New("source is required"))
	} else if _, err := os.Stat(cfg.Source); err != nil {
		errs = append(errs, fmt.Errorf("source path: %w", err))
	}
	if cfg.Destination == "" {
		errs = append(errs, errors.New("destination is required"))
	} else if cfg.Source != "" && within(cfg.Destination, cfg.Source) {
		errs = append(errs, errors.New("destination must not be inside source"))
	}
	if cfg.Interval < time.Second {
		errs = append(errs, errors.New("interval must be at least 1s"))
	}
	if cfg.Format != FormatTarGz && cfg.Format != FormatZip {
		errs = append(errs, fmt.Errorf("unsupported format %q", cfg.Format))
	}
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		errs = append(errs, fmt.Errorf("compression_level %d out of range -1..9", cfg.CompressionLevel))
	}
	if cfg.MaxAttempts < 1 {
		errs = append(errs, errors.New("max_attempts must be at least 1"))
	}
	if cfg.RetryBackoff <= 0 {
		errs = append(errs, errors.New("retry_backoff must be positive"))
	}
	if cfg.SpaceFactor < 0 {
		errs = append(errs, errors.New("space_factor cannot be negative"))
	}
	return errs
}

func (v *Validator) validateAPI(cfg *APIConfig) []error {
	if !cfg.Enabled {
		return nil
	}
	var errs []error
	if err := v.validateListenAddress(cfg.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("listen_addr: %w", err))
	}
	if cfg.WSWriteTimeout <= 0 {
		errs = append(errs, errors.New("ws_write_timeout must be positive"))
	}
	return errs
}

func (v *Validator) validateHistory(cfg *HistoryConfig) []error {
	if !cfg.Enabled {
		return nil
	}
	var errs []error
	if !contains([]string{"sqlite3", "sqlite", "postgres", "postgresql"}, cfg.Driver) {
		errs = append(errs, fmt.Errorf("unsupported driver: %s", cfg.Driver))
	}
	if cfg.DSN == "" {
		errs = append(errs, errors.New("dsn is required"))
	}
	if cfg.SampleRetention < 0 {
		errs = append(errs, errors.New("sample_retention cannot be negative"))
	}
	if cfg.SeedJobs < 0 {
		errs = append(errs, errors.New("seed_jobs cannot be negative"))
	}
	return errs
}

func (v *Validator) validateStatus(cfg *StatusConfig) []error {
	var errs []error
	if cfg.AlertHistory < 1 {
		errs = append(errs, errors.New("alert_history must be at least 1"))
	}
	if cfg.JobHistory < 1 {
		errs = append(errs, errors.New("job_history must be at least 1"))
	}
	if cfg.SampleWindow < 1 {
		errs = append(errs, errors.New("sample_window must be at least 1"))
	}
	return errs
}

// validateListenAddress checks if a string is a valid network listen address.
func (v *Validator) validateListenAddress(addr string) error {
	if addr == "" {
		return errors.New("address cannot be empty")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address format: %s", addr)
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return fmt.Errorf("invalid port: %s", addr)
	}
	return nil
}

func validSeverity(s string) bool {
	return contains([]string{SeverityInfo, SeverityWarning, SeverityCritical}, s)
}

// within reports whether path lies inside (or equals) dir.
func within(path, dir string) bool {
	absPath, err1 := filepath.Abs(path)
	absDir, err2 := filepath.Abs(dir)
	if err1 != nil || err2 != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// contains is a helper function to check for string presence in a slice.
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
