// Package status holds the process-wide state read by the dashboard API.
// Writers replace the snapshot wholesale; readers never see a partial tick.
package status

import (
	"time"

	"github.com/shizukutanaka/autosys/internal/backup"
	"github.com/shizukutanaka/autosys/internal/monitoring"
)

// Snapshot is an immutable view of the process state. Never modify a
// snapshot obtained from Store.Load.
type Snapshot struct {
	Version   uint64    `json:"version" yaml:"version"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`

	Latest          *monitoring.Sample `json:"latest,omitempty" yaml:"latest,omitempty"`
	LastSampleError string             `json:"last_sample_error,omitempty" yaml:"last_sample_error,omitempty"`
	SkippedTicks    uint64             `json:"skipped_ticks" yaml:"skipped_ticks"`
	Summary         *Summary           `json:"summary,omitempty" yaml:"summary,omitempty"`

	OpenAlerts   []monitoring.AlertEvent `json:"open_alerts" yaml:"open_alerts"`
	RecentAlerts []monitoring.AlertEvent `json:"recent_alerts" yaml:"recent_alerts"`
	AlertCounts  AlertCounts             `json:"alert_counts" yaml:"alert_counts"`

	Jobs         []backup.Job `json:"jobs" yaml:"jobs"`
	ActiveJob    *backup.Job  `json:"active_job,omitempty" yaml:"active_job,omitempty"`
	NextBackupAt *time.Time   `json:"next_backup_at,omitempty" yaml:"next_backup_at,omitempty"`

	Notifications        map[string]ChannelHealth `json:"notifications" yaml:"notifications"`
	NotificationDegraded bool                     `json:"notification_degraded" yaml:"notification_degraded"`
	DroppedNotifications uint64                   `json:"dropped_notifications" yaml:"dropped_notifications"`

	Host        HostInfo `json:"host" yaml:"host"`
	ConfigStale bool     `json:"config_stale" yaml:"config_stale"`
	ConfigError string   `json:"config_error,omitempty" yaml:"config_error,omitempty"`
}

// AlertCounts are totals of raised alerts since start.
type AlertCounts struct {
	Total      int            `json:"total" yaml:"total"`
	ByRule     map[string]int `json:"by_rule" yaml:"by_rule"`
	BySeverity map[string]int `json:"by_severity" yaml:"by_severity"`
}

// ChannelHealth is the delivery state of one notification channel.
type ChannelHealth struct {
	Degraded      bool       `json:"degraded" yaml:"degraded"`
	LastError     string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty" yaml:"last_success_at,omitempty"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty" yaml:"last_failure_at,omitempty"`
	Delivered     uint64     `json:"delivered" yaml:"delivered"`
	Failed        uint64     `json:"failed" yaml:"failed"`
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	if s.Latest != nil {
		v := *s.Latest
		c.Latest = &v
	}
	if s.Summary != nil {
		v := *s.Summary
		c.Summary = &v
	}
	c.OpenAlerts = cloneEvents(s.OpenAlerts)
	c.RecentAlerts = cloneEvents(s.RecentAlerts)
	c.AlertCounts = AlertCounts{
		Total:      s.AlertCounts.Total,
		ByRule:     cloneCounts(s.AlertCounts.ByRule),
		BySeverity: cloneCounts(s.AlertCounts.BySeverity),
	}

	c.Jobs = make([]backup.Job, len(s.Jobs))
	for i, j := range s.Jobs {
		c.Jobs[i] = j.Clone()
	}
	if s.ActiveJob != nil {
		j := s.ActiveJob.Clone()
		c.ActiveJob = &j
	}
	if s.NextBackupAt != nil {
		v := *s.NextBackupAt
		c.NextBackupAt = &v
	}

	c.Notifications = make(map[string]ChannelHealth, len(s.Notifications))
	for k, v := range s.Notifications {
		c.Notifications[k] = v
	}
	return &c
}

func cloneEvents(in []monitoring.AlertEvent) []monitoring.AlertEvent {
	out := make([]monitoring.AlertEvent, len(in))
	copy(out, in)
	for i := range out {
		if out[i].ResolvedAt != nil {
			v := *out[i].ResolvedAt
			out[i].ResolvedAt = &v
		}
	}
	return out
}

func cloneCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
