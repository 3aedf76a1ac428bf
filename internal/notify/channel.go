package notify

import (
	"context"
	"time"

	"github.com/shizukutanaka/autosys/internal/monitoring"
)

// Channel sends one message to one destination. Send must honor ctx.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Route binds a channel to its routing rules.
type Route struct {
	Channel        Channel
	MinSeverity    monitoring.Severity
	NotifyResolved bool
}

// Accepts reports whether msg should go to this route. Resolutions go only
// to routes that asked for them; raises need at least MinSeverity.
func (r Route) Accepts(msg Message) bool {
	if msg.Resolved() {
		return r.NotifyResolved
	}
	min := r.MinSeverity
	if min == "" {
		min = monitoring.SeverityWarning
	}
	return msg.Severity.Rank() >= min.Rank()
}

// HealthReporter is told the outcome of every delivery. Implementations must
// be safe for concurrent use.
type HealthReporter interface {
	ChannelDelivered(channel string, attempts int, at time.Time)
	ChannelFailed(channel string, err error, at time.Time)
	MessageDropped(msg Message, at time.Time)
}

// Reporters fans one report out to several reporters.
type Reporters []HealthReporter

func (rs Reporters) ChannelDelivered(channel string, attempts int, at time.Time) {
	for _, r := range rs {
		r.ChannelDelivered(channel, attempts, at)
	}
}

func (rs Reporters) ChannelFailed(channel string, err error, at time.Time) {
	for _, r := range rs {
		r.ChannelFailed(channel, err, at)
	}
}

func (rs Reporters) MessageDropped(msg Message, at time.Time) {
	for _, r := range rs {
		r.MessageDropped(msg, at)
	}
}

type nopReporter struct{}

func (nopReporter) ChannelDelivered(string, int, time.Time) {}
func (nopReporter) ChannelFailed(string, error, time.Time)  {}
func (nopReporter) MessageDropped(Message, time.Time)       {}
