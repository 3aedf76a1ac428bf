// Package notify delivers alert deltas to external channels with bounded
// retries, isolating each channel from the others.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/shizukutanaka/autosys/internal/monitoring"
)

// Message is what a channel receives for one raised or resolved alert.
type Message struct {
	Kind      monitoring.DeltaKind `json:"kind"`
	EventID   string               `json:"event_id"`
	Rule      string               `json:"rule"`
	Severity  monitoring.Severity  `json:"severity"`
	Metric    monitoring.Metric    `json:"metric"`
	Value     float64              `json:"value"`
	Threshold float64              `json:"threshold"`
	Timestamp time.Time            `json:"timestamp"`
	Host      string               `json:"host,omitempty"`
}

// MessageFromDelta builds the outbound message. Resolutions are sent at
// info severity.
func MessageFromDelta(d monitoring.Delta, host string) Message {
	m := Message{
		Kind:      d.Kind,
		EventID:   d.Event.ID,
		Rule:      d.Event.Rule,
		Severity:  d.Event.Severity,
		Metric:    d.Event.Metric,
		Value:     d.Event.Value,
		Threshold: d.Event.Threshold,
		Timestamp: d.Event.RaisedAt,
		Host:      host,
	}
	if d.Kind == monitoring.DeltaResolved {
		m.Severity = monitoring.SeverityInfo
		if d.Event.ResolvedAt != nil {
			m.Timestamp = *d.Event.ResolvedAt
		}
	}
	return m
}

// Resolved reports whether m announces a recovery.
func (m Message) Resolved() bool {
	return m.Kind == monitoring.DeltaResolved
}

// Subject is a one-line summary used as mail subject and message title.
func (m Message) Subject() string {
	state := "ALERT"
	if m.Resolved() {
		state = "RESOLVED"
	}
	subject := fmt.Sprintf("[%s] %s %s", strings.ToUpper(string(m.Severity)), state, m.Rule)
	if m.Host != "" {
		subject += " on " + m.Host
	}
	return subject
}

// Text is the plain-text body.
func (m Message) Text() string {
	var b strings.Builder
	b.WriteString(m.Subject())
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Metric: %s\n", m.Metric)
	fmt.Fprintf(&b, "Value: %.1f%%\n", m.Value)
	fmt.Fprintf(&b, "Threshold: %.1f%%\n", m.Threshold)
	fmt.Fprintf(&b, "Time: %s\n", m.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Event: %s\n", m.EventID)
	return b.String()
}
