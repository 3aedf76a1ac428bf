package monitoring

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/shizukutanaka/autosys/internal/config"
)

// Severity of an alert or notification. Ordered info < warning < critical.
type Severity string

const (
	SeverityInfo     Severity = config.SeverityInfo
	SeverityWarning  Severity = config.SeverityWarning
	SeverityCritical Severity = config.SeverityCritical
)

// Rank orders severities for routing.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	}
	return -1
}

// Rule is a threshold rule. A rule is breached while its metric is strictly
// above Threshold.
type Rule struct {
	Name              string        `json:"name"`
	Metric            Metric        `json:"metric"`
	Threshold         float64       `json:"threshold"`
	Debounce          time.Duration `json:"debounce"`
	Severity          Severity      `json:"severity"`
	CriticalThreshold float64       `json:"critical_threshold,omitempty"`
}

// RulesFromConfig converts validated configuration rules.
func RulesFromConfig(rules []config.AlertRule) []Rule {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, Rule{
			Name:              r.Name,
			Metric:            Metric(r.Metric),
			Threshold:         r.Threshold,
			Debounce:          r.Debounce,
			Severity:          Severity(r.Severity),
			CriticalThreshold: r.CriticalThreshold,
		})
	}
	return out
}

func (r Rule) severityFor(value float64) Severity {
	if r.CriticalThreshold > 0 && value > r.CriticalThreshold {
		return SeverityCritical
	}
	if r.Severity == "" {
		return SeverityWarning
	}
	return r.Severity
}

// AlertEvent is one breach of a rule, open until ResolvedAt is set.
type AlertEvent struct {
	ID         string     `json:"id" yaml:"id"`
	Rule       string     `json:"rule" yaml:"rule"`
	Metric     Metric     `json:"metric" yaml:"metric"`
	Threshold  float64    `json:"threshold" yaml:"threshold"`
	Value      float64    `json:"value" yaml:"value"`
	Severity   Severity   `json:"severity" yaml:"severity"`
	Sample     Sample     `json:"sample" yaml:"sample"`
	RaisedAt   time.Time  `json:"raised_at" yaml:"raised_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty" yaml:"resolved_at,omitempty"`
}

// Open reports whether the event is unresolved.
func (e AlertEvent) Open() bool {
	return e.ResolvedAt == nil
}

// DeltaKind tells whether an event was raised or resolved.
type DeltaKind string

const (
	DeltaRaised   DeltaKind = "raised"
	DeltaResolved DeltaKind = "resolved"
)

// Delta is a state change produced by one evaluation.
type Delta struct {
	Kind  DeltaKind  `json:"kind"`
	Event AlertEvent `json:"event"`
}

type ruleState struct {
	required int
	streak   int
	open     *AlertEvent
}

// Evaluator tracks breach streaks per rule. It is owned by a single
// goroutine and performs no delivery.
type Evaluator struct {
	rules  []Rule
	states []ruleState
	newID  func() string
}

// NewEvaluator fixes the rule set and the tick length used to turn each
// rule's debounce window into a count of consecutive breaching ticks.
func NewEvaluator(rules []Rule, tick time.Duration) *Evaluator {
	e := &Evaluator{
		rules:  append([]Rule(nil), rules...),
		states: make([]ruleState, len(rules)),
		newID:  uuid.NewString,
	}
	for i, r := range e.rules {
		e.states[i].required = RequiredTicks(r.Debounce, tick)
	}
	return e
}

// RequiredTicks is max(1, ceil(debounce/tick)).
func RequiredTicks(debounce, tick time.Duration) int {
	if debounce <= 0 || tick <= 0 {
		return 1
	}
	n := int(math.Ceil(float64(debounce) / float64(tick)))
	if n < 1 {
		n = 1
	}
	return n
}

// Evaluate applies every rule to s in declaration order and returns the
// raised and resolved events. Recovery takes a single non-breaching sample.
func (e *Evaluator) Evaluate(s Sample) []Delta {
	var deltas []Delta
	for i, r := range e.rules {
		st := &e.states[i]
		value := s.Value(r.Metric)

		if value > r.Threshold {
			if st.open != nil {
				continue
			}
			st.streak++
			if st.streak < st.required {
				continue
			}
			st.open = &AlertEvent{
				ID:        e.newID(),
				Rule:      r.Name,
				Metric:    r.Metric,
				Threshold: r.Threshold,
				Value:     value,
				Severity:  r.severityFor(value),
				Sample:    s,
				RaisedAt:  s.Timestamp,
			}
			deltas = append(deltas, Delta{Kind: DeltaRaised, Event: *st.open})
			continue
		}

		st.streak = 0
		if st.open != nil {
			resolved := *st.open
			at := s.Timestamp
			resolved.ResolvedAt = &at
			resolved.Value = value
			st.open = nil
			deltas = append(deltas, Delta{Kind: DeltaResolved, Event: resolved})
		}
	}
	return deltas
}

// Open returns the currently open events in rule order.
func (e *Evaluator) Open() []AlertEvent {
	open := make([]AlertEvent, 0, len(e.states))
	for _, st := range e.states {
		if st.open != nil {
			open = append(open, *st.open)
		}
	}
	return open
}

// Rules returns the evaluator's rules.
func (e *Evaluator) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}
