package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/shizukutanaka/autosys/internal/errors"
	"github.com/shizukutanaka/autosys/internal/monitoring"
)

type fakeChannel struct {
	name  string
	mu    sync.Mutex
	calls int
	sent  []Message
	fail  func(call int) error
	block bool
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, msg Message) error {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.fail != nil {
		if err := f.fail(call); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeChannel) Sent() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

type recordingReporter struct {
	mu        sync.Mutex
	delivered map[string]int
	failed    map[string]error
	dropped   int
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{delivered: map[string]int{}, failed: map[string]error{}}
}

func (r *recordingReporter) ChannelDelivered(channel string, attempts int, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered[channel] = attempts
}

func (r *recordingReporter) ChannelFailed(channel string, err error, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[channel] = err
}

func (r *recordingReporter) MessageDropped(Message, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped++
}

func testPolicy() Policy {
	return Policy{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond, AttemptTimeout: time.Second}
}

func raised(rule string, sev monitoring.Severity) Message {
	return Message{Kind: monitoring.DeltaRaised, EventID: "e1", Rule: rule, Severity: sev, Metric: monitoring.MetricCPU, Value: 91, Threshold: 80}
}

func newTestDispatcher(routes []Route, reporter HealthReporter) *Dispatcher {
	d := NewDispatcher(zap.NewNop(), routes, testPolicy(), 8, reporter)
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return d
}

func TestFailingChannelDoesNotBlockOthers(t *testing.T) {
	email := &fakeChannel{name: "email", fail: func(int) error { return errors.New("connection refused") }}
	telegram := &fakeChannel{name: "telegram"}
	reporter := newRecordingReporter()

	d := newTestDispatcher([]Route{{Channel: email}, {Channel: telegram}}, reporter)
	failed := d.Deliver(context.Background(), raised("cpu_high", monitoring.SeverityWarning))

	require.Len(t, telegram.Sent(), 1)
	assert.Equal(t, "cpu_high", telegram.Sent()[0].Rule)
	assert.Equal(t, 3, email.Calls())

	require.Contains(t, failed, "email")
	assert.NotContains(t, failed, "telegram")
	assert.True(t, apperrors.IsType(failed["email"], apperrors.TypeNotificationDeliveryFailed))

	assert.Equal(t, 1, reporter.delivered["telegram"])
	assert.Contains(t, reporter.failed, "email")
}

func TestHungChannelDoesNotDelayOthers(t *testing.T) {
	hung := &fakeChannel{name: "hung", block: true}
	ok := &fakeChannel{name: "ok"}

	d := NewDispatcher(zap.NewNop(), []Route{{Channel: hung}, {Channel: ok}},
		Policy{Attempts: 1, AttemptTimeout: 50 * time.Millisecond}, 8, nil)

	start := time.Now()
	failed := d.Deliver(context.Background(), raised("cpu_high", monitoring.SeverityWarning))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Len(t, ok.Sent(), 1)
	require.Contains(t, failed, "hung")
	assert.True(t, errors.Is(failed["hung"], context.DeadlineExceeded))
}

func TestRetryThenSucceed(t *testing.T) {
	flaky := &fakeChannel{name: "flaky", fail: func(call int) error {
		if call < 3 {
			return errors.New("503")
		}
		return nil
	}}
	reporter := newRecordingReporter()

	d := newTestDispatcher([]Route{{Channel: flaky}}, reporter)
	assert.Empty(t, d.Deliver(context.Background(), raised("r", monitoring.SeverityCritical)))
	assert.Equal(t, 3, flaky.Calls())
	assert.Equal(t, 3, reporter.delivered["flaky"])
}

func TestBackoff(t *testing.T) {
	p := Policy{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second}
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(4))
	assert.Equal(t, 5*time.Second, p.Backoff(10))
}

func TestRouting(t *testing.T) {
	all := &fakeChannel{name: "all"}
	critical := &fakeChannel{name: "critical"}
	resolvedOnly := &fakeChannel{name: "ops"}

	d := newTestDispatcher([]Route{
		{Channel: all, MinSeverity: monitoring.SeverityInfo, NotifyResolved: true},
		{Channel: critical, MinSeverity: monitoring.SeverityCritical},
		{Channel: resolvedOnly, MinSeverity: monitoring.SeverityWarning, NotifyResolved: true},
	}, nil)

	d.Deliver(context.Background(), raised("a", monitoring.SeverityWarning))
	d.Deliver(context.Background(), raised("b", monitoring.SeverityCritical))
	d.Deliver(context.Background(), Message{Kind: monitoring.DeltaResolved, Rule: "a", Severity: monitoring.SeverityInfo})

	assert.Len(t, all.Sent(), 3)
	require.Len(t, critical.Sent(), 1)
	assert.Equal(t, "b", critical.Sent()[0].Rule)
	assert.Len(t, resolvedOnly.Sent(), 3)
}

func TestQueueOverflowDrops(t *testing.T) {
	reporter := newRecordingReporter()
	ch := &fakeChannel{name: "webhook"}
	d := NewDispatcher(zap.NewNop(), []Route{{Channel: ch}}, testPolicy(), 1, reporter)

	assert.True(t, d.Notify(raised("a", monitoring.SeverityWarning)))
	assert.False(t, d.Notify(raised("b", monitoring.SeverityWarning)))
	assert.Equal(t, 1, reporter.dropped)
}

func TestFullQueueDropsOnlyForThatRoute(t *testing.T) {
	reporter := newRecordingReporter()
	warn := &fakeChannel{name: "warn"}
	crit := &fakeChannel{name: "crit"}
	d := NewDispatcher(zap.NewNop(), []Route{
		{Channel: warn, MinSeverity: monitoring.SeverityWarning},
		{Channel: crit, MinSeverity: monitoring.SeverityCritical},
	}, testPolicy(), 1, reporter)

	assert.True(t, d.Notify(raised("a", monitoring.SeverityWarning)))
	assert.False(t, d.Notify(raised("b", monitoring.SeverityCritical)))
	assert.Equal(t, 1, reporter.dropped)

	d.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	require.Len(t, crit.Sent(), 1)
	assert.Equal(t, "b", crit.Sent()[0].Rule)
	require.Len(t, warn.Sent(), 1)
	assert.Equal(t, "a", warn.Sent()[0].Rule)
}

func TestFailingChannelDoesNotDelayLaterMessages(t *testing.T) {
	hung := &fakeChannel{name: "email", block: true}
	healthy := &fakeChannel{name: "telegram"}
	policy := Policy{Attempts: 3, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 200 * time.Millisecond, AttemptTimeout: 300 * time.Millisecond}
	d := NewDispatcher(zap.NewNop(), []Route{{Channel: hung}, {Channel: healthy}}, policy, 8, nil)
	d.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		d.Close(ctx)
	}()

	start := time.Now()
	require.True(t, d.Notify(raised("first", monitoring.SeverityWarning)))
	require.True(t, d.Notify(raised("second", monitoring.SeverityWarning)))

	require.Eventually(t, func() bool { return len(healthy.Sent()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Less(t, time.Since(start), 300*time.Millisecond)
	assert.Equal(t, "second", healthy.Sent()[1].Rule)
	assert.Equal(t, 1, hung.Calls())
}

func TestCloseDrainsQueue(t *testing.T) {
	ch := &fakeChannel{name: "webhook"}
	d := newTestDispatcher([]Route{{Channel: ch}}, nil)

	for i := 0; i < 5; i++ {
		require.True(t, d.Notify(raised("r", monitoring.SeverityWarning)))
	}
	d.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	assert.Len(t, ch.Sent(), 5)
	assert.False(t, d.Notify(raised("late", monitoring.SeverityWarning)))
}

func TestMessageFromDelta(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC)
	ev := monitoring.AlertEvent{ID: "x", Rule: "cpu_high", Severity: monitoring.SeverityCritical, Value: 50, RaisedAt: at.Add(-time.Minute), ResolvedAt: &at}

	m := MessageFromDelta(monitoring.Delta{Kind: monitoring.DeltaResolved, Event: ev}, "web-1")
	assert.Equal(t, monitoring.SeverityInfo, m.Severity)
	assert.Equal(t, at, m.Timestamp)
	assert.Equal(t, "[INFO] RESOLVED cpu_high on web-1", m.Subject())
	assert.Contains(t, m.Text(), "Value: 50.0%")
}
