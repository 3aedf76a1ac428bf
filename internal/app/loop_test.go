package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/autosys/internal/monitoring"
	"github.com/shizukutanaka/autosys/internal/notify"
	"github.com/shizukutanaka/autosys/internal/status"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(s string) {
	c.mu.Lock()
	c.calls = append(c.calls, s)
	c.mu.Unlock()
}

func (c *callLog) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fakeNotifier struct {
	log  *callLog
	msgs []notify.Message
}

func (n *fakeNotifier) Notify(msg notify.Message) bool {
	n.log.add("notify")
	n.msgs = append(n.msgs, msg)
	return true
}

type fakeScheduler struct {
	log       *callLog
	next      time.Time
	ticks     []time.Time
	shutdowns int
	grace     time.Duration
}

func (s *fakeScheduler) Tick(now time.Time) {
	s.log.add("backup")
	s.ticks = append(s.ticks, now)
}

func (s *fakeScheduler) NextDueAt() time.Time { return s.next }

func (s *fakeScheduler) Shutdown(ctx context.Context) error {
	s.shutdowns++
	if dl, ok := ctx.Deadline(); ok {
		s.grace = time.Until(dl)
	}
	return nil
}

type observerFunc func(Tick)

func (f observerFunc) ObserveTick(t Tick) { f(t) }

func cpuSource(log *callLog, values ...float64) monitoring.Source {
	i := 0
	return monitoring.SourceFunc(func(ctx context.Context) (monitoring.Sample, error) {
		log.add("sample")
		v := values[i%len(values)]
		i++
		return monitoring.Sample{Timestamp: time.Unix(int64(i), 0), CPUPercent: v}, nil
	})
}

func TestStepOrder(t *testing.T) {
	log := &callLog{}
	store := status.NewStore(status.Limits{}, status.HostInfo{})
	notifier := &fakeNotifier{log: log}
	sched := &fakeScheduler{log: log, next: time.Unix(3600, 0)}
	eval := monitoring.NewEvaluator([]monitoring.Rule{{Name: "cpu_high", Metric: monitoring.MetricCPU, Threshold: 80}}, time.Second)

	var published []uint64
	loop := NewLoop(zaptest.NewLogger(t), LoopConfig{Interval: time.Second, Host: "box"},
		cpuSource(log, 95), eval, notifier, sched, store,
		observerFunc(func(tk Tick) {
			log.add("observe")
			published = append(published, store.Load().Version)
		}))

	now := time.Unix(100, 0)
	loop.Step(context.Background(), now)

	assert.Equal(t, []string{"sample", "notify", "backup", "observe"}, log.list())
	assert.Equal(t, []time.Time{now}, sched.ticks)
	require.Len(t, notifier.msgs, 1)
	assert.Equal(t, "box", notifier.msgs[0].Host)
	assert.Equal(t, "cpu_high", notifier.msgs[0].Rule)

	snap := store.Load()
	assert.Equal(t, uint64(1), snap.Version)
	assert.Equal(t, []uint64{1}, published)
	assert.Len(t, snap.OpenAlerts, 1)
	require.NotNil(t, snap.NextBackupAt)
	assert.Equal(t, time.Unix(3600, 0), *snap.NextBackupAt)
}

func TestStepResolvesAndClearsOpenAlerts(t *testing.T) {
	log := &callLog{}
	store := status.NewStore(status.Limits{}, status.HostInfo{})
	notifier := &fakeNotifier{log: log}
	eval := monitoring.NewEvaluator([]monitoring.Rule{{Name: "cpu_high", Metric: monitoring.MetricCPU, Threshold: 80}}, time.Second)
	loop := NewLoop(zaptest.NewLogger(t), LoopConfig{Interval: time.Second}, cpuSource(log, 95, 10), eval, notifier, nil, store)

	loop.Step(context.Background(), time.Unix(1, 0))
	loop.Step(context.Background(), time.Unix(2, 0))

	require.Len(t, notifier.msgs, 2)
	assert.True(t, notifier.msgs[1].Resolved())
	assert.Equal(t, monitoring.SeverityInfo, notifier.msgs[1].Severity)
	snap := store.Load()
	assert.Empty(t, snap.OpenAlerts)
	assert.Nil(t, snap.NextBackupAt)
}

func TestStepSampleFailureFreezesStreaks(t *testing.T) {
	log := &callLog{}
	store := status.NewStore(status.Limits{}, status.HostInfo{})
	notifier := &fakeNotifier{log: log}
	eval := monitoring.NewEvaluator([]monitoring.Rule{{Name: "cpu_high", Metric: monitoring.MetricCPU, Threshold: 80, Debounce: 2 * time.Second}}, time.Second)

	fail := errors.New("sampler timed out")
	results := []error{nil, fail, nil}
	i := 0
	source := monitoring.SourceFunc(func(ctx context.Context) (monitoring.Sample, error) {
		err := results[i]
		i++
		if err != nil {
			return monitoring.Sample{}, err
		}
		return monitoring.Sample{Timestamp: time.Unix(int64(i), 0), CPUPercent: 90}, nil
	})
	sched := &fakeScheduler{log: log}
	loop := NewLoop(zaptest.NewLogger(t), LoopConfig{Interval: time.Second}, source, eval, notifier, sched, store)

	for n := 0; n < 3; n++ {
		loop.Step(context.Background(), time.Unix(int64(n), 0))
	}

	require.Len(t, notifier.msgs, 1)
	assert.Len(t, sched.ticks, 3)
	snap := store.Load()
	assert.Equal(t, uint64(1), snap.SkippedTicks)
	assert.Empty(t, snap.LastSampleError)
}

func TestStepRecoversFromPanic(t *testing.T) {
	store := status.NewStore(status.Limits{}, status.HostInfo{})
	source := monitoring.SourceFunc(func(ctx context.Context) (monitoring.Sample, error) {
		panic("driver bug")
	})
	loop := NewLoop(zaptest.NewLogger(t), LoopConfig{Interval: time.Second}, source,
		monitoring.NewEvaluator(nil, time.Second), nil, nil, store)

	assert.NotPanics(t, func() { loop.Step(context.Background(), time.Now()) })
	assert.Equal(t, uint64(0), store.Load().Version)
}

func TestRunShutsDownSchedulerWithGrace(t *testing.T) {
	log := &callLog{}
	store := status.NewStore(status.Limits{}, status.HostInfo{})
	sched := &fakeScheduler{log: log}
	loop := NewLoop(zaptest.NewLogger(t), LoopConfig{Interval: 10 * time.Millisecond, ShutdownGrace: 5 * time.Second},
		cpuSource(log, 1), monitoring.NewEvaluator(nil, 10*time.Millisecond), nil, sched, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return store.Load().Version >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.Equal(t, 1, sched.shutdowns)
	assert.InDelta(t, 5*time.Second, sched.grace, float64(time.Second))
}
