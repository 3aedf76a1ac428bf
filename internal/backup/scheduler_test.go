package backup

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Unix(0, 0).UTC()

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func TestNextDue(t *testing.T) {
	tests := []struct {
		now, want int
	}{
		{185, 240},
		{180, 180},
		{0, 0},
		{1, 60},
		{-30, 0},
		{-61, -60},
	}
	for _, tt := range tests {
		assert.Equal(t, at(tt.want), NextDue(t0, time.Minute, at(tt.now)), "now=%d", tt.now)
	}
	assert.Equal(t, at(180), LatestBoundary(t0, time.Minute, at(239)))
	assert.Equal(t, at(-120), LatestBoundary(t0, time.Minute, at(-61)))
}

// stepRunner lets a test decide when and how each attempt finishes.
type stepRunner struct {
	started chan Job
	results chan Attempt
	running atomic.Int32
	maxSeen atomic.Int32
}

func newStepRunner() *stepRunner {
	return &stepRunner{started: make(chan Job, 16), results: make(chan Attempt)}
}

func (r *stepRunner) Run(ctx context.Context, job Job) Attempt {
	n := r.running.Add(1)
	defer r.running.Add(-1)
	for {
		old := r.maxSeen.Load()
		if n <= old || r.maxSeen.CompareAndSwap(old, n) {
			break
		}
	}
	r.started <- job
	select {
	case a := <-r.results:
		a.Number = job.AttemptCount
		return a
	case <-ctx.Done():
		return Attempt{Number: job.AttemptCount, Status: StatusInterrupted, Error: ctx.Err().Error(), FinishedAt: time.Now()}
	}
}

type jobLog struct {
	mu   sync.Mutex
	jobs []Job
}

func (l *jobLog) RecordJob(j Job) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs = append(l.jobs, j.Clone())
}

// latest returns the final state of every job in first-seen order.
func (l *jobLog) latest() []Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	index := map[string]int{}
	var out []Job
	for _, j := range l.jobs {
		if i, ok := index[j.ID]; ok {
			out[i] = j
			continue
		}
		index[j.ID] = len(out)
		out = append(out, j)
	}
	return out
}

func newTestScheduler(runner JobRunner, log *jobLog) *Scheduler {
	s := NewScheduler(zap.NewNop(), SchedulerConfig{
		Source: "/src", Destination: "/dst",
		Interval: time.Minute, Epoch: t0,
		MaxAttempts: 3, RetryBackoff: 5 * time.Second,
	}, runner, log)
	n := 0
	s.newID = func() string {
		n++
		return fmt.Sprintf("job-%d", n)
	}
	return s
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	require.Eventually(t, func() bool {
		a := s.Active()
		return a == nil || a.Status != StatusRunning
	}, 2*time.Second, time.Millisecond)
}

// Every 60s with a job at t=60 that takes 90s: the t=120 slot is skipped
// and the next run is at t=180.
func TestOverlapIsSkipped(t *testing.T) {
	runner := newStepRunner()
	log := &jobLog{}
	s := newTestScheduler(runner, log)
	s.Start(at(30))
	assert.Equal(t, at(60), s.NextDueAt())

	for sec := 31; sec <= 60; sec++ {
		s.Tick(at(sec))
	}
	first := <-runner.started
	assert.Equal(t, at(60), first.ScheduledAt)

	for sec := 61; sec <= 149; sec++ {
		s.Tick(at(sec))
	}
	runner.results <- Attempt{Status: StatusSucceeded, FinishedAt: at(150), Artifact: "a"}
	waitIdle(t, s)

	for sec := 150; sec <= 180; sec++ {
		s.Tick(at(sec))
	}
	third := <-runner.started
	assert.Equal(t, at(180), third.ScheduledAt)

	jobs := log.latest()
	require.Len(t, jobs, 3)
	assert.Equal(t, StatusSucceeded, jobs[0].Status)
	assert.Equal(t, at(120), jobs[1].ScheduledAt)
	assert.Equal(t, StatusSkippedOverlap, jobs[1].Status)
	assert.Equal(t, at(180), jobs[2].ScheduledAt)
	assert.Equal(t, StatusRunning, jobs[2].Status)

	runner.results <- Attempt{Status: StatusSucceeded, FinishedAt: at(190)}
	waitIdle(t, s)
}

func TestRetryWithinSlot(t *testing.T) {
	runner := newStepRunner()
	log := &jobLog{}
	s := newTestScheduler(runner, log)
	s.Start(at(59))

	s.Tick(at(60))
	<-runner.started
	runner.results <- Attempt{Status: StatusFailed, Error: "disk full", FinishedAt: at(62)}
	waitIdle(t, s)

	active := s.Active()
	require.NotNil(t, active)
	assert.Equal(t, StatusPending, active.Status)
	require.NotNil(t, active.NextRetryAt)
	assert.Equal(t, at(67), *active.NextRetryAt)

	s.Tick(at(66))
	select {
	case <-runner.started:
		t.Fatal("retry launched before its time")
	default:
	}

	s.Tick(at(67))
	retry := <-runner.started
	assert.Equal(t, 2, retry.AttemptCount)
	runner.results <- Attempt{Status: StatusFailed, Error: "disk full", FinishedAt: at(68)}
	waitIdle(t, s)
	// second backoff is 10s
	assert.Equal(t, at(78), *s.Active().NextRetryAt)

	s.Tick(at(78))
	<-runner.started
	runner.results <- Attempt{Status: StatusFailed, Error: "disk full", FinishedAt: at(79)}
	waitIdle(t, s)

	assert.Nil(t, s.Active())
	jobs := log.latest()
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusFailed, jobs[0].Status)
	assert.Equal(t, 3, jobs[0].AttemptCount)
	assert.Len(t, jobs[0].Attempts, 3)

	// The failure does not cascade into the next slot.
	s.Tick(at(120))
	next := <-runner.started
	assert.Equal(t, at(120), next.ScheduledAt)
	assert.Equal(t, 1, next.AttemptCount)
	runner.results <- Attempt{Status: StatusSucceeded, FinishedAt: at(121)}
	waitIdle(t, s)
	assert.Equal(t, StatusSucceeded, log.latest()[1].Status)
}

func TestRetryPastNextBoundaryFails(t *testing.T) {
	runner := newStepRunner()
	log := &jobLog{}
	s := newTestScheduler(runner, log)
	s.Start(at(60))

	s.Tick(at(60))
	<-runner.started
	runner.results <- Attempt{Status: StatusFailed, Error: "io", FinishedAt: at(116)}
	waitIdle(t, s)

	assert.Nil(t, s.Active())
	jobs := log.latest()
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusFailed, jobs[0].Status)
}

func TestPendingRetryAbandonedAtBoundary(t *testing.T) {
	runner := newStepRunner()
	log := &jobLog{}
	s := newTestScheduler(runner, log)
	s.Start(at(60))

	s.Tick(at(60))
	<-runner.started
	runner.results <- Attempt{Status: StatusFailed, Error: "io", FinishedAt: at(110)}
	waitIdle(t, s)
	require.Equal(t, StatusPending, s.Active().Status)

	// Ticks stalled past both the retry time and the boundary.
	s.Tick(at(125))
	next := <-runner.started
	assert.Equal(t, at(120), next.ScheduledAt)

	jobs := log.latest()
	require.Len(t, jobs, 2)
	assert.Equal(t, StatusFailed, jobs[0].Status)
	assert.Contains(t, jobs[0].Error, "next slot")

	runner.results <- Attempt{Status: StatusSucceeded, FinishedAt: at(126)}
	waitIdle(t, s)
}

func TestMissedBoundariesCollapse(t *testing.T) {
	runner := newStepRunner()
	log := &jobLog{}
	s := newTestScheduler(runner, log)
	s.Start(at(1))

	s.Tick(at(250))
	job := <-runner.started
	assert.Equal(t, at(240), job.ScheduledAt)
	assert.Equal(t, at(300), s.NextDueAt())
	runner.results <- Attempt{Status: StatusSucceeded, FinishedAt: at(251)}
	waitIdle(t, s)
	assert.Len(t, log.latest(), 1)
}

func TestNeverTwoRunningJobs(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	runner := newStepRunner()
	log := &jobLog{}
	s := newTestScheduler(runner, log)
	s.Start(at(0))

	inflight := false
	for sec := 0; sec < 3600; sec++ {
		s.Tick(at(sec))
		select {
		case <-runner.started:
			require.False(t, inflight)
			inflight = true
		default:
		}
		if inflight && rng.Intn(100) == 0 {
			status := StatusSucceeded
			if rng.Intn(2) == 0 {
				status = StatusFailed
			}
			runner.results <- Attempt{Status: status, FinishedAt: at(sec)}
			inflight = false
			waitIdle(t, s)
		}
	}
	if !inflight {
		select {
		case <-runner.started:
			inflight = true
		case <-time.After(100 * time.Millisecond):
		}
	}
	if inflight {
		runner.results <- Attempt{Status: StatusSucceeded, FinishedAt: at(3600)}
		waitIdle(t, s)
	}

	assert.EqualValues(t, 1, runner.maxSeen.Load())
	running := 0
	for _, j := range log.latest() {
		assert.True(t, j.Status.Terminal() || j.Status == StatusPending, "job %s left in %s", j.ID, j.Status)
		if j.Status == StatusRunning {
			running++
		}
	}
	assert.Zero(t, running)
}

func TestShutdownWaitsForRunningJob(t *testing.T) {
	runner := newStepRunner()
	log := &jobLog{}
	s := newTestScheduler(runner, log)
	s.Start(at(60))
	s.Tick(at(60))
	<-runner.started

	go func() {
		time.Sleep(20 * time.Millisecond)
		runner.results <- Attempt{Status: StatusSucceeded, FinishedAt: at(61)}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, StatusSucceeded, log.latest()[0].Status)

	s.Tick(at(120))
	select {
	case <-runner.started:
		t.Fatal("no attempts after shutdown")
	default:
	}
}

func TestShutdownGraceExpiryInterrupts(t *testing.T) {
	runner := newStepRunner()
	log := &jobLog{}
	s := newTestScheduler(runner, log)
	s.Start(at(60))
	s.Tick(at(60))
	<-runner.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	jobs := log.latest()
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusInterrupted, jobs[0].Status)
	assert.Nil(t, s.Active())
}

func TestShutdownInterruptsPendingRetry(t *testing.T) {
	runner := newStepRunner()
	log := &jobLog{}
	s := newTestScheduler(runner, log)
	s.Start(at(60))
	s.Tick(at(60))
	<-runner.started
	runner.results <- Attempt{Status: StatusFailed, Error: "io", FinishedAt: at(61)}
	waitIdle(t, s)

	require.NoError(t, s.Shutdown(context.Background()))
	jobs := log.latest()
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusInterrupted, jobs[0].Status)
}

func TestSchedulerWithRealRunner(t *testing.T) {
	src := makeSource(t)
	dst := t.TempDir()
	log := &jobLog{}

	s := NewScheduler(zap.NewNop(), SchedulerConfig{
		Source: src, Destination: dst, Interval: time.Hour, Epoch: slot, MaxAttempts: 1, RetryBackoff: time.Second,
	}, newTestRunner("tar.gz"), log)
	s.Start(slot)
	s.Tick(slot)
	waitIdle(t, s)
	require.Eventually(t, func() bool { return s.Active() == nil }, 5*time.Second, 5*time.Millisecond)

	jobs := log.latest()
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusSucceeded, jobs[0].Status, jobs[0].Error)
	assert.Equal(t, ArtifactName(slot, "tar.gz"), filepath.Base(jobs[0].Artifact))
}
