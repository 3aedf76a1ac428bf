package backup

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shizukutanaka/autosys/internal/config"
	apperrors "github.com/shizukutanaka/autosys/internal/errors"
)

// JobRunner executes one attempt of a job.
type JobRunner interface {
	Run(ctx context.Context, job Job) Attempt
}

// NextDue returns the first boundary epoch + k*interval at or after now.
func NextDue(epoch time.Time, interval time.Duration, now time.Time) time.Time {
	d := now.Sub(epoch)
	k := d / interval
	if d > 0 && d%interval != 0 {
		k++
	}
	return epoch.Add(k * interval)
}

// LatestBoundary returns the last boundary at or before now.
func LatestBoundary(epoch time.Time, interval time.Duration, now time.Time) time.Time {
	d := now.Sub(epoch)
	k := d / interval
	if d < 0 && d%interval != 0 {
		k--
	}
	return epoch.Add(k * interval)
}

// SchedulerConfig holds the scheduling parameters.
type SchedulerConfig struct {
	Source       string
	Destination  string
	Interval     time.Duration
	Epoch        time.Time
	MaxAttempts  int
	RetryBackoff time.Duration
}

// SchedulerConfigFrom converts the backup configuration. A zero epoch means
// the Unix epoch.
func SchedulerConfigFrom(cfg config.BackupConfig) SchedulerConfig {
	epoch := cfg.Epoch
	if epoch.IsZero() {
		epoch = time.Unix(0, 0)
	}
	return SchedulerConfig{
		Source:       cfg.Source,
		Destination:  cfg.Destination,
		Interval:     cfg.Interval,
		Epoch:        epoch,
		MaxAttempts:  cfg.MaxAttempts,
		RetryBackoff: cfg.RetryBackoff,
	}
}

// Scheduler fires one job per interval boundary and never runs two jobs at
// once. A slot whose boundary arrives while an attempt is still running is
// recorded as skipped-overlap. Tick decisions depend only on the time passed
// in; attempts run on their own goroutines.
type Scheduler struct {
	logger   *zap.Logger
	cfg      SchedulerConfig
	runner   JobRunner
	recorder JobRecorder

	mu       sync.Mutex
	started  bool
	stopping bool
	nextDue  time.Time
	active   *Job
	// set while an attempt of active is running
	cancelRun context.CancelFunc
	runDone   chan struct{}

	newID func() string
}

// NewScheduler creates a scheduler. recorder may be nil.
func NewScheduler(logger *zap.Logger, cfg SchedulerConfig, runner JobRunner, recorder JobRecorder) *Scheduler {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if recorder == nil {
		recorder = RecorderFunc(func(Job) {})
	}
	return &Scheduler{
		logger:   logger.Named("backup_scheduler"),
		cfg:      cfg,
		runner:   runner,
		recorder: recorder,
		newID:    uuid.NewString,
	}
}

// Start fixes the first boundary at or after now. Boundaries missed while
// the process was down are not caught up.
func (s *Scheduler) Start(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.nextDue = NextDue(s.cfg.Epoch, s.cfg.Interval, now)
	s.logger.Info("Backup scheduler started",
		zap.Time("next_due", s.nextDue),
		zap.Duration("interval", s.cfg.Interval),
	)
}

// NextDueAt returns the next boundary.
func (s *Scheduler) NextDueAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextDue
}

// Active returns a copy of the current job, if any.
func (s *Scheduler) Active() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	j := s.active.Clone()
	return &j
}

// Tick advances the scheduler to now. It never blocks on backup work.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.stopping {
		return
	}

	// A retry scheduled for this slot.
	if s.active != nil && s.active.Status == StatusPending && s.active.NextRetryAt != nil &&
		!now.Before(*s.active.NextRetryAt) && now.Before(s.nextDue) {
		s.launchLocked(now)
		return
	}

	if now.Before(s.nextDue) {
		return
	}

	slot := LatestBoundary(s.cfg.Epoch, s.cfg.Interval, now)
	if missed := int(slot.Sub(s.nextDue) / s.cfg.Interval); missed > 0 {
		s.logger.Warn("Collapsed missed backup slots", zap.Int("missed", missed))
	}
	s.nextDue = slot.Add(s.cfg.Interval)

	if s.active != nil {
		switch s.active.Status {
		case StatusRunning:
			s.skipLocked(slot, now)
			return
		case StatusPending:
			s.finishLocked(StatusFailed, now, "retry abandoned: next slot arrived")
		}
	}

	job := &Job{
		ID:              s.newID(),
		SourcePath:      s.cfg.Source,
		DestinationPath: s.cfg.Destination,
		ScheduledAt:     slot,
		Status:          StatusPending,
	}
	s.active = job
	s.recorder.RecordJob(job.Clone())
	s.launchLocked(now)
}

func (s *Scheduler) skipLocked(slot, now time.Time) {
	err := apperrors.New(apperrors.TypeSchedulerOverlap, "backup.tick", "previous job still running")
	finished := now
	job := Job{
		ID:              s.newID(),
		SourcePath:      s.cfg.Source,
		DestinationPath: s.cfg.Destination,
		ScheduledAt:     slot,
		FinishedAt:      &finished,
		Status:          StatusSkippedOverlap,
		Error:           err.Error(),
	}
	s.logger.Info("Backup slot skipped",
		append(err.Fields(),
			zap.Time("slot", slot),
			zap.String("running_job", s.active.ID),
		)...,
	)
	s.recorder.RecordJob(job)
}

func (s *Scheduler) launchLocked(now time.Time) {
	job := s.active
	job.Status = StatusRunning
	job.AttemptCount++
	job.NextRetryAt = nil
	if job.StartedAt == nil {
		started := now
		job.StartedAt = &started
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancelRun = cancel
	s.runDone = done

	s.logger.Info("Backup attempt started",
		zap.String("job_id", job.ID),
		zap.Time("slot", job.ScheduledAt),
		zap.Int("attempt", job.AttemptCount),
	)
	s.recorder.RecordJob(job.Clone())

	snapshot := job.Clone()
	go func() {
		defer close(done)
		defer cancel()
		attempt := s.runAttempt(ctx, snapshot)
		s.complete(job, attempt)
	}()
}

func (s *Scheduler) runAttempt(ctx context.Context, job Job) (attempt Attempt) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Backup runner panicked", zap.Any("panic", r), zap.String("job_id", job.ID))
			attempt = Attempt{
				Number:     job.AttemptCount,
				Status:     StatusFailed,
				FinishedAt: time.Now(),
				Error:      "runner panicked",
			}
		}
	}()
	return s.runner.Run(ctx, job)
}

func (s *Scheduler) complete(job *Job, attempt Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelRun = nil
	if s.active != job {
		return
	}

	job.Attempts = append(job.Attempts, attempt)
	at := attempt.FinishedAt

	switch attempt.Status {
	case StatusSucceeded:
		job.Artifact = attempt.Artifact
		job.SizeBytes = attempt.SizeBytes
		job.Checksum = attempt.Checksum
		s.finishLocked(StatusSucceeded, at, "")
	case StatusInterrupted:
		s.finishLocked(StatusInterrupted, at, attempt.Error)
	default:
		if s.stopping {
			s.finishLocked(StatusInterrupted, at, attempt.Error)
			return
		}
		if job.AttemptCount < s.cfg.MaxAttempts {
			retryAt := at.Add(s.retryDelay(job.AttemptCount))
			if retryAt.Before(job.ScheduledAt.Add(s.cfg.Interval)) {
				job.Status = StatusPending
				job.NextRetryAt = &retryAt
				job.Error = attempt.Error
				s.logger.Warn("Backup attempt failed, retry scheduled",
					zap.String("job_id", job.ID),
					zap.Int("attempt", job.AttemptCount),
					zap.Time("retry_at", retryAt),
					zap.String("error", attempt.Error),
				)
				s.recorder.RecordJob(job.Clone())
				return
			}
		}
		s.finishLocked(StatusFailed, at, attempt.Error)
	}
}

// retryDelay is retry_backoff * 2^(n-1) after the n-th failed attempt.
func (s *Scheduler) retryDelay(n int) time.Duration {
	d := s.cfg.RetryBackoff
	for i := 1; i < n; i++ {
		d *= 2
	}
	return d
}

func (s *Scheduler) finishLocked(status Status, at time.Time, reason string) {
	job := s.active
	job.Status = status
	job.NextRetryAt = nil
	if reason != "" {
		job.Error = reason
	}
	finished := at
	job.FinishedAt = &finished
	s.active = nil

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("status", string(status)),
		zap.Int("attempts", job.AttemptCount),
	}
	if status == StatusSucceeded {
		s.logger.Info("Backup job finished", fields...)
	} else {
		s.logger.Warn("Backup job finished", append(fields, zap.String("error", job.Error))...)
	}
	s.recorder.RecordJob(job.Clone())
}

// Shutdown stops launching attempts. A job waiting for a retry is marked
// interrupted at once. A running attempt gets until ctx is done to finish;
// after that it is cancelled, cleans up its staging file and is recorded as
// interrupted.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	if s.active != nil && s.active.Status == StatusPending {
		s.finishLocked(StatusInterrupted, time.Now(), "shutdown before retry")
	}
	done := s.runDone
	cancel := s.cancelRun
	running := s.active != nil && s.active.Status == StatusRunning
	s.mu.Unlock()

	if !running {
		return nil
	}

	s.logger.Info("Waiting for running backup to finish")
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.logger.Warn("Shutdown grace period expired, cancelling backup")
	cancel()
	<-done
	return ctx.Err()
}
