package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/autosys/internal/monitoring"
	"github.com/shizukutanaka/autosys/internal/notify"
	"github.com/shizukutanaka/autosys/internal/status"
)

// Notifier accepts outbound messages without blocking.
type Notifier interface {
	Notify(msg notify.Message) bool
}

// BackupScheduler is the part of backup.Scheduler the loop drives.
type BackupScheduler interface {
	Tick(now time.Time)
	NextDueAt() time.Time
	Shutdown(ctx context.Context) error
}

// Observer sees every tick after it has been published to the store.
// Observers must not block.
type Observer interface {
	ObserveTick(t Tick)
}

// Tick is the outcome of one loop iteration.
type Tick struct {
	At        time.Time
	Sample    *monitoring.Sample
	SampleErr error
	Deltas    []monitoring.Delta
	NextDue   time.Time
}

// LoopConfig holds the loop timings.
type LoopConfig struct {
	Interval      time.Duration
	ShutdownGrace time.Duration
	Host          string
}

// Loop is the single ticker that drives sampling, alerting and scheduling.
type Loop struct {
	logger    *zap.Logger
	cfg       LoopConfig
	source    monitoring.Source
	evaluator *monitoring.Evaluator
	notifier  Notifier
	scheduler BackupScheduler
	store     *status.Store
	observers []Observer

	now func() time.Time
}

// NewLoop wires a loop. scheduler may be nil when backups are disabled.
func NewLoop(logger *zap.Logger, cfg LoopConfig, source monitoring.Source, evaluator *monitoring.Evaluator,
	notifier Notifier, scheduler BackupScheduler, store *status.Store, observers ...Observer) *Loop {
	return &Loop{
		logger:    logger.Named("loop"),
		cfg:       cfg,
		source:    source,
		evaluator: evaluator,
		notifier:  notifier,
		scheduler: scheduler,
		store:     store,
		observers: observers,
		now:       time.Now,
	}
}

// Run ticks until ctx is cancelled, then gives a running backup
// ShutdownGrace to finish.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.logger.Info("Monitor loop started", zap.Duration("interval", l.cfg.Interval))
	l.Step(ctx, l.now())

	for {
		select {
		case <-ctx.Done():
			return l.shutdown()
		case <-ticker.C:
			l.Step(ctx, l.now())
		}
	}
}

func (l *Loop) shutdown() error {
	l.logger.Info("Monitor loop stopping")
	if l.scheduler == nil {
		return nil
	}
	graceCtx, cancel := context.WithTimeout(context.Background(), l.cfg.ShutdownGrace)
	defer cancel()
	if err := l.scheduler.Shutdown(graceCtx); err != nil {
		return fmt.Errorf("backup shutdown: %w", err)
	}
	return nil
}

// Step runs one tick: sample, evaluate, notify, schedule, publish. A panic
// in any stage is logged and the tick is abandoned; the loop continues.
func (l *Loop) Step(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Tick panicked", zap.Any("panic", r), zap.Time("at", now))
		}
	}()

	tick := Tick{At: now}

	sample, err := l.source.Sample(ctx)
	if err != nil {
		tick.SampleErr = err
		l.logger.Warn("Sample failed, skipping evaluation", zap.Error(err))
	} else {
		tick.Sample = &sample
		tick.Deltas = l.evaluator.Evaluate(sample)
	}

	for _, d := range tick.Deltas {
		msg := notify.MessageFromDelta(d, l.cfg.Host)
		l.logger.Info("Alert "+string(d.Kind),
			zap.String("rule", d.Event.Rule),
			zap.String("severity", string(d.Event.Severity)),
			zap.Float64("value", d.Event.Value),
		)
		if l.notifier != nil {
			l.notifier.Notify(msg)
		}
	}

	var nextDue *time.Time
	if l.scheduler != nil {
		l.scheduler.Tick(now)
		tick.NextDue = l.scheduler.NextDueAt()
		if !tick.NextDue.IsZero() {
			nd := tick.NextDue
			nextDue = &nd
		}
	}

	l.store.ApplyTick(status.TickUpdate{
		Sample:       tick.Sample,
		SampleErr:    tick.SampleErr,
		Deltas:       tick.Deltas,
		Open:         l.evaluator.Open(),
		NextBackupAt: nextDue,
	})

	for _, o := range l.observers {
		o.ObserveTick(tick)
	}
}
