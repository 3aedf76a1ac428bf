// Package app assembles the daemon from its parts and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/autosys/internal/api"
	"github.com/shizukutanaka/autosys/internal/backup"
	"github.com/shizukutanaka/autosys/internal/config"
	"github.com/shizukutanaka/autosys/internal/history"
	"github.com/shizukutanaka/autosys/internal/metrics"
	"github.com/shizukutanaka/autosys/internal/monitoring"
	"github.com/shizukutanaka/autosys/internal/notify"
	"github.com/shizukutanaka/autosys/internal/status"
)

// ShutdownTimeout bounds draining notifications and stopping the API after
// the loop has returned.
const ShutdownTimeout = 10 * time.Second

// Options are the inputs not carried by the configuration.
type Options struct {
	ConfigPath string
	Version    string
	// Source replaces the host sampler, mainly for tests.
	Source monitoring.Source
}

// Application is one running daemon.
type Application struct {
	logger *zap.Logger
	config *config.Config
	opts   Options

	store      *status.Store
	exporter   *metrics.Exporter
	routes     []notify.Route
	dispatcher *notify.Dispatcher
	scheduler  *backup.Scheduler
	historyDB  *history.DB
	recorder   *history.Recorder
	api        *api.Server
	watcher    *config.Watcher
	loop       *Loop
}

// New builds every component from a validated configuration. Nothing is
// started.
func New(ctx context.Context, logger *zap.Logger, cfg *config.Config, opts Options) (*Application, error) {
	a := &Application{
		logger:   logger,
		config:   cfg,
		opts:     opts,
		exporter: metrics.NewExporter(),
	}

	host := status.CollectHost(ctx, opts.Version)
	a.store = status.NewStore(status.LimitsFromConfig(cfg.Status), host)

	if cfg.History.Enabled {
		db, err := openHistory(ctx, logger, cfg.History, a.store)
		if err != nil {
			return nil, err
		}
		a.historyDB = db
		a.recorder = history.NewRecorder(logger.Named("history"), db, cfg.Notify.QueueSize, cfg.History.SampleRetention)
	}

	routes, err := notify.BuildRoutes(cfg.Notify)
	if err != nil {
		a.closeHistory()
		return nil, fmt.Errorf("failed to build notification channels: %w", err)
	}
	a.routes = routes
	a.dispatcher = notify.NewDispatcher(logger, routes, notify.PolicyFromConfig(cfg.Notify),
		cfg.Notify.QueueSize, notify.Reporters{a.store, a.exporter})
	a.store.RegisterChannels(a.dispatcher.Channels())

	if cfg.Backup.Enabled {
		recorders := backup.Recorders{a.store, a.exporter}
		if a.recorder != nil {
			recorders = append(recorders, a.recorder)
		}
		runner := backup.NewRunner(logger.Named("backup"), cfg.Backup)
		a.scheduler = backup.NewScheduler(logger, backup.SchedulerConfigFrom(cfg.Backup), runner, recorders)
	}

	if cfg.API.Enabled {
		srv, err := api.NewServer(logger.Named("api"), cfg.API, a.store, a.exporter.Handler())
		if err != nil {
			a.closeHistory()
			return nil, err
		}
		if a.historyDB != nil {
			srv.WithHistory(a.historyDB)
		}
		a.api = srv
	}

	source := opts.Source
	if source == nil {
		source = monitoring.NewHostSource(cfg.Monitor.DiskPath, cfg.Monitor.SampleTimeout)
	}
	evaluator := monitoring.NewEvaluator(monitoring.RulesFromConfig(cfg.Alerts.Rules), cfg.Monitor.Interval)

	observers := []Observer{metricsObserver{a.exporter}}
	if a.recorder != nil {
		observers = append(observers, historyObserver{a.recorder})
	}
	var scheduler BackupScheduler
	if a.scheduler != nil {
		scheduler = a.scheduler
	}
	a.loop = NewLoop(logger, LoopConfig{
		Interval:      cfg.Monitor.Interval,
		ShutdownGrace: cfg.Monitor.ShutdownGrace,
		Host:          host.Hostname,
	}, source, evaluator, a.dispatcher, scheduler, a.store, observers...)

	return a, nil
}

// Store exposes the status store.
func (a *Application) Store() *status.Store {
	return a.store
}

// APIAddr is the bound dashboard address, empty when the API is disabled.
func (a *Application) APIAddr() string {
	if a.api == nil {
		return ""
	}
	return a.api.Addr()
}

// Run starts every component, blocks until ctx is cancelled, then shuts
// everything down in reverse order.
func (a *Application) Run(ctx context.Context) error {
	a.logger.Info("Starting autosys",
		zap.String("version", a.opts.Version),
		zap.Duration("interval", a.config.Monitor.Interval),
		zap.Int("rules", len(a.config.Alerts.Rules)),
		zap.Int("channels", len(a.routes)),
		zap.Bool("backup", a.config.Backup.Enabled),
	)

	if a.recorder != nil {
		a.recorder.Start()
	}
	a.dispatcher.Start(context.Background())

	if a.scheduler != nil {
		a.sweepStaging()
		a.scheduler.Start(time.Now())
	}

	if a.api != nil {
		if err := a.api.Start(); err != nil {
			a.stop()
			return fmt.Errorf("failed to start dashboard API: %w", err)
		}
	}

	a.startWatcher(ctx)

	loopErr := a.loop.Run(ctx)
	if loopErr != nil {
		a.logger.Warn("Backup did not finish within the grace period", zap.Error(loopErr))
	}
	a.stop()
	a.logger.Info("Application shutdown complete")
	return nil
}

func (a *Application) sweepStaging() {
	removed, err := backup.SweepStaging(a.config.Backup.Destination)
	if err != nil {
		a.logger.Warn("Failed to sweep staging files", zap.Error(err))
	}
	for _, p := range removed {
		a.logger.Info("Removed stale staging file", zap.String("path", p))
	}
}

func (a *Application) startWatcher(ctx context.Context) {
	if a.opts.ConfigPath == "" {
		return
	}
	if _, err := os.Stat(a.opts.ConfigPath); err != nil {
		return
	}
	w, err := config.NewWatcher(a.logger, a.opts.ConfigPath, config.NewLoader(), func(_ *config.Config, err error) {
		if err != nil {
			a.logger.Warn("Configuration file changed and is invalid; keeping running configuration", zap.Error(err))
		} else {
			a.logger.Info("Configuration file changed; restart to apply")
		}
		a.store.SetConfigStale(true, err)
	})
	if err != nil {
		a.logger.Warn("Configuration watcher unavailable", zap.Error(err))
		return
	}
	if err := w.Start(ctx); err != nil {
		a.logger.Warn("Configuration watcher unavailable", zap.Error(err))
		return
	}
	a.watcher = w
}

// stop releases components after the loop has returned. The scheduler has
// already been shut down by the loop.
func (a *Application) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if a.watcher != nil {
		a.watcher.Stop()
	}
	if err := a.dispatcher.Close(ctx); err != nil {
		a.logger.Warn("Notification queue not drained", zap.Error(err))
	}
	if err := notify.CloseRoutes(a.routes); err != nil {
		a.logger.Warn("Failed to close notification channels", zap.Error(err))
	}
	if a.api != nil {
		if err := a.api.Stop(ctx); err != nil {
			a.logger.Warn("Dashboard API shutdown error", zap.Error(err))
		}
	}
	if a.recorder != nil {
		a.recorder.Close()
	}
	a.closeHistory()
}

func (a *Application) closeHistory() {
	if a.historyDB == nil {
		return
	}
	if err := a.historyDB.Close(); err != nil {
		a.logger.Warn("Failed to close history database", zap.Error(err))
	}
	a.historyDB = nil
}
