package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/shizukutanaka/autosys/internal/backup"
	"github.com/shizukutanaka/autosys/internal/config"
	"github.com/shizukutanaka/autosys/internal/history"
	"github.com/shizukutanaka/autosys/internal/status"
)

// openHistory connects the history database and seeds the status store
// with the most recent jobs.
func openHistory(ctx context.Context, logger *zap.Logger, cfg config.HistoryConfig, store *status.Store) (*history.DB, error) {
	db, err := history.Open(ctx, logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if cfg.SeedJobs > 0 {
		jobs, err := db.RecentJobs(ctx, cfg.SeedJobs)
		if err != nil {
			logger.Warn("Failed to load job history", zap.Error(err))
		} else {
			// A job left non-terminal belonged to a process that died.
			for i := range jobs {
				if jobs[i].Status.Terminal() {
					continue
				}
				jobs[i].Status = backup.StatusInterrupted
				jobs[i].Error = "process restarted"
				jobs[i].NextRetryAt = nil
				if err := db.UpsertJob(ctx, jobs[i]); err != nil {
					logger.Warn("Failed to mark stale job", zap.String("job_id", jobs[i].ID), zap.Error(err))
				}
			}
			store.SeedJobs(jobs)
			logger.Info("Loaded job history", zap.Int("jobs", len(jobs)))
		}
	}
	return db, nil
}
