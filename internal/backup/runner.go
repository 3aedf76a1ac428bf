package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/h2non/filetype"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"

	"github.com/shizukutanaka/autosys/internal/config"
	apperrors "github.com/shizukutanaka/autosys/internal/errors"
)

const (
	artifactPrefix = "backup_"
	stagingPrefix  = ".backup_"
	stagingSuffix  = ".partial"
	timeLayout     = "20060102_150405"
)

// ArtifactName returns the final file name for a slot.
func ArtifactName(scheduledAt time.Time, format string) string {
	return artifactPrefix + scheduledAt.Format(timeLayout) + "." + format
}

// Runner performs one archival attempt. It never retries.
type Runner struct {
	logger      *zap.Logger
	format      string
	level       int
	spaceFactor float64

	now       func() time.Time
	freeSpace func(dir string) (uint64, error)
	// onEntry runs before each archive entry; tests use it to simulate a
	// crash part way through the stream.
	onEntry func(name string) error
}

// NewRunner creates a runner from the backup configuration.
func NewRunner(logger *zap.Logger, cfg config.BackupConfig) *Runner {
	return &Runner{
		logger:      logger.Named("backup_runner"),
		format:      cfg.Format,
		level:       cfg.CompressionLevel,
		spaceFactor: cfg.SpaceFactor,
		now:         time.Now,
		freeSpace:   freeBytes,
	}
}

func freeBytes(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Run archives job.SourcePath into job.DestinationPath. The archive is
// written to a hidden staging file and renamed into place only once complete,
// so the final name never refers to a partial archive. Any failure removes
// the staging file. Cancellation yields an interrupted attempt.
func (r *Runner) Run(ctx context.Context, job Job) Attempt {
	attempt := Attempt{
		Number:    job.AttemptCount,
		StartedAt: r.now(),
	}
	logger := r.logger.With(
		zap.String("job_id", job.ID),
		zap.Int("attempt", attempt.Number),
	)

	err := r.run(ctx, job, &attempt)
	attempt.FinishedAt = r.now()

	switch {
	case err == nil:
		attempt.Status = StatusSucceeded
		logger.Info("Backup completed",
			zap.String("artifact", attempt.Artifact),
			zap.String("size", humanize.Bytes(uint64(attempt.SizeBytes))),
			zap.Int("files", attempt.Files),
			zap.Duration("duration", attempt.Duration()),
		)
	case ctx.Err() != nil:
		attempt.Status = StatusInterrupted
		attempt.Err = apperrors.Wrap(apperrors.TypeBackupIOFailure, "backup.run", err)
		attempt.Error = attempt.Err.Error()
		logger.Warn("Backup interrupted", zap.Error(err))
	default:
		attempt.Status = StatusFailed
		attempt.Err = apperrors.Wrap(apperrors.TypeBackupIOFailure, "backup.run", err)
		attempt.Error = attempt.Err.Error()
		logger.Error("Backup failed", zap.Error(err))
	}
	return attempt
}

func (r *Runner) run(ctx context.Context, job Job, attempt *Attempt) (err error) {
	if _, err := os.Stat(job.SourcePath); err != nil {
		return fmt.Errorf("source: %w", err)
	}

	dst := job.DestinationPath
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if err := checkWritable(dst); err != nil {
		return fmt.Errorf("destination %s is not writable: %w", dst, err)
	}

	size, _, err := sourceStats(ctx, job.SourcePath)
	if err != nil {
		return fmt.Errorf("scan source: %w", err)
	}
	if err := r.checkSpace(dst, size); err != nil {
		return err
	}

	final := filepath.Join(dst, ArtifactName(job.ScheduledAt, r.format))
	if _, err := os.Lstat(final); err == nil {
		return fmt.Errorf("artifact %s already exists", filepath.Base(final))
	}

	staging, err := os.CreateTemp(dst, stagingPrefix+job.ScheduledAt.Format(timeLayout)+"."+r.format+".*"+stagingSuffix)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	stagingPath := staging.Name()
	defer func() {
		if err != nil {
			staging.Close()
			if rmErr := os.Remove(stagingPath); rmErr != nil && !os.IsNotExist(rmErr) {
				r.logger.Warn("Failed to remove staging file", zap.String("path", stagingPath), zap.Error(rmErr))
			}
		}
	}()

	hash := sha256.New()
	counter := &countingWriter{}
	aw, err := newArchiveWriter(r.format, r.level, io.MultiWriter(staging, hash, counter))
	if err != nil {
		return err
	}
	files, err := writeTree(ctx, aw, job.SourcePath, r.onEntry)
	if err != nil {
		aw.Close()
		return fmt.Errorf("write archive: %w", err)
	}
	if err := aw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	if err := staging.Sync(); err != nil {
		return fmt.Errorf("sync staging file: %w", err)
	}
	if err := staging.Close(); err != nil {
		return fmt.Errorf("close staging file: %w", err)
	}
	if err := verifyArchive(stagingPath, r.format); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Rename replaces silently, so check again right before publishing.
	if _, err := os.Lstat(final); err == nil {
		return fmt.Errorf("artifact %s already exists", filepath.Base(final))
	}
	if err := os.Rename(stagingPath, final); err != nil {
		return fmt.Errorf("publish artifact: %w", err)
	}
	syncDir(dst)

	attempt.Artifact = final
	attempt.SizeBytes = counter.n
	attempt.Checksum = hex.EncodeToString(hash.Sum(nil))
	attempt.Files = files
	return nil
}

func (r *Runner) checkSpace(dst string, estimate int64) error {
	if r.spaceFactor <= 0 {
		return nil
	}
	free, err := r.freeSpace(dst)
	if err != nil {
		return fmt.Errorf("free space of %s: %w", dst, err)
	}
	need := uint64(float64(estimate) * r.spaceFactor)
	if free < need {
		return fmt.Errorf("insufficient space in %s: need %s, have %s",
			dst, humanize.Bytes(need), humanize.Bytes(free))
	}
	return nil
}

func verifyArchive(path, format string) error {
	kind, err := filetype.MatchFile(path)
	if err != nil {
		return fmt.Errorf("inspect archive: %w", err)
	}
	want := "gz"
	if format == config.FormatZip {
		want = "zip"
	}
	if kind.Extension != want {
		return fmt.Errorf("archive verification failed: got type %q, want %q", kind.Extension, want)
	}
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// SweepStaging removes staging files left behind by a crashed process and
// returns their names.
func SweepStaging(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var removed []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, stagingPrefix) || !strings.HasSuffix(name, stagingSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed = append(removed, name)
	}
	return removed, nil
}
