package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shizukutanaka/autosys/internal/backup"
	"github.com/shizukutanaka/autosys/internal/monitoring"
)

// InsertSample stores one sample.
func (d *DB) InsertSample(ctx context.Context, s monitoring.Sample) error {
	_, err := d.exec(ctx,
		`INSERT INTO samples (ts, cpu_percent, memory_percent, disk_percent) VALUES (?, ?, ?, ?)`,
		s.Timestamp.UnixMilli(), s.CPUPercent, s.MemoryPercent, s.DiskPercent)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// PruneSamples deletes samples older than before and returns how many went.
func (d *DB) PruneSamples(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.exec(ctx, `DELETE FROM samples WHERE ts < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune samples: %w", err)
	}
	return res.RowsAffected()
}

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// RecentSamples returns up to limit samples, newest first.
func (d *DB) RecentSamples(ctx context.Context, limit int) ([]monitoring.Sample, error) {
	return d.SamplesSince(ctx, time.Time{}, limit)
}

// SamplesSince returns up to limit samples taken at or after since, newest
// first. A zero since means no lower bound.
func (d *DB) SamplesSince(ctx context.Context, since time.Time, limit int) ([]monitoring.Sample, error) {
	var from int64
	if !since.IsZero() {
		from = since.UnixMilli()
	}
	rows, err := d.query(ctx, `
		SELECT ts, cpu_percent, memory_percent, disk_percent FROM samples
		WHERE ts >= ? ORDER BY ts DESC LIMIT ?`, from, limit)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var out []monitoring.Sample
	for rows.Next() {
		var (
			ts int64
			s  monitoring.Sample
		)
		if err := rows.Scan(&ts, &s.CPUPercent, &s.MemoryPercent, &s.DiskPercent); err != nil {
			return nil, err
		}
		s.Timestamp = time.UnixMilli(ts)
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpsertAlert stores a raised or resolved alert event.
func (d *DB) UpsertAlert(ctx context.Context, ev monitoring.AlertEvent) error {
	var resolved sql.NullInt64
	if ev.ResolvedAt != nil {
		resolved = sql.NullInt64{Int64: ev.ResolvedAt.UnixMilli(), Valid: true}
	}
	_, err := d.exec(ctx, `
		INSERT INTO alerts (id, rule, metric, severity, threshold, value, raised_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET resolved_at = excluded.resolved_at`,
		ev.ID, ev.Rule, string(ev.Metric), string(ev.Severity), ev.Threshold, ev.Value,
		ev.RaisedAt.UnixMilli(), resolved)
	if err != nil {
		return fmt.Errorf("upsert alert %s: %w", ev.ID, err)
	}
	return nil
}

// RecentAlerts returns up to limit alert events, newest first.
func (d *DB) RecentAlerts(ctx context.Context, limit int) ([]monitoring.AlertEvent, error) {
	rows, err := d.query(ctx, `
		SELECT id, rule, metric, severity, threshold, value, raised_at, resolved_at
		FROM alerts ORDER BY raised_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []monitoring.AlertEvent
	for rows.Next() {
		var (
			ev               monitoring.AlertEvent
			metric, severity string
			raised           int64
			resolved         sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &ev.Rule, &metric, &severity, &ev.Threshold, &ev.Value, &raised, &resolved); err != nil {
			return nil, err
		}
		ev.Metric = monitoring.Metric(metric)
		ev.Severity = monitoring.Severity(severity)
		ev.RaisedAt = time.UnixMilli(raised)
		if resolved.Valid {
			t := time.UnixMilli(resolved.Int64)
			ev.ResolvedAt = &t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// UpsertJob stores the latest state of a backup job. The full job, attempts
// included, is kept as JSON next to the indexed columns.
func (d *DB) UpsertJob(ctx context.Context, job backup.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	_, err = d.exec(ctx, `
		INSERT INTO backup_jobs (id, source_path, destination_path, scheduled_at, status,
			attempt_count, artifact, size_bytes, checksum, error, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			attempt_count = excluded.attempt_count,
			artifact = excluded.artifact,
			size_bytes = excluded.size_bytes,
			checksum = excluded.checksum,
			error = excluded.error,
			body = excluded.body`,
		job.ID, job.SourcePath, job.DestinationPath, job.ScheduledAt.UnixMilli(), string(job.Status),
		job.AttemptCount, job.Artifact, job.SizeBytes, job.Checksum, job.Error, string(body))
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return nil
}

// Job returns the stored job with the given ID, or ErrNotFound.
func (d *DB) Job(ctx context.Context, id string) (backup.Job, error) {
	rows, err := d.query(ctx, `SELECT body FROM backup_jobs WHERE id = ?`, id)
	if err != nil {
		return backup.Job{}, fmt.Errorf("query job %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return backup.Job{}, err
		}
		return backup.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	var body string
	if err := rows.Scan(&body); err != nil {
		return backup.Job{}, err
	}
	var job backup.Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return backup.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

// RecentJobs returns up to limit jobs, oldest first.
func (d *DB) RecentJobs(ctx context.Context, limit int) ([]backup.Job, error) {
	rows, err := d.query(ctx,
		`SELECT body FROM backup_jobs ORDER BY scheduled_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []backup.Job
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var job backup.Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
