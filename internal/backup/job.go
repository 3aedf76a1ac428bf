// Package backup archives a source path into a destination directory on an
// epoch-aligned schedule, one job at a time.
package backup

import (
	"time"
)

// Status is the lifecycle state of a job or attempt.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
	StatusSkippedOverlap Status = "skipped-overlap"
	StatusInterrupted    Status = "interrupted"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkippedOverlap, StatusInterrupted:
		return true
	}
	return false
}

// Attempt is one execution of the runner. It is always terminal.
type Attempt struct {
	Number     int       `json:"number" yaml:"number"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
	Status     Status    `json:"status" yaml:"status"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
	Artifact   string    `json:"artifact,omitempty" yaml:"artifact,omitempty"`
	SizeBytes  int64     `json:"size_bytes,omitempty" yaml:"size_bytes,omitempty"`
	Checksum   string    `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	Files      int       `json:"files,omitempty" yaml:"files,omitempty"`

	Err error `json:"-" yaml:"-"`
}

// Duration is the attempt's wall time.
func (a Attempt) Duration() time.Duration {
	return a.FinishedAt.Sub(a.StartedAt)
}

// Job is one scheduled slot.
type Job struct {
	ID              string     `json:"id" yaml:"id"`
	SourcePath      string     `json:"source_path" yaml:"source_path"`
	DestinationPath string     `json:"destination_path" yaml:"destination_path"`
	ScheduledAt     time.Time  `json:"scheduled_at" yaml:"scheduled_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Status          Status     `json:"status" yaml:"status"`
	AttemptCount    int        `json:"attempt_count" yaml:"attempt_count"`
	Attempts        []Attempt  `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	NextRetryAt     *time.Time `json:"next_retry_at,omitempty" yaml:"next_retry_at,omitempty"`
	Error           string     `json:"error,omitempty" yaml:"error,omitempty"`
	Artifact        string     `json:"artifact,omitempty" yaml:"artifact,omitempty"`
	SizeBytes       int64      `json:"size_bytes,omitempty" yaml:"size_bytes,omitempty"`
	Checksum        string     `json:"checksum,omitempty" yaml:"checksum,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (j Job) Clone() Job {
	c := j
	c.StartedAt = cloneTime(j.StartedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	c.NextRetryAt = cloneTime(j.NextRetryAt)
	if j.Attempts != nil {
		c.Attempts = append([]Attempt(nil), j.Attempts...)
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// JobRecorder observes every job transition. Implementations must be safe
// for concurrent use and must not call back into the scheduler.
type JobRecorder interface {
	RecordJob(job Job)
}

// Recorders fans out to several recorders.
type Recorders []JobRecorder

func (rs Recorders) RecordJob(job Job) {
	for _, r := range rs {
		r.RecordJob(job.Clone())
	}
}

// RecorderFunc adapts a function to JobRecorder.
type RecorderFunc func(job Job)

func (f RecorderFunc) RecordJob(job Job) { f(job) }
