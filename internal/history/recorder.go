package history

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/autosys/internal/backup"
	"github.com/shizukutanaka/autosys/internal/monitoring"
)

type record struct {
	sample *monitoring.Sample
	alert  *monitoring.AlertEvent
	job    *backup.Job
}

// Recorder writes history in the background so that callers on the tick
// path never wait for the database. Records are dropped when the queue is
// full.
type Recorder struct {
	logger    *zap.Logger
	db        *DB
	queue     chan record
	retention time.Duration
	now       func() time.Time

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool

	dropped uint64
}

// NewRecorder creates a recorder. Samples older than retention are pruned
// periodically when retention is positive.
func NewRecorder(logger *zap.Logger, db *DB, queueSize int, retention time.Duration) *Recorder {
	if queueSize < 1 {
		queueSize = 256
	}
	return &Recorder{
		logger:    logger,
		db:        db,
		queue:     make(chan record, queueSize),
		retention: retention,
		now:       time.Now,
	}
}

// Start runs the writer until Close.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.run()
}

// Close stops accepting records and waits for the queue to drain.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}

// RecordSample queues a sample.
func (r *Recorder) RecordSample(s monitoring.Sample) {
	r.enqueue(record{sample: &s})
}

// RecordAlert queues an alert event.
func (r *Recorder) RecordAlert(ev monitoring.AlertEvent) {
	r.enqueue(record{alert: &ev})
}

// RecordJob implements backup.JobRecorder.
func (r *Recorder) RecordJob(job backup.Job) {
	j := job.Clone()
	r.enqueue(record{job: &j})
}

// Dropped returns how many records were discarded because the queue was full.
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) enqueue(rec record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped++
		if r.dropped == 1 || r.dropped%100 == 0 {
			r.logger.Warn("History queue full, dropping records", zap.Uint64("dropped", r.dropped))
		}
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()

	const pruneEvery = time.Hour
	lastPrune := time.Time{}

	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		r.write(ctx, rec)

		if r.retention > 0 && rec.sample != nil && r.now().Sub(lastPrune) >= pruneEvery {
			lastPrune = r.now()
			n, err := r.db.PruneSamples(ctx, lastPrune.Add(-r.retention))
			if err != nil {
				r.logger.Warn("Failed to prune samples", zap.Error(err))
			} else if n > 0 {
				r.logger.Debug("Pruned samples", zap.Int64("rows", n))
			}
		}
		cancel()
	}
}

func (r *Recorder) write(ctx context.Context, rec record) {
	var err error
	switch {
	case rec.sample != nil:
		err = r.db.InsertSample(ctx, *rec.sample)
	case rec.alert != nil:
		err = r.db.UpsertAlert(ctx, *rec.alert)
	case rec.job != nil:
		err = r.db.UpsertJob(ctx, *rec.job)
	}
	if err != nil {
		r.logger.Warn("Failed to write history", zap.Error(err))
	}
}

var _ backup.JobRecorder = (*Recorder)(nil)
