package status

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shizukutanaka/autosys/internal/backup"
	"github.com/shizukutanaka/autosys/internal/config"
	"github.com/shizukutanaka/autosys/internal/monitoring"
	"github.com/shizukutanaka/autosys/internal/notify"
)

// Limits bounds the history kept in memory.
type Limits struct {
	AlertHistory int
	JobHistory   int
	SampleWindow int
}

// LimitsFromConfig converts the status section.
func LimitsFromConfig(cfg config.StatusConfig) Limits {
	return Limits{
		AlertHistory: cfg.AlertHistory,
		JobHistory:   cfg.JobHistory,
		SampleWindow: cfg.SampleWindow,
	}
}

// Store publishes snapshots. Writers are serialized by mu; readers load the
// current pointer without locking.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
	limits  Limits
	window  *window
	now     func() time.Time

	subMu sync.Mutex
	subs  map[int]chan *Snapshot
	subID int
}

// NewStore creates a store with an empty version 0 snapshot.
func NewStore(limits Limits, host HostInfo) *Store {
	if limits.AlertHistory < 1 {
		limits.AlertHistory = 100
	}
	if limits.JobHistory < 1 {
		limits.JobHistory = 50
	}
	if limits.SampleWindow < 1 {
		limits.SampleWindow = 60
	}
	s := &Store{
		limits: limits,
		window: newWindow(limits.SampleWindow),
		now:    time.Now,
		subs:   make(map[int]chan *Snapshot),
	}
	now := s.now()
	s.current.Store(&Snapshot{
		StartedAt:     now,
		UpdatedAt:     now,
		OpenAlerts:    []monitoring.AlertEvent{},
		RecentAlerts:  []monitoring.AlertEvent{},
		AlertCounts:   AlertCounts{ByRule: map[string]int{}, BySeverity: map[string]int{}},
		Jobs:          []backup.Job{},
		Notifications: map[string]ChannelHealth{},
		Host:          host,
	})
	return s
}

// Load returns the current snapshot. Callers must not modify it.
func (s *Store) Load() *Snapshot {
	return s.current.Load()
}

// Update applies fn to a private copy and publishes it as the next version.
// If fn panics nothing is published and the store stays usable.
func (s *Store) Update(fn func(*Snapshot)) *Snapshot {
	next := s.apply(fn)
	s.broadcast(next)
	return next
}

func (s *Store) apply(fn func(*Snapshot)) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.current.Load().Clone()
	fn(next)
	next.Version++
	next.UpdatedAt = s.now()
	s.current.Store(next)
	return next
}

// Subscribe returns a channel that receives the newest snapshot after each
// update. Slow subscribers miss intermediate versions, never the latest.
func (s *Store) Subscribe() (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, 1)
	s.subMu.Lock()
	id := s.subID
	s.subID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) broadcast(snap *Snapshot) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// TickUpdate is everything one monitoring tick changes.
type TickUpdate struct {
	Sample       *monitoring.Sample
	SampleErr    error
	Deltas       []monitoring.Delta
	Open         []monitoring.AlertEvent
	NextBackupAt *time.Time
}

// ApplyTick publishes the result of one tick as a single version.
func (s *Store) ApplyTick(u TickUpdate) *Snapshot {
	return s.Update(func(snap *Snapshot) {
		if u.Sample != nil {
			v := *u.Sample
			snap.Latest = &v
			snap.LastSampleError = ""
			s.window.add(v)
			snap.Summary = s.window.summary()
		}
		if u.SampleErr != nil {
			snap.LastSampleError = u.SampleErr.Error()
			snap.SkippedTicks++
		}
		for _, d := range u.Deltas {
			s.applyDelta(snap, d)
		}
		if u.Open != nil {
			snap.OpenAlerts = cloneEvents(u.Open)
		}
		snap.NextBackupAt = u.NextBackupAt
	})
}

func (s *Store) applyDelta(snap *Snapshot, d monitoring.Delta) {
	ev := d.Event
	if d.Kind == monitoring.DeltaRaised {
		snap.AlertCounts.Total++
		snap.AlertCounts.ByRule[ev.Rule]++
		snap.AlertCounts.BySeverity[string(ev.Severity)]++
	}
	for i := range snap.RecentAlerts {
		if snap.RecentAlerts[i].ID == ev.ID {
			snap.RecentAlerts[i] = ev
			return
		}
	}
	snap.RecentAlerts = append(snap.RecentAlerts, ev)
	if over := len(snap.RecentAlerts) - s.limits.AlertHistory; over > 0 {
		snap.RecentAlerts = snap.RecentAlerts[over:]
	}
}

// RecordJob implements backup.JobRecorder.
func (s *Store) RecordJob(job backup.Job) {
	s.Update(func(snap *Snapshot) {
		s.upsertJob(snap, job)
		if job.Status.Terminal() {
			if snap.ActiveJob != nil && snap.ActiveJob.ID == job.ID {
				snap.ActiveJob = nil
			}
			return
		}
		j := job.Clone()
		snap.ActiveJob = &j
	})
}

// SeedJobs loads jobs from a previous run, oldest first.
func (s *Store) SeedJobs(jobs []backup.Job) {
	if len(jobs) == 0 {
		return
	}
	s.Update(func(snap *Snapshot) {
		for _, j := range jobs {
			s.upsertJob(snap, j)
		}
	})
}

func (s *Store) upsertJob(snap *Snapshot, job backup.Job) {
	job = job.Clone()
	for i := range snap.Jobs {
		if snap.Jobs[i].ID == job.ID {
			snap.Jobs[i] = job
			return
		}
	}
	snap.Jobs = append(snap.Jobs, job)
	if over := len(snap.Jobs) - s.limits.JobHistory; over > 0 {
		snap.Jobs = snap.Jobs[over:]
	}
}

// ChannelDelivered implements notify.HealthReporter.
func (s *Store) ChannelDelivered(channel string, _ int, at time.Time) {
	s.Update(func(snap *Snapshot) {
		h := snap.Notifications[channel]
		h.Delivered++
		h.Degraded = false
		h.LastError = ""
		h.LastSuccessAt = &at
		snap.Notifications[channel] = h
		snap.NotificationDegraded = anyDegraded(snap.Notifications)
	})
}

// ChannelFailed implements notify.HealthReporter.
func (s *Store) ChannelFailed(channel string, err error, at time.Time) {
	s.Update(func(snap *Snapshot) {
		h := snap.Notifications[channel]
		h.Failed++
		h.Degraded = true
		if err != nil {
			h.LastError = err.Error()
		}
		h.LastFailureAt = &at
		snap.Notifications[channel] = h
		snap.NotificationDegraded = true
	})
}

// MessageDropped implements notify.HealthReporter.
func (s *Store) MessageDropped(notify.Message, time.Time) {
	s.Update(func(snap *Snapshot) {
		snap.DroppedNotifications++
	})
}

// RegisterChannels makes configured channels visible before their first
// delivery.
func (s *Store) RegisterChannels(names []string) {
	s.Update(func(snap *Snapshot) {
		for _, n := range names {
			if _, ok := snap.Notifications[n]; !ok {
				snap.Notifications[n] = ChannelHealth{}
			}
		}
	})
}

// SetConfigStale records whether the file on disk differs from the running
// configuration. A nil err with stale set means the edit was valid.
func (s *Store) SetConfigStale(stale bool, err error) {
	s.Update(func(snap *Snapshot) {
		snap.ConfigStale = stale
		snap.ConfigError = ""
		if err != nil {
			snap.ConfigError = err.Error()
		}
	})
}

func anyDegraded(m map[string]ChannelHealth) bool {
	for _, h := range m {
		if h.Degraded {
			return true
		}
	}
	return false
}

var (
	_ notify.HealthReporter = (*Store)(nil)
	_ backup.JobRecorder    = (*Store)(nil)
)
