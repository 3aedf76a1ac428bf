// Package metrics exposes daemon state in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shizukutanaka/autosys/internal/backup"
	"github.com/shizukutanaka/autosys/internal/monitoring"
	"github.com/shizukutanaka/autosys/internal/notify"
)

const namespace = "autosys"

// Exporter owns a private registry so tests can create several.
type Exporter struct {
	registry *prometheus.Registry

	hostUsage      *prometheus.GaugeVec
	sampleErrors   prometheus.Counter
	alertsRaised   *prometheus.CounterVec
	alertsOpen     *prometheus.GaugeVec
	notifications  *prometheus.CounterVec
	deliveryTries  *prometheus.HistogramVec
	dropped        prometheus.Counter
	backupJobs     *prometheus.CounterVec
	backupDuration prometheus.Histogram
	backupBytes    prometheus.Gauge
	backupLastOK   prometheus.Gauge
	nextBackup     prometheus.Gauge
}

// NewExporter creates an exporter with Go runtime and process collectors.
func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		hostUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "usage_percent",
			Help:      "Latest sampled utilisation by metric",
		}, []string{"metric"}),
		sampleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "sample_errors_total",
			Help:      "Ticks skipped because sampling failed",
		}),
		alertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "raised_total",
			Help:      "Alerts raised by rule and severity",
		}, []string{"rule", "severity"}),
		alertsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "open",
			Help:      "Whether an alert is currently open for the rule",
		}, []string{"rule"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Notification deliveries by channel and result",
		}, []string{"channel", "result"}),
		deliveryTries: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "delivery_attempts",
			Help:      "Attempts needed for a successful delivery",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}, []string{"channel"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "dropped_total",
			Help:      "Messages dropped because the queue was full",
		}),
		backupJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "jobs_total",
			Help:      "Finished backup jobs by status",
		}, []string{"status"}),
		backupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "attempt_duration_seconds",
			Help:      "Wall time of backup attempts",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		backupBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "last_size_bytes",
			Help:      "Size of the most recent successful artifact",
		}),
		backupLastOK: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the most recent successful backup",
		}),
		nextBackup: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "next_due_timestamp_seconds",
			Help:      "Unix time of the next scheduled backup",
		}),
	}

	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		e.hostUsage, e.sampleErrors,
		e.alertsRaised, e.alertsOpen,
		e.notifications, e.deliveryTries, e.dropped,
		e.backupJobs, e.backupDuration, e.backupBytes, e.backupLastOK, e.nextBackup,
	)
	return e
}

// Handler serves the registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Registry is exposed for tests.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// ObserveSample records the latest sample.
func (e *Exporter) ObserveSample(s monitoring.Sample) {
	for _, m := range []monitoring.Metric{monitoring.MetricCPU, monitoring.MetricMemory, monitoring.MetricDisk} {
		e.hostUsage.WithLabelValues(string(m)).Set(s.Value(m))
	}
}

// ObserveSampleError counts a skipped tick.
func (e *Exporter) ObserveSampleError() {
	e.sampleErrors.Inc()
}

// ObserveDeltas updates alert counters and open-state gauges.
func (e *Exporter) ObserveDeltas(deltas []monitoring.Delta) {
	for _, d := range deltas {
		switch d.Kind {
		case monitoring.DeltaRaised:
			e.alertsRaised.WithLabelValues(d.Event.Rule, string(d.Event.Severity)).Inc()
			e.alertsOpen.WithLabelValues(d.Event.Rule).Set(1)
		case monitoring.DeltaResolved:
			e.alertsOpen.WithLabelValues(d.Event.Rule).Set(0)
		}
	}
}

// ObserveNextBackup records when the next slot is due.
func (e *Exporter) ObserveNextBackup(at time.Time) {
	if at.IsZero() {
		return
	}
	e.nextBackup.Set(float64(at.Unix()))
}

// ChannelDelivered implements notify.HealthReporter.
func (e *Exporter) ChannelDelivered(channel string, attempts int, _ time.Time) {
	e.notifications.WithLabelValues(channel, "delivered").Inc()
	e.deliveryTries.WithLabelValues(channel).Observe(float64(attempts))
}

// ChannelFailed implements notify.HealthReporter.
func (e *Exporter) ChannelFailed(channel string, _ error, _ time.Time) {
	e.notifications.WithLabelValues(channel, "failed").Inc()
}

// MessageDropped implements notify.HealthReporter.
func (e *Exporter) MessageDropped(notify.Message, time.Time) {
	e.dropped.Inc()
}

// RecordJob implements backup.JobRecorder. Only terminal transitions count.
func (e *Exporter) RecordJob(job backup.Job) {
	if !job.Status.Terminal() {
		return
	}
	e.backupJobs.WithLabelValues(string(job.Status)).Inc()
	for _, a := range job.Attempts {
		e.backupDuration.Observe(a.Duration().Seconds())
	}
	if job.Status == backup.StatusSucceeded {
		e.backupBytes.Set(float64(job.SizeBytes))
		if job.FinishedAt != nil {
			e.backupLastOK.Set(float64(job.FinishedAt.Unix()))
		}
	}
}

var (
	_ notify.HealthReporter = (*Exporter)(nil)
	_ backup.JobRecorder    = (*Exporter)(nil)
)
