package app

import (
	"github.com/shizukutanaka/autosys/internal/history"
	"github.com/shizukutanaka/autosys/internal/metrics"
)

type metricsObserver struct {
	exporter *metrics.Exporter
}

func (o metricsObserver) ObserveTick(t Tick) {
	if t.Sample != nil {
		o.exporter.ObserveSample(*t.Sample)
	}
	if t.SampleErr != nil {
		o.exporter.ObserveSampleError()
	}
	o.exporter.ObserveDeltas(t.Deltas)
	o.exporter.ObserveNextBackup(t.NextDue)
}

type historyObserver struct {
	recorder *history.Recorder
}

func (o historyObserver) ObserveTick(t Tick) {
	if t.Sample != nil {
		o.recorder.RecordSample(*t.Sample)
	}
	for _, d := range t.Deltas {
		o.recorder.RecordAlert(d.Event)
	}
}
