package status

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/shizukutanaka/autosys/internal/monitoring"
)

// Stat describes one metric over the sample window.
type Stat struct {
	Mean   float64 `json:"mean" yaml:"mean"`
	StdDev float64 `json:"stddev" yaml:"stddev"`
	Min    float64 `json:"min" yaml:"min"`
	Max    float64 `json:"max" yaml:"max"`
}

// Summary aggregates the most recent samples.
type Summary struct {
	Samples int  `json:"samples" yaml:"samples"`
	CPU     Stat `json:"cpu" yaml:"cpu"`
	Memory  Stat `json:"memory" yaml:"memory"`
	Disk    Stat `json:"disk" yaml:"disk"`
}

// window is a fixed-size ring of samples.
type window struct {
	buf  []monitoring.Sample
	next int
	full bool
}

func newWindow(size int) *window {
	if size < 1 {
		size = 1
	}
	return &window{buf: make([]monitoring.Sample, size)}
}

func (w *window) add(s monitoring.Sample) {
	w.buf[w.next] = s
	w.next = (w.next + 1) % len(w.buf)
	if w.next == 0 {
		w.full = true
	}
}

func (w *window) samples() []monitoring.Sample {
	if w.full {
		return append(append([]monitoring.Sample(nil), w.buf[w.next:]...), w.buf[:w.next]...)
	}
	return append([]monitoring.Sample(nil), w.buf[:w.next]...)
}

func (w *window) summary() *Summary {
	samples := w.samples()
	if len(samples) == 0 {
		return nil
	}
	cpu := make([]float64, len(samples))
	mem := make([]float64, len(samples))
	disk := make([]float64, len(samples))
	for i, s := range samples {
		cpu[i] = s.CPUPercent
		mem[i] = s.MemoryPercent
		disk[i] = s.DiskPercent
	}
	return &Summary{
		Samples: len(samples),
		CPU:     describe(cpu),
		Memory:  describe(mem),
		Disk:    describe(disk),
	}
}

func describe(xs []float64) Stat {
	mean, std := stat.MeanStdDev(xs, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return Stat{
		Mean:   mean,
		StdDev: std,
		Min:    floats.Min(xs),
		Max:    floats.Max(xs),
	}
}
