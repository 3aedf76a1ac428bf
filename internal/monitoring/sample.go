// Package monitoring samples host resource usage and turns threshold rules
// into debounced alert events.
package monitoring

import (
	"time"

	"github.com/shizukutanaka/autosys/internal/config"
)

// Metric identifies one reading in a Sample.
type Metric string

const (
	MetricCPU    Metric = config.MetricCPU
	MetricMemory Metric = config.MetricMemory
	MetricDisk   Metric = config.MetricDisk
)

// Sample is one reading of the host. Percentages are in [0,100].
type Sample struct {
	Timestamp     time.Time `json:"timestamp" yaml:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent" yaml:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent" yaml:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent" yaml:"disk_percent"`
}

// Value returns the reading for m.
func (s Sample) Value(m Metric) float64 {
	switch m {
	case MetricCPU:
		return s.CPUPercent
	case MetricMemory:
		return s.MemoryPercent
	case MetricDisk:
		return s.DiskPercent
	}
	return 0
}

// IsZero reports whether no reading has been taken.
func (s Sample) IsZero() bool {
	return s.Timestamp.IsZero()
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
