package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	apperrors "github.com/shizukutanaka/autosys/internal/errors"
)

// Source produces samples. Any failure is a MetricUnavailable error and the
// caller skips the tick.
type Source interface {
	Sample(ctx context.Context) (Sample, error)
}

// HostSource reads the local host through gopsutil.
type HostSource struct {
	diskPath string
	timeout  time.Duration
	now      func() time.Time
}

// NewHostSource samples CPU and memory of the host and the usage of the
// filesystem holding diskPath. Each read is bounded by timeout.
func NewHostSource(diskPath string, timeout time.Duration) *HostSource {
	return &HostSource{
		diskPath: diskPath,
		timeout:  timeout,
		now:      time.Now,
	}
}

type sampleResult struct {
	sample Sample
	err    error
}

// Sample reads all three metrics. gopsutil does not honor the context for
// every platform counter, so the read runs in its own goroutine and is
// abandoned when the timeout fires.
func (h *HostSource) Sample(ctx context.Context) (Sample, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	done := make(chan sampleResult, 1)
	go func() {
		s, err := h.read(ctx)
		done <- sampleResult{sample: s, err: err}
	}()

	select {
	case r := <-done:
		return r.sample, r.err
	case <-ctx.Done():
		return Sample{}, apperrors.Wrap(apperrors.TypeMetricUnavailable, "monitoring.sample", ctx.Err())
	}
}

func (h *HostSource) read(ctx context.Context) (Sample, error) {
	s := Sample{Timestamp: h.now()}

	// An interval of zero compares against the previous call.
	percent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, apperrors.Wrap(apperrors.TypeMetricUnavailable, "monitoring.cpu", err)
	}
	if len(percent) == 0 {
		return Sample{}, apperrors.New(apperrors.TypeMetricUnavailable, "monitoring.cpu", "no cpu counters")
	}
	s.CPUPercent = clampPercent(percent[0])

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, apperrors.Wrap(apperrors.TypeMetricUnavailable, "monitoring.memory", err)
	}
	s.MemoryPercent = clampPercent(vmem.UsedPercent)

	usage, err := disk.UsageWithContext(ctx, h.diskPath)
	if err != nil {
		return Sample{}, apperrors.Wrapf(apperrors.TypeMetricUnavailable, "monitoring.disk", err, "usage of %s", h.diskPath)
	}
	s.DiskPercent = clampPercent(usage.UsedPercent)

	return s, nil
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Sample, error)

// Sample calls f.
func (f SourceFunc) Sample(ctx context.Context) (Sample, error) { return f(ctx) }

// String describes the source for logs.
func (h *HostSource) String() string {
	return fmt.Sprintf("host(disk=%s, timeout=%s)", h.diskPath, h.timeout)
}
