package status

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/pbnjay/memory"
	"github.com/shirou/gopsutil/v3/host"
)

// HostInfo describes the machine the daemon runs on.
type HostInfo struct {
	Hostname     string    `json:"hostname" yaml:"hostname"`
	OS           string    `json:"os" yaml:"os"`
	Platform     string    `json:"platform,omitempty" yaml:"platform,omitempty"`
	Kernel       string    `json:"kernel,omitempty" yaml:"kernel,omitempty"`
	CPUBrand     string    `json:"cpu_brand,omitempty" yaml:"cpu_brand,omitempty"`
	CPUCores     int       `json:"cpu_cores" yaml:"cpu_cores"`
	LogicalCPUs  int       `json:"logical_cpus" yaml:"logical_cpus"`
	TotalMemory  uint64    `json:"total_memory" yaml:"total_memory"`
	BootTime     time.Time `json:"boot_time,omitempty" yaml:"boot_time,omitempty"`
	AgentVersion string    `json:"agent_version,omitempty" yaml:"agent_version,omitempty"`
}

// Uptime is the time since boot, or zero when unknown.
func (h HostInfo) Uptime(now time.Time) time.Duration {
	if h.BootTime.IsZero() {
		return 0
	}
	return now.Sub(h.BootTime)
}

// CollectHost gathers static host facts. Missing facts are left empty.
func CollectHost(ctx context.Context, version string) HostInfo {
	info := HostInfo{
		OS:           runtime.GOOS,
		CPUBrand:     cpuid.CPU.BrandName,
		CPUCores:     cpuid.CPU.PhysicalCores,
		LogicalCPUs:  cpuid.CPU.LogicalCores,
		TotalMemory:  memory.TotalMemory(),
		AgentVersion: version,
	}
	if info.LogicalCPUs == 0 {
		info.LogicalCPUs = runtime.NumCPU()
	}
	if name, err := os.Hostname(); err == nil {
		info.Hostname = name
	}
	if hi, err := host.InfoWithContext(ctx); err == nil {
		info.Platform = hi.Platform + " " + hi.PlatformVersion
		info.Kernel = hi.KernelVersion
		if hi.BootTime > 0 {
			info.BootTime = time.Unix(int64(hi.BootTime), 0)
		}
	}
	return info
}
