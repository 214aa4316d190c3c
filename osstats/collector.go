// Package osstats samples host CPU, memory and disk usage for the
// health endpoints.
package osstats

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/stepflow/stepflow/logger"
)

// Snapshot is one point-in-time host sample.
type Snapshot struct {
	CPUPct         float64 `json:"cpu_percent"`
	CPUCount       int     `json:"cpu_count"`
	MemPct         float64 `json:"memory_percent"`
	MemTotalMB     float64 `json:"memory_total_mb"`
	MemUsedMB      float64 `json:"memory_used_mb"`
	MemAvailableMB float64 `json:"memory_available_mb"`
	Goroutines     int     `json:"goroutines"`
}

// DiskUsage reports the filesystem holding a path.
type DiskUsage struct {
	Path    string  `json:"path"`
	TotalB  uint64  `json:"total_bytes"`
	UsedB   uint64  `json:"used_bytes"`
	FreeB   uint64  `json:"free_bytes"`
	UsedPct float64 `json:"used_percent"`
}

const mb = 1024 * 1024

// Collect samples the host. Sampling errors leave the corresponding
// fields zero rather than failing the health endpoint.
func Collect(ctx context.Context) Snapshot {
	s := Snapshot{
		CPUCount:   runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
	}

	if pct, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false); err != nil {
		logger.FromContext(ctx).WithError(err).Debugln("osstats: cannot sample cpu")
	} else if len(pct) > 0 {
		s.CPUPct = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		logger.FromContext(ctx).WithError(err).Debugln("osstats: cannot sample memory")
	} else {
		s.MemPct = vm.UsedPercent
		s.MemTotalMB = float64(vm.Total) / mb
		s.MemUsedMB = float64(vm.Used) / mb
		s.MemAvailableMB = float64(vm.Available) / mb
	}

	return s
}

// CollectDisk reports usage of the filesystem holding path.
func CollectDisk(ctx context.Context, path string) DiskUsage {
	out := DiskUsage{Path: path}
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		logger.FromContext(ctx).WithError(err).WithField("path", path).
			Debugln("osstats: cannot sample disk")
		return out
	}
	out.TotalB = usage.Total
	out.UsedB = usage.Used
	out.FreeB = usage.Free
	out.UsedPct = usage.UsedPercent
	return out
}
