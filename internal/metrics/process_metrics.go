package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample is a CPU and memory reading of one process.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// SampleResources reads CPU and memory usage for pid.
func SampleResources(ctx context.Context, pid int) (ResourceSample, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ResourceSample{}, err
	}
	s := ResourceSample{PID: p.Pid, Timestamp: time.Now()}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		s.CPUPercent = cpu
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return s, err
	}
	s.MemoryRSS = mem.RSS
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		s.NumThreads = n
	}
	return s, nil
}

// ObserveResources samples pid and exports the reading for name. Failures are
// ignored since the process may exit at any moment.
func ObserveResources(ctx context.Context, name string, pid int) {
	if !regOK.Load() || pid <= 0 {
		return
	}
	s, err := SampleResources(ctx, pid)
	if err != nil {
		return
	}
	cpuPercent.WithLabelValues(name).Set(s.CPUPercent)
	memoryRSS.WithLabelValues(name).Set(float64(s.MemoryRSS))
}

// Forget removes the resource gauges of name, used once the process stops.
func Forget(name string) {
	if !regOK.Load() {
		return
	}
	cpuPercent.DeleteLabelValues(name)
	memoryRSS.DeleteLabelValues(name)
}
