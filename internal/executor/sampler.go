package executor

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const bytesPerMB = 1 << 20

// resourceSample is the rolled-up usage of a process tree at
// completion time.
type resourceSample struct {
	MaxMemoryMB float64
	AvgCPUPct   float64
	DiskIOMB    float64
}

// sampler polls a process and its descendants for resource usage.
// Everything here is best effort: a vanished process or an unreadable
// stat never affects the execution outcome.
type sampler struct {
	pid      int
	interval time.Duration

	maxRSS  uint64
	cpuSum  float64
	ioBytes uint64
	samples int
}

func newSampler(pid int, interval time.Duration) *sampler {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &sampler{pid: pid, interval: interval}
}

// run polls until the context is canceled, then takes one final
// sample so short-lived processes still report something.
func (s *sampler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sample()
	for {
		select {
		case <-ctx.Done():
			s.sample()
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *sampler) sample() {
	proc, err := process.NewProcess(int32(s.pid))
	if err != nil {
		return
	}

	procs := []*process.Process{proc}
	if children, err := proc.Children(); err == nil {
		procs = append(procs, children...)
	}

	var rss uint64
	var cpu float64
	var ioBytes uint64
	for _, p := range procs {
		if mem, err := p.MemoryInfo(); err == nil && mem != nil {
			rss += mem.RSS
		}
		if pct, err := p.CPUPercent(); err == nil {
			cpu += pct
		}
		if counters, err := p.IOCounters(); err == nil && counters != nil {
			ioBytes += counters.ReadBytes + counters.WriteBytes
		}
	}

	if rss > s.maxRSS {
		s.maxRSS = rss
	}
	if ioBytes > s.ioBytes {
		s.ioBytes = ioBytes
	}
	s.cpuSum += cpu
	s.samples++
}

// result summarizes the samples taken. ok is false when nothing was
// ever observed.
func (s *sampler) result() (resourceSample, bool) {
	if s.samples == 0 {
		return resourceSample{}, false
	}
	return resourceSample{
		MaxMemoryMB: float64(s.maxRSS) / bytesPerMB,
		AvgCPUPct:   s.cpuSum / float64(s.samples),
		DiskIOMB:    float64(s.ioBytes) / bytesPerMB,
	}, true
}
