package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"fleetmon/internal/hostcmd"
	"fleetmon/internal/models"
)

// Sampler reads local host resources and the process table.
type Sampler interface {
	Resources(ctx context.Context, diskPath string) (models.Resources, error)
	Processes(ctx context.Context) ([]hostcmd.ProcessInfo, error)
}

// HostSampler samples the local machine through gopsutil.
type HostSampler struct {
	// CPUInterval is how long CPU usage is measured for.
	CPUInterval time.Duration
}

// Resources returns usage percentages. Metrics that fail are left at zero
// and reported in the joined error.
func (s HostSampler) Resources(ctx context.Context, diskPath string) (models.Resources, error) {
	var res models.Resources
	var errs []error

	interval := s.CPUInterval
	if interval <= 0 {
		interval = time.Second
	}
	if pct, err := cpu.PercentWithContext(ctx, interval, false); err != nil {
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	} else if len(pct) > 0 {
		res.CPU = round1(pct[0])
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else {
		res.Memory = round1(vm.UsedPercent)
	}

	if usage, err := disk.UsageWithContext(ctx, diskPath); err != nil {
		errs = append(errs, fmt.Errorf("disk %s: %w", diskPath, err))
	} else {
		res.Disk = round1(usage.UsedPercent)
	}

	return res, errors.Join(errs...)
}

// Processes lists running processes. Processes that vanish or deny access
// while being read are skipped.
func (s HostSampler) Processes(ctx context.Context) ([]hostcmd.ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	out := make([]hostcmd.ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		info := hostcmd.ProcessInfo{Name: name, PID: int(p.Pid)}
		if pct, err := p.CPUPercentWithContext(ctx); err == nil {
			info.CPU = round1(pct)
		}
		if m, err := p.MemoryInfoWithContext(ctx); err == nil && m != nil {
			info.MemoryMB = round1(float64(m.RSS) / (1024 * 1024))
		}
		out = append(out, info)
	}
	return out, nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
