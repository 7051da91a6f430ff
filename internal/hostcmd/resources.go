package hostcmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fleetmon/internal/models"
	"fleetmon/internal/remote"
)

const (
	wmicCPUCommand    = `wmic cpu get LoadPercentage /format:value`
	wmicMemoryCommand = `wmic OS get FreePhysicalMemory,TotalVisibleMemorySize /format:value`
	vmstatCommand     = `vmstat 1 2`
	freeCommand       = `free -b`
)

// Resources samples CPU, memory and disk usage of target. Each figure is
// queried independently; failed ones stay zero and are reported in the
// joined error. obtained counts the figures that were read.
func Resources(ctx context.Context, run Runner, target models.Target) (res models.Resources, obtained int, err error) {
	if target.OS == models.OSWindows {
		res, err = windowsResources(ctx, run, target)
	} else {
		res, err = linuxResources(ctx, run, target)
	}
	return res, resourceCount - countErrors(err), err
}

const resourceCount = 3

func countErrors(err error) int {
	if err == nil {
		return 0
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return 1
}

// unreachable reports whether errs already show the target cannot be reached.
func unreachable(errs []error) bool {
	return len(errs) > 0 && remote.IsConnectionError(errs[len(errs)-1])
}

func windowsResources(ctx context.Context, run Runner, target models.Target) (models.Resources, error) {
	var res models.Resources
	var errs []error

	if out, err := output(ctx, run, wmicCPUCommand); err != nil {
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	} else if loads := ParseWMIValues(out)["loadpercentage"]; len(loads) > 0 {
		var sum float64
		for _, l := range loads {
			sum += l
		}
		res.CPU = round1(sum / float64(len(loads)))
	} else {
		errs = append(errs, errors.New("cpu: no LoadPercentage value"))
	}

	if unreachable(errs) {
		errs = append(errs, fmt.Errorf("memory: %w", errs[0]))
	} else if out, err := output(ctx, run, wmicMemoryCommand); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else {
		v := ParseWMIValues(out)
		free, total := first(v["freephysicalmemory"]), first(v["totalvisiblememorysize"])
		if total > 0 {
			res.Memory = round1((total - free) / total * 100)
		} else {
			errs = append(errs, errors.New("memory: no TotalVisibleMemorySize value"))
		}
	}

	if unreachable(errs) {
		errs = append(errs, fmt.Errorf("disk: %w", errs[0]))
	} else if out, err := output(ctx, run, wmicDiskCommand(target.DiskPath)); err != nil {
		errs = append(errs, fmt.Errorf("disk: %w", err))
	} else {
		v := ParseWMIValues(out)
		free, size := first(v["freespace"]), first(v["size"])
		if size > 0 {
			res.Disk = round1((size - free) / size * 100)
		} else {
			errs = append(errs, errors.New("disk: no Size value"))
		}
	}

	return res, errors.Join(errs...)
}

func linuxResources(ctx context.Context, run Runner, target models.Target) (models.Resources, error) {
	var res models.Resources
	var errs []error

	if out, err := output(ctx, run, vmstatCommand); err != nil {
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	} else if res.CPU, err = ParseVmstatCPU(out); err != nil {
		errs = append(errs, err)
	}

	if unreachable(errs) {
		errs = append(errs, fmt.Errorf("memory: %w", errs[0]))
	} else if out, err := output(ctx, run, freeCommand); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else if res.Memory, err = ParseFreeMemory(out); err != nil {
		errs = append(errs, err)
	}

	if unreachable(errs) {
		errs = append(errs, fmt.Errorf("disk: %w", errs[0]))
	} else if out, err := output(ctx, run, dfCommand(target.DiskPath)); err != nil {
		errs = append(errs, fmt.Errorf("disk: %w", err))
	} else if res.Disk, err = ParseDFUsage(out); err != nil {
		errs = append(errs, err)
	}

	return res, errors.Join(errs...)
}

func wmicDiskCommand(path string) string {
	drive := "C:"
	if path != "" {
		drive = strings.ToUpper(path[:1]) + ":"
	}
	return fmt.Sprintf(`wmic logicaldisk where "DeviceID='%s'" get FreeSpace,Size /format:value`, drive)
}

func dfCommand(path string) string {
	if path == "" {
		path = "/"
	}
	return "df -P " + shellQuote(path)
}

func first(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	return vs[0]
}
