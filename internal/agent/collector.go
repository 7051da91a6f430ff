package agent

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"fleetmon/internal/hostcmd"
	"fleetmon/internal/logging"
	"fleetmon/internal/models"
)

// Collector builds push reports for the local host.
type Collector struct {
	target   models.Target
	diskPath string
	hostname string
	sampler  Sampler
	run      hostcmd.Runner
	clock    clock.Clock
	logger   *zap.Logger
}

// NewCollector creates a collector for target. Services and containers are
// queried through run; processes and resources come from sampler.
func NewCollector(target models.Target, diskPath string, sampler Sampler, run hostcmd.Runner, clk clock.Clock, logger *zap.Logger) *Collector {
	if clk == nil {
		clk = clock.New()
	}
	if target.OS == "" {
		target.OS = LocalOS()
	}
	if diskPath == "" {
		diskPath = target.DiskPath
	}
	if diskPath == "" {
		diskPath = defaultDiskPath(target.OS)
	}
	hostname, _ := os.Hostname()

	return &Collector{
		target:   target,
		diskPath: diskPath,
		hostname: hostname,
		sampler:  sampler,
		run:      run,
		clock:    clk,
		logger:   logging.OrNop(logger).Named("collector"),
	}
}

// LocalOS maps the running platform onto a target OS kind.
func LocalOS() models.OSKind {
	if runtime.GOOS == "windows" {
		return models.OSWindows
	}
	return models.OSLinux
}

func defaultDiskPath(kind models.OSKind) string {
	if kind == models.OSWindows {
		return `C:\`
	}
	return "/"
}

// Collect samples resources and every declared item. Partial failures are
// logged and left out of the report rather than failing it.
func (c *Collector) Collect(ctx context.Context) (models.PushReport, error) {
	if err := ctx.Err(); err != nil {
		return models.PushReport{}, err
	}
	now := c.clock.Now()

	report := models.PushReport{
		TargetID: c.target.ID,
		Hostname: c.hostname,
		Items:    []models.ItemStatus{},
	}

	res, err := c.sampler.Resources(ctx, c.diskPath)
	if err != nil {
		c.logger.Warn("Resource sampling incomplete", zap.Error(err))
	}
	report.Resources = res

	byName := make(map[string]models.ItemStatus, len(c.target.Items))
	for _, st := range c.processStates(ctx, now) {
		byName[strings.ToLower(st.Name)] = st
	}
	for _, st := range c.commandStates(ctx, now) {
		byName[strings.ToLower(st.Name)] = st
	}

	for _, item := range c.target.Items {
		st := byName[strings.ToLower(item.Name)]
		report.Items = append(report.Items, st)
		if st.State == models.StateStopped {
			report.RawAlerts = append(report.RawAlerts, fmt.Sprintf("%s %s is not running", item.Kind, item.Label()))
		}
	}
	return report, nil
}

func (c *Collector) processStates(ctx context.Context, now time.Time) []models.ItemStatus {
	items := c.target.ItemsOfKind(models.KindProcess)
	if len(items) == 0 {
		return nil
	}

	out := make([]models.ItemStatus, 0, len(items))
	procs, err := c.sampler.Processes(ctx)
	if err != nil {
		c.logger.Warn("Process listing failed", zap.Error(err))
	}
	for _, item := range items {
		st := models.ItemStatus{
			Name:        item.Name,
			DisplayName: item.Label(),
			Kind:        item.Kind,
			State:       models.StateUnknown,
			ObservedAt:  now,
		}
		if err == nil {
			if p, ok := hostcmd.MatchProcess(procs, item.Name); ok {
				st.State = models.StateRunning
				st.PID = p.PID
				st.CPUPercent = p.CPU
				st.MemoryMB = p.MemoryMB
			} else {
				st.State = models.StateStopped
			}
		}
		out = append(out, st)
	}
	return out
}

// commandStates queries services and containers with the platform tools.
func (c *Collector) commandStates(ctx context.Context, now time.Time) []models.ItemStatus {
	t := c.target
	t.Items = nil
	for _, item := range c.target.Items {
		if item.Kind != models.KindProcess {
			t.Items = append(t.Items, item)
		}
	}
	if len(t.Items) == 0 || c.run == nil {
		return nil
	}

	states, err := hostcmd.ItemStates(ctx, c.run, t, now)
	if err != nil {
		c.logger.Warn("Item query incomplete", zap.Error(err))
	}
	return states
}
