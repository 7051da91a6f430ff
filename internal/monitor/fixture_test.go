package monitor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"fleetmon/internal/backoff"
	"fleetmon/internal/config"
	"fleetmon/internal/events"
	"fleetmon/internal/models"
	"fleetmon/internal/pushstore"
	"fleetmon/internal/remediation"
	"fleetmon/internal/remote"
	"fleetmon/internal/remote/remotetest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mockClock(at time.Time) *clock.Mock {
	c := clock.NewMock()
	c.Set(at)
	return c
}

type fixture struct {
	registry *config.Registry
	clock    *clock.Mock
	store    *pushstore.Store
	exec     *remotetest.Fake
	gate     *remediation.Gate
	sink     *events.Recorder
	agg      *Aggregator
	prober   *Prober
}

func newFixture(t *testing.T, targets []models.Target, handler remotetest.Handler) *fixture {
	t.Helper()
	f := &fixture{
		registry: config.NewRegistry(targets),
		clock:    mockClock(t0),
		exec:     remotetest.NewFake(handler),
		sink:     &events.Recorder{},
	}
	f.store = pushstore.New(30*time.Second, f.clock, nil)
	f.gate = remediation.NewGate(remediation.Options{
		Enabled:        true,
		Cooldown:       5 * time.Minute,
		CommandTimeout: time.Second,
	}, f.registry, f.exec, f.clock, f.sink, nil)
	f.agg = NewAggregator(AggregatorOptions{
		Workers:     4,
		PollTimeout: time.Second,
		Thresholds:  config.Thresholds{CPU: 90, Memory: 90, Disk: 90},
	}, f.registry, f.store, f.exec, f.gate, f.clock, f.sink, nil)
	f.prober = NewProber(ProberOptions{
		Command:     "echo OK",
		Expect:      "OK",
		Timeout:     time.Second,
		Policy:      backoff.Policy{BaseInterval: 15 * time.Second, MaxExponent: 4},
		Concurrency: 4,
	}, f.registry, f.store, f.exec, f.clock, nil)
	return f
}

func windowsTarget(id string, order int, items ...models.MonitoredItem) models.Target {
	return models.Target{ID: id, Name: "srv-" + id, Address: "10.0.0." + id, OS: models.OSWindows, SortOrder: order, Items: items}
}

func linuxTarget(id string, order int, items ...models.MonitoredItem) models.Target {
	return models.Target{ID: id, Name: "srv-" + id, Address: "10.0.1." + id, OS: models.OSLinux, SortOrder: order, Items: items}
}

func service(name string) models.MonitoredItem {
	return models.MonitoredItem{Name: name, Kind: models.KindService}
}

func process(name string) models.MonitoredItem {
	return models.MonitoredItem{Name: name, Kind: models.KindProcess}
}

// healthyHost answers every status and restart command as a healthy host.
func healthyHost(_ context.Context, _ string, command string) (string, error) {
	switch {
	case strings.HasPrefix(command, "echo OK"):
		return "OK", nil
	case strings.HasPrefix(command, "ps -eo"):
		return "  10 java 1.0 2048", nil
	case strings.HasPrefix(command, "systemctl show"):
		return "LoadState=loaded\nActiveState=active", nil
	case strings.HasPrefix(command, "vmstat"):
		return " r b us sy id\n 0 0 5 5 90", nil
	case strings.HasPrefix(command, "free"):
		return "Mem: 100 40 60 0 0 70", nil
	case strings.HasPrefix(command, "df"):
		return "Filesystem 1024-blocks Used Available Capacity Mounted\n/dev/sda1 100 50 50 50% /", nil
	case strings.HasPrefix(command, "powershell"):
		return "\"Name\",\"Status\"\n\"svc1\",\"Running\"", nil
	case strings.HasPrefix(command, "tasklist"):
		return `"app.exe","1","Services","0","1 K"`, nil
	case strings.HasPrefix(command, "wmic cpu"):
		return "LoadPercentage=10", nil
	case strings.HasPrefix(command, "wmic OS"):
		return "FreePhysicalMemory=50\r\nTotalVisibleMemorySize=100", nil
	case strings.HasPrefix(command, "wmic logicaldisk"):
		return "FreeSpace=50\r\nSize=100", nil
	default:
		return "", nil
	}
}

// perTarget routes commands to a handler chosen by target id.
func perTarget(handlers map[string]remotetest.Handler, fallback remotetest.Handler) remotetest.Handler {
	return func(ctx context.Context, id, command string) (string, error) {
		if h, ok := handlers[id]; ok {
			return h(ctx, id, command)
		}
		return fallback(ctx, id, command)
	}
}

func unreachable(_ context.Context, id, _ string) (string, error) {
	return "", &remote.Error{Kind: remote.KindUnreachable, TargetID: id}
}

func pushReport(cpu, mem float64, items ...models.ItemStatus) models.PushReport {
	return models.PushReport{
		Resources: models.Resources{CPU: cpu, Memory: mem, Disk: 10},
		Items:     items,
	}
}

func item(name string, state models.Lifecycle) models.ItemStatus {
	return models.ItemStatus{Name: name, State: state}
}
