package remediation

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetmon/internal/config"
	"fleetmon/internal/events"
	"fleetmon/internal/models"
	"fleetmon/internal/remote"
	"fleetmon/internal/remote/remotetest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mockClock(at time.Time) *clock.Mock {
	c := clock.NewMock()
	c.Set(at)
	return c
}

func no() *bool { b := false; return &b }

func testRegistry() *config.Registry {
	return config.NewRegistry([]models.Target{
		{
			ID: "153", OS: models.OSWindows,
			Items: []models.MonitoredItem{
				{Name: "svc1", Kind: models.KindService},
				{Name: "Oracle", Kind: models.KindProcess, AutoRestart: no(), StartCommand: `C:\oracle\start.cmd`},
				{Name: "collector", Kind: models.KindProcess},
			},
		},
		{
			ID: "163", OS: models.OSLinux,
			Items: []models.MonitoredItem{{Name: "hulu-eai", Kind: models.KindContainer}},
		},
	})
}

// hostHandler answers restart commands and reports every item as state.
func hostHandler(state string) remotetest.Handler {
	return func(_ context.Context, _ string, command string) (string, error) {
		switch {
		case strings.HasPrefix(command, "powershell"):
			return "\"Name\",\"Status\"\n\"svc1\",\"" + state + "\"", nil
		case strings.HasPrefix(command, "docker ps"):
			return "hulu-eai|Up 1 second|abc", nil
		case strings.HasPrefix(command, "tasklist"):
			return `"Oracle.exe","10","Services","0","1 K"`, nil
		default:
			return "", nil
		}
	}
}

type fixture struct {
	gate  *Gate
	exec  *remotetest.Fake
	clock *clock.Mock
	sink  *events.Recorder
}

func newFixture(t *testing.T, opts Options, h remotetest.Handler) fixture {
	t.Helper()
	f := fixture{
		exec:  remotetest.NewFake(h),
		clock: mockClock(t0),
		sink:  &events.Recorder{},
	}
	f.gate = NewGate(opts, testRegistry(), f.exec, f.clock, f.sink, nil)
	return f
}

func defaultOptions() Options {
	return Options{Enabled: true, Cooldown: 5 * time.Minute, CommandTimeout: time.Second}
}

func TestTryRestartServiceSuccess(t *testing.T) {
	f := newFixture(t, defaultOptions(), hostHandler("Running"))

	rec, err := f.gate.TryRestart(context.Background(), "153", "SVC1", models.KindService)
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Equal(t, "restarted", rec.Message)
	assert.Equal(t, "svc1", rec.ItemName)
	assert.Equal(t, t0, rec.LastAttemptAt)

	cmds := f.exec.CallsFor("153")
	require.Len(t, cmds, 3)
	assert.Equal(t, `sc stop "svc1"`, cmds[0])
	assert.Equal(t, `sc start "svc1"`, cmds[1])
	assert.True(t, strings.HasPrefix(cmds[2], "powershell"))

	stored, ok := f.gate.Record("153", "svc1")
	require.True(t, ok)
	assert.Equal(t, rec, stored)

	evs := f.sink.OfKind(events.KindRestartAttempted)
	require.Len(t, evs, 1)
	require.NotNil(t, evs[0].Success)
	assert.True(t, *evs[0].Success)
	assert.Equal(t, "svc1", evs[0].Item)
}

func TestVerificationWaitsForSettleDelay(t *testing.T) {
	opts := defaultOptions()
	opts.SettleDelay = 3 * time.Second
	f := newFixture(t, opts, hostHandler("Running"))

	done := make(chan models.RestartRecord, 1)
	go func() {
		rec, _ := f.gate.TryRestart(context.Background(), "153", "svc1", models.KindService)
		done <- rec
	}()

	require.Eventually(t, func() bool { return f.exec.Count("sc start") == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.exec.Count("powershell"), "checked before the item settled")

	var rec models.RestartRecord
	require.Eventually(t, func() bool {
		f.clock.Add(time.Second)
		select {
		case rec = <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, rec.Success)
	assert.Equal(t, 1, f.exec.Count("powershell"))
	assert.False(t, f.clock.Now().Before(t0.Add(3*time.Second)))
}

func TestRestartOutlivesCallerDeadline(t *testing.T) {
	var stopped, started int32
	f := newFixture(t, defaultOptions(), func(ctx context.Context, id, command string) (string, error) {
		switch {
		case strings.HasPrefix(command, "sc stop"):
			atomic.AddInt32(&stopped, 1)
		case strings.HasPrefix(command, "sc start"):
			atomic.AddInt32(&started, 1)
		default:
			return hostHandler("Running")(ctx, id, command)
		}
		select {
		case <-time.After(100 * time.Millisecond):
			return "", nil
		case <-ctx.Done():
			return "", &remote.Error{Kind: remote.KindTimeout, TargetID: id, Err: ctx.Err()}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rec, err := f.gate.TryRestart(ctx, "153", "svc1", models.KindService)
	require.NoError(t, err)
	assert.True(t, rec.Success, rec.Message)
	assert.Equal(t, "restarted", rec.Message)
	assert.EqualValues(t, 1, atomic.LoadInt32(&stopped))
	assert.EqualValues(t, 1, atomic.LoadInt32(&started))
}

func TestTryRestartCooldown(t *testing.T) {
	f := newFixture(t, defaultOptions(), hostHandler("Running"))
	ctx := context.Background()

	_, err := f.gate.TryRestart(ctx, "153", "svc1", models.KindService)
	require.NoError(t, err)

	rec, err := f.gate.TryRestart(ctx, "153", "svc1", models.KindService)
	assert.ErrorIs(t, err, ErrCooldownActive)
	assert.Equal(t, "cooldown active, 300s remaining", rec.Message)
	assert.Equal(t, t0, rec.LastAttemptAt)
	assert.Equal(t, 1, f.exec.Count("sc start"))

	f.clock.Add(5 * time.Minute)
	rec, err = f.gate.TryRestart(ctx, "153", "svc1", models.KindService)
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Equal(t, 2, f.exec.Count("sc start"))
}

func TestFailedRestartAlsoStartsCooldown(t *testing.T) {
	f := newFixture(t, defaultOptions(), func(_ context.Context, id, command string) (string, error) {
		if strings.HasPrefix(command, "sc start") {
			return "", &remote.Error{Kind: remote.KindCommandFailed, TargetID: id, Output: "access denied"}
		}
		return "", nil
	})
	ctx := context.Background()

	rec, err := f.gate.TryRestart(ctx, "153", "svc1", models.KindService)
	require.NoError(t, err)
	assert.False(t, rec.Success)
	assert.Contains(t, rec.Message, "start failed")
	assert.Equal(t, t0, rec.LastAttemptAt)

	_, err = f.gate.TryRestart(ctx, "153", "svc1", models.KindService)
	assert.ErrorIs(t, err, ErrCooldownActive)
	assert.Equal(t, 1, f.exec.Count("sc start"))

	evs := f.sink.OfKind(events.KindRestartAttempted)
	require.Len(t, evs, 1)
	assert.False(t, *evs[0].Success)
}

func TestTryRestartStillStopped(t *testing.T) {
	f := newFixture(t, defaultOptions(), hostHandler("Stopped"))
	rec, err := f.gate.TryRestart(context.Background(), "153", "svc1", models.KindService)
	require.NoError(t, err)
	assert.False(t, rec.Success)
	assert.Equal(t, "item still stopped after restart", rec.Message)
}

func TestTryRestartPendingCountsAsSuccess(t *testing.T) {
	f := newFixture(t, defaultOptions(), hostHandler("StartPending"))
	rec, err := f.gate.TryRestart(context.Background(), "153", "svc1", models.KindService)
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Equal(t, "restart initiated, item is starting", rec.Message)
}

func TestTryRestartDisabled(t *testing.T) {
	opts := defaultOptions()
	opts.Enabled = false
	f := newFixture(t, opts, hostHandler("Running"))

	rec, err := f.gate.TryRestart(context.Background(), "153", "svc1", models.KindService)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.False(t, rec.Success)
	assert.Equal(t, "disabled", rec.Message)
	assert.Empty(t, f.exec.Calls())
	assert.False(t, f.gate.Enabled())
	_, ok := f.gate.Record("153", "svc1")
	assert.False(t, ok)
}

func TestAutoRestartExcludedItem(t *testing.T) {
	f := newFixture(t, defaultOptions(), hostHandler("Running"))
	ctx := context.Background()

	_, err := f.gate.TryRestart(ctx, "153", "Oracle", models.KindProcess)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Empty(t, f.exec.Calls())

	rec, err := f.gate.RestartNow(ctx, "153", "oracle")
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Equal(t, 1, f.exec.Count(`taskkill /F /IM "Oracle.exe"`))
	assert.Equal(t, 1, f.exec.Count(`C:\oracle\start.cmd`))

	_, err = f.gate.RestartNow(ctx, "153", "Oracle")
	assert.ErrorIs(t, err, ErrCooldownActive)
}

func TestTryRestartNotFound(t *testing.T) {
	f := newFixture(t, defaultOptions(), hostHandler("Running"))
	ctx := context.Background()

	_, err := f.gate.TryRestart(ctx, "999", "svc1", models.KindService)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.gate.TryRestart(ctx, "153", "nope", models.KindService)
	assert.ErrorIs(t, err, ErrNotFound)
	rec, err := f.gate.TryRestart(ctx, "153", "svc1", models.KindContainer)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotEmpty(t, rec.Message)
}

func TestTryRestartContainer(t *testing.T) {
	f := newFixture(t, defaultOptions(), hostHandler("Running"))
	rec, err := f.gate.TryRestart(context.Background(), "163", "hulu-eai", models.KindContainer)
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Equal(t, []string{"docker restart 'hulu-eai'", `docker ps -a --format "{{.Names}}|{{.Status}}|{{.ID}}"`}, f.exec.CallsFor("163"))
}

func TestTryRestartProcessWithoutStartCommand(t *testing.T) {
	f := newFixture(t, defaultOptions(), hostHandler("Running"))
	rec, err := f.gate.TryRestart(context.Background(), "153", "collector", models.KindProcess)
	require.NoError(t, err)
	assert.False(t, rec.Success)
	assert.Contains(t, rec.Message, "no start command")
	assert.Empty(t, f.exec.Calls())
}

func TestTryRestartUnreachableStop(t *testing.T) {
	f := newFixture(t, defaultOptions(), remotetest.Unreachable)
	rec, err := f.gate.TryRestart(context.Background(), "153", "svc1", models.KindService)
	require.NoError(t, err)
	assert.False(t, rec.Success)
	assert.Contains(t, rec.Message, "stop failed")
	assert.Equal(t, 0, f.exec.Count("sc start"))
}

func TestConcurrentRestartIsBusy(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	f := newFixture(t, defaultOptions(), func(ctx context.Context, id, command string) (string, error) {
		if strings.HasPrefix(command, "sc start") {
			once.Do(func() { close(started) })
			<-release
		}
		return hostHandler("Running")(ctx, id, command)
	})
	f.gate.opts.CommandTimeout = 10 * time.Second

	done := make(chan models.RestartRecord, 1)
	go func() {
		rec, _ := f.gate.TryRestart(context.Background(), "153", "svc1", models.KindService)
		done <- rec
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("restart did not start")
	}

	rec, err := f.gate.TryRestart(context.Background(), "153", "svc1", models.KindService)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, "restart already in progress", rec.Message)

	close(release)
	first := <-done
	assert.True(t, first.Success)
	assert.Equal(t, 1, f.exec.Count("sc start"))
}

func TestRecordsNewestFirst(t *testing.T) {
	f := newFixture(t, defaultOptions(), hostHandler("Running"))
	ctx := context.Background()

	_, err := f.gate.TryRestart(ctx, "153", "svc1", models.KindService)
	require.NoError(t, err)
	f.clock.Add(time.Minute)
	_, err = f.gate.TryRestart(ctx, "163", "hulu-eai", models.KindContainer)
	require.NoError(t, err)

	recs := f.gate.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "163", recs[0].TargetID)
	assert.Equal(t, "153", recs[1].TargetID)
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.DefaultConfig().Remediation)
	assert.True(t, opts.Enabled)
	assert.Equal(t, 5*time.Minute, opts.Cooldown)
	assert.Equal(t, 3*time.Second, opts.SettleDelay)
}
