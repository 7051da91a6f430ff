package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetmon/internal/events"
	"fleetmon/internal/models"
)

type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []models.FleetSnapshot
}

func (r *snapshotRecorder) PublishSnapshot(s models.FleetSnapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *snapshotRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

type evictRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (e *evictRecorder) Evict(id string) {
	e.mu.Lock()
	e.ids = append(e.ids, id)
	e.mu.Unlock()
}

func TestRunOncePublishesAndKeepsLatest(t *testing.T) {
	f := newFixture(t, []models.Target{windowsTarget("A", 1, service("svc1"))}, healthyHost)
	_, err := f.store.Update("A", pushReport(5, 5, item("svc1", models.StateRunning)))
	require.NoError(t, err)

	pub := &snapshotRecorder{}
	m := New(f.prober, f.agg, Intervals{Deadline: time.Minute}, pub, f.clock, nil)

	_, ok := m.Latest()
	assert.False(t, ok)

	snap, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pub.count())

	latest, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, snap.GeneratedAt, latest.GeneratedAt)
	assert.Equal(t, models.StatusNormal, latest.Targets[0].Status)
}

func TestRunOnceCancelledDoesNotPublish(t *testing.T) {
	f := newFixture(t, []models.Target{windowsTarget("A", 1)}, healthyHost)
	pub := &snapshotRecorder{}
	m := New(f.prober, f.agg, Intervals{Deadline: time.Minute}, pub, f.clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.RunOnce(ctx)
	assert.Error(t, err)
	assert.Zero(t, pub.count())
	_, ok := m.Latest()
	assert.False(t, ok)
}

func TestMonitorStartStop(t *testing.T) {
	f := newFixture(t, []models.Target{linuxTarget("D", 1, process("java"))}, healthyHost)
	pub := &snapshotRecorder{}
	m := New(f.prober, f.agg, Intervals{Probe: time.Hour, Broadcast: time.Hour, Deadline: time.Minute}, pub, f.clock, nil)

	m.Start()
	assert.Eventually(t, func() bool { return pub.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return f.exec.Count("echo OK") >= 1 }, 2*time.Second, 10*time.Millisecond)
	m.Stop()
	m.Stop()
}

func TestMonitorBroadcastsOnClockTicks(t *testing.T) {
	f := newFixture(t, []models.Target{linuxTarget("D", 1, process("java"))}, healthyHost)
	pub := &snapshotRecorder{}
	m := New(f.prober, f.agg, Intervals{Probe: time.Hour, Broadcast: 30 * time.Second, Deadline: time.Minute}, pub, f.clock, nil)

	m.Start()
	defer m.Stop()
	require.Eventually(t, func() bool { return pub.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		f.clock.Add(30 * time.Second)
		return pub.count() >= 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestReconnectHandler(t *testing.T) {
	f := newFixture(t, []models.Target{linuxTarget("D", 1)}, unreachable)
	ev := &evictRecorder{}
	f.store.OnReconnect(ReconnectHandler(f.prober, ev, f.sink, f.clock, nil))
	ctx := context.Background()

	f.store.MarkUnreachable("D")
	require.Equal(t, ProbeFailure, f.prober.ProbeOnce(ctx, "D").Result)
	f.clock.Add(5 * time.Second)
	require.Equal(t, ProbeTooSoon, f.prober.ProbeOnce(ctx, "D").Result)

	_, err := f.store.Update("D", pushReport(1, 1))
	require.NoError(t, err)

	assert.Equal(t, []string{"D"}, ev.ids)
	reconnected := f.sink.OfKind(events.KindReconnected)
	require.Len(t, reconnected, 1)
	assert.Equal(t, "D", reconnected[0].TargetID)
	assert.Equal(t, 5.0, reconnected[0].OfflineSeconds)
	assert.Equal(t, t0.Add(5*time.Second), reconnected[0].OccurredAt)

	// backoff was cleared, so the next probe runs right away
	assert.Equal(t, ProbeFailure, f.prober.ProbeOnce(ctx, "D").Result)
}

func TestReconnectHandlerToleratesNilCollaborators(t *testing.T) {
	fn := ReconnectHandler(nil, nil, nil, nil, nil)
	assert.NotPanics(t, func() { fn("X", time.Second) })
}
