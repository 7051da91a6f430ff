package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetmon/internal/config"
	"fleetmon/internal/models"
)

func TestProbeOnceTooSoon(t *testing.T) {
	f := newFixture(t, []models.Target{linuxTarget("D", 1)}, healthyHost)
	ctx := context.Background()

	first := f.prober.ProbeOnce(ctx, "D")
	assert.Equal(t, ProbeSuccess, first.Result)

	f.clock.Add(10 * time.Second)
	second := f.prober.ProbeOnce(ctx, "D")
	assert.Equal(t, ProbeTooSoon, second.Result)
	assert.Equal(t, t0.Add(15*time.Second), second.NextAllowedAt)
	assert.Equal(t, 1, f.exec.Count("echo OK"))

	f.clock.Add(5 * time.Second)
	assert.Equal(t, ProbeSuccess, f.prober.ProbeOnce(ctx, "D").Result)
	assert.Equal(t, 2, f.exec.Count("echo OK"))
}

func TestProbeBackoffGrowsAndCaps(t *testing.T) {
	f := newFixture(t, []models.Target{linuxTarget("D", 1)}, unreachable)
	ctx := context.Background()

	wantDelays := []time.Duration{30, 60, 120, 240, 240}
	for i, d := range wantDelays {
		out := f.prober.ProbeOnce(ctx, "D")
		require.Equal(t, ProbeFailure, out.Result, "attempt %d", i)
		assert.Equal(t, i+1, out.ConsecutiveFailures)
		assert.Equal(t, f.clock.Now().Add(d*time.Second), out.NextAllowedAt, "attempt %d", i)

		f.clock.Add(d*time.Second - time.Second)
		assert.Equal(t, ProbeTooSoon, f.prober.ProbeOnce(ctx, "D").Result)
		f.clock.Add(time.Second)
	}
	assert.Equal(t, len(wantDelays), f.exec.Count("echo OK"))

	st, ok := f.store.ConnectionState("D")
	require.True(t, ok)
	assert.False(t, st.IsOnline)
}

func TestProbeSuccessResetsFailuresAndReconnects(t *testing.T) {
	f := newFixture(t, []models.Target{linuxTarget("D", 1)}, unreachable)
	ctx := context.Background()

	require.Equal(t, ProbeFailure, f.prober.ProbeOnce(ctx, "D").Result)
	f.clock.Add(30 * time.Second)
	f.exec.SetHandler(healthyHost)

	out := f.prober.ProbeOnce(ctx, "D")
	assert.Equal(t, ProbeSuccess, out.Result)
	assert.True(t, out.Reconnected)
	assert.Equal(t, 0, out.ConsecutiveFailures)
	assert.Equal(t, f.clock.Now().Add(15*time.Second), out.NextAllowedAt)

	st, _ := f.store.ConnectionState("D")
	assert.True(t, st.IsOnline)
	assert.Equal(t, 1, st.RecoveryCount)
}

func TestProbeUnexpectedOutputIsFailure(t *testing.T) {
	f := newFixture(t, []models.Target{linuxTarget("D", 1)}, func(context.Context, string, string) (string, error) {
		return "permission denied", nil
	})
	out := f.prober.ProbeOnce(context.Background(), "D")
	assert.Equal(t, ProbeFailure, out.Result)
	assert.Contains(t, out.Error, "unexpected probe output")
}

func TestProbeUnknownTarget(t *testing.T) {
	f := newFixture(t, nil, healthyHost)
	out := f.prober.ProbeOnce(context.Background(), "X")
	assert.Equal(t, ProbeNotFound, out.Result)
	assert.Empty(t, f.exec.Calls())
}

func TestResetBackoff(t *testing.T) {
	f := newFixture(t, []models.Target{linuxTarget("D", 1)}, unreachable)
	ctx := context.Background()

	f.prober.ProbeOnce(ctx, "D")
	assert.Equal(t, ProbeTooSoon, f.prober.ProbeOnce(ctx, "D").Result)
	f.prober.ResetBackoff("D")
	assert.Equal(t, ProbeFailure, f.prober.ProbeOnce(ctx, "D").Result)
}

func TestProbeAllOfflineScopesToOfflineAndUnseen(t *testing.T) {
	targets := []models.Target{linuxTarget("A", 1), linuxTarget("B", 2), linuxTarget("C", 3)}
	f := newFixture(t, targets, healthyHost)

	_, err := f.store.Update("A", pushReport(1, 1))
	require.NoError(t, err)
	f.store.MarkUnreachable("B")
	f.store.MarkUnreachable("ghost")

	outcomes := f.prober.ProbeAllOffline(context.Background())
	require.Len(t, outcomes, 2)
	assert.Equal(t, "B", outcomes[0].TargetID)
	assert.True(t, outcomes[0].Reconnected)
	assert.Equal(t, "C", outcomes[1].TargetID)
	assert.False(t, outcomes[1].Reconnected, "first sighting is not a recovery")

	assert.Empty(t, f.exec.CallsFor("A"))
	assert.Empty(t, f.exec.CallsFor("ghost"))
	assert.Equal(t, []string{"ghost"}, f.store.OfflineTargets())
}

func TestProbeAllOfflineBoundsConcurrency(t *testing.T) {
	var targets []models.Target
	for _, id := range []string{"1", "2", "3", "4", "5", "6"} {
		targets = append(targets, linuxTarget(id, 0))
	}
	f := newFixture(t, targets, func(ctx context.Context, id, cmd string) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return "OK", nil
	})
	f.prober.opts.Concurrency = 2

	outcomes := f.prober.ProbeAllOffline(context.Background())
	require.Len(t, outcomes, 6)
	assert.LessOrEqual(t, f.exec.MaxConcurrent(), 2)
	for _, o := range outcomes {
		assert.Equal(t, ProbeSuccess, o.Result)
	}
}

func TestProberOptionsFromConfig(t *testing.T) {
	opts := ProberOptionsFromConfig(config.DefaultConfig().Probe)
	assert.Equal(t, "echo OK", opts.Command)
	assert.Equal(t, 15*time.Second, opts.Policy.BaseInterval)
	assert.Equal(t, 4, opts.Policy.MaxExponent)
	assert.Equal(t, 4, opts.Concurrency)
}
