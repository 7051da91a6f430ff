// Package monitor resolves fleet status, probes offline targets and runs
// both on timers.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"fleetmon/internal/events"
	"fleetmon/internal/logging"
	"fleetmon/internal/metrics"
	"fleetmon/internal/models"
	"fleetmon/internal/pushstore"
)

// Publisher receives every snapshot the monitor produces.
type Publisher interface {
	PublishSnapshot(models.FleetSnapshot)
}

// Intervals sets the monitor timers.
type Intervals struct {
	Probe     time.Duration
	Broadcast time.Duration
	Deadline  time.Duration
}

// Monitor periodically probes offline targets and aggregates the fleet.
type Monitor struct {
	prober     *Prober
	aggregator *Aggregator
	intervals  Intervals
	publisher  Publisher
	clock      clock.Clock
	logger     *zap.Logger

	mu     sync.RWMutex
	latest *models.FleetSnapshot

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a monitor. publisher may be nil.
func New(prober *Prober, aggregator *Aggregator, intervals Intervals, publisher Publisher, clk clock.Clock, logger *zap.Logger) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	if intervals.Probe <= 0 {
		intervals.Probe = 15 * time.Second
	}
	if intervals.Broadcast <= 0 {
		intervals.Broadcast = 30 * time.Second
	}

	return &Monitor{
		prober:     prober,
		aggregator: aggregator,
		intervals:  intervals,
		publisher:  publisher,
		clock:      clk,
		logger:     logging.OrNop(logger).Named("monitor"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the probing and broadcast loops.
func (m *Monitor) Start() {
	go m.run()
}

// Stop requests graceful loop termination and waits until it is done.
func (m *Monitor) Stop() {
	select {
	case <-m.doneCh:
		return
	default:
	}
	close(m.stopCh)
	<-m.doneCh
}

// RunOnce aggregates the fleet, records metrics and publishes the snapshot.
func (m *Monitor) RunOnce(ctx context.Context) (models.FleetSnapshot, error) {
	snapshot, err := m.aggregator.Aggregate(ctx, m.intervals.Deadline)
	if err != nil {
		return snapshot, err
	}
	metrics.ObserveSnapshot(snapshot)

	m.mu.Lock()
	m.latest = &snapshot
	m.mu.Unlock()

	if m.publisher != nil {
		m.publisher.PublishSnapshot(snapshot)
	}
	return snapshot, nil
}

// TargetStatus resolves a single target under the aggregation deadline. It
// does not publish.
func (m *Monitor) TargetStatus(ctx context.Context, id string) (models.TargetResult, error) {
	return m.aggregator.AggregateTarget(ctx, id, m.intervals.Deadline)
}

// Latest returns the last snapshot produced by RunOnce.
func (m *Monitor) Latest() (models.FleetSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.latest == nil {
		return models.FleetSnapshot{}, false
	}
	return *m.latest, true
}

// ProbeOnce runs one probing pass.
func (m *Monitor) ProbeOnce(ctx context.Context) []ProbeOutcome {
	return m.prober.ProbeAllOffline(ctx)
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.loop(ctx, m.intervals.Probe, func(ctx context.Context) {
			m.ProbeOnce(ctx)
		})
	}()
	go func() {
		defer wg.Done()
		m.loop(ctx, m.intervals.Broadcast, func(ctx context.Context) {
			if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("Aggregation failed", zap.Error(err))
			}
		})
	}()
	wg.Wait()
}

// loop runs fn immediately and then on every tick until ctx ends.
func (m *Monitor) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	fn(ctx)

	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Evicter drops a cached remote connection.
type Evicter interface {
	Evict(targetID string)
}

// ReconnectHandler returns the callback wired to pushstore.Store.OnReconnect:
// it resets probe backoff, drops the stale connection, counts the
// reconnection and emits an event.
func ReconnectHandler(prober *Prober, evicter Evicter, sink events.Sink, clk clock.Clock, logger *zap.Logger) pushstore.ReconnectFunc {
	if clk == nil {
		clk = clock.New()
	}
	sink = events.OrDiscard(sink)
	logger = logging.OrNop(logger).Named("monitor")

	return func(targetID string, offlineFor time.Duration) {
		if prober != nil {
			prober.ResetBackoff(targetID)
		}
		if evicter != nil {
			evicter.Evict(targetID)
		}
		metrics.RecordReconnect(targetID, offlineFor)

		ev := events.New(events.KindReconnected, targetID, clk.Now())
		ev.OfflineSeconds = offlineFor.Seconds()
		ev.Message = "target reconnected after " + offlineFor.Round(time.Second).String()
		sink.Emit(ev)

		logger.Info("Reconnected", zap.String("target", targetID), zap.Duration("offline_for", offlineFor))
	}
}
