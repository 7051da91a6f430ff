// Package remediation restarts stopped items, throttled by a cooldown per
// (target, item) pair.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"fleetmon/internal/config"
	"fleetmon/internal/events"
	"fleetmon/internal/hostcmd"
	"fleetmon/internal/logging"
	"fleetmon/internal/metrics"
	"fleetmon/internal/models"
	"fleetmon/internal/remote"
)

var (
	ErrDisabled       = errors.New("remediation disabled")
	ErrCooldownActive = errors.New("restart cooldown active")
	ErrBusy           = errors.New("restart already in progress")
	ErrNotFound       = errors.New("unknown target or item")
)

// Options configures a Gate.
type Options struct {
	Enabled        bool
	Cooldown       time.Duration
	SettleDelay    time.Duration
	CommandTimeout time.Duration
}

// OptionsFromConfig maps the remediation config section.
func OptionsFromConfig(cfg config.RemediationConfig) Options {
	return Options{
		Enabled:        cfg.Enabled,
		Cooldown:       cfg.Cooldown.Duration,
		SettleDelay:    cfg.SettleDelay.Duration,
		CommandTimeout: cfg.CommandTimeout.Duration,
	}
}

type recordKey struct {
	target string
	item   string
}

func keyFor(targetID, item string) recordKey {
	return recordKey{target: targetID, item: strings.ToLower(item)}
}

// Gate is safe for concurrent use. At most one restart per (target, item)
// runs at a time.
type Gate struct {
	opts    Options
	targets remote.TargetLookup
	exec    remote.Executor
	clock   clock.Clock
	sink    events.Sink
	logger  *zap.Logger

	mu       sync.Mutex
	records  map[recordKey]models.RestartRecord
	inflight map[recordKey]struct{}
}

// NewGate creates a gate that restarts items through exec.
func NewGate(opts Options, targets remote.TargetLookup, exec remote.Executor, clk clock.Clock, sink events.Sink, logger *zap.Logger) *Gate {
	if clk == nil {
		clk = clock.New()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 50 * time.Second
	}
	return &Gate{
		opts:     opts,
		targets:  targets,
		exec:     exec,
		clock:    clk,
		sink:     events.OrDiscard(sink),
		logger:   logging.OrNop(logger).Named("remediation"),
		records:  make(map[recordKey]models.RestartRecord),
		inflight: make(map[recordKey]struct{}),
	}
}

// Enabled reports whether automatic restarts are on.
func (g *Gate) Enabled() bool { return g.opts.Enabled }

// TryRestart is the automatic path. It honours the global enable flag and
// per-item auto_restart settings. The returned record always explains the
// outcome; the error is set only when no restart was attempted.
func (g *Gate) TryRestart(ctx context.Context, targetID, itemName string, kind models.ItemKind) (models.RestartRecord, error) {
	return g.restart(ctx, targetID, itemName, kind, false)
}

// RestartNow is the operator path. It skips the enable flag and auto_restart
// but shares cooldown and in-flight protection with TryRestart.
func (g *Gate) RestartNow(ctx context.Context, targetID, itemName string) (models.RestartRecord, error) {
	return g.restart(ctx, targetID, itemName, "", true)
}

// Record returns the last attempt for a pair.
func (g *Gate) Record(targetID, itemName string) (models.RestartRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[keyFor(targetID, itemName)]
	return rec, ok
}

// Records returns every stored record, newest attempt first.
func (g *Gate) Records() []models.RestartRecord {
	g.mu.Lock()
	out := make([]models.RestartRecord, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, rec)
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAttemptAt.Equal(out[j].LastAttemptAt) {
			return out[i].LastAttemptAt.After(out[j].LastAttemptAt)
		}
		if out[i].TargetID != out[j].TargetID {
			return out[i].TargetID < out[j].TargetID
		}
		return out[i].ItemName < out[j].ItemName
	})
	return out
}

func (g *Gate) restart(ctx context.Context, targetID, itemName string, kind models.ItemKind, manual bool) (models.RestartRecord, error) {
	rec := models.RestartRecord{TargetID: targetID, ItemName: itemName, Kind: kind}

	if !manual && !g.opts.Enabled {
		rec.Message = "disabled"
		return rec, ErrDisabled
	}

	target, ok := g.targets.Target(targetID)
	if !ok {
		rec.Message = "unknown target"
		return rec, ErrNotFound
	}
	item, ok := target.Item(itemName)
	if !ok || (kind != "" && item.Kind != kind) {
		rec.Message = fmt.Sprintf("target %s has no %s item %q", targetID, kindLabel(kind), itemName)
		return rec, ErrNotFound
	}
	rec.ItemName = item.Name
	rec.Kind = item.Kind

	if !manual && !item.Restartable() {
		rec.Message = "auto restart disabled for item"
		return rec, ErrDisabled
	}

	key := keyFor(targetID, item.Name)
	now := g.clock.Now()

	g.mu.Lock()
	if _, busy := g.inflight[key]; busy {
		g.mu.Unlock()
		rec.Message = "restart already in progress"
		return rec, ErrBusy
	}
	if last, ok := g.records[key]; ok {
		if elapsed := now.Sub(last.LastAttemptAt); elapsed < g.opts.Cooldown {
			g.mu.Unlock()
			remaining := int(math.Ceil((g.opts.Cooldown - elapsed).Seconds()))
			rec.LastAttemptAt = last.LastAttemptAt
			rec.Message = fmt.Sprintf("cooldown active, %ds remaining", remaining)
			return rec, ErrCooldownActive
		}
	}
	g.inflight[key] = struct{}{}
	g.mu.Unlock()

	g.logger.Warn("Restarting item",
		zap.String("target", targetID),
		zap.String("item", item.Name),
		zap.String("kind", string(item.Kind)),
		zap.Bool("manual", manual))

	// a started restart runs to completion; each command is bounded by
	// CommandTimeout
	success, message := g.execute(context.WithoutCancel(ctx), target, item)
	rec.LastAttemptAt = now
	rec.Success = success
	rec.Message = message

	g.mu.Lock()
	g.records[key] = rec
	delete(g.inflight, key)
	g.mu.Unlock()

	if success {
		g.logger.Info("Restart succeeded", zap.String("target", targetID), zap.String("item", item.Name), zap.String("message", message))
	} else {
		g.logger.Warn("Restart failed", zap.String("target", targetID), zap.String("item", item.Name), zap.String("message", message))
	}
	metrics.RecordRestart(item.Kind, success)

	ev := events.New(events.KindRestartAttempted, targetID, now)
	ev.Item = item.Name
	ev.Message = message
	ev.Success = &success
	g.sink.Emit(ev)

	return rec, nil
}

// execute runs stop then start, waits for the item to settle and checks it.
func (g *Gate) execute(ctx context.Context, target models.Target, item models.MonitoredItem) (bool, string) {
	plan, err := hostcmd.PlanRestart(target, item)
	if err != nil {
		return false, fmt.Sprintf("cannot restart: %v", err)
	}
	run := hostcmd.Remote(g.exec, target.ID, g.opts.CommandTimeout)

	if plan.Stop != "" {
		if _, err := run(ctx, plan.Stop); err != nil {
			// stopping an already stopped item fails on most hosts
			if !errors.Is(err, remote.ErrCommandFailed) {
				return false, fmt.Sprintf("stop failed: %v", err)
			}
			g.logger.Debug("Stop command failed, starting anyway",
				zap.String("target", target.ID),
				zap.String("item", item.Name),
				zap.Error(err))
		}
	}

	if _, err := run(ctx, plan.Start); err != nil {
		return false, fmt.Sprintf("start failed: %v", err)
	}

	if err := g.settle(ctx); err != nil {
		return false, fmt.Sprintf("restart issued, verification interrupted: %v", err)
	}

	state, err := hostcmd.ItemState(ctx, run, target, item)
	if err != nil {
		return false, fmt.Sprintf("restart issued, verification failed: %v", err)
	}
	switch state {
	case models.StateRunning:
		return true, "restarted"
	case models.StatePending:
		return true, "restart initiated, item is starting"
	default:
		return false, fmt.Sprintf("item still %s after restart", state)
	}
}

// settle waits for the item to come up before it is checked.
func (g *Gate) settle(ctx context.Context) error {
	if g.opts.SettleDelay <= 0 {
		return nil
	}
	timer := g.clock.Timer(g.opts.SettleDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func kindLabel(kind models.ItemKind) string {
	if kind == "" {
		return "declared"
	}
	return string(kind)
}
