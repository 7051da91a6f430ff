package monitor

import (
	"context"
	"errors"
	"fmt"
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
	"fleetmon/internal/models"
	"fleetmon/internal/pushstore"
	"fleetmon/internal/remote"
)

// ErrUnknownTarget is returned for ids the registry does not know.
var ErrUnknownTarget = errors.New("unknown target")

// Remediator restarts stopped items.
type Remediator interface {
	TryRestart(ctx context.Context, targetID, itemName string, kind models.ItemKind) (models.RestartRecord, error)
	Record(targetID, itemName string) (models.RestartRecord, bool)
}

// AggregatorOptions configures an Aggregator.
type AggregatorOptions struct {
	Workers     int
	PollTimeout time.Duration
	Thresholds  config.Thresholds
}

// Aggregator builds fleet snapshots from push data, falling back to polling.
type Aggregator struct {
	opts    AggregatorOptions
	targets TargetSource
	store   *pushstore.Store
	exec    remote.Executor
	gate    Remediator
	clock   clock.Clock
	sink    events.Sink
	logger  *zap.Logger

	mu         sync.Mutex
	lastState  map[string]models.Lifecycle
	lastOnline map[string]bool
}

// NewAggregator creates an aggregator. gate may be nil to disable remediation.
func NewAggregator(opts AggregatorOptions, targets TargetSource, store *pushstore.Store, exec remote.Executor, gate Remediator, clk clock.Clock, sink events.Sink, logger *zap.Logger) *Aggregator {
	if clk == nil {
		clk = clock.New()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Aggregator{
		opts:       opts,
		targets:    targets,
		store:      store,
		exec:       exec,
		gate:       gate,
		clock:      clk,
		sink:       events.OrDiscard(sink),
		logger:     logging.OrNop(logger).Named("aggregator"),
		lastState:  make(map[string]models.Lifecycle),
		lastOnline: make(map[string]bool),
	}
}

// Aggregate resolves every known target within deadline and returns one
// entry per target in display order. Targets that do not finish in time
// are reported offline with reason timeout. An error is returned only when
// ctx is already done.
func (a *Aggregator) Aggregate(ctx context.Context, deadline time.Duration) (models.FleetSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return models.FleetSnapshot{}, fmt.Errorf("aggregate: %w", err)
	}

	start := a.clock.Now()
	wallStart := time.Now()
	targets := a.targets.Targets()

	runCtx, cancel := withDeadline(ctx, deadline)
	defer cancel()

	jobs := make(chan models.Target)
	// sized so that units finishing after the deadline never block
	results := make(chan models.TargetResult, len(targets))

	workers := min(a.opts.Workers, len(targets))
	for i := 0; i < workers; i++ {
		go func() {
			for t := range jobs {
				results <- a.resolveSafe(runCtx, t)
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, t := range targets {
			select {
			case jobs <- t:
			case <-runCtx.Done():
				return
			}
		}
	}()

	collected := collectResults(results, runCtx.Done(), len(targets))

	snapshot := models.FleetSnapshot{
		GeneratedAt: start,
		Targets:     make([]models.TargetResult, 0, len(targets)),
	}
	for _, t := range targets {
		r, ok := collected[t.ID]
		if !ok {
			a.logger.Warn("Target did not finish before deadline",
				zap.String("target", t.ID),
				zap.Duration("deadline", deadline))
			r = a.placeholder(t, models.ReasonTimeout)
		}
		snapshot.Targets = append(snapshot.Targets, r)
	}
	sort.SliceStable(snapshot.Targets, func(i, j int) bool {
		return snapshot.Targets[i].SortOrder < snapshot.Targets[j].SortOrder
	})
	snapshot.Summary = models.Summarize(snapshot.Targets)
	snapshot.Duration = time.Since(wallStart)
	return snapshot, nil
}

// AggregateTarget resolves one target within deadline.
func (a *Aggregator) AggregateTarget(ctx context.Context, id string, deadline time.Duration) (models.TargetResult, error) {
	if err := ctx.Err(); err != nil {
		return models.TargetResult{}, fmt.Errorf("aggregate %s: %w", id, err)
	}
	target, ok := a.targets.Target(id)
	if !ok {
		return models.TargetResult{}, ErrUnknownTarget
	}

	runCtx, cancel := withDeadline(ctx, deadline)
	defer cancel()

	done := make(chan models.TargetResult, 1)
	go func() { done <- a.resolveSafe(runCtx, target) }()

	select {
	case r := <-done:
		return r, nil
	case <-runCtx.Done():
		select {
		case r := <-done:
			return r, nil
		default:
		}
		a.logger.Warn("Target did not finish before deadline",
			zap.String("target", id),
			zap.Duration("deadline", deadline))
		return a.placeholder(target, models.ReasonTimeout), nil
	}
}

func withDeadline(ctx context.Context, deadline time.Duration) (context.Context, context.CancelFunc) {
	if deadline > 0 {
		return context.WithTimeout(ctx, deadline)
	}
	return context.WithCancel(ctx)
}

// collectResults gathers up to n results until done closes. Results already
// waiting when done closes are kept.
func collectResults(results <-chan models.TargetResult, done <-chan struct{}, n int) map[string]models.TargetResult {
	collected := make(map[string]models.TargetResult, n)
	for len(collected) < n {
		select {
		case r := <-results:
			collected[r.ID] = r
		case <-done:
			for len(collected) < n {
				select {
				case r := <-results:
					collected[r.ID] = r
				default:
					return collected
				}
			}
			return collected
		}
	}
	return collected
}

func (a *Aggregator) resolveSafe(ctx context.Context, target models.Target) (res models.TargetResult) {
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.Error("Target resolution panicked",
				zap.String("target", target.ID),
				zap.Any("panic", rec))
			res = a.placeholder(target, models.ReasonInternal)
		}
	}()
	return a.resolve(ctx, target)
}

func (a *Aggregator) resolve(ctx context.Context, target models.Target) models.TargetResult {
	now := a.clock.Now()
	res := a.baseResult(target, now)

	if reading, ok := a.store.Get(target.ID); ok && reading.IsFresh {
		res.Items = itemsFromPush(target, reading.Report)
		res.Resources = reading.Report.Resources
		res.DataSource = models.SourcePush
	} else {
		a.poll(ctx, target, &res, now)
	}

	a.remediate(ctx, target, &res)
	res.Status = targetStatus(res, a.opts.Thresholds)
	if res.Status == models.StatusOffline && res.Reason == "" {
		res.Reason = models.ReasonNoData
	}

	if st, ok := a.store.ConnectionState(target.ID); ok {
		res.Online = st.IsOnline
		res.Connection = &st
	}

	a.emitTransitions(res)
	return res
}

// poll queries the target directly. Anything obtained makes the source poll.
func (a *Aggregator) poll(ctx context.Context, target models.Target, res *models.TargetResult, now time.Time) {
	run := hostcmd.Remote(a.exec, target.ID, a.opts.PollTimeout)

	items, itemErr := hostcmd.ItemStates(ctx, run, target, now)
	res.Items = items
	itemsOK := 0
	for _, it := range items {
		if it.DataSource == models.SourcePoll {
			itemsOK++
		}
	}

	var obtained int
	var resErr error
	if itemErr != nil && remote.IsConnectionError(itemErr) {
		resErr = itemErr
	} else {
		res.Resources, obtained, resErr = hostcmd.Resources(ctx, run, target)
	}

	switch {
	case itemsOK == 0 && obtained == 0:
		res.DataSource = models.SourceNone
		res.Reason = models.ReasonNoData
		if ctx.Err() != nil {
			res.Reason = models.ReasonTimeout
		}
	case itemErr != nil || resErr != nil:
		res.DataSource = models.SourcePoll
		res.Reason = models.ReasonPartialData
	default:
		res.DataSource = models.SourcePoll
	}

	if res.DataSource == models.SourcePoll {
		a.store.Touch(target.ID)
	}
	if itemErr != nil || resErr != nil {
		a.logger.Debug("Poll incomplete",
			zap.String("target", target.ID),
			zap.NamedError("items_error", itemErr),
			zap.NamedError("resources_error", resErr))
	}
}

// remediate asks the gate to act on every declared stopped item and
// annotates items with their last restart record. The observed state is
// left as it was seen.
func (a *Aggregator) remediate(ctx context.Context, target models.Target, res *models.TargetResult) {
	if a.gate == nil {
		return
	}
	for i := range res.Items {
		it := &res.Items[i]
		if _, declared := target.Item(it.Name); !declared {
			continue
		}
		if it.State != models.StateStopped {
			if rec, ok := a.gate.Record(target.ID, it.Name); ok {
				it.Restart = &rec
			}
			continue
		}
		rec, err := a.gate.TryRestart(ctx, target.ID, it.Name, it.Kind)
		if err != nil {
			if stored, ok := a.gate.Record(target.ID, it.Name); ok {
				rec = stored
			}
		}
		it.Restart = &rec
	}
}

// emitTransitions reports items that became stopped and targets that went
// offline since the previous aggregation.
func (a *Aggregator) emitTransitions(res models.TargetResult) {
	var out []events.Event

	a.mu.Lock()
	for _, it := range res.Items {
		if it.State == models.StateUnknown {
			continue
		}
		key := itemKey(res.ID, it.Name)
		prev := a.lastState[key]
		a.lastState[key] = it.State
		if it.State == models.StateStopped && prev != models.StateStopped {
			ev := events.New(events.KindItemStopped, res.ID, res.CheckedAt)
			ev.Item = it.Name
			ev.Message = fmt.Sprintf("%s %s is stopped", it.Kind, it.Name)
			out = append(out, ev)
		}
	}
	if res.Connection != nil {
		prev, seen := a.lastOnline[res.ID]
		a.lastOnline[res.ID] = res.Online
		if seen && prev && !res.Online {
			ev := events.New(events.KindTargetOffline, res.ID, res.CheckedAt)
			ev.Message = "target stopped reporting"
			out = append(out, ev)
		}
	}
	a.mu.Unlock()

	for _, ev := range out {
		a.sink.Emit(ev)
	}
}

func (a *Aggregator) baseResult(target models.Target, now time.Time) models.TargetResult {
	return models.TargetResult{
		ID:          target.ID,
		Name:        target.DisplayName(),
		Address:     target.Address,
		OS:          target.OS,
		HasDatabase: target.HasDatabase,
		Items:       []models.ItemStatus{},
		CheckedAt:   now,
		SortOrder:   target.SortOrder,
	}
}

// placeholder stands in for a target that produced no result.
func (a *Aggregator) placeholder(target models.Target, reason string) models.TargetResult {
	now := a.clock.Now()
	res := a.baseResult(target, now)
	res.Status = models.StatusOffline
	res.Reason = reason
	res.DataSource = models.SourceNone
	for _, item := range target.Items {
		res.Items = append(res.Items, models.ItemStatus{
			Name:        item.Name,
			DisplayName: item.Label(),
			Kind:        item.Kind,
			State:       models.StateUnknown,
			ObservedAt:  now,
			DataSource:  models.SourceNone,
		})
	}
	if st, ok := a.store.ConnectionState(target.ID); ok {
		res.Online = st.IsOnline
		res.Connection = &st
	}
	return res
}

// itemsFromPush maps report items onto declared items by name. Declared
// items missing from the report are unknown; undeclared extras follow.
func itemsFromPush(target models.Target, report models.PushReport) []models.ItemStatus {
	reported := make(map[string]models.ItemStatus, len(report.Items))
	var order []string
	for _, it := range report.Items {
		key := strings.ToLower(it.Name)
		if _, dup := reported[key]; !dup {
			order = append(order, key)
		}
		reported[key] = it
	}

	out := make([]models.ItemStatus, 0, len(target.Items)+len(report.Items))
	used := make(map[string]bool, len(target.Items))
	for _, item := range target.Items {
		key := strings.ToLower(item.Name)
		st, ok := reported[key]
		if !ok {
			out = append(out, models.ItemStatus{
				Name:        item.Name,
				DisplayName: item.Label(),
				Kind:        item.Kind,
				State:       models.StateUnknown,
				ObservedAt:  report.ReceivedAt,
				DataSource:  models.SourceNone,
			})
			continue
		}
		used[key] = true
		st.Name = item.Name
		st.DisplayName = item.Label()
		st.Kind = item.Kind
		out = append(out, pushItem(st, report))
	}
	for _, key := range order {
		if used[key] {
			continue
		}
		out = append(out, pushItem(reported[key], report))
	}
	return out
}

func pushItem(st models.ItemStatus, report models.PushReport) models.ItemStatus {
	st.State = normalizeLifecycle(st.State)
	st.DataSource = models.SourcePush
	st.Restart = nil
	if st.ObservedAt.IsZero() {
		st.ObservedAt = report.ReceivedAt
	}
	return st
}
