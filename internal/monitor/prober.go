package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fleetmon/internal/backoff"
	"fleetmon/internal/config"
	"fleetmon/internal/logging"
	"fleetmon/internal/metrics"
	"fleetmon/internal/models"
	"fleetmon/internal/pushstore"
	"fleetmon/internal/remote"
)

// TargetSource is the read-only target registry.
type TargetSource interface {
	Targets() []models.Target
	Target(id string) (models.Target, bool)
}

// ProbeResult is the outcome class of one probe.
type ProbeResult string

const (
	ProbeSuccess  ProbeResult = "success"
	ProbeFailure  ProbeResult = "failure"
	ProbeTooSoon  ProbeResult = "skipped_too_soon"
	ProbeNotFound ProbeResult = "not_found"
)

// ProbeOutcome describes one ProbeOnce call.
type ProbeOutcome struct {
	TargetID            string      `json:"target_id"`
	Result              ProbeResult `json:"result"`
	Reconnected         bool        `json:"reconnected,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	NextAllowedAt       time.Time   `json:"next_allowed_at"`
	Error               string      `json:"error,omitempty"`
}

// ProberOptions configures a Prober.
type ProberOptions struct {
	Command     string
	Expect      string
	Timeout     time.Duration
	Policy      backoff.Policy
	Concurrency int
}

// ProberOptionsFromConfig maps the probe config section.
func ProberOptionsFromConfig(cfg config.ProbeConfig) ProberOptions {
	return ProberOptions{
		Command:     cfg.Command,
		Expect:      cfg.Expect,
		Timeout:     cfg.Timeout.Duration,
		Policy:      cfg.Policy(),
		Concurrency: cfg.Concurrency,
	}
}

type probeAttempt struct {
	lastProbe   time.Time
	failures    int
	nextAllowed time.Time
	inFlight    bool
}

// Prober checks whether offline targets answer again, backing off per target.
type Prober struct {
	opts    ProberOptions
	targets TargetSource
	store   *pushstore.Store
	exec    remote.Executor
	clock   clock.Clock
	logger  *zap.Logger

	mu       sync.Mutex
	attempts map[string]*probeAttempt
}

// NewProber creates a prober.
func NewProber(opts ProberOptions, targets TargetSource, store *pushstore.Store, exec remote.Executor, clk clock.Clock, logger *zap.Logger) *Prober {
	if clk == nil {
		clk = clock.New()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Prober{
		opts:     opts,
		targets:  targets,
		store:    store,
		exec:     exec,
		clock:    clk,
		logger:   logging.OrNop(logger).Named("prober"),
		attempts: make(map[string]*probeAttempt),
	}
}

// ProbeOnce runs the reachability command against one target unless its
// backoff window has not yet elapsed.
func (p *Prober) ProbeOnce(ctx context.Context, targetID string) ProbeOutcome {
	out := ProbeOutcome{TargetID: targetID}
	if _, ok := p.targets.Target(targetID); !ok {
		out.Result = ProbeNotFound
		out.Error = "unknown target"
		return out
	}

	now := p.clock.Now()
	p.mu.Lock()
	a, ok := p.attempts[targetID]
	if !ok {
		a = &probeAttempt{}
		p.attempts[targetID] = a
	}
	if a.inFlight || now.Before(a.nextAllowed) {
		out.Result = ProbeTooSoon
		out.ConsecutiveFailures = a.failures
		out.NextAllowedAt = a.nextAllowed
		p.mu.Unlock()
		metrics.RecordProbe(string(out.Result))
		return out
	}
	a.inFlight = true
	a.lastProbe = now
	a.nextAllowed = now.Add(p.opts.Policy.Delay(a.failures))
	p.mu.Unlock()

	output, err := p.exec.Execute(ctx, targetID, p.opts.Command, p.opts.Timeout)
	if err == nil && !strings.Contains(output, p.opts.Expect) {
		err = fmt.Errorf("unexpected probe output %q", output)
	}

	p.mu.Lock()
	a.inFlight = false
	if err == nil {
		a.failures = 0
	} else {
		a.failures++
	}
	a.nextAllowed = a.lastProbe.Add(p.opts.Policy.Delay(a.failures))
	out.ConsecutiveFailures = a.failures
	out.NextAllowedAt = a.nextAllowed
	p.mu.Unlock()

	if err != nil {
		p.store.MarkUnreachable(targetID)
		out.Result = ProbeFailure
		out.Error = err.Error()
		p.logger.Debug("Probe failed",
			zap.String("target", targetID),
			zap.Int("consecutive_failures", out.ConsecutiveFailures),
			zap.Time("next_allowed_at", out.NextAllowedAt),
			zap.Error(err))
	} else {
		out.Result = ProbeSuccess
		out.Reconnected = p.store.MarkReachable(targetID)
		p.logger.Info("Probe succeeded",
			zap.String("target", targetID),
			zap.Bool("reconnected", out.Reconnected))
	}
	metrics.RecordProbe(string(out.Result))
	return out
}

// ProbeAllOffline probes every offline target and every target the store
// has never heard of, with bounded concurrency. Outcomes are sorted by id.
func (p *Prober) ProbeAllOffline(ctx context.Context) []ProbeOutcome {
	candidates := make(map[string]struct{})
	for _, id := range p.store.OfflineTargets() {
		if _, ok := p.targets.Target(id); ok {
			candidates[id] = struct{}{}
		}
	}
	for _, t := range p.targets.Targets() {
		if _, known := p.store.ConnectionState(t.ID); !known {
			candidates[t.ID] = struct{}{}
		}
	}

	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	outcomes := make([]ProbeOutcome, len(ids))
	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			outcomes[i] = p.ProbeOnce(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// ResetBackoff forgets the failure history of a target.
func (p *Prober) ResetBackoff(targetID string) {
	p.mu.Lock()
	delete(p.attempts, targetID)
	p.mu.Unlock()
}
