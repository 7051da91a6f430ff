// Package agent is the push side of the monitor: it samples the local host
// and reports to the server on a fixed interval.
package agent

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"fleetmon/internal/logging"
	"fleetmon/internal/models"
)

// Reporter delivers a report to the server.
type Reporter interface {
	Send(ctx context.Context, report models.PushReport) error
}

// Agent periodically collects and sends reports.
type Agent struct {
	collector *Collector
	reporter  Reporter
	interval  time.Duration
	logger    *zap.Logger
}

// New creates an agent.
func New(collector *Collector, reporter Reporter, interval time.Duration, logger *zap.Logger) *Agent {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Agent{
		collector: collector,
		reporter:  reporter,
		interval:  interval,
		logger:    logging.OrNop(logger).Named("agent"),
	}
}

// RunOnce collects one report and sends it.
func (a *Agent) RunOnce(ctx context.Context) error {
	report, err := a.collector.Collect(ctx)
	if err != nil {
		return err
	}
	return a.reporter.Send(ctx, report)
}

// Run reports immediately and then on every tick until ctx ends. Failed
// rounds are logged and the loop carries on.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("Agent started",
		zap.String("target", a.collector.target.ID),
		zap.Duration("interval", a.interval))

	ticker := a.collector.clock.Ticker(a.interval)
	defer ticker.Stop()

	for {
		if err := a.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			a.logger.Warn("Report round failed", zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	a.logger.Info("Agent stopped")
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}
