package main

import (
	"fmt"
	"path/filepath"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"fleetmon/internal/config"
	"fleetmon/internal/events"
	"fleetmon/internal/logging"
	"fleetmon/internal/monitor"
	"fleetmon/internal/pushstore"
	"fleetmon/internal/remediation"
	"fleetmon/internal/remote"
	"fleetmon/internal/server"
	"fleetmon/internal/storage"
)

// app is the wired server-side object graph shared by serve, status and probe.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *config.Registry
	store    *pushstore.Store
	channel  *remote.SSHChannel
	gate     *remediation.Gate
	prober   *monitor.Prober
	journal  *storage.EventStorage
	events   *events.Async
	hub      *server.Hub
	monitor  *monitor.Monitor
}

func loadConfig() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

func newApp(cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: cfg.Registry()}

	journal, err := storage.NewEventStorage(filepath.Join(cfg.DataDirectory, "events.json"), storage.DefaultMaxEvents, logger)
	if err != nil {
		return nil, fmt.Errorf("initialise storage: %w", err)
	}
	a.journal = journal
	a.hub = server.NewHub(logger)
	a.events = events.NewAsync(events.Fanout{journal, a.hub}, 0, logger)

	channel, err := remote.NewSSHChannel(cfg.Remote, a.registry, logger)
	if err != nil {
		return nil, fmt.Errorf("initialise remote channel: %w", err)
	}
	a.channel = channel
	retrying := remote.WithRetry(channel, cfg.Remote.Retry.Policy(), logger)

	clk := clock.New()
	a.store = pushstore.New(cfg.FreshnessWindow.Duration, clk, logger)
	a.gate = remediation.NewGate(remediation.OptionsFromConfig(cfg.Remediation), a.registry, channel, clk, a.events, logger)
	// probes go straight to the channel; the prober has its own backoff
	a.prober = monitor.NewProber(monitor.ProberOptionsFromConfig(cfg.Probe), a.registry, a.store, channel, clk, logger)
	agg := monitor.NewAggregator(monitor.AggregatorOptions{
		Workers:     cfg.Aggregation.Workers,
		PollTimeout: cfg.Remote.CommandTimeout.Duration,
		Thresholds:  cfg.Thresholds,
	}, a.registry, a.store, retrying, a.gate, clk, a.events, logger)

	a.store.OnReconnect(monitor.ReconnectHandler(a.prober, channel, a.events, clk, logger))

	a.monitor = monitor.New(a.prober, agg, monitor.Intervals{
		Probe:     cfg.Probe.Interval.Duration,
		Broadcast: cfg.BroadcastInterval.Duration,
		Deadline:  cfg.Aggregation.Timeout.Duration,
	}, a.hub, clk, logger)

	logger.Info("Configuration loaded",
		zap.String("config", configPath),
		zap.Int("targets", a.registry.Len()),
		zap.Bool("auto_restart", cfg.Remediation.Enabled))
	return a, nil
}

func (a *app) server() *server.Server {
	return server.New(a.cfg.ListenAddr, server.Deps{
		Snapshots: a.monitor,
		Targets:   a.registry,
		Store:     a.store,
		Restarter: a.gate,
		Events:    a.journal,
		Hub:       a.hub,
		Logger:    a.logger,
	})
}

func (a *app) close() {
	a.events.Close()
	if err := a.channel.Close(); err != nil {
		a.logger.Debug("Closing remote channel", zap.Error(err))
	}
	_ = a.logger.Sync()
}
