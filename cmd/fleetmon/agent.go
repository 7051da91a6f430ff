package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fleetmon/internal/agent"
	"fleetmon/internal/hostcmd"
	"fleetmon/internal/models"
)

var (
	agentServer string
	agentTarget string
	agentOnce   bool
)

func init() {
	cmdAgent.Flags().StringVar(&agentServer, "server", "", "server base URL (overrides agent.server_url)")
	cmdAgent.Flags().StringVar(&agentTarget, "target", "", "target id to report as (overrides agent.target_id)")
	cmdAgent.Flags().BoolVar(&agentOnce, "once", false, "send a single report and exit")
	rootCmd.AddCommand(cmdAgent)
}

var cmdAgent = &cobra.Command{
	Use:   "agent",
	Short: "Run the push agent on this host",
	Long:  `Samples local resources and declared items and pushes them to the fleetmon server on a fixed interval.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ac := cfg.Agent
		if agentServer != "" {
			ac.ServerURL = agentServer
		}
		if agentTarget != "" {
			ac.TargetID = agentTarget
		}
		if ac.TargetID == "" {
			host, _ := os.Hostname()
			ac.TargetID = host
		}

		target, ok := cfg.Registry().Target(ac.TargetID)
		if !ok {
			logger.Warn("Target not declared in config, reporting resources only", zap.String("target", ac.TargetID))
			target = models.Target{ID: ac.TargetID, OS: agent.LocalOS()}
		}

		collector := agent.NewCollector(target, ac.DiskPath, agent.HostSampler{CPUInterval: time.Second},
			hostcmd.Local(ac.Timeout.Duration), nil, logger)
		sender := agent.NewSender(ac.ServerURL, ac.Timeout.Duration, ac.Retry.Policy(), logger)
		ag := agent.New(collector, sender, ac.Interval.Duration, logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if agentOnce {
			return ag.RunOnce(ctx)
		}
		return ag.Run(ctx)
	},
}
