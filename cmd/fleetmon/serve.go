package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var listenAddr string

func init() {
	cmdServe.Flags().StringVar(&listenAddr, "addr", "", "address for the web server (overrides listen_addr)")
	rootCmd.AddCommand(cmdServe)
}

var cmdServe = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitor with its HTTP API",
	Long:  `Starts probing and periodic aggregation, and serves the API, websocket and metrics endpoints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		a.monitor.Start()
		defer a.monitor.Stop()

		srv := a.server()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Server shutdown", zap.Error(err))
			}
		}()

		logger.Info("fleetmon listening",
			zap.String("addr", cfg.ListenAddr),
			zap.Duration("broadcast_interval", cfg.BroadcastInterval.Duration),
			zap.Duration("probe_interval", cfg.Probe.Interval.Duration))
		if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}
