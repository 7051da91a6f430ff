package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "fleetmon [command]",
	Short:         "fleetmon: fleet health aggregation and recovery",
	Long:          `fleetmon watches a fleet of Windows and Linux servers, merging agent push reports with SSH polling, and restarts stopped items.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file (YAML)")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fleetmon:", err)
		os.Exit(1)
	}
}
