package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var statusSkipProbe bool

func init() {
	cmdStatus.Flags().BoolVar(&statusSkipProbe, "no-probe", false, "skip the reachability pass before aggregating")
	rootCmd.AddCommand(cmdStatus)
}

var cmdStatus = &cobra.Command{
	Use:   "status",
	Short: "Aggregate the fleet once and print the snapshot as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		if !statusSkipProbe {
			a.monitor.ProbeOnce(ctx)
		}
		snapshot, err := a.monitor.RunOnce(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snapshot)
	},
}
