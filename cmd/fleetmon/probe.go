package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cmdProbe)
}

var cmdProbe = &cobra.Command{
	Use:   "probe",
	Short: "Probe every offline target once",
	Long:  `Runs one reachability pass over targets that are offline or have never been seen, and prints each outcome.`,
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

		outcomes := a.prober.ProbeAllOffline(cmd.Context())
		if len(outcomes) == 0 {
			fmt.Fprintln(os.Stdout, "No offline targets")
			return nil
		}
		for _, o := range outcomes {
			line := fmt.Sprintf("%-20s %-17s failures=%d", o.TargetID, o.Result, o.ConsecutiveFailures)
			if !o.NextAllowedAt.IsZero() {
				line += " next=" + o.NextAllowedAt.Format(time.RFC3339)
			}
			if o.Error != "" {
				line += " error=" + o.Error
			}
			fmt.Fprintln(os.Stdout, line)
		}
		return nil
	},
}
