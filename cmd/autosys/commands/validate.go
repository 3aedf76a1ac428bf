package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and report every problem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: OK\n", cfgFile)
			fmt.Fprintf(out, "  rules:    %d\n", len(cfg.Alerts.Rules))
			fmt.Fprintf(out, "  channels: %d\n", len(cfg.Notify.Channels))
			if cfg.Backup.Enabled {
				fmt.Fprintf(out, "  backup:   %s -> %s every %s (%s)\n",
					cfg.Backup.Source, cfg.Backup.Destination, cfg.Backup.Interval, cfg.Backup.Format)
			} else {
				fmt.Fprintln(out, "  backup:   disabled")
			}
			if cfg.API.Enabled {
				fmt.Fprintf(out, "  api:      %s\n", cfg.API.ListenAddr)
			}
			return nil
		},
	}
}
