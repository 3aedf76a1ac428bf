package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/autosys/internal/history"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recorded backup jobs, alerts and samples",
		Long: `Read the history database named in the configuration. The daemon may keep
running; sqlite readers do not block its writer for long.`,
		Args: cobra.NoArgs,
		RunE: runHistory,
	}
	cmd.Flags().Int("limit", 20, "entries per section")
	cmd.Flags().Bool("jobs", true, "show backup jobs")
	cmd.Flags().Bool("alerts", true, "show alerts")
	cmd.Flags().Int("samples", 0, "also show the N most recent resource samples")
	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	showJobs, _ := cmd.Flags().GetBool("jobs")
	showAlerts, _ := cmd.Flags().GetBool("alerts")
	samples, _ := cmd.Flags().GetInt("samples")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.History.Enabled {
		return fmt.Errorf("history is disabled in %s", cfgFile)
	}

	ctx := commandContext(cmd)
	db, err := history.Open(ctx, zap.NewNop(), cfg.History)
	if err != nil {
		return err
	}
	defer db.Close()

	out := cmd.OutOrStdout()
	if showJobs {
		jobs, err := db.RecentJobs(ctx, limit)
		if err != nil {
			return fmt.Errorf("failed to read jobs: %w", err)
		}
		fmt.Fprintf(out, "Backup jobs (%d):\n", len(jobs))
		for i := len(jobs) - 1; i >= 0; i-- {
			fmt.Fprintf(out, "  %s\n", jobLine(jobs[i]))
		}
	}

	if showAlerts {
		alerts, err := db.RecentAlerts(ctx, limit)
		if err != nil {
			return fmt.Errorf("failed to read alerts: %w", err)
		}
		if showJobs {
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, "Alerts (%d):\n", len(alerts))
		for _, a := range alerts {
			state := "open"
			if a.ResolvedAt != nil {
				state = "resolved after " + a.ResolvedAt.Sub(a.RaisedAt).Round(time.Second).String()
			}
			fmt.Fprintf(out, "  %s %s %s %s=%.1f%% (%s)\n", alertMarker(a.Severity),
				a.RaisedAt.Local().Format("2006-01-02 15:04:05"), a.Rule, a.Metric, a.Value, state)
		}
	}

	if samples > 0 {
		rows, err := db.RecentSamples(ctx, samples)
		if err != nil {
			return fmt.Errorf("failed to read samples: %w", err)
		}
		if showJobs || showAlerts {
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, "Samples (%d):\n", len(rows))
		for i := len(rows) - 1; i >= 0; i-- {
			s := rows[i]
			fmt.Fprintf(out, "  %s cpu=%.1f%% mem=%.1f%% disk=%.1f%%\n",
				s.Timestamp.Local().Format("2006-01-02 15:04:05"), s.CPUPercent, s.MemoryPercent, s.DiskPercent)
		}
	}
	return nil
}
