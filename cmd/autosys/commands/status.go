package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shizukutanaka/autosys/internal/backup"
	"github.com/shizukutanaka/autosys/internal/monitoring"
	"github.com/shizukutanaka/autosys/internal/status"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running daemon",
		Long:  `Fetch the current snapshot from the dashboard API and print it.`,
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	cmd.Flags().String("api-url", "http://127.0.0.1:8088", "dashboard API URL")
	cmd.Flags().String("format", "table", "output format (table, json, yaml)")
	cmd.Flags().String("token", "", "bearer token when the API requires one")
	cmd.Flags().Bool("watch", false, "refresh until interrupted")
	cmd.Flags().Duration("interval", 5*time.Second, "watch interval")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	apiURL, _ := cmd.Flags().GetString("api-url")
	format, _ := cmd.Flags().GetString("format")
	token, _ := cmd.Flags().GetString("token")
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")

	client := &statusClient{baseURL: strings.TrimRight(apiURL, "/"), token: token, http: &http.Client{Timeout: 10 * time.Second}}
	out := cmd.OutOrStdout()

	if !watch {
		return displayStatus(commandContext(cmd), out, client, format)
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		fmt.Fprint(out, "\033[H\033[2J")
		if err := displayStatus(ctx, out, client, format); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type statusClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *statusClient) fetch(ctx context.Context) (*status.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/status", nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	var snap status.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func displayStatus(ctx context.Context, out io.Writer, client *statusClient, format string) error {
	snap, err := client.fetch(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch status: %w", err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case "yaml":
		data, err := yaml.Marshal(snap)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	case "table", "":
		displayTable(out, snap, time.Now())
		return nil
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func displayTable(out io.Writer, s *status.Snapshot, now time.Time) {
	fmt.Fprintf(out, "autosys on %s - %s\n\n", s.Host.Hostname, now.Format("2006-01-02 15:04:05"))

	fmt.Fprintln(out, "Overview:")
	fmt.Fprintf(out, "  Health           : %s\n", healthMarker(s))
	fmt.Fprintf(out, "  Started          : %s\n", humanize.Time(s.StartedAt))
	fmt.Fprintf(out, "  Snapshot         : v%d, %s\n", s.Version, humanize.Time(s.UpdatedAt))
	if s.Host.TotalMemory > 0 {
		fmt.Fprintf(out, "  Host             : %s %s, %d cores, %s RAM\n",
			s.Host.Platform, s.Host.Kernel, s.Host.LogicalCPUs, humanize.IBytes(s.Host.TotalMemory))
	}
	if s.SkippedTicks > 0 {
		fmt.Fprintf(out, "  Skipped Ticks    : %s\n", humanize.Comma(int64(s.SkippedTicks)))
	}
	if s.LastSampleError != "" {
		fmt.Fprintf(out, "  Sample Error     : %s\n", s.LastSampleError)
	}
	if s.ConfigStale {
		fmt.Fprintln(out, "  Config           : changed on disk, restart to apply")
		if s.ConfigError != "" {
			fmt.Fprintf(out, "                     %s\n", s.ConfigError)
		}
	}

	if s.Latest != nil {
		fmt.Fprintln(out, "\nUsage:")
		fmt.Fprintf(out, "  CPU    : %5.1f%%%s\n", s.Latest.CPUPercent, summaryLine(s.Summary, monitoring.MetricCPU))
		fmt.Fprintf(out, "  Memory : %5.1f%%%s\n", s.Latest.MemoryPercent, summaryLine(s.Summary, monitoring.MetricMemory))
		fmt.Fprintf(out, "  Disk   : %5.1f%%%s\n", s.Latest.DiskPercent, summaryLine(s.Summary, monitoring.MetricDisk))
	}

	fmt.Fprintf(out, "\nAlerts (%d open, %d raised):\n", len(s.OpenAlerts), s.AlertCounts.Total)
	if len(s.OpenAlerts) == 0 {
		fmt.Fprintln(out, "  none")
	}
	for _, a := range s.OpenAlerts {
		fmt.Fprintf(out, "  %s %s %s=%.1f%% > %.1f%% since %s\n",
			alertMarker(a.Severity), a.Rule, a.Metric, a.Value, a.Threshold, humanize.Time(a.RaisedAt))
	}

	fmt.Fprintln(out, "\nBackups:")
	if s.NextBackupAt != nil {
		fmt.Fprintf(out, "  Next run : %s\n", humanize.Time(*s.NextBackupAt))
	}
	if s.ActiveJob != nil {
		fmt.Fprintf(out, "  Active   : %s attempt %d\n", s.ActiveJob.ID, s.ActiveJob.AttemptCount)
	}
	jobs := s.Jobs
	if len(jobs) > 5 {
		jobs = jobs[len(jobs)-5:]
	}
	for i := len(jobs) - 1; i >= 0; i-- {
		fmt.Fprintf(out, "  %s\n", jobLine(jobs[i]))
	}
	if len(s.Jobs) == 0 && s.NextBackupAt == nil {
		fmt.Fprintln(out, "  none")
	}

	if len(s.Notifications) > 0 {
		fmt.Fprintln(out, "\nNotifications:")
		names := make([]string, 0, len(s.Notifications))
		for name := range s.Notifications {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			h := s.Notifications[name]
			marker := "[OK]"
			if h.Degraded {
				marker = "[DEGRADED]"
			}
			fmt.Fprintf(out, "  %-10s %s delivered=%d failed=%d", marker, name, h.Delivered, h.Failed)
			if h.Degraded && h.LastError != "" {
				fmt.Fprintf(out, " error=%q", h.LastError)
			}
			fmt.Fprintln(out)
		}
		if s.DroppedNotifications > 0 {
			fmt.Fprintf(out, "  dropped: %s\n", humanize.Comma(int64(s.DroppedNotifications)))
		}
	}
}

func summaryLine(sum *status.Summary, m monitoring.Metric) string {
	if sum == nil || sum.Samples < 2 {
		return ""
	}
	var st status.Stat
	switch m {
	case monitoring.MetricCPU:
		st = sum.CPU
	case monitoring.MetricMemory:
		st = sum.Memory
	case monitoring.MetricDisk:
		st = sum.Disk
	}
	return fmt.Sprintf("  (avg %.1f, min %.1f, max %.1f over %d samples)", st.Mean, st.Min, st.Max, sum.Samples)
}

func jobLine(j backup.Job) string {
	line := fmt.Sprintf("%s %s %s", jobMarker(j.Status), j.ScheduledAt.Local().Format("2006-01-02 15:04"), j.Status)
	if j.SizeBytes > 0 {
		line += " " + humanize.Bytes(uint64(j.SizeBytes))
	}
	if j.Artifact != "" {
		line += " " + j.Artifact
	}
	if j.Error != "" {
		line += " (" + j.Error + ")"
	}
	return line
}

func healthMarker(s *status.Snapshot) string {
	if s.LastSampleError != "" || s.NotificationDegraded || s.ConfigStale {
		return "[WARN] degraded"
	}
	return "[OK] ok"
}

func alertMarker(sev monitoring.Severity) string {
	switch sev {
	case monitoring.SeverityCritical:
		return "[CRIT]"
	case monitoring.SeverityWarning:
		return "[WARN]"
	case monitoring.SeverityInfo:
		return "[INFO]"
	default:
		return "[NOTE]"
	}
}

func jobMarker(st backup.Status) string {
	switch st {
	case backup.StatusSucceeded:
		return "[OK]"
	case backup.StatusFailed:
		return "[FAIL]"
	case backup.StatusRunning, backup.StatusPending:
		return "[RUN]"
	case backup.StatusSkippedOverlap:
		return "[SKIP]"
	case backup.StatusInterrupted:
		return "[STOP]"
	default:
		return "[N/A]"
	}
}
