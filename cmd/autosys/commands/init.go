package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
)

const configTemplate = `# autosys configuration. Every key may be overridden by an environment
# variable, e.g. AUTOSYS_MONITOR_INTERVAL=5s.

log:
  level: info
  encoding: json
  file: ""

monitor:
  interval: 1s
  sample_timeout: 500ms
  disk_path: /
  shutdown_grace: 30s

alerts:
  rules:
    - name: cpu_high
      metric: cpu
      threshold: 85
      debounce: 30s
      severity: warning
      critical_threshold: 95
    - name: memory_high
      metric: memory
      threshold: 90
      debounce: 1m
    - name: disk_full
      metric: disk
      threshold: 90
      severity: critical

notify:
  attempts: 3
  initial_backoff: 1s
  max_backoff: 30s
  queue_size: 256
  channels:
    - name: ops-webhook
      type: webhook
      enabled: false
      notify_resolved: true
      webhook:
        url: https://hooks.example.com/autosys
    - name: oncall-mail
      type: email
      enabled: false
      min_severity: critical
      email:
        host: smtp.example.com
        port: 587
        username: autosys
        password: keyring:autosys/smtp
        from: autosys@example.com
        to: [oncall@example.com]

backup:
  enabled: {{ .BackupEnabled }}
  source: {{ printf "%q" .Source }}
  destination: {{ printf "%q" .Destination }}
  interval: 24h
  format: tar.gz
  compression_level: 6
  max_attempts: 3
  retry_backoff: 1m
  space_factor: 2

api:
  enabled: true
  listen_addr: 127.0.0.1:8088
  jwt_secret: {{ printf "%q" .JWTSecret }}

history:
  enabled: true
  driver: sqlite3
  dsn: {{ printf "%q" .HistoryDSN }}
  sample_retention: 168h
  seed_jobs: 50
`

type configParams struct {
	BackupEnabled bool
	Source        string
	Destination   string
	JWTSecret     string
	HistoryDSN    string
}

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Long: `Write a commented configuration to the --config path with a fresh API
signing secret. Channels are written disabled.`,
		Args: cobra.NoArgs,
		RunE: runInit,
	}
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	cmd.Flags().String("source", "", "directory to back up (enables backups)")
	cmd.Flags().String("destination", "./backups", "backup destination directory")
	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	source, _ := cmd.Flags().GetString("source")
	destination, _ := cmd.Flags().GetString("destination")

	if !force && fileExists(cfgFile) {
		return fmt.Errorf("%s already exists, use --force to overwrite", cfgFile)
	}

	secret, err := generateSecret()
	if err != nil {
		return fmt.Errorf("failed to generate API secret: %w", err)
	}

	params := configParams{
		BackupEnabled: source != "",
		Source:        source,
		Destination:   destination,
		JWTSecret:     secret,
		HistoryDSN:    filepath.Join(filepath.Dir(cfgFile), "autosys.db"),
	}
	if dir := filepath.Dir(cfgFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	f, err := os.OpenFile(cfgFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	tmpl := template.Must(template.New("config").Parse(configTemplate))
	if err := tmpl.Execute(f, params); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration written to %s\n", cfgFile)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Enable and fill in at least one notification channel")
	fmt.Fprintln(out, "  2. Run 'autosys validate' to check the file")
	fmt.Fprintln(out, "  3. Run 'autosys run' to start the daemon")
	return nil
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
