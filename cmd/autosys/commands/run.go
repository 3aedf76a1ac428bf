package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/autosys/internal/app"
	apperrors "github.com/shizukutanaka/autosys/internal/errors"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the monitoring and backup daemon",
		Long: `Run the daemon in the foreground until SIGINT or SIGTERM.

Examples:
  autosys run --config /etc/autosys/autosys.yaml
  AUTOSYS_MONITOR_INTERVAL=5s autosys run`,
		Args: cobra.NoArgs,
		RunE: runDaemon,
	}
	cmd.Flags().String("pid-file", "", "write the process ID to this file")
	return cmd
}

func runDaemon(cmd *cobra.Command, args []string) error {
	pidFile, _ := cmd.Flags().GetString("pid-file")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	if pidFile != "" {
		if err := writePIDFile(pidFile); err != nil {
			logger.Warn("Failed to write PID file", zap.Error(err))
		} else {
			defer os.Remove(pidFile)
		}
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, logger, cfg, app.Options{
		ConfigPath: cfgFile,
		Version:    Version,
	})
	if err != nil {
		if ae, ok := asAppError(err); ok {
			logger.Error("Failed to create application", ae.Fields()...)
		}
		return fmt.Errorf("failed to create application: %w", err)
	}

	go func() {
		<-ctx.Done()
		logger.Info("Received shutdown signal")
	}()

	return application.Run(ctx)
}

func asAppError(err error) (*apperrors.AppError, bool) {
	var ae *apperrors.AppError
	if apperrors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// commandContext returns a background context when cmd was invoked directly.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
