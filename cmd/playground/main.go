// Playground drives batch experiments against a grading backend module.
//
// Usage:
//
//	# Run an experiment to completion and write the export documents
//	playground run --experiment experiment.json --auto-continue --out ./results
//
//	# Resume from an earlier export
//	playground run --experiment experiment.json --resume results/results.json
//
//	# Serve the run over HTTP
//	playground serve --experiment experiment.json
//
//	# Summarise an export document
//	playground inspect results/results.json
//
//	# Follow progress events published by a running instance
//	playground watch --experiment-id exp-1
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playground/internal/config"
	"github.com/fyrsmithlabs/playground/internal/logging"
	"github.com/fyrsmithlabs/playground/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	envFile    string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "playground",
	Short: "Batch experiment runner for grading backend modules",
	Long: `playground sends the submissions and tutor feedback of an experiment to a
grading backend module, collects its feedback suggestions and exports the
results for later review.`,
	Version:      fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/playground/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "file with PLAYGROUND_* environment variables")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(watchCmd)
}

// app bundles what every command needs after configuration was loaded.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry
}

// setup loads configuration and initialises logging and telemetry.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.LoadWithFile(configPath, envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if health := tel.Health(); !health.Healthy {
		logger.Warn(ctx, "telemetry degraded", zap.Strings("reasons", health.Reasons))
	}
	return &app{cfg: cfg, logger: logger, tel: tel}, nil
}

// Close flushes telemetry and the logger.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}
