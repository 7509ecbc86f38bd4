package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/playground/internal/events"
	"github.com/fyrsmithlabs/playground/internal/gateway"
	httpserver "github.com/fyrsmithlabs/playground/internal/http"
	"github.com/fyrsmithlabs/playground/internal/logging"
	"github.com/fyrsmithlabs/playground/internal/orchestrator"
)

var serveFlags struct {
	experiment   string
	moduleConfig string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve one experiment run over HTTP",
	Long: `Serve one experiment run over HTTP. Steps execute in the background as soon
as the run is started, continued or retried through the API.

Examples:
  playground serve --experiment exp.json

  # Publish progress events to NATS
  PLAYGROUND_EVENTS_ENABLED=true playground serve --experiment exp.json`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveFlags.experiment, "experiment", "e", "", "experiment definition (JSON)")
	serveCmd.Flags().StringVarP(&serveFlags.moduleConfig, "module-config", "m", "", "module configuration (JSON), defaults to the backend settings")
	_ = serveCmd.MarkFlagRequired("experiment")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	exp, err := loadExperiment(serveFlags.experiment)
	if err != nil {
		return err
	}
	mc, err := loadModuleConfiguration(serveFlags.moduleConfig, a.cfg.Backend)
	if err != nil {
		return err
	}
	client, err := gateway.NewClient(a.cfg.Backend, mc, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}

	opts := orchestrator.Options{
		Experiment:          exp,
		ModuleConfiguration: mc,
		Gateway:             client,
		Logger:              a.logger,
	}
	if a.cfg.Events.Enabled {
		nc, err := events.Connect(a.cfg.Events, a.logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		opts.Sink = events.NewPublisher(nc, a.cfg.Events.SubjectPrefix, a.logger)
	}

	d, err := orchestrator.New(opts)
	if err != nil {
		return err
	}
	defer d.Close()

	metrics := httpserver.NewHTTPMetrics(a.tel.Meter(httpserver.InstrumentationName), a.logger)
	srv, err := httpserver.NewServer(d, a.logger, &httpserver.Config{
		Host:            a.cfg.Server.Host,
		Port:            a.cfg.Server.Port,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout.Duration(),
	}, metrics)
	if err != nil {
		return err
	}

	a.logger.Info(logging.WithRun(ctx, logging.Run{
		ID:                    d.Snapshot().RunID,
		ExperimentID:          exp.ID,
		ModuleConfigurationID: mc.ID,
	}), "serving experiment",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", a.cfg.Server.Host, a.cfg.Server.Port)),
		zap.Bool("events", a.cfg.Events.Enabled))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := d.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return srv.Start(gctx)
	})
	return g.Wait()
}
