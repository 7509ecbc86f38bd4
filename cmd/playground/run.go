package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playground/internal/events"
	"github.com/fyrsmithlabs/playground/internal/experiment"
	"github.com/fyrsmithlabs/playground/internal/gateway"
	"github.com/fyrsmithlabs/playground/internal/logging"
	"github.com/fyrsmithlabs/playground/internal/orchestrator"
)

var runFlags struct {
	experiment   string
	moduleConfig string
	resume       []string
	autoContinue bool
	retries      int
	out          string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive an experiment against a backend module",
	Long: `Drive an experiment through all steps of a batch run and write the export
documents to the output directory.

Without --auto-continue the run stops after all training feedback was sent.
Run again with --resume and --auto-continue to generate feedback suggestions.

Examples:
  # Full run
  playground run --experiment exp.json --auto-continue --out ./results

  # Resume a stalled run, retrying failed submissions twice
  playground run --experiment exp.json --resume ./results/results.json --retries 2`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runFlags.experiment, "experiment", "e", "", "experiment definition (JSON)")
	runCmd.Flags().StringVarP(&runFlags.moduleConfig, "module-config", "m", "", "module configuration (JSON), defaults to the backend settings")
	runCmd.Flags().StringSliceVar(&runFlags.resume, "resume", nil, "export documents to import before running")
	runCmd.Flags().BoolVar(&runFlags.autoContinue, "auto-continue", false, "continue to feedback suggestions once training feedback was sent")
	runCmd.Flags().IntVar(&runFlags.retries, "retries", 0, "number of retries for incomplete steps")
	runCmd.Flags().StringVarP(&runFlags.out, "out", "o", ".", "output directory for export documents")
	_ = runCmd.MarkFlagRequired("experiment")
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	exp, err := loadExperiment(runFlags.experiment)
	if err != nil {
		return err
	}
	mc, err := loadModuleConfiguration(runFlags.moduleConfig, a.cfg.Backend)
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
		pub := events.NewPublisher(nc, a.cfg.Events.SubjectPrefix, a.logger)
		defer func() { _ = pub.Flush() }()
		opts.Sink = pub
	}

	d, err := orchestrator.New(opts)
	if err != nil {
		return err
	}
	defer d.Close()

	for _, path := range runFlags.resume {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		if !d.Import(ctx, data) {
			return fmt.Errorf("%s was rejected", path)
		}
	}

	ctx = logging.WithRun(ctx, logging.Run{
		ID:                    d.Snapshot().RunID,
		ExperimentID:          exp.ID,
		ModuleConfigurationID: mc.ID,
	})
	step := drive(ctx, d, runFlags.autoContinue, runFlags.retries)

	written, err := writeExport(runFlags.out, d.Export())
	if err != nil {
		return err
	}
	a.logger.Info(ctx, "export written", zap.Strings("files", written), zap.String("step", string(step)))

	if err := ctx.Err(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s stopped in step %s\n", d.Snapshot().RunID, step)
	for _, path := range written {
		fmt.Fprintf(cmd.OutOrStdout(), "  wrote %s\n", path)
	}
	return nil
}

// runner is the part of the driver that drive uses.
type runner interface {
	Start(ctx context.Context) bool
	Step() experiment.Step
	Evaluate(ctx context.Context) bool
	CanContinue() bool
	Continue(ctx context.Context) bool
	CanRetry() bool
	Retry(ctx context.Context) bool
}

// drive evaluates d until it finishes, stalls, or ctx is done, and returns the
// step it stopped in.
func drive(ctx context.Context, d runner, autoContinue bool, retries int) experiment.Step {
	if d.Step() == experiment.StepNotStarted && !d.Start(ctx) {
		return d.Step()
	}
	for {
		for d.Evaluate(ctx) {
		}
		if ctx.Err() != nil {
			return d.Step()
		}
		switch {
		case d.Step() == experiment.StepFinished:
			return d.Step()
		case d.CanContinue():
			if !autoContinue {
				return d.Step()
			}
			d.Continue(ctx)
		case retries > 0 && d.CanRetry():
			retries--
			d.Retry(ctx)
		default:
			return d.Step()
		}
	}
}
