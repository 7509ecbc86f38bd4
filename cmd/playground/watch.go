package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/playground/internal/events"
	"github.com/fyrsmithlabs/playground/internal/monitor"
	"github.com/fyrsmithlabs/playground/internal/orchestrator"
)

var (
	watchExperimentID string
	watchPlain        bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow progress events over NATS",
	Long: `Show step, progress and error events published by running playground
instances until interrupted. By default a live dashboard shows each run's
step with its training and suggestion progress. --plain prints one line per
event instead, which suits logs and pipes.

Examples:
  playground watch
  playground watch --experiment-id exp-1
  playground watch --plain | tee events.log`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchExperimentID, "experiment-id", "", "only show events of this experiment")
	watchCmd.Flags().BoolVar(&watchPlain, "plain", false, "print one line per event instead of the dashboard")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	nc, err := events.Connect(a.cfg.Events, a.logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	out := cmd.OutOrStdout()
	if watchPlain {
		sub, err := events.Subscribe(nc, a.cfg.Events.SubjectPrefix, watchExperimentID, a.logger, func(ev orchestrator.Event) {
			printEvent(out, ev)
		})
		if err != nil {
			return err
		}
		defer func() { _ = sub.Unsubscribe() }()

		<-ctx.Done()
		return nil
	}

	p := tea.NewProgram(monitor.NewModel(watchExperimentID),
		tea.WithContext(ctx),
		tea.WithInput(cmd.InOrStdin()),
		tea.WithOutput(out),
		tea.WithAltScreen(),
	)
	sub, err := events.Subscribe(nc, a.cfg.Events.SubjectPrefix, watchExperimentID, a.logger, func(ev orchestrator.Event) {
		p.Send(monitor.EventMsg(ev))
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

func printEvent(w io.Writer, ev orchestrator.Event) {
	ts := ev.Time.Format(time.TimeOnly)
	switch ev.Kind {
	case orchestrator.EventStep:
		fmt.Fprintf(w, "%s %s %s: %s -> %s\n", ts, ev.ExperimentID, ev.RunID, ev.PreviousStep, ev.Step)
	case orchestrator.EventProgress:
		fmt.Fprintf(w, "%s %s %s: %s (%d/%d)\n", ts, ev.ExperimentID, ev.RunID, ev.Message, ev.Done, ev.Total)
	case orchestrator.EventError:
		fmt.Fprintf(w, "%s %s %s: %s: %s\n", ts, ev.ExperimentID, ev.RunID, ev.Message, ev.Error)
	default:
		fmt.Fprintf(w, "%s %s %s: %s\n", ts, ev.ExperimentID, ev.RunID, ev.Kind)
	}
}
