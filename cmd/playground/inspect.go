package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/playground/internal/experiment"
)

var inspectExperiment string

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Validate and summarise an export document",
	Long: `Validate a results or manualRatings document and print a summary.

With --experiment the summary lists evaluation submissions that have no
feedback suggestions yet.

Examples:
  playground inspect results.json
  playground inspect results.json --experiment exp.json`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().StringVarP(&inspectExperiment, "experiment", "e", "", "experiment definition to compare against")
}

func runInspect(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	doc, err := experiment.DecodeDocument(data)
	if err != nil {
		return fmt.Errorf("invalid document %s: %w", args[0], err)
	}

	var exp *experiment.Experiment
	if inspectExperiment != "" {
		if exp, err = loadExperiment(inspectExperiment); err != nil {
			return err
		}
	}
	return summarize(cmd.OutOrStdout(), doc, exp)
}

// summarize writes a human readable summary of doc. exp may be nil.
func summarize(out io.Writer, doc *experiment.Document, exp *experiment.Experiment) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	switch {
	case doc.Results != nil:
		r := doc.Results
		suggestions := 0
		for _, p := range r.SubmissionsWithFeedbackSuggestions {
			suggestions += len(p.Value.Suggestions)
		}
		fmt.Fprintf(w, "Type:\t%s\n", r.Type)
		fmt.Fprintf(w, "Run:\t%s\n", r.RunID)
		fmt.Fprintf(w, "Experiment:\t%s\n", orNone(r.ExperimentID))
		fmt.Fprintf(w, "Module configuration:\t%s\n", orNone(r.ModuleConfigurationID))
		fmt.Fprintf(w, "Step:\t%s\n", r.Step)
		fmt.Fprintf(w, "Submissions sent:\t%t\n", r.DidSendSubmissions)
		fmt.Fprintf(w, "Training feedback sent:\t%d\n", len(r.SentTrainingSubmissions))
		fmt.Fprintf(w, "Submissions with suggestions:\t%d\n", len(r.SubmissionsWithFeedbackSuggestions))
		fmt.Fprintf(w, "Suggested feedback:\t%d\n", suggestions)
		if exp != nil {
			run := r.Run()
			var missing []experiment.SubmissionID
			for _, s := range exp.EvaluationSubmissions {
				if !run.HasSuggestions(s.ID) {
					missing = append(missing, s.ID)
				}
			}
			fmt.Fprintf(w, "Missing suggestions:\t%d of %d %v\n", len(missing), len(exp.EvaluationSubmissions), missing)
		}
	case doc.ManualRatings != nil:
		m := doc.ManualRatings
		ratings := 0
		for _, p := range m.SubmissionsWithManualRatings {
			ratings += len(p.Value)
		}
		fmt.Fprintf(w, "Type:\t%s\n", m.Type)
		fmt.Fprintf(w, "Run:\t%s\n", m.RunID)
		fmt.Fprintf(w, "Experiment:\t%s\n", orNone(m.ExperimentID))
		fmt.Fprintf(w, "Module configuration:\t%s\n", orNone(m.ModuleConfigurationID))
		fmt.Fprintf(w, "Rated submissions:\t%d\n", len(m.SubmissionsWithManualRatings))
		fmt.Fprintf(w, "Ratings:\t%d\n", ratings)
	}
	return w.Flush()
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
