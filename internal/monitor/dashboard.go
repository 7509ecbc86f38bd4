// Package monitor renders batch run events as a live terminal dashboard.
package monitor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/playground/internal/experiment"
	"github.com/fyrsmithlabs/playground/internal/orchestrator"
)

const (
	progressWidth   = 40
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
)

// Lipgloss styles
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// EventMsg delivers one driver event to the dashboard.
type EventMsg orchestrator.Event

// RunState is what the dashboard knows about one run.
type RunState struct {
	ExperimentID      string
	RunID             string
	Step              experiment.Step
	TrainingDone      int
	TrainingTotal     int
	SuggestionsDone   int
	SuggestionsTotal  int
	LastError         string
	Updated           time.Time
	SuggestionSeconds []float64

	lastSuggestion time.Time
}

// Model is the bubbletea model behind `playground watch`.
type Model struct {
	experimentID string
	runs         map[string]*RunState
	quitting     bool

	trainingProgress   progress.Model
	suggestionProgress progress.Model
}

// NewModel creates a dashboard for experimentID. An empty id shows every experiment.
func NewModel(experimentID string) Model {
	return Model{
		experimentID: experimentID,
		runs:         make(map[string]*RunState),
		trainingProgress: progress.New(
			progress.WithGradient("#00ffff", "#ff00ff"),
			progress.WithWidth(progressWidth),
		),
		suggestionProgress: progress.New(
			progress.WithGradient("#00ff00", "#ffff00"),
			progress.WithWidth(progressWidth),
		),
	}
}

// Run returns the state of runID, or nil if no event of it was seen.
func (m Model) Run(runID string) *RunState {
	return m.runs[runID]
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "c":
			m.clearFinished()
		}

	case EventMsg:
		m.apply(orchestrator.Event(msg))
	}

	return m, nil
}

func (m Model) apply(ev orchestrator.Event) {
	if ev.RunID == "" {
		return
	}
	run, ok := m.runs[ev.RunID]
	if !ok {
		run = &RunState{ExperimentID: ev.ExperimentID, RunID: ev.RunID}
		m.runs[ev.RunID] = run
	}
	if ev.Time.After(run.Updated) {
		run.Updated = ev.Time
	}

	switch ev.Kind {
	case orchestrator.EventStep:
		run.Step = ev.Step
		run.LastError = ""
	case orchestrator.EventProgress:
		if run.Step == "" {
			run.Step = ev.Step
		}
		switch ev.Step {
		case experiment.StepSendingTrainingFeedbacks:
			run.TrainingDone, run.TrainingTotal = ev.Done, ev.Total
		case experiment.StepGeneratingFeedbackSuggestions:
			run.SuggestionsDone, run.SuggestionsTotal = ev.Done, ev.Total
			if !run.lastSuggestion.IsZero() && ev.Time.After(run.lastSuggestion) {
				run.SuggestionSeconds = appendToHistory(run.SuggestionSeconds, ev.Time.Sub(run.lastSuggestion).Seconds())
			}
			run.lastSuggestion = ev.Time
		}
	case orchestrator.EventError:
		run.LastError = fmt.Sprintf("%s: %s", ev.Message, ev.Error)
	}
}

// clearFinished forgets runs that reached the final step.
func (m Model) clearFinished() {
	for id, run := range m.runs {
		if run.Step == experiment.StepFinished {
			delete(m.runs, id)
		}
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	spark.PushAll(data)
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

// stepBadge colors a step by how far the run got.
func stepBadge(run *RunState) string {
	switch {
	case run.LastError != "":
		return errorStyle.Render("✗ " + string(run.Step))
	case run.Step == experiment.StepFinished:
		return healthyStyle.Render("✓ " + string(run.Step))
	case run.Step == "":
		return dimStyle.Render("unknown")
	}
	return warningStyle.Render("● " + string(run.Step))
}

func ratio(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	r := float64(done) / float64(total)
	if r > 1 {
		r = 1
	}
	return r
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(" playground runs "))
	b.WriteString("\n")
	scope := "all experiments"
	if m.experimentID != "" {
		scope = m.experimentID
	}
	b.WriteString(dimStyle.Render("Watching: ") + valueStyle.Render(scope) + "\n")

	if len(m.runs) == 0 {
		b.WriteString("\n" + dimStyle.Render("Waiting for events...") + "\n")
	}

	for _, run := range m.sortedRuns() {
		b.WriteString("\n" + sectionStyle.Render(fmt.Sprintf("┃ %s / %s", run.ExperimentID, run.RunID)) + "\n")
		b.WriteString(labelStyle.Render("  Step: ") + stepBadge(run) +
			"   " + dimStyle.Render(run.Updated.Format(time.TimeOnly)) + "\n")
		b.WriteString(labelStyle.Render("  Training:    ") +
			m.trainingProgress.ViewAs(ratio(run.TrainingDone, run.TrainingTotal)) +
			" " + dimStyle.Render(fmt.Sprintf("%d/%d", run.TrainingDone, run.TrainingTotal)) + "\n")
		b.WriteString(labelStyle.Render("  Suggestions: ") +
			m.suggestionProgress.ViewAs(ratio(run.SuggestionsDone, run.SuggestionsTotal)) +
			" " + dimStyle.Render(fmt.Sprintf("%d/%d", run.SuggestionsDone, run.SuggestionsTotal)) + "\n")
		b.WriteString(labelStyle.Render("  Seconds per suggestion: ") + createSparkline(run.SuggestionSeconds) + "\n")
		if run.LastError != "" {
			b.WriteString(labelStyle.Render("  Error: ") + errorStyle.Render(run.LastError) + "\n")
		}
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[c]") + footerStyle.Render(" clear finished")
	b.WriteString("\n" + footer)

	return containerStyle.Render(b.String())
}

// sortedRuns orders runs by their latest event, oldest first.
func (m Model) sortedRuns() []*RunState {
	runs := make([]*RunState, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].Updated.Equal(runs[j].Updated) {
			return runs[i].RunID < runs[j].RunID
		}
		return runs[i].Updated.Before(runs[j].Updated)
	})
	return runs
}
