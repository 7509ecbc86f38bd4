package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fyrsmithlabs/playground/internal/experiment"
)

// NoSelection is the selection a backend returns when it has no preference.
const NoSelection experiment.SubmissionID = -1

// Gateway is the request surface of the grading backend.
type Gateway interface {
	// SendSubmissions makes the backend aware of all submissions of an exercise.
	SendSubmissions(ctx context.Context, exercise experiment.Exercise, submissions []experiment.Submission) error
	// SendFeedbacks trains the backend with the tutor feedback of one submission.
	SendFeedbacks(ctx context.Context, exercise experiment.Exercise, submission experiment.Submission, feedbacks []experiment.Feedback) error
	// RequestSubmissionSelection asks which submission should be assessed next.
	RequestSubmissionSelection(ctx context.Context, exercise experiment.Exercise, submissions []experiment.Submission) (*SelectionResponse, error)
	// RequestFeedbackSuggestions asks for suggested feedback on one submission.
	RequestFeedbackSuggestions(ctx context.Context, exercise experiment.Exercise, submission experiment.Submission) (*SuggestionsResponse, error)
}

// SelectionResponse carries the chosen submission id, or NoSelection.
type SelectionResponse struct {
	Data experiment.SubmissionID `json:"data"`
	Meta json.RawMessage         `json:"meta,omitempty"`
}

// SuggestionsResponse carries the suggested feedback for one submission.
type SuggestionsResponse struct {
	Data []experiment.Feedback `json:"data"`
	Meta json.RawMessage       `json:"meta,omitempty"`
}

// EventKind classifies driver events.
type EventKind string

const (
	EventStep     EventKind = "step"
	EventProgress EventKind = "progress"
	EventError    EventKind = "error"
)

// Event is emitted on step changes, per-item progress, and per-item failures.
type Event struct {
	Kind                  EventKind               `json:"kind"`
	RunID                 string                  `json:"runId"`
	ExperimentID          string                  `json:"experimentId"`
	ModuleConfigurationID string                  `json:"moduleConfigurationId,omitempty"`
	Step                  experiment.Step         `json:"step"`
	PreviousStep          experiment.Step         `json:"previousStep,omitempty"`
	SubmissionID          experiment.SubmissionID `json:"submissionId,omitempty"`
	Done                  int                     `json:"done,omitempty"`
	Total                 int                     `json:"total,omitempty"`
	Message               string                  `json:"message,omitempty"`
	Error                 string                  `json:"error,omitempty"`
	Time                  time.Time               `json:"time"`
}

// ProgressSink receives driver events. Implementations must not block for long
// and must not call back into the Driver.
type ProgressSink interface {
	Publish(ctx context.Context, ev Event)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(ctx context.Context, ev Event)

// Publish calls f.
func (f ProgressFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }

type nopSink struct{}

func (nopSink) Publish(context.Context, Event) {}
