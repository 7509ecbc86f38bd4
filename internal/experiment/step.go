package experiment

import "fmt"

// Step is the position of a run in the batch workflow.
type Step string

const (
	StepNotStarted                    Step = "notStarted"
	StepSendingSubmissions            Step = "sendingSubmissions"
	StepSendingTrainingFeedbacks      Step = "sendingTrainingFeedbacks"
	StepGeneratingFeedbackSuggestions Step = "generatingFeedbackSuggestions"
	StepFinished                      Step = "finished"
)

// AllSteps returns all steps in workflow order.
func AllSteps() []Step {
	return []Step{
		StepNotStarted,
		StepSendingSubmissions,
		StepSendingTrainingFeedbacks,
		StepGeneratingFeedbackSuggestions,
		StepFinished,
	}
}

// Index returns the position of s in AllSteps, or -1 for an unknown step.
func (s Step) Index() int {
	for i, step := range AllSteps() {
		if step == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is one of the defined steps.
func (s Step) Valid() bool {
	return s.Index() >= 0
}

// Before reports whether s comes strictly before other in workflow order.
func (s Step) Before(other Step) bool {
	return s.Index() < other.Index()
}

// CanTransition reports whether a run may move from s to next. Runs move one
// step at a time, except that training feedback may be skipped entirely.
func (s Step) CanTransition(next Step) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == StepSendingSubmissions && next == StepGeneratingFeedbackSuggestions {
		return true
	}
	return next.Index() == s.Index()+1
}

// UnmarshalText implements encoding.TextUnmarshaler and rejects unknown steps.
func (s *Step) UnmarshalText(text []byte) error {
	step := Step(text)
	if !step.Valid() {
		return fmt.Errorf("unknown step %q", text)
	}
	*s = step
	return nil
}
