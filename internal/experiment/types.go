package experiment

import "encoding/json"

// SubmissionID identifies a submission in the LMS.
type SubmissionID int64

// ExecutionModeBatch is the only execution mode the batch driver accepts.
const ExecutionModeBatch = "batch"

// Exercise is the exercise all submissions of an experiment belong to.
type Exercise struct {
	ID                  int64                  `json:"id"`
	Title               string                 `json:"title"`
	Type                string                 `json:"type"`
	MaxPoints           float64                `json:"max_points"`
	BonusPoints         float64                `json:"bonus_points"`
	GradingInstructions string                 `json:"grading_instructions,omitempty"`
	ProblemStatement    string                 `json:"problem_statement,omitempty"`
	ExampleSolution     string                 `json:"example_solution,omitempty"`
	Meta                map[string]interface{} `json:"meta"`
}

// Submission is a piece of student work.
type Submission struct {
	ID            SubmissionID           `json:"id"`
	ExerciseID    int64                  `json:"exercise_id"`
	Text          string                 `json:"text,omitempty"`
	RepositoryURL string                 `json:"repository_url,omitempty"`
	Meta          map[string]interface{} `json:"meta"`
}

// Feedback is a grading annotation, either tutor-authored or suggested by the backend.
type Feedback struct {
	ID                             *int64                 `json:"id,omitempty"`
	ExerciseID                     int64                  `json:"exercise_id"`
	SubmissionID                   SubmissionID           `json:"submission_id"`
	Title                          string                 `json:"title,omitempty"`
	Description                    string                 `json:"description,omitempty"`
	Credits                        float64                `json:"credits"`
	StructuredGradingInstructionID *int64                 `json:"structured_grading_instruction_id,omitempty"`
	IndexStart                     *int                   `json:"index_start,omitempty"`
	IndexEnd                       *int                   `json:"index_end,omitempty"`
	FilePath                       string                 `json:"file_path,omitempty"`
	LineStart                      *int                   `json:"line_start,omitempty"`
	LineEnd                        *int                   `json:"line_end,omitempty"`
	Meta                           map[string]interface{} `json:"meta"`
}

// Experiment declares the exercise and the submissions a batch run works on.
type Experiment struct {
	ID                    string       `json:"id"`
	ExerciseType          string       `json:"exerciseType"`
	ExecutionMode         string       `json:"executionMode"`
	Exercise              Exercise     `json:"exercise"`
	TrainingSubmissions   []Submission `json:"trainingSubmissions,omitempty"`
	EvaluationSubmissions []Submission `json:"evaluationSubmissions"`
	TutorFeedbacks        []Feedback   `json:"tutorFeedbacks"`
}

// AllSubmissions returns training submissions followed by evaluation submissions.
func (e *Experiment) AllSubmissions() []Submission {
	all := make([]Submission, 0, len(e.TrainingSubmissions)+len(e.EvaluationSubmissions))
	all = append(all, e.TrainingSubmissions...)
	return append(all, e.EvaluationSubmissions...)
}

// FeedbacksFor returns the tutor feedback attached to a submission, in declaration order.
func (e *Experiment) FeedbacksFor(id SubmissionID) []Feedback {
	var out []Feedback
	for _, f := range e.TutorFeedbacks {
		if f.SubmissionID == id {
			out = append(out, f)
		}
	}
	return out
}

// Module names the backend module a configuration targets.
type Module struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// ModuleConfiguration pairs a backend module with the configuration it runs under.
type ModuleConfiguration struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Module       Module          `json:"module"`
	ModuleConfig json.RawMessage `json:"moduleConfig,omitempty"`
}

// SuggestionResult is what the backend returned for one evaluation submission.
type SuggestionResult struct {
	Suggestions []Feedback      `json:"suggestions"`
	Meta        json.RawMessage `json:"meta"`
}

// ManualRating is a reviewer's judgement of one suggested feedback.
type ManualRating struct {
	FeedbackID int64  `json:"feedbackId"`
	IsAccepted *bool  `json:"isAccepted,omitempty"`
	Likert     *int   `json:"likert,omitempty"`
	Comment    string `json:"comment,omitempty"`
}
