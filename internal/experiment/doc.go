// Package experiment holds the data model of a batch experiment run.
//
// A Run moves through an ordered sequence of steps:
//
//	notStarted → sendingSubmissions → sendingTrainingFeedbacks → generatingFeedbackSuggestions → finished
//
// The Store owns the Run and the manual rating index. It performs no I/O;
// network effects live in the orchestrator's step executors. Runs cross the
// process boundary only through the export documents in codec.go.
package experiment
