// Package orchestrator drives batch experiments against a grading backend.
//
// # Overview
//
// A batch run moves through a fixed sequence of steps:
//
//	notStarted → sendingSubmissions → sendingTrainingFeedbacks → generatingFeedbackSuggestions → finished
//
// The Driver watches the step held in its experiment.Store and invokes the
// executor attached to that step once per entry into it. Executors talk to the
// backend through the Gateway interface and record their progress in the store.
//
// # Key Components
//
//   - Gateway: the four backend requests an executor may issue
//   - Driver: step watcher with a processing guard and a liveness cell
//   - executors: sendSubmissions, sendTrainingFeedbacks, generateFeedbackSuggestions
//   - ProgressSink: receives step, progress, and error events
//
// # Failure Handling
//
// Per-item failures are logged and skipped. A failed selection request falls
// back to a uniform random pick. A failed SendSubmissions request leaves the run
// in sendingSubmissions with no retry. The user advances from training feedback
// with Continue and re-runs incomplete steps with Retry.
//
// # Cancellation
//
// Close and Import clear the liveness cell the running executor captured. The
// executor stops after its next gateway call and any write it attempts is
// discarded.
//
// # Usage Example
//
//	driver, err := orchestrator.New(orchestrator.Options{
//	    Experiment:          exp,
//	    ModuleConfiguration: cfg,
//	    Gateway:             client,
//	    Logger:              logger,
//	})
//	if err != nil {
//	    return err
//	}
//	defer driver.Close()
//
//	go driver.Run(ctx)
//	driver.Start(ctx)
package orchestrator
