package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playground/internal/experiment"
	"github.com/fyrsmithlabs/playground/internal/logging"
)

// Options configures a Driver.
type Options struct {
	Experiment          *experiment.Experiment
	ModuleConfiguration experiment.ModuleConfiguration
	Gateway             Gateway
	Logger              *logging.Logger

	// Sink receives step, progress, and error events. Optional.
	Sink ProgressSink
	// Rand returns a uniform value in [0, n). Defaults to math/rand/v2.
	Rand func(n int) int
	// Metrics defaults to the process-wide orchestrator metrics.
	Metrics *Metrics
	// Tracer defaults to the global OpenTelemetry tracer provider.
	Tracer trace.Tracer
}

// Driver runs one experiment against one module configuration.
//
// It watches the step of its run and invokes the matching step executor at most
// once per entry into that step. Executors run one at a time, either on the
// goroutine calling Run or inline through Evaluate.
type Driver struct {
	exp     *experiment.Experiment
	cfg     experiment.ModuleConfiguration
	gateway Gateway
	logger  *logging.Logger
	sink    ProgressSink
	rand    func(n int) int
	metrics *Metrics
	tracer  trace.Tracer
	store   *experiment.Store

	mu         sync.Mutex
	alive      *experiment.Liveness
	processing experiment.Step
	running    *experiment.Liveness
	closed     bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a driver holding a fresh run in StepNotStarted.
func New(opts Options) (*Driver, error) {
	if opts.Experiment == nil {
		return nil, errors.New("experiment is required")
	}
	if opts.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Sink == nil {
		opts.Sink = nopSink{}
	}
	if opts.Rand == nil {
		opts.Rand = rand.IntN
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = defaultTracer()
	}

	logger := opts.Logger.Named("driver")
	d := &Driver{
		exp:     opts.Experiment,
		cfg:     opts.ModuleConfiguration,
		gateway: opts.Gateway,
		logger:  logger,
		sink:    opts.Sink,
		rand:    opts.Rand,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		store:   experiment.NewStore(opts.Logger),
		alive:   experiment.NewLiveness(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	d.store.OnStepChange(d.onStepChange)
	return d, nil
}

// Experiment returns the experiment the driver runs.
func (d *Driver) Experiment() *experiment.Experiment { return d.exp }

// ModuleConfiguration returns the module configuration the driver runs against.
func (d *Driver) ModuleConfiguration() experiment.ModuleConfiguration { return d.cfg }

// Snapshot returns a copy of the current run.
func (d *Driver) Snapshot() experiment.Run { return d.store.Snapshot() }

// Step returns the current step.
func (d *Driver) Step() experiment.Step { return d.store.Step() }

// ManualRatings returns a copy of the manual rating index.
func (d *Driver) ManualRatings() map[experiment.SubmissionID][]experiment.ManualRating {
	return d.store.ManualRatings()
}

// Processing reports whether an executor is currently running.
func (d *Driver) Processing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running != nil
}

func (d *Driver) origin() experiment.Origin {
	return experiment.Origin{ExperimentID: d.exp.ID, ModuleConfigurationID: d.cfg.ID}
}

// runContext attaches run correlation for logs.
func (d *Driver) runContext(ctx context.Context) context.Context {
	return logging.WithRun(ctx, logging.Run{
		ID:                    d.store.RunID(),
		ExperimentID:          d.exp.ID,
		ModuleConfigurationID: d.cfg.ID,
	})
}

func (d *Driver) batchMode(ctx context.Context) bool {
	if d.exp.ExecutionMode == experiment.ExecutionModeBatch {
		return true
	}
	d.logger.Error(ctx, "experiment is not in batch mode",
		zap.String("execution_mode", d.exp.ExecutionMode))
	return false
}

// Start moves a fresh run to StepSendingSubmissions. It reports false when the
// run was already started or the experiment is not a batch experiment.
func (d *Driver) Start(ctx context.Context) bool {
	ctx = d.runContext(ctx)
	if !d.batchMode(ctx) {
		return false
	}
	if step := d.store.Step(); step != experiment.StepNotStarted {
		d.logger.Info(ctx, "run already started", zap.String("step", string(step)))
		return false
	}
	return d.store.AdvanceStep(ctx, experiment.StepSendingSubmissions)
}

// CanContinue reports whether all training feedback was sent and the run waits
// for Continue.
func (d *Driver) CanContinue() bool {
	run := d.store.Snapshot()
	return run.Step == experiment.StepSendingTrainingFeedbacks &&
		len(run.SentTrainingSubmissions) == len(d.exp.TrainingSubmissions)
}

// Continue moves the run from training feedback to suggestion generation once
// every training submission was sent.
func (d *Driver) Continue(ctx context.Context) bool {
	ctx = d.runContext(ctx)
	if !d.CanContinue() {
		d.logger.Info(ctx, "continue not available", zap.String("step", string(d.store.Step())))
		return false
	}
	return d.store.AdvanceStep(ctx, experiment.StepGeneratingFeedbackSuggestions)
}

// CanRetry reports whether Retry would re-enter the current step.
func (d *Driver) CanRetry() bool {
	switch d.store.Step() {
	case experiment.StepSendingTrainingFeedbacks, experiment.StepGeneratingFeedbackSuggestions:
		return true
	default:
		return false
	}
}

// Retry re-runs the executor of the current step for the items that are still
// missing. Sending submissions cannot be retried.
func (d *Driver) Retry(ctx context.Context) bool {
	ctx = d.runContext(ctx)
	if !d.CanRetry() {
		d.logger.Info(ctx, "retry not available", zap.String("step", string(d.store.Step())))
		return false
	}
	d.mu.Lock()
	d.processing = ""
	d.mu.Unlock()
	d.logger.Info(ctx, "retrying step", zap.String("step", string(d.store.Step())))
	d.signal()
	return true
}

// Evaluate invokes the executor for the current step if it has not run since
// the step was entered. The executor runs on the calling goroutine. It reports
// whether an executor ran.
func (d *Driver) Evaluate(ctx context.Context) bool {
	ctx = d.runContext(ctx)

	d.mu.Lock()
	if d.closed || d.running != nil {
		d.mu.Unlock()
		return false
	}
	step := d.store.Step()
	exec := executorFor(step)
	if exec == nil || d.processing == step {
		d.mu.Unlock()
		return false
	}
	if d.exp.ExecutionMode != experiment.ExecutionModeBatch {
		d.processing = step
		d.mu.Unlock()
		d.batchMode(ctx)
		return false
	}
	d.processing = step
	alive := d.alive
	d.running = alive
	d.mu.Unlock()

	start := time.Now()
	d.logger.Debug(ctx, "executing step", zap.String("step", string(step)))
	exec(d.newExecution(alive), ctx)
	d.metrics.StepDuration.WithLabelValues(string(step)).Observe(time.Since(start).Seconds())

	d.mu.Lock()
	if d.running == alive {
		d.running = nil
	}
	d.mu.Unlock()
	return true
}

func (d *Driver) newExecution(alive *experiment.Liveness) *execution {
	return &execution{
		exp:     d.exp,
		gateway: d.gateway,
		store:   d.store.Guard(alive),
		logger:  d.logger.Named("executor"),
		sink:    d.sink,
		metrics: d.metrics,
		tracer:  d.tracer,
		pick:    d.rand,
		base: Event{
			RunID:                 d.store.RunID(),
			ExperimentID:          d.exp.ID,
			ModuleConfigurationID: d.cfg.ID,
		},
	}
}

// Run evaluates the driver whenever its state changes until ctx is done or
// the driver is closed.
func (d *Driver) Run(ctx context.Context) error {
	for {
		for d.Evaluate(ctx) {
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.done:
			return nil
		case <-d.wake:
		}
	}
}

// Close discards the driver. Writes from executors still in flight are dropped.
func (d *Driver) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.alive.Clear()
		d.mu.Unlock()
		close(d.done)
	})
}

func (d *Driver) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Driver) onStepChange(prev, next experiment.Step) {
	d.metrics.StepTransitionsTotal.WithLabelValues(string(prev), string(next)).Inc()
	d.sink.Publish(context.Background(), Event{
		Kind:                  EventStep,
		RunID:                 d.store.RunID(),
		ExperimentID:          d.exp.ID,
		ModuleConfigurationID: d.cfg.ID,
		Step:                  next,
		PreviousStep:          prev,
		Time:                  time.Now(),
	})
	d.signal()
}

// SetManualRatings replaces the manual ratings of one submission.
func (d *Driver) SetManualRatings(ctx context.Context, id experiment.SubmissionID, ratings []experiment.ManualRating) {
	d.store.SetManualRatings(d.runContext(ctx), id, ratings)
}

// ManualRatingsSetter returns a function that replaces the ratings of id.
func (d *Driver) ManualRatingsSetter(id experiment.SubmissionID) func(ratings []experiment.ManualRating) {
	return func(ratings []experiment.ManualRating) {
		d.SetManualRatings(context.Background(), id, ratings)
	}
}

// Export returns the results document and, if any ratings exist, the manual
// ratings document.
func (d *Driver) Export() experiment.Export {
	return experiment.NewExport(d.origin(), d.store.Snapshot(), d.store.ManualRatings())
}

// Import loads a results or manualRatings document. Invalid documents are
// logged and leave the driver unchanged. Importing results cancels in-flight
// executors and resumes the imported run at its step.
func (d *Driver) Import(ctx context.Context, data []byte) bool {
	ctx = d.runContext(ctx)
	doc, err := experiment.DecodeDocument(data)
	if err != nil {
		d.logger.Warn(ctx, "import rejected", zap.Error(err))
		d.metrics.ImportsTotal.WithLabelValues("unknown", "rejected").Inc()
		return false
	}

	switch {
	case doc.Results != nil:
		return d.importResults(ctx, doc.Results)
	case doc.ManualRatings != nil:
		return d.importManualRatings(ctx, doc.ManualRatings)
	}
	return false
}

func (d *Driver) importResults(ctx context.Context, doc *experiment.ResultsDocument) bool {
	run := doc.Run()
	if err := d.checkRun(run); err != nil {
		d.logger.Warn(ctx, "import rejected", zap.Error(err))
		d.metrics.ImportsTotal.WithLabelValues(experiment.DocumentTypeResults, "rejected").Inc()
		return false
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.alive.Clear()
	d.alive = experiment.NewLiveness()
	d.running = nil
	d.processing = ""
	d.store.Replace(ctx, run)
	d.mu.Unlock()

	d.metrics.ImportsTotal.WithLabelValues(experiment.DocumentTypeResults, "ok").Inc()
	d.signal()
	return true
}

func (d *Driver) importManualRatings(ctx context.Context, doc *experiment.ManualRatingsDocument) bool {
	if runID := d.store.RunID(); doc.RunID != runID {
		d.logger.Warn(ctx, "import rejected",
			zap.Error(fmt.Errorf("%w: %s", experiment.ErrRunMismatch, doc.RunID)))
		d.metrics.ImportsTotal.WithLabelValues(experiment.DocumentTypeManualRatings, "rejected").Inc()
		return false
	}
	d.store.ReplaceManualRatings(ctx, doc.SubmissionsWithManualRatings.Map())
	d.metrics.ImportsTotal.WithLabelValues(experiment.DocumentTypeManualRatings, "ok").Inc()
	return true
}

// checkRun verifies that an imported run refers only to submissions of the experiment.
func (d *Driver) checkRun(run experiment.Run) error {
	training := make(map[experiment.SubmissionID]struct{}, len(d.exp.TrainingSubmissions))
	for _, sub := range d.exp.TrainingSubmissions {
		training[sub.ID] = struct{}{}
	}
	for _, id := range run.SentTrainingSubmissions {
		if _, ok := training[id]; !ok {
			return fmt.Errorf("sent training submission %d is not part of experiment %s", id, d.exp.ID)
		}
	}

	evaluation := make(map[experiment.SubmissionID]struct{}, len(d.exp.EvaluationSubmissions))
	for _, sub := range d.exp.EvaluationSubmissions {
		evaluation[sub.ID] = struct{}{}
	}
	for id := range run.SubmissionsWithFeedbackSuggestions {
		if _, ok := evaluation[id]; !ok {
			return fmt.Errorf("suggestions for submission %d which is not an evaluation submission of experiment %s", id, d.exp.ID)
		}
	}
	return nil
}
