package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playground/internal/experiment"
	"github.com/fyrsmithlabs/playground/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/playground/internal/orchestrator"

var errEmptyResponse = errors.New("empty response")

// execution is the state one step executor works with. Its store handle is
// bound to the liveness cell that was current when the executor started.
type execution struct {
	exp     *experiment.Experiment
	gateway Gateway
	store   *experiment.GuardedStore
	logger  *logging.Logger
	sink    ProgressSink
	metrics *Metrics
	tracer  trace.Tracer
	pick    func(n int) int
	base    Event
}

type stepExecutor func(x *execution, ctx context.Context)

// executorFor returns the executor responsible for step, or nil when the step
// has no work attached.
func executorFor(step experiment.Step) stepExecutor {
	switch step {
	case experiment.StepSendingSubmissions:
		return (*execution).sendSubmissions
	case experiment.StepSendingTrainingFeedbacks:
		return (*execution).sendTrainingFeedbacks
	case experiment.StepGeneratingFeedbackSuggestions:
		return (*execution).generateFeedbackSuggestions
	default:
		return nil
	}
}

func (x *execution) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return x.tracer.Start(ctx, name, trace.WithAttributes(
		append([]attribute.KeyValue{
			attribute.String("run.id", x.base.RunID),
			attribute.String("experiment.id", x.base.ExperimentID),
		}, attrs...)...,
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (x *execution) progress(ctx context.Context, step experiment.Step, id experiment.SubmissionID, done, total int, msg string) {
	x.logger.Info(ctx, fmt.Sprintf("%s (%d/%d)", msg, done, total),
		zap.Int64("submission_id", int64(id)))
	ev := x.base
	ev.Kind = EventProgress
	ev.Step = step
	ev.SubmissionID = id
	ev.Done = done
	ev.Total = total
	ev.Message = msg
	ev.Time = time.Now()
	x.sink.Publish(ctx, ev)
}

func (x *execution) failed(ctx context.Context, step experiment.Step, id experiment.SubmissionID, msg string, err error) {
	x.logger.Error(ctx, msg,
		zap.String("step", string(step)),
		zap.Int64("submission_id", int64(id)),
		zap.Error(err))
	ev := x.base
	ev.Kind = EventError
	ev.Step = step
	ev.SubmissionID = id
	ev.Message = msg
	ev.Error = err.Error()
	ev.Time = time.Now()
	x.sink.Publish(ctx, ev)
}

// sendSubmissions hands every training and evaluation submission to the
// backend in one request. A failure leaves the run in its current step.
func (x *execution) sendSubmissions(ctx context.Context) {
	step := experiment.StepSendingSubmissions
	submissions := x.exp.AllSubmissions()

	x.logger.Info(ctx, "sending submissions", zap.Int("count", len(submissions)))
	spanCtx, span := x.startSpan(ctx, "gateway.send_submissions", attribute.Int("submissions", len(submissions)))
	err := x.gateway.SendSubmissions(spanCtx, x.exp.Exercise, submissions)
	endSpan(span, err)
	x.metrics.gatewayRequest("send_submissions", err)

	if !x.store.Alive() {
		return
	}
	if err != nil {
		x.failed(ctx, step, 0, "sending submissions failed", err)
		return
	}
	x.progress(ctx, step, 0, len(submissions), len(submissions), "Sent submissions")
	x.store.MarkSubmissionsSent(ctx)
}

// sendTrainingFeedbacks sends tutor feedback for each training submission not
// yet recorded as sent. It never advances past the step on its own unless the
// experiment has no training submissions.
func (x *execution) sendTrainingFeedbacks(ctx context.Context) {
	step := experiment.StepSendingTrainingFeedbacks
	training := x.exp.TrainingSubmissions
	if len(training) == 0 {
		x.logger.Info(ctx, "no training submissions, skipping training feedback")
		x.store.AdvanceStep(ctx, experiment.StepGeneratingFeedbackSuggestions)
		return
	}

	run := x.store.Snapshot()
	total := len(training)
	done := len(run.SentTrainingSubmissions)
	for _, sub := range training {
		if run.HasSentTrainingFeedback(sub.ID) {
			continue
		}
		if !x.store.Alive() {
			return
		}

		feedbacks := x.exp.FeedbacksFor(sub.ID)
		if len(feedbacks) > 0 {
			spanCtx, span := x.startSpan(ctx, "gateway.send_feedbacks",
				attribute.Int64("submission.id", int64(sub.ID)),
				attribute.Int("feedbacks", len(feedbacks)))
			err := x.gateway.SendFeedbacks(spanCtx, x.exp.Exercise, sub, feedbacks)
			endSpan(span, err)
			x.metrics.gatewayRequest("send_feedbacks", err)

			if !x.store.Alive() {
				return
			}
			if err != nil {
				x.failed(ctx, step, sub.ID, "sending training feedback failed", err)
				continue
			}
		}

		if x.store.RecordTrainingFeedbackSent(ctx, sub.ID) {
			done++
		}
		x.progress(ctx, step, sub.ID, done, total, "Sending training feedbacks")
	}

	if done == total {
		x.logger.Info(ctx, "all training feedback sent, waiting for continue")
	} else {
		x.logger.Warn(ctx, "training feedback incomplete, retry to resend",
			zap.Int("missing", total-done))
	}
}

// generateFeedbackSuggestions requests suggestions for every evaluation
// submission that has none yet, in the order the backend selects. Each
// remaining submission is attempted once per pass. The run finishes only
// when every evaluation submission has suggestions.
func (x *execution) generateFeedbackSuggestions(ctx context.Context) {
	step := experiment.StepGeneratingFeedbackSuggestions
	run := x.store.Snapshot()

	var remaining []experiment.Submission
	for _, sub := range x.exp.EvaluationSubmissions {
		if !run.HasSuggestions(sub.ID) {
			remaining = append(remaining, sub)
		}
	}
	total := len(x.exp.EvaluationSubmissions)
	done := total - len(remaining)

	for len(remaining) > 0 {
		if !x.store.Alive() {
			return
		}

		spanCtx, span := x.startSpan(ctx, "gateway.select_submission", attribute.Int("candidates", len(remaining)))
		selection, err := x.gateway.RequestSubmissionSelection(spanCtx, x.exp.Exercise, remaining)
		endSpan(span, err)
		x.metrics.gatewayRequest("select_submission", err)
		if !x.store.Alive() {
			return
		}

		idx := x.selectIndex(ctx, remaining, selection, err)
		sub := remaining[idx]
		remaining = slices.Delete(slices.Clone(remaining), idx, idx+1)

		spanCtx, span = x.startSpan(ctx, "gateway.feedback_suggestions", attribute.Int64("submission.id", int64(sub.ID)))
		resp, err := x.gateway.RequestFeedbackSuggestions(spanCtx, x.exp.Exercise, sub)
		if err == nil && resp == nil {
			err = errEmptyResponse
		}
		endSpan(span, err)
		x.metrics.gatewayRequest("feedback_suggestions", err)
		if !x.store.Alive() {
			return
		}
		if err != nil {
			x.failed(ctx, step, sub.ID, "requesting feedback suggestions failed", err)
			continue
		}

		x.store.RecordFeedbackSuggestions(ctx, sub.ID, resp.Data, resp.Meta)
		done++
		x.progress(ctx, step, sub.ID, done, total, "Generating feedback suggestions")
	}

	run = x.store.Snapshot()
	var missing int
	for _, sub := range x.exp.EvaluationSubmissions {
		if !run.HasSuggestions(sub.ID) {
			missing++
		}
	}
	if missing > 0 {
		x.logger.Warn(ctx, "submissions without feedback suggestions, retry to request them",
			zap.Int("missing", missing))
		return
	}
	x.store.AdvanceStep(ctx, experiment.StepFinished)
}

// selectIndex resolves the backend's selection to an index into remaining,
// falling back to a uniform random pick.
func (x *execution) selectIndex(ctx context.Context, remaining []experiment.Submission, selection *SelectionResponse, err error) int {
	var reason string
	switch {
	case err != nil:
		reason = "error"
		x.logger.Warn(ctx, "submission selection failed, picking at random", zap.Error(err))
	case selection == nil || selection.Data == NoSelection:
		reason = "no_selection"
		x.logger.Info(ctx, "backend made no selection, picking at random")
	default:
		for i, sub := range remaining {
			if sub.ID == selection.Data {
				return i
			}
		}
		reason = "unknown_id"
		x.logger.Warn(ctx, "backend selected an unknown submission, picking at random",
			zap.Int64("selected", int64(selection.Data)))
	}
	x.metrics.SelectionFallbacks.WithLabelValues(reason).Inc()
	return x.pick(len(remaining))
}

func defaultTracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
