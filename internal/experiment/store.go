package experiment

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playground/internal/logging"
)

// Run is the progress of one batch run of an experiment against a module configuration.
type Run struct {
	RunID                              string
	Step                               Step
	DidSendSubmissions                 bool
	SentTrainingSubmissions            []SubmissionID
	SubmissionsWithFeedbackSuggestions map[SubmissionID]SuggestionResult
}

// NewRun returns a fresh run with a random id.
func NewRun() Run {
	return Run{
		RunID:                              uuid.NewString(),
		Step:                               StepNotStarted,
		SubmissionsWithFeedbackSuggestions: make(map[SubmissionID]SuggestionResult),
	}
}

// Clone returns a copy of r that shares no slices or maps with it.
func (r Run) Clone() Run {
	out := r
	out.SentTrainingSubmissions = append([]SubmissionID(nil), r.SentTrainingSubmissions...)
	out.SubmissionsWithFeedbackSuggestions = make(map[SubmissionID]SuggestionResult, len(r.SubmissionsWithFeedbackSuggestions))
	for id, res := range r.SubmissionsWithFeedbackSuggestions {
		out.SubmissionsWithFeedbackSuggestions[id] = res
	}
	return out
}

// HasSentTrainingFeedback reports whether id is in SentTrainingSubmissions.
func (r Run) HasSentTrainingFeedback(id SubmissionID) bool {
	for _, sent := range r.SentTrainingSubmissions {
		if sent == id {
			return true
		}
	}
	return false
}

// HasSuggestions reports whether suggestions were recorded for id.
func (r Run) HasSuggestions(id SubmissionID) bool {
	_, ok := r.SubmissionsWithFeedbackSuggestions[id]
	return ok
}

// SuggestionIDs returns the keys of SubmissionsWithFeedbackSuggestions in ascending order.
func (r Run) SuggestionIDs() []SubmissionID {
	ids := make([]SubmissionID, 0, len(r.SubmissionsWithFeedbackSuggestions))
	for id := range r.SubmissionsWithFeedbackSuggestions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// StepListener is notified after the step of a store changed.
type StepListener func(prev, next Step)

// Store holds the run state and manual ratings of one driver.
//
// All mutations are serialized. Guarded mutations (see Guard) are discarded
// once the Liveness they were issued under has been cleared.
type Store struct {
	mu        sync.RWMutex
	run       Run
	ratings   map[SubmissionID][]ManualRating
	listeners []StepListener
	logger    *logging.Logger
}

// NewStore returns a store holding a fresh run.
func NewStore(logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{
		run:     NewRun(),
		ratings: make(map[SubmissionID][]ManualRating),
		logger:  logger.Named("store"),
	}
}

// OnStepChange registers fn to be called after every step change.
func (s *Store) OnStepChange(fn StepListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Snapshot returns a copy of the current run.
func (s *Store) Snapshot() Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.run.Clone()
}

// Step returns the current step.
func (s *Store) Step() Step {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.run.Step
}

// RunID returns the id of the current run.
func (s *Store) RunID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.run.RunID
}

// ManualRatings returns a copy of the manual rating index.
func (s *Store) ManualRatings() map[SubmissionID][]ManualRating {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRatings(s.ratings)
}

// AdvanceStep moves the run to next. Setting the current step again, moving
// backwards or skipping a step is logged and ignored. It reports whether the step changed.
func (s *Store) AdvanceStep(ctx context.Context, next Step) bool {
	return s.advanceStep(ctx, nil, next)
}

// MarkSubmissionsSent records that all submissions reached the backend and
// moves the run to StepSendingTrainingFeedbacks.
func (s *Store) MarkSubmissionsSent(ctx context.Context) bool {
	return s.markSubmissionsSent(ctx, nil)
}

// RecordTrainingFeedbackSent adds id to the sent training submissions unless present.
func (s *Store) RecordTrainingFeedbackSent(ctx context.Context, id SubmissionID) bool {
	return s.recordTrainingFeedbackSent(ctx, nil, id)
}

// RecordFeedbackSuggestions stores the suggestions returned for id, replacing earlier ones.
func (s *Store) RecordFeedbackSuggestions(ctx context.Context, id SubmissionID, suggestions []Feedback, meta []byte) bool {
	return s.recordFeedbackSuggestions(ctx, nil, id, suggestions, meta)
}

// SetManualRatings replaces the manual ratings of one submission.
func (s *Store) SetManualRatings(ctx context.Context, id SubmissionID, ratings []ManualRating) {
	s.mu.Lock()
	s.ratings[id] = append([]ManualRating(nil), ratings...)
	s.mu.Unlock()
	s.logger.Debug(ctx, "manual ratings updated",
		zap.Int64("submission_id", int64(id)),
		zap.Int("ratings", len(ratings)))
}

// Replace swaps in an imported run. Manual ratings are kept.
func (s *Store) Replace(ctx context.Context, run Run) {
	run = run.Clone()
	s.mu.Lock()
	prev := s.run.Step
	s.run = run
	listeners := s.listeners
	s.mu.Unlock()

	s.logger.Info(ctx, "run replaced",
		zap.String("run_id", run.RunID),
		zap.String("step", string(run.Step)))
	if prev != run.Step {
		notify(listeners, prev, run.Step)
	}
}

// ReplaceManualRatings swaps in an imported manual rating index.
func (s *Store) ReplaceManualRatings(ctx context.Context, ratings map[SubmissionID][]ManualRating) {
	s.mu.Lock()
	s.ratings = cloneRatings(ratings)
	s.mu.Unlock()
	s.logger.Info(ctx, "manual ratings replaced", zap.Int("submissions", len(ratings)))
}

// Guard returns a view of s whose writes are discarded once alive is cleared.
func (s *Store) Guard(alive *Liveness) *GuardedStore {
	return &GuardedStore{store: s, alive: alive}
}

// GuardedStore is the write handle an executor receives.
type GuardedStore struct {
	store *Store
	alive *Liveness
}

// Snapshot returns a copy of the current run.
func (g *GuardedStore) Snapshot() Run { return g.store.Snapshot() }

// Alive reports whether writes through g are still accepted.
func (g *GuardedStore) Alive() bool { return g.alive.Alive() }

// AdvanceStep is Store.AdvanceStep, discarded once the executor was cancelled.
func (g *GuardedStore) AdvanceStep(ctx context.Context, next Step) bool {
	return g.store.advanceStep(ctx, g.alive, next)
}

// MarkSubmissionsSent is Store.MarkSubmissionsSent, discarded once the executor was cancelled.
func (g *GuardedStore) MarkSubmissionsSent(ctx context.Context) bool {
	return g.store.markSubmissionsSent(ctx, g.alive)
}

// RecordTrainingFeedbackSent is Store.RecordTrainingFeedbackSent, discarded once the executor was cancelled.
func (g *GuardedStore) RecordTrainingFeedbackSent(ctx context.Context, id SubmissionID) bool {
	return g.store.recordTrainingFeedbackSent(ctx, g.alive, id)
}

// RecordFeedbackSuggestions is Store.RecordFeedbackSuggestions, discarded once the executor was cancelled.
func (g *GuardedStore) RecordFeedbackSuggestions(ctx context.Context, id SubmissionID, suggestions []Feedback, meta []byte) bool {
	return g.store.recordFeedbackSuggestions(ctx, g.alive, id, suggestions, meta)
}

// mutate runs fn under the write lock unless alive has been cleared.
// fn returns the step the run was in before a step change, or "" if the step did not change.
func (s *Store) mutate(ctx context.Context, alive *Liveness, op string, fn func(run *Run) (changed bool, prev Step)) bool {
	s.mu.Lock()
	if !alive.Alive() {
		s.mu.Unlock()
		s.logger.Debug(ctx, "discarding write from cancelled executor", zap.String("op", op))
		return false
	}
	changed, prev := fn(&s.run)
	next := s.run.Step
	listeners := s.listeners
	s.mu.Unlock()

	if prev != "" && prev != next {
		notify(listeners, prev, next)
	}
	return changed
}

func (s *Store) advanceStep(ctx context.Context, alive *Liveness, next Step) bool {
	return s.mutate(ctx, alive, "advance_step", func(run *Run) (bool, Step) {
		return s.setStep(ctx, run, next)
	})
}

// setStep must be called with s.mu held.
func (s *Store) setStep(ctx context.Context, run *Run, next Step) (bool, Step) {
	cur := run.Step
	switch {
	case cur == next:
		s.logger.Info(ctx, "step unchanged", zap.String("step", string(cur)))
		return false, ""
	case !cur.CanTransition(next):
		s.logger.Warn(ctx, "refusing step change",
			zap.String("from", string(cur)),
			zap.String("to", string(next)))
		return false, ""
	}
	run.Step = next
	s.logger.Info(ctx, "step changed",
		zap.String("from", string(cur)),
		zap.String("to", string(next)))
	return true, cur
}

func (s *Store) markSubmissionsSent(ctx context.Context, alive *Liveness) bool {
	return s.mutate(ctx, alive, "mark_submissions_sent", func(run *Run) (bool, Step) {
		run.DidSendSubmissions = true
		changed, prev := s.setStep(ctx, run, StepSendingTrainingFeedbacks)
		return changed, prev
	})
}

func (s *Store) recordTrainingFeedbackSent(ctx context.Context, alive *Liveness, id SubmissionID) bool {
	return s.mutate(ctx, alive, "record_training_feedback_sent", func(run *Run) (bool, Step) {
		if run.HasSentTrainingFeedback(id) {
			return false, ""
		}
		run.SentTrainingSubmissions = append(run.SentTrainingSubmissions, id)
		return true, ""
	})
}

func (s *Store) recordFeedbackSuggestions(ctx context.Context, alive *Liveness, id SubmissionID, suggestions []Feedback, meta []byte) bool {
	return s.mutate(ctx, alive, "record_feedback_suggestions", func(run *Run) (bool, Step) {
		if run.SubmissionsWithFeedbackSuggestions == nil {
			run.SubmissionsWithFeedbackSuggestions = make(map[SubmissionID]SuggestionResult)
		}
		run.SubmissionsWithFeedbackSuggestions[id] = SuggestionResult{
			Suggestions: append([]Feedback(nil), suggestions...),
			Meta:        normalizeMeta(meta),
		}
		return true, ""
	})
}

func notify(listeners []StepListener, prev, next Step) {
	for _, fn := range listeners {
		fn(prev, next)
	}
}

func cloneRatings(in map[SubmissionID][]ManualRating) map[SubmissionID][]ManualRating {
	out := make(map[SubmissionID][]ManualRating, len(in))
	for id, ratings := range in {
		out[id] = append([]ManualRating(nil), ratings...)
	}
	return out
}
