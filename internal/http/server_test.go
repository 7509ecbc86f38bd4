package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/playground/internal/experiment"
	"github.com/fyrsmithlabs/playground/internal/logging"
	"github.com/fyrsmithlabs/playground/internal/orchestrator"
	"github.com/fyrsmithlabs/playground/internal/telemetry"
)

// stubGateway accepts everything and suggests one feedback per submission.
type stubGateway struct{}

func (stubGateway) SendSubmissions(context.Context, experiment.Exercise, []experiment.Submission) error {
	return nil
}

func (stubGateway) SendFeedbacks(context.Context, experiment.Exercise, experiment.Submission, []experiment.Feedback) error {
	return nil
}

func (stubGateway) RequestSubmissionSelection(context.Context, experiment.Exercise, []experiment.Submission) (*orchestrator.SelectionResponse, error) {
	return &orchestrator.SelectionResponse{Data: orchestrator.NoSelection}, nil
}

func (stubGateway) RequestFeedbackSuggestions(_ context.Context, _ experiment.Exercise, s experiment.Submission) (*orchestrator.SuggestionsResponse, error) {
	return &orchestrator.SuggestionsResponse{
		Data: []experiment.Feedback{{SubmissionID: s.ID, Title: "suggested", Credits: 1}},
		Meta: json.RawMessage(`{}`),
	}, nil
}

func testExperiment() *experiment.Experiment {
	return &experiment.Experiment{
		ID:            "exp-http",
		ExecutionMode: experiment.ExecutionModeBatch,
		Exercise:      experiment.Exercise{ID: 1, Type: "text"},
		TrainingSubmissions: []experiment.Submission{
			{ID: 1, ExerciseID: 1},
		},
		EvaluationSubmissions: []experiment.Submission{
			{ID: 10, ExerciseID: 1},
			{ID: 11, ExerciseID: 1},
		},
	}
}

func newTestServer(t *testing.T, metrics *HTTPMetrics) (*Server, *orchestrator.Driver) {
	t.Helper()
	d, err := orchestrator.New(orchestrator.Options{
		Experiment:          testExperiment(),
		ModuleConfiguration: experiment.ModuleConfiguration{ID: "cfg-http"},
		Gateway:             stubGateway{},
		Rand:                func(int) int { return 0 },
	})
	require.NoError(t, err)
	t.Cleanup(d.Close)

	s, err := NewServer(d, logging.NewNop(), nil, metrics)
	require.NoError(t, err)
	return s, d
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeRun(t *testing.T, rec *httptest.ResponseRecorder) RunResponse {
	t.Helper()
	var resp RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestNewServer(t *testing.T) {
	t.Run("returns error when driver is nil", func(t *testing.T) {
		_, err := NewServer(nil, logging.NewNop(), nil, nil)
		assert.Error(t, err)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		d, err := orchestrator.New(orchestrator.Options{Experiment: testExperiment(), Gateway: stubGateway{}})
		require.NoError(t, err)
		defer d.Close()
		_, err = NewServer(d, nil, nil, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		s, _ := newTestServer(t, nil)
		assert.Equal(t, "localhost", s.config.Host)
		assert.Equal(t, 8090, s.config.Port)
	})
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleRun(t *testing.T) {
	s, d := newTestServer(t, nil)

	resp := decodeRun(t, do(t, s, http.MethodGet, "/api/v1/run", ""))
	assert.Equal(t, d.Snapshot().RunID, resp.RunID)
	assert.Equal(t, "exp-http", resp.ExperimentID)
	assert.Equal(t, "cfg-http", resp.ModuleConfigurationID)
	assert.Equal(t, experiment.StepNotStarted, resp.Step)
	assert.Equal(t, Progress{Done: 0, Total: 1}, resp.TrainingFeedbacks)
	assert.Equal(t, Progress{Done: 0, Total: 2}, resp.FeedbackSuggestions)
	assert.False(t, resp.CanContinue)
}

func TestRunActions(t *testing.T) {
	s, d := newTestServer(t, nil)
	ctx := context.Background()

	rec := do(t, s, http.MethodPost, "/api/v1/run/continue", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/run/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"step":"sendingSubmissions"}`, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/v1/run/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.True(t, d.Evaluate(ctx))
	require.True(t, d.Evaluate(ctx))
	resp := decodeRun(t, do(t, s, http.MethodGet, "/api/v1/run", ""))
	assert.True(t, resp.CanContinue)
	assert.Equal(t, Progress{Done: 1, Total: 1}, resp.TrainingFeedbacks)

	rec = do(t, s, http.MethodPost, "/api/v1/run/continue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"step":"generatingFeedbackSuggestions"}`, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/v1/run/retry", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	require.True(t, d.Evaluate(ctx))
	resp = decodeRun(t, do(t, s, http.MethodGet, "/api/v1/run", ""))
	assert.Equal(t, experiment.StepFinished, resp.Step)
	assert.Equal(t, []experiment.SubmissionID{10, 11}, resp.SuggestedSubmissions)

	rec = do(t, s, http.MethodPost, "/api/v1/run/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	source, d := newTestServer(t, nil)
	require.True(t, d.Start(ctx))
	for d.Evaluate(ctx) {
	}
	require.True(t, d.Continue(ctx))
	require.True(t, d.Evaluate(ctx))
	require.Equal(t, experiment.StepFinished, d.Step())

	rec := do(t, source, http.MethodPut, "/api/v1/run/ratings/10", `[{"feedbackId":1,"likert":4}]`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, source, http.MethodGet, "/api/v1/run/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var exported struct {
		Results       json.RawMessage `json:"results"`
		ManualRatings json.RawMessage `json:"manualRatings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exported))
	require.NotEmpty(t, exported.ManualRatings)

	target, td := newTestServer(t, nil)
	rec = do(t, target, http.MethodPost, "/api/v1/run/import", string(exported.Results))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeRun(t, rec)
	assert.Equal(t, d.Snapshot().RunID, resp.RunID)
	assert.Equal(t, experiment.StepFinished, resp.Step)

	rec = do(t, target, http.MethodPost, "/api/v1/run/import", string(exported.ManualRatings))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, d.ManualRatings(), td.ManualRatings())
}

func TestImportRejected(t *testing.T) {
	s, d := newTestServer(t, nil)
	before := d.Snapshot()

	rec := do(t, s, http.MethodPost, "/api/v1/run/import", `{"type":"manualRatings","runId":"other","submissionsWithManualRatings":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/run/import", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, before, d.Snapshot())
}

func TestHandleRatings_Invalid(t *testing.T) {
	s, d := newTestServer(t, nil)

	rec := do(t, s, http.MethodPut, "/api/v1/run/ratings/abc", `[]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPut, "/api/v1/run/ratings/10", `{"feedbackId":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, d.ManualRatings())
}

func TestPrometheusEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHTTPMetrics(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	metrics := NewHTTPMetrics(tel.Meter(InstrumentationName), logging.NewNop())
	s, _ := newTestServer(t, metrics)

	do(t, s, http.MethodGet, "/health", "")
	do(t, s, http.MethodPost, "/api/v1/run/continue", "")

	rm, err := tel.Collect(context.Background())
	require.NoError(t, err)
	_, ok := telemetry.FindMetric(rm, "playground.http.requests_total")
	assert.True(t, ok)
	_, ok = telemetry.FindMetric(rm, "playground.http.request_duration_seconds")
	assert.True(t, ok)
}
