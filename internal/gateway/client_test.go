package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/playground/internal/config"
	"github.com/fyrsmithlabs/playground/internal/experiment"
	"github.com/fyrsmithlabs/playground/internal/orchestrator"
)

var testExercise = experiment.Exercise{ID: 1, Title: "Essay", Type: "text", MaxPoints: 10}

type recordedRequest struct {
	Path         string
	Secret       string
	ModuleConfig string
	Body         map[string]json.RawMessage
}

type backend struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (b *backend) Requests() []recordedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]recordedRequest(nil), b.requests...)
}

// newBackend starts a fake backend that records requests and answers with handler.
func newBackend(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *backend) {
	t.Helper()
	b := &backend{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		var body map[string]json.RawMessage
		assert.NoError(t, json.Unmarshal(raw, &body))
		b.mu.Lock()
		b.requests = append(b.requests, recordedRequest{
			Path:         r.URL.Path,
			Secret:       r.Header.Get(headerSecret),
			ModuleConfig: r.Header.Get(headerModuleConfig),
			Body:         body,
		})
		b.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, b
}

func respond(w http.ResponseWriter, data string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"module_name":"module_text_test","status":200,"data":`+data+`,"meta":{"took":1}}`)
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(config.BackendConfig{
		URL:     url + "/",
		Secret:  config.Secret("abcdef"),
		Timeout: config.Duration(5 * time.Second),
	}, experiment.ModuleConfiguration{
		ID:           "cfg-1",
		Module:       experiment.Module{Type: "text", Name: "module_text_test"},
		ModuleConfig: json.RawMessage(`{"approach":"basic"}`),
	}, nil)
	require.NoError(t, err)
	c.backoff = time.Millisecond
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(config.BackendConfig{URL: "http://x"}, experiment.ModuleConfiguration{}, nil)
	assert.Error(t, err, "module required")

	c, err := NewClient(config.BackendConfig{URL: "http://x", ModuleType: "text", ModuleName: "fallback"}, experiment.ModuleConfiguration{}, nil)
	require.NoError(t, err)
	assert.Equal(t, experiment.Module{Type: "text", Name: "fallback"}, c.Module())

	_, err = NewClient(config.BackendConfig{}, experiment.ModuleConfiguration{Module: experiment.Module{Type: "text", Name: "m"}}, nil)
	assert.Error(t, err, "url required")
}

func TestClient_SendSubmissions(t *testing.T) {
	srv, recorded := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		respond(w, `null`)
	})
	c := newTestClient(t, srv.URL)

	subs := []experiment.Submission{{ID: 1, ExerciseID: 1, Text: "a"}, {ID: 2, ExerciseID: 1, Text: "b"}}
	require.NoError(t, c.SendSubmissions(context.Background(), testExercise, subs))

	requests := recorded.Requests()
	require.Len(t, requests, 1)
	req := requests[0]
	assert.Equal(t, "/modules/text/module_text_test/submissions", req.Path)
	assert.Equal(t, "abcdef", req.Secret)
	assert.JSONEq(t, `{"approach":"basic"}`, req.ModuleConfig)

	var sent []experiment.Submission
	require.NoError(t, json.Unmarshal(req.Body["submissions"], &sent))
	assert.Len(t, sent, 2)
	var exercise experiment.Exercise
	require.NoError(t, json.Unmarshal(req.Body["exercise"], &exercise))
	assert.Equal(t, int64(1), exercise.ID)
}

func TestClient_SendFeedbacks(t *testing.T) {
	srv, recorded := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		respond(w, `null`)
	})
	c := newTestClient(t, srv.URL)

	feedbacks := []experiment.Feedback{{ExerciseID: 1, SubmissionID: 3, Title: "good", Credits: 2}}
	require.NoError(t, c.SendFeedbacks(context.Background(), testExercise, experiment.Submission{ID: 3}, feedbacks))

	req := recorded.Requests()[0]
	assert.Equal(t, "/modules/text/module_text_test/feedbacks", req.Path)
	assert.Contains(t, req.Body, "submission")
	assert.Contains(t, req.Body, "feedbacks")
}

func TestClient_RequestSubmissionSelection(t *testing.T) {
	tests := []struct {
		name string
		data string
		want experiment.SubmissionID
	}{
		{"selected", `12`, 12},
		{"no selection", `-1`, orchestrator.NoSelection},
		{"null data", `null`, orchestrator.NoSelection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, recorded := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
				respond(w, tt.data)
			})
			c := newTestClient(t, srv.URL)

			resp, err := c.RequestSubmissionSelection(context.Background(), testExercise,
				[]experiment.Submission{{ID: 11}, {ID: 12}})
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Data)
			assert.JSONEq(t, `{"took":1}`, string(resp.Meta))

			req := recorded.Requests()[0]
			assert.Equal(t, "/modules/text/module_text_test/select_submission", req.Path)
			assert.JSONEq(t, `[11,12]`, string(req.Body["submission_ids"]))
		})
	}
}

func TestClient_RequestSubmissionSelection_NoCandidates(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	_, err := c.RequestSubmissionSelection(context.Background(), testExercise, nil)
	assert.ErrorIs(t, err, ErrNoSubmissions)
}

func TestClient_RequestFeedbackSuggestions(t *testing.T) {
	srv, recorded := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		respond(w, `[{"exercise_id":1,"submission_id":5,"title":"Missing intro","credits":-1,"index_start":0,"index_end":10}]`)
	})
	c := newTestClient(t, srv.URL)

	resp, err := c.RequestFeedbackSuggestions(context.Background(), testExercise, experiment.Submission{ID: 5})
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "Missing intro", resp.Data[0].Title)
	assert.Equal(t, -1.0, resp.Data[0].Credits)
	require.NotNil(t, resp.Data[0].IndexEnd)
	assert.Equal(t, 10, *resp.Data[0].IndexEnd)
	assert.Equal(t, "/modules/text/module_text_test/feedback_suggestions", recorded.Requests()[0].Path)
}

func TestClient_NonOKStatusFails(t *testing.T) {
	srv, recorded := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "boom")
	})
	c := newTestClient(t, srv.URL)

	err := c.SendSubmissions(context.Background(), testExercise, []experiment.Submission{{ID: 1}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatus)
	assert.Contains(t, err.Error(), "500")
	assert.Len(t, recorded.Requests(), 1, "server errors are not retried")
}

func TestClient_RetriesTooManyRequests(t *testing.T) {
	var calls atomic.Int32
	srv, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		respond(w, `null`)
	})
	c := newTestClient(t, srv.URL)

	require.NoError(t, c.SendSubmissions(context.Background(), testExercise, []experiment.Submission{{ID: 1}}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := newTestClient(t, srv.URL)

	err := c.SendSubmissions(context.Background(), testExercise, []experiment.Submission{{ID: 1}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatus)
	assert.Equal(t, int32(defaultMaxRetries+1), calls.Load())
}

func TestClient_MalformedResponse(t *testing.T) {
	srv, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "not json")
	})
	c := newTestClient(t, srv.URL)

	_, err := c.RequestFeedbackSuggestions(context.Background(), testExercise, experiment.Submission{ID: 1})
	assert.Error(t, err)
}

func TestClient_ContextCancelled(t *testing.T) {
	srv, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		respond(w, `null`)
	})
	c := newTestClient(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, c.SendSubmissions(ctx, testExercise, []experiment.Submission{{ID: 1}}))
}
