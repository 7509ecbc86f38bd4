// Package integration runs a batch experiment end to end against a fake
// grading backend, an embedded NATS server and the HTTP API.
package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/playground/internal/experiment"
)

// fakeBackend answers module requests the way a grading backend module does.
// It always selects the last offered submission.
type fakeBackend struct {
	mu        sync.Mutex
	requests  []string
	suggested []experiment.SubmissionID
}

func (b *fakeBackend) record(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, endpoint)
}

// Suggested returns the submissions suggestions were requested for, in order.
func (b *fakeBackend) Suggested() []experiment.SubmissionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]experiment.SubmissionID(nil), b.suggested...)
}

// Requests returns the endpoints hit so far, in order.
func (b *fakeBackend) Requests() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.requests...)
}

func (b *fakeBackend) handle(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		b.record(endpoint)

		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		var body struct {
			SubmissionIDs []experiment.SubmissionID `json:"submission_ids"`
			Submission    experiment.Submission     `json:"submission"`
		}
		assert.NoError(t, json.Unmarshal(raw, &body))

		var data any
		switch endpoint {
		case "select_submission":
			data = body.SubmissionIDs[len(body.SubmissionIDs)-1]
		case "feedback_suggestions":
			b.mu.Lock()
			b.suggested = append(b.suggested, body.Submission.ID)
			b.mu.Unlock()
			data = []experiment.Feedback{{
				ExerciseID:   body.Submission.ExerciseID,
				SubmissionID: body.Submission.ID,
				Title:        "Suggested",
				Credits:      1.5,
			}}
		}

		w.Header().Set("Content-Type", "application/json")
		assert.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"module_name": "module_text_test",
			"status":      200,
			"data":        data,
			"meta":        map[string]any{"took": 1},
		}))
	}
}

// startFakeBackend starts a fake backend module server.
func startFakeBackend(t *testing.T) (*httptest.Server, *fakeBackend) {
	t.Helper()
	b := &fakeBackend{}
	srv := httptest.NewServer(b.handle(t))
	t.Cleanup(srv.Close)
	return srv, b
}

// startTestNATSServer starts an embedded NATS server on a random port.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func testExperiment() *experiment.Experiment {
	id := func(v int64) *int64 { return &v }
	return &experiment.Experiment{
		ID:            "exp-integration",
		ExerciseType:  "text",
		ExecutionMode: experiment.ExecutionModeBatch,
		Exercise:      experiment.Exercise{ID: 3, Title: "Essay", Type: "text", MaxPoints: 10},
		TrainingSubmissions: []experiment.Submission{
			{ID: 100, ExerciseID: 3, Text: "first"},
			{ID: 101, ExerciseID: 3, Text: "second"},
		},
		EvaluationSubmissions: []experiment.Submission{
			{ID: 200, ExerciseID: 3, Text: "third"},
			{ID: 201, ExerciseID: 3, Text: "fourth"},
			{ID: 202, ExerciseID: 3, Text: "fifth"},
		},
		TutorFeedbacks: []experiment.Feedback{
			{ID: id(1), ExerciseID: 3, SubmissionID: 100, Title: "Good", Credits: 2},
			{ID: id(2), ExerciseID: 3, SubmissionID: 101, Title: "Weak", Credits: 0},
		},
	}
}
