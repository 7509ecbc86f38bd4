package events

import (
	"context"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/playground/internal/config"
	"github.com/fyrsmithlabs/playground/internal/experiment"
	"github.com/fyrsmithlabs/playground/internal/logging"
	"github.com/fyrsmithlabs/playground/internal/orchestrator"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
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

func TestSubject(t *testing.T) {
	assert.Equal(t, "experiments.exp-1.run-1.step", Subject("experiments", "exp-1", "run-1", orchestrator.EventStep))
	assert.Equal(t, "experiments.a_b_c._.error", Subject("experiments", "a.b c", "", orchestrator.EventError))
	assert.Equal(t, "p.x_y.r.progress", Subject("p", "x>y", "r", orchestrator.EventProgress))
}

func TestPublisher_Publish(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := Connect(config.EventsConfig{NATSURL: server.ClientURL()}, logging.NewNop())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("experiments.exp-1.run-1.progress")
	require.NoError(t, err)

	p := NewPublisher(nc, "experiments", nil)
	p.Publish(context.Background(), orchestrator.Event{
		Kind:         orchestrator.EventProgress,
		RunID:        "run-1",
		ExperimentID: "exp-1",
		Step:         experiment.StepGeneratingFeedbackSuggestions,
		SubmissionID: 7,
		Done:         1,
		Total:        2,
	})
	require.NoError(t, p.Flush())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"kind": "progress",
		"runId": "run-1",
		"experimentId": "exp-1",
		"step": "generatingFeedbackSuggestions",
		"submissionId": 7,
		"done": 1,
		"total": 2,
		"time": "0001-01-01T00:00:00Z"
	}`, string(msg.Data))
}

func TestPublisher_Subscribe(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	var mu sync.Mutex
	var got []orchestrator.Event
	sub, err := Subscribe(nc, "experiments", "exp-1", nil, func(ev orchestrator.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	p := NewPublisher(nc, "experiments", nil)
	p.Publish(context.Background(), orchestrator.Event{Kind: orchestrator.EventStep, ExperimentID: "exp-1", RunID: "r", Step: experiment.StepFinished})
	p.Publish(context.Background(), orchestrator.Event{Kind: orchestrator.EventStep, ExperimentID: "exp-2", RunID: "r", Step: experiment.StepFinished})
	require.NoError(t, p.Flush())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "exp-1", got[0].ExperimentID)
	assert.Equal(t, experiment.StepFinished, got[0].Step)
}

func TestPublisher_PublishFailureIsLogged(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	nc.Close()

	tl := logging.NewTestLogger()
	p := NewPublisher(nc, "experiments", tl.Logger)
	p.Publish(context.Background(), orchestrator.Event{Kind: orchestrator.EventError, ExperimentID: "e", RunID: "r"})

	tl.AssertLogged(t, zapcore.WarnLevel, "failed to publish event")
}

func TestSubscribe_SkipsUndecodableMessages(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	tl := logging.NewTestLogger()
	var mu sync.Mutex
	var got []orchestrator.Event
	sub, err := Subscribe(nc, "experiments", "exp-1", tl.Logger, func(ev orchestrator.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	require.NoError(t, nc.Publish("experiments.exp-1.r.step", []byte("not json")))
	p := NewPublisher(nc, "experiments", nil)
	p.Publish(context.Background(), orchestrator.Event{Kind: orchestrator.EventStep, ExperimentID: "exp-1", RunID: "r", Step: experiment.StepFinished})
	require.NoError(t, p.Flush())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	tl.AssertLogged(t, zapcore.DebugLevel, "dropping undecodable event")
	tl.AssertField(t, "dropping undecodable event", "subject", "experiments.exp-1.r.step")
}
