// Package events publishes batch run events over NATS.
//
// Events are published to:
//
//	{prefix}.{experiment_id}.{run_id}.{kind}
//
// where kind is one of step, progress, or error.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playground/internal/config"
	"github.com/fyrsmithlabs/playground/internal/logging"
	"github.com/fyrsmithlabs/playground/internal/orchestrator"
)

// Connect opens a NATS connection for cfg.
func Connect(cfg config.EventsConfig, logger *logging.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("playground"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSURL, err)
	}
	if logger != nil {
		logger.Info(context.Background(), "connected to NATS", zap.String("url", cfg.NATSURL))
	}
	return nc, nil
}

// Publisher implements orchestrator.ProgressSink on top of NATS.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
}

var _ orchestrator.ProgressSink = (*Publisher)(nil)

// NewPublisher creates a publisher using subjects below prefix.
func NewPublisher(nc *nats.Conn, prefix string, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{
		nc:     nc,
		prefix: prefix,
		logger: logger.Named("events"),
	}
}

// Subject returns the subject an event of kind is published to.
func Subject(prefix, experimentID, runID string, kind orchestrator.EventKind) string {
	return strings.Join([]string{prefix, token(experimentID), token(runID), string(kind)}, ".")
}

// token makes s usable as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// Publish sends ev. Failures are logged and otherwise ignored.
func (p *Publisher) Publish(ctx context.Context, ev orchestrator.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn(ctx, "failed to encode event", zap.Error(err))
		return
	}
	subject := Subject(p.prefix, ev.ExperimentID, ev.RunID, ev.Kind)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn(ctx, "failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
		return
	}
	p.logger.Trace(ctx, "published event", zap.String("subject", subject))
}

// Flush waits until published events reached the server.
func (p *Publisher) Flush() error {
	return p.nc.Flush()
}

// Subscribe delivers every event of experimentID to fn. An empty experimentID
// subscribes to all experiments. Messages that are not events are logged and
// skipped.
func Subscribe(nc *nats.Conn, prefix, experimentID string, logger *logging.Logger, fn func(orchestrator.Event)) (*nats.Subscription, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("events")
	exp := "*"
	if experimentID != "" {
		exp = token(experimentID)
	}
	subject := strings.Join([]string{prefix, exp, ">"}, ".")
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev orchestrator.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Debug(context.Background(), "dropping undecodable event",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		fn(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}
