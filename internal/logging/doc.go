// Package logging provides structured logging for the playground.
//
// # Overview
//
// Logging package wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Stdout output with optional OpenTelemetry bridge
//   - Automatic context field injection (trace_id, run.id, experiment.id)
//   - Redaction of backend secrets
//   - Level-aware sampling (errors never sampled)
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRun(ctx, logging.Run{ID: runID, ExperimentID: "exp-1"})
//	logger.Info(ctx, "sending submissions", zap.Int("count", n))
//
// Output includes the run correlation:
//
//	{"ts":"...","level":"info","msg":"sending submissions","run.id":"6b1f...","experiment.id":"exp-1","count":12}
//
// # Testing
//
// Use TestLogger for test assertions:
//
//	tl := logging.NewTestLogger()
//	tl.Error(ctx, "sending submissions failed")
//	tl.AssertLogged(t, zapcore.ErrorLevel, "sending submissions failed")
package logging
