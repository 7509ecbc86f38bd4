package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/fyrsmithlabs/playground/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newBufferedLogger(t *testing.T, mutate func(*Config)) (*Logger, *bytes.Buffer) {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	var buf bytes.Buffer
	logger, err := newLogger(cfg, &buf, nil)
	require.NoError(t, err)
	return logger, &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	return entry
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLogger_RunCorrelation(t *testing.T) {
	logger, buf := newBufferedLogger(t, nil)

	ctx := WithRun(context.Background(), Run{ID: "run-1", ExperimentID: "exp-1", ModuleConfigurationID: "mc-1"})
	logger.Info(ctx, "sending submissions", zap.Int("count", 3))

	entry := decodeLine(t, buf)
	assert.Equal(t, "sending submissions", entry["msg"])
	assert.Equal(t, "run-1", entry["run.id"])
	assert.Equal(t, "exp-1", entry["experiment.id"])
	assert.Equal(t, "mc-1", entry["module_configuration.id"])
	assert.Equal(t, float64(3), entry["count"])
	assert.Equal(t, "playground", entry["service"])
}

func TestLogger_RedactsSecrets(t *testing.T) {
	logger, buf := newBufferedLogger(t, nil)

	logger.With(zap.String("api_secret", "abc")).Info(context.Background(), "configured", zap.String("secret", "xyz"))

	out := buf.String()
	assert.NotContains(t, out, "abc")
	assert.NotContains(t, out, "xyz")
	assert.Contains(t, out, "[REDACTED]")
}

func TestSecretField(t *testing.T) {
	f := Secret("backend_secret", config.Secret("12345"))
	assert.Equal(t, "[REDACTED:5]", f.String)
}

func TestLogger_LevelFiltering(t *testing.T) {
	logger, buf := newBufferedLogger(t, func(c *Config) { c.Level = zapcore.WarnLevel })

	logger.Info(context.Background(), "hidden")
	assert.Empty(t, buf.String())
	assert.False(t, logger.Enabled(zapcore.InfoLevel))

	logger.Warn(context.Background(), "shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestLogger_SamplingNeverDropsErrors(t *testing.T) {
	logger, buf := newBufferedLogger(t, func(c *Config) {
		c.Sampling.Enabled = true
		c.Sampling.Initial = 1
		c.Sampling.Thereafter = 0
	})

	for i := 0; i < 5; i++ {
		logger.Error(context.Background(), "gateway failed")
	}
	assert.Equal(t, 5, bytes.Count(buf.Bytes(), []byte("gateway failed")))
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Info(ctx, "from context")
	tl.AssertLogged(t, zapcore.InfoLevel, "from context")
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings(config.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)

	_, err = FromSettings(config.LoggingConfig{Format: "yaml"})
	assert.Error(t, err)
}

func TestTestLogger_AssertField(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "received selection", zap.Int64("submission_id", 7))

	tl.AssertField(t, "received selection", "submission_id", int64(7))
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "received selection")
}
