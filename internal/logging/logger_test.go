package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.NotNil(t, logger.Underlying())
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLoggerLevels(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tl.Debug(ctx, "debug message")
	tl.Info(ctx, "info message")
	tl.Warn(ctx, "warn message")
	tl.Error(ctx, "error message")

	tl.AssertLogged(t, zapcore.DebugLevel, "debug message")
	tl.AssertLogged(t, zapcore.InfoLevel, "info message")
	tl.AssertLogged(t, zapcore.WarnLevel, "warn message")
	tl.AssertLogged(t, zapcore.ErrorLevel, "error message")
}

func TestLoggerWith(t *testing.T) {
	tl := NewTestLogger()

	child := tl.With(zap.String("component", "dispatcher"))
	child.Info(context.Background(), "child message")

	tl.AssertField(t, "child message", "component", "dispatcher")

	// Parent is unaffected.
	tl.Info(context.Background(), "parent message")
	for _, entry := range tl.FilterMessage("parent message").All() {
		for _, f := range entry.Context {
			assert.NotEqual(t, "component", f.Key)
		}
	}
}

func TestLoggerNamed(t *testing.T) {
	tl := NewTestLogger()

	named := tl.Named("verify")
	named.Info(context.Background(), "named message")

	entries := tl.FilterMessage("named message").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "verify", entries[0].LoggerName)
}

func TestLoggerEnabled(t *testing.T) {
	tl := NewTestLogger()
	// Observer core is built at DebugLevel so everything is enabled.
	assert.True(t, tl.Enabled(zapcore.DebugLevel))
	assert.True(t, tl.Enabled(zapcore.ErrorLevel))
}
