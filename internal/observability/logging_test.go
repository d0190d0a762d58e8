package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/protoshock/Server-Files/internal/config"
)

func TestNewLogger_Levels(t *testing.T) {
	cases := []struct {
		level   string
		enabled zapcore.Level
		below   zapcore.Level
	}{
		{"debug", zapcore.DebugLevel, zapcore.DebugLevel - 1},
		{"info", zapcore.InfoLevel, zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel, zapcore.InfoLevel},
		{"error", zapcore.ErrorLevel, zapcore.WarnLevel},
	}
	for _, tc := range cases {
		t.Run(tc.level, func(t *testing.T) {
			logger, err := NewLogger(config.LoggingConfig{Level: tc.level, Format: "json"})
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tc.enabled))
			assert.False(t, logger.Core().Enabled(tc.below))
		})
	}
}

func TestNewLogger_Console(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewLogger_OptionsApplied(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger, err := NewLogger(config.LoggingConfig{Level: "info", Format: "json"},
		zap.WrapCore(func(zapcore.Core) zapcore.Core { return core }),
	)
	require.NoError(t, err)

	logger.Info("room created", zap.String("room", "r1"))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "room created", entry.Message)
	assert.Equal(t, "r1", entry.ContextMap()["room"])
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "trace", Format: "json"})
	assert.Error(t, err)
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestFormatConfig(t *testing.T) {
	jsonCfg, err := formatConfig("json")
	require.NoError(t, err)
	assert.Equal(t, "json", jsonCfg.Encoding)
	require.NotNil(t, jsonCfg.Sampling)
	assert.Equal(t, 100, jsonCfg.Sampling.Initial)

	consoleCfg, err := formatConfig("console")
	require.NoError(t, err)
	assert.Equal(t, "console", consoleCfg.Encoding)
	assert.True(t, consoleCfg.DisableStacktrace)
}
