// Package observability provides structured logging for the relay server.
package observability

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/protoshock/Server-Files/internal/config"
)

// ServiceName is attached to every log entry as the "service" field.
const ServiceName = "relay"

// NewLogger creates a structured logger from the given logging configuration.
//
// Precondition: cfg.Level must be one of "debug", "info", "warn", "error".
// Precondition: cfg.Format must be "json" or "console".
// Postcondition: Returns a configured zap.Logger or a non-nil error.
func NewLogger(cfg config.LoggingConfig, opts ...zap.Option) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	zapCfg, err := formatConfig(cfg.Format)
	if err != nil {
		return nil, err
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.InitialFields = map[string]interface{}{
		"service": ServiceName,
		"pid":     os.Getpid(),
	}

	logger, err := zapCfg.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

func formatConfig(format string) (zap.Config, error) {
	switch format {
	case "json":
		c := zap.NewProductionConfig()
		// Per-connection debug lines repeat every flush tick.
		c.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
		return c, nil
	case "console":
		c := zap.NewDevelopmentConfig()
		c.DisableStacktrace = true
		c.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return c, nil
	default:
		return zap.Config{}, fmt.Errorf("unknown log format %q", format)
	}
}
