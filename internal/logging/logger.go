package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a zap logger configured for structured production
// logging. An unknown level name falls back to info instead of failing
// startup.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "":
		return zapcore.InfoLevel
	case "warning":
		// zapcore.ParseLevel only accepts the short form.
		return zapcore.WarnLevel
	}
	parsed, err := zapcore.ParseLevel(normalized)
	if err != nil {
		return zapcore.InfoLevel
	}
	return parsed
}
