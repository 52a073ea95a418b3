package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger based on level/format settings. The returned
// atomic level stays live: flipping it changes the level of every logger
// derived from this one, which is how the running host toggles debug output.
func NewLogger(level, format string) (*zap.Logger, zap.AtomicLevel, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.Set(strings.ToLower(level)); err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToLower(format) {
	case "json":
		cfg = zap.NewProductionConfig()
		cfg.Encoding = "json"
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.Encoding = "console"
	}

	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := cfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	return logger, cfg.Level, nil
}

// ToggleDebug flips the atomic level between debug and the configured level.
// Returns the level now in effect.
func ToggleDebug(level zap.AtomicLevel, restore zapcore.Level) zapcore.Level {
	if level.Level() == zapcore.DebugLevel {
		level.SetLevel(restore)
		return restore
	}
	level.SetLevel(zapcore.DebugLevel)
	return zapcore.DebugLevel
}
