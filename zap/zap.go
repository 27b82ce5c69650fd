// Package zap bridges the lib-outbox log facade to go.uber.org/zap while
// preserving structured fields.
package zap

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	liblog "github.com/harborline/lib-outbox/log"
)

const callerSkipFrames = 1

// Environment controls the baseline logger profile.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentStaging     Environment = "staging"
	EnvironmentDevelopment Environment = "development"
	EnvironmentLocal       Environment = "local"
)

// Config contains all required logger initialization inputs.
type Config struct {
	Environment Environment
	Level       string
}

func (c Config) validate() error {
	switch c.Environment {
	case EnvironmentProduction, EnvironmentStaging, EnvironmentDevelopment, EnvironmentLocal:
		return nil
	default:
		return fmt.Errorf("invalid environment %q", c.Environment)
	}
}

// Logger adapts a zap logger to the log.Logger interface.
type Logger struct {
	logger *zap.Logger
}

// New creates a structured logger and returns it with a runtime-adjustable
// level handle.
func New(cfg Config) (*Logger, zap.AtomicLevel, error) {
	if err := cfg.validate(); err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid zap config: %w", err)
	}

	baseConfig := buildConfigByEnvironment(cfg.Environment)

	level, err := resolveLevel(cfg)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	baseConfig.Level = level
	baseConfig.DisableStacktrace = true

	built, err := baseConfig.Build(zap.AddCallerSkip(callerSkipFrames))
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to build logger: %w", err)
	}

	return &Logger{logger: built}, level, nil
}

// Wrap adapts an existing zap logger. Useful for tests with zaptest observers.
func Wrap(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Logger{logger: logger}
}

func resolveLevel(cfg Config) (zap.AtomicLevel, error) {
	if strings.TrimSpace(cfg.Level) != "" {
		var parsed zapcore.Level
		if err := parsed.Set(cfg.Level); err != nil {
			return zap.AtomicLevel{}, fmt.Errorf("invalid level %q: %w", cfg.Level, err)
		}

		return zap.NewAtomicLevelAt(parsed), nil
	}

	if cfg.Environment == EnvironmentDevelopment || cfg.Environment == EnvironmentLocal {
		return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
	}

	return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
}

func buildConfigByEnvironment(environment Environment) zap.Config {
	if environment == EnvironmentDevelopment || environment == EnvironmentLocal {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

		return cfg
	}

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg
}

// Log emits a log entry at the given level.
func (l *Logger) Log(_ context.Context, level liblog.Level, msg string, fields ...liblog.Field) {
	if l == nil || l.logger == nil {
		return
	}

	zapFields := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		zapFields = append(zapFields, toZapField(field))
	}

	switch level {
	case liblog.LevelDebug:
		l.logger.Debug(msg, zapFields...)
	case liblog.LevelInfo:
		l.logger.Info(msg, zapFields...)
	case liblog.LevelWarn:
		l.logger.Warn(msg, zapFields...)
	case liblog.LevelError:
		l.logger.Error(msg, zapFields...)
	}
}

// With returns a logger with the given fields bound to every entry.
//
//nolint:ireturn
func (l *Logger) With(fields ...liblog.Field) liblog.Logger {
	if l == nil || l.logger == nil {
		return liblog.NewNop()
	}

	zapFields := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		zapFields = append(zapFields, toZapField(field))
	}

	return &Logger{logger: l.logger.With(zapFields...)}
}

// Enabled reports whether entries at the given level would be emitted.
func (l *Logger) Enabled(level liblog.Level) bool {
	if l == nil || l.logger == nil {
		return false
	}

	return l.logger.Core().Enabled(toZapLevel(level))
}

// Sync flushes buffered entries.
func (l *Logger) Sync(_ context.Context) error {
	if l == nil || l.logger == nil {
		return nil
	}

	return l.logger.Sync()
}

func toZapField(field liblog.Field) zap.Field {
	if err, ok := field.Value.(error); ok && field.Key == "error" {
		return zap.Error(err)
	}

	return zap.Any(field.Key, field.Value)
}

func toZapLevel(level liblog.Level) zapcore.Level {
	switch level {
	case liblog.LevelDebug:
		return zapcore.DebugLevel
	case liblog.LevelInfo:
		return zapcore.InfoLevel
	case liblog.LevelWarn:
		return zapcore.WarnLevel
	case liblog.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InvalidLevel
	}
}
