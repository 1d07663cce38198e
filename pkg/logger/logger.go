// Package logger provides the process-wide leveled logger used by binaries
// and adapters. Core packages take an injected *zap.Logger instead.
package logger

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger defines a simple interface for logging.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
}

var (
	mu    sync.RWMutex
	level        = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base         = build(level, false)
	std   Logger = base.Sugar()
)

// ParseLevel maps "debug", "info", "warn", "error" or "fatal" to a zap level.
// Unknown names fall back to info.
func ParseLevel(name string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(name)))); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

func build(lvl zap.AtomicLevel, development bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("logger: build zap logger: %v", err))
	}
	return l
}

// NewLogger creates a Logger at the given level and installs it as the
// global logger. development switches to the human-readable console encoder.
func NewLogger(logLevel string, development bool) Logger {
	mu.Lock()
	defer mu.Unlock()
	level.SetLevel(ParseLevel(logLevel))
	base = build(level, development)
	std = base.Sugar()
	return std
}

// SetGlobalLogLevel changes the level of the global logger in place.
func SetGlobalLogLevel(logLevel string) {
	level.SetLevel(ParseLevel(logLevel))
}

// Zap returns the structured logger behind the global facade, for injection
// into packages that log with typed fields.
func Zap() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.WithOptions(zap.AddCallerSkip(-1))
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

func current() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return std
}

// Debug logs a debug message using the global logger.
func Debug(args ...interface{}) { current().Debug(args...) }

// Debugf logs a debug message with formatting.
func Debugf(format string, args ...interface{}) { current().Debugf(format, args...) }

// Info logs an informational message using the global logger.
func Info(args ...interface{}) { current().Info(args...) }

// Infof logs an informational message with formatting.
func Infof(format string, args ...interface{}) { current().Infof(format, args...) }

// Warn logs a warning.
func Warn(args ...interface{}) { current().Warn(args...) }

// Warnf logs a warning with formatting.
func Warnf(format string, args ...interface{}) { current().Warnf(format, args...) }

// Error logs an error message using the global logger.
func Error(args ...interface{}) { current().Error(args...) }

// Errorf logs an error message with formatting.
func Errorf(format string, args ...interface{}) { current().Errorf(format, args...) }

// Fatal logs a message and exits the process.
func Fatal(args ...interface{}) { current().Fatal(args...) }

// Fatalf logs a formatted message and exits the process.
func Fatalf(format string, args ...interface{}) { current().Fatalf(format, args...) }
