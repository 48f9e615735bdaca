package logging

import (
	"context"
	"log"
	"os"
	"strings"
)

// levelWriter forwards writes from printf-style loggers into the structured logger
type levelWriter struct {
	logger Logger
	level  Level
}

func (w *levelWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")

	switch w.level {
	case DebugLevel:
		w.logger.Debug(msg)
	case WarnLevel:
		w.logger.Warn(msg)
	case ErrorLevel, FatalLevel:
		w.logger.Error(msg)
	default:
		w.logger.Info(msg)
	}

	return len(p), nil
}

// NewStdLogAdapter creates a standard library logger that forwards entries to
// the structured logger at the given level. Useful for APIs that require a
// *log.Logger, such as http.Server.ErrorLog.
func NewStdLogAdapter(logger Logger, component string, level Level) *log.Logger {
	scoped := logger.WithFields(String("component", component))
	return log.New(&levelWriter{logger: scoped, level: level}, "", 0)
}

// nopLogger discards all entries
type nopLogger struct{}

// NewNopLogger creates a logger that discards everything written to it
func NewNopLogger() Logger {
	return nopLogger{}
}

func (nopLogger) Debug(msg string, fields ...Field) {}
func (nopLogger) Info(msg string, fields ...Field)  {}
func (nopLogger) Warn(msg string, fields ...Field)  {}
func (nopLogger) Error(msg string, fields ...Field) {}
func (nopLogger) Fatal(msg string, fields ...Field) {}

func (n nopLogger) WithFields(fields ...Field) Logger      { return n }
func (n nopLogger) WithContext(ctx context.Context) Logger { return n }
func (n nopLogger) WithError(err error) Logger             { return n }

func (nopLogger) SetLevel(level Level) {}
func (nopLogger) GetLevel() Level      { return FatalLevel }

// globalLogger backs the package-level logging functions.
var globalLogger Logger = New(os.Stdout, NewTextFormatter())

// SetGlobalLogger replaces the logger behind the package-level functions.
func SetGlobalLogger(logger Logger) {
	globalLogger = logger
}

// GetGlobalLogger returns the logger behind the package-level functions.
func GetGlobalLogger() Logger {
	return globalLogger
}

// Package-level shortcuts onto the global logger.
func Debug(msg string, fields ...Field) { GetGlobalLogger().Debug(msg, fields...) }

func Info(msg string, fields ...Field) { GetGlobalLogger().Info(msg, fields...) }

func Warn(msg string, fields ...Field) { GetGlobalLogger().Warn(msg, fields...) }

func LogError(msg string, fields ...Field) { GetGlobalLogger().Error(msg, fields...) }

// Fatal logs through the global logger and exits the process.
func Fatal(msg string, fields ...Field) { GetGlobalLogger().Fatal(msg, fields...) }
