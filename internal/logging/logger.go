// Package logging defines the logging contract every truffle component
// accepts at construction time, and a default implementation backed by
// logrus.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the contract every component depends on. Components never
// reach for a package-level logger; one is always passed in.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})

	// ToggleDebug enables or disables debug-level output, returning the
	// resulting state.
	ToggleDebug(enabled bool) bool

	// With returns a derived Logger that prefixes every line with the
	// given field, e.g. a device or connection id.
	With(field string, value interface{}) Logger
}

// logrusLogger is the default Logger, backed by logrus instead of the
// stdlib "log" package the teacher's own DefaultLogger used.
type logrusLogger struct {
	entry *logrus.Entry
}

// New creates the default Logger, writing to w with the given name as a
// static field on every line.
func New(name string, w io.Writer) Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetLevel(logrus.InfoLevel)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &logrusLogger{entry: base.WithField("component", name)}
}

// NewDefault writes to stderr, matching the teacher's DefaultLogger.
func NewDefault(name string) Logger {
	return New(name, os.Stderr)
}

func (l *logrusLogger) Info(v ...interface{})                 { l.entry.Info(v...) }
func (l *logrusLogger) Infof(format string, v ...interface{})  { l.entry.Infof(format, v...) }
func (l *logrusLogger) Warn(v ...interface{})                  { l.entry.Warn(v...) }
func (l *logrusLogger) Warnf(format string, v ...interface{})  { l.entry.Warnf(format, v...) }
func (l *logrusLogger) Error(v ...interface{})                 { l.entry.Error(v...) }
func (l *logrusLogger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }
func (l *logrusLogger) Debug(v ...interface{})                 { l.entry.Debug(v...) }
func (l *logrusLogger) Debugf(format string, v ...interface{}) { l.entry.Debugf(format, v...) }
func (l *logrusLogger) Fatal(v ...interface{})                 { l.entry.Fatal(v...) }
func (l *logrusLogger) Fatalf(format string, v ...interface{}) { l.entry.Fatalf(format, v...) }

func (l *logrusLogger) ToggleDebug(enabled bool) bool {
	if enabled {
		l.entry.Logger.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.Logger.SetLevel(logrus.InfoLevel)
	}
	return enabled
}

func (l *logrusLogger) With(field string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(field, value)}
}

// Noop discards everything. Useful for tests that don't want log noise.
type noop struct{}

func Noop() Logger { return noop{} }

func (noop) Info(v ...interface{})                  {}
func (noop) Infof(format string, v ...interface{})  {}
func (noop) Warn(v ...interface{})                  {}
func (noop) Warnf(format string, v ...interface{})  {}
func (noop) Error(v ...interface{})                 {}
func (noop) Errorf(format string, v ...interface{}) {}
func (noop) Debug(v ...interface{})                 {}
func (noop) Debugf(format string, v ...interface{}) {}
func (noop) Fatal(v ...interface{})                 {}
func (noop) Fatalf(format string, v ...interface{}) {}
func (noop) ToggleDebug(enabled bool) bool          { return enabled }
func (noop) With(field string, value interface{}) Logger { return noop{} }
