package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger provides structured logging for the extraction core, wrapping
// a logrus entry tagged with a component prefix.
type Logger struct {
	prefix string
	entry  *logrus.Entry
}

// NewLogger creates a new logger with a prefix identifying the
// component emitting through it (e.g. "orchestrator", "ocrpool").
func NewLogger(prefix string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetFormatter(&logrus.JSONFormatter{})
	return &Logger{
		prefix: prefix,
		entry:  base.WithField("component", prefix),
	}
}

// NewLoggerFrom wraps an existing logrus instance, so the CLI entry
// point can share one formatter/output across every component.
func NewLoggerFrom(base *logrus.Logger, prefix string) *Logger {
	return &Logger{prefix: prefix, entry: base.WithField("component", prefix)}
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.withKV(keysAndValues...).Info(msg)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.withKV(keysAndValues...).Warn(msg)
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.withKV(keysAndValues...).Error(msg)
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.withKV(keysAndValues...).Debug(msg)
}

func (l *Logger) withKV(keysAndValues ...interface{}) *logrus.Entry {
	if len(keysAndValues) == 0 {
		return l.entry
	}
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields[key] = keysAndValues[i+1]
	}
	return l.entry.WithFields(fields)
}
