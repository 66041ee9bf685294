package log

import (
	"github.com/pion/logging"
	"github.com/sirupsen/logrus"
)

// pionLogger implements logging.LeveledLogger on top of a logrus entry.
type pionLogger struct {
	entry *logrus.Entry
}

func (l *pionLogger) Trace(msg string) {
	l.entry.Trace(msg)
}

func (l *pionLogger) Tracef(format string, args ...any) {
	l.entry.Tracef(format, args...)
}

func (l *pionLogger) Debug(msg string) {
	l.entry.Debug(msg)
}

func (l *pionLogger) Debugf(format string, args ...any) {
	l.entry.Debugf(format, args...)
}

func (l *pionLogger) Info(msg string) {
	l.entry.Info(msg)
}

func (l *pionLogger) Infof(format string, args ...any) {
	l.entry.Infof(format, args...)
}

func (l *pionLogger) Warn(msg string) {
	l.entry.Warn(msg)
}

func (l *pionLogger) Warnf(format string, args ...any) {
	l.entry.Warnf(format, args...)
}

func (l *pionLogger) Error(msg string) {
	l.entry.Error(msg)
}

func (l *pionLogger) Errorf(format string, args ...any) {
	l.entry.Errorf(format, args...)
}

type pionFactory struct {
	logger *logrus.Logger
}

// PionLoggerFactory routes pion's scoped loggers to the standard logrus logger.
// pion is chatty at info level, so its entries are tagged with a "scope" field
// that can be filtered on.
func PionLoggerFactory() logging.LoggerFactory {
	return &pionFactory{logger: logrus.StandardLogger()}
}

func (f *pionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{entry: f.logger.WithField("scope", scope)}
}
