// Package log provides the categorised logger used across the extension.
package log

import (
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus logger and tags every entry with a category.
// Categories are free-form strings such as "Registry:Acquire" and can be
// filtered with a regular expression.
type Logger struct {
	logrus.FieldLogger

	mu             sync.Mutex
	lastLogCall    int64
	categoryFilter *regexp.Regexp
}

// NullLogger returns a logger that discards everything.
func NullLogger() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return New(l, nil)
}

// New returns a new logger. A nil categoryFilter lets every category through.
func New(logger logrus.FieldLogger, categoryFilter *regexp.Regexp) *Logger {
	return &Logger{
		FieldLogger:    logger,
		categoryFilter: categoryFilter,
	}
}

// Tracef logs a trace message.
func (l *Logger) Tracef(category string, msg string, args ...any) {
	l.Logf(logrus.TraceLevel, category, msg, args...)
}

// Debugf logs a debug message.
func (l *Logger) Debugf(category string, msg string, args ...any) {
	l.Logf(logrus.DebugLevel, category, msg, args...)
}

// Errorf logs an error message.
func (l *Logger) Errorf(category string, msg string, args ...any) {
	l.Logf(logrus.ErrorLevel, category, msg, args...)
}

// Infof logs an info message.
func (l *Logger) Infof(category string, msg string, args ...any) {
	l.Logf(logrus.InfoLevel, category, msg, args...)
}

// Warnf logs a warning message.
func (l *Logger) Warnf(category string, msg string, args ...any) {
	l.Logf(logrus.WarnLevel, category, msg, args...)
}

// Logf logs a message at the given level if the category passes the filter.
func (l *Logger) Logf(level logrus.Level, category string, msg string, args ...any) {
	if l == nil || l.FieldLogger == nil {
		return
	}
	l.mu.Lock()
	if l.categoryFilter != nil && !l.categoryFilter.MatchString(category) {
		l.mu.Unlock()
		return
	}
	now := time.Now().UnixNano() / int64(time.Millisecond)
	elapsed := now - l.lastLogCall
	if elapsed == now {
		elapsed = 0
	}
	l.lastLogCall = now
	l.mu.Unlock()

	l.WithFields(logrus.Fields{
		"category": category,
		"elapsed":  fmt.Sprintf("%d ms", elapsed),
	}).Logf(level, msg, args...)
}

// SetCategoryFilter replaces the category filter. A nil filter disables
// filtering.
func (l *Logger) SetCategoryFilter(filter *regexp.Regexp) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.categoryFilter = filter
}

// DebugMode returns true if the logger level is set to Debug or higher.
func (l *Logger) DebugMode() bool {
	return l.level() >= logrus.DebugLevel
}

func (l *Logger) level() logrus.Level {
	switch fl := l.FieldLogger.(type) {
	case *logrus.Logger:
		return fl.GetLevel()
	case *logrus.Entry:
		return fl.Logger.GetLevel()
	default:
		return logrus.InfoLevel
	}
}
