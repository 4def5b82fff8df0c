package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Level represents the severity level of a log message.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	NoticeLevel
	ErrorLevel
)

// ParseLevel converts a level name into a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "notice":
		return NoticeLevel, nil
	case "error":
		return ErrorLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown log level: %s", s)
}

var componentColors = map[string]color.Attribute{
	"scheduler": color.FgHiGreen,
	"worker":    color.FgHiBlue,
	"queue":     color.FgMagenta,
	"reaper":    color.FgYellow,
	"gateway":   color.FgCyan,
	"marketcap": color.FgGreen,
	"analytics": color.FgBlue,
}

var levelColors = map[Level]color.Attribute{
	DebugLevel:  color.FgWhite,
	InfoLevel:   color.FgHiWhite,
	NoticeLevel: color.FgHiYellow,
	ErrorLevel:  color.FgHiRed,
}

// Logger is a simple interface for logging messages.
type Logger interface {
	// Info logs an informational message.
	Info(format string, args ...interface{})
	InfoWithOrder(orderID string, format string, args ...interface{})

	// Error logs an error message.
	Error(format string, args ...interface{})
	ErrorWithOrder(orderID string, format string, args ...interface{})

	// Debug logs a debug message.
	Debug(format string, args ...interface{})
	DebugWithOrder(orderID string, format string, args ...interface{})

	// Notice logs a notice message.
	Notice(format string, args ...interface{})
	NoticeWithOrder(orderID string, format string, args ...interface{})
}

// EmptyLogger is a simple implementation of the Logger interface that does nothing.
type EmptyLogger struct{}

var _ Logger = (*EmptyLogger)(nil)

func (l *EmptyLogger) Info(_ string, _ ...interface{})                      {}
func (l *EmptyLogger) InfoWithOrder(_ string, _ string, _ ...interface{})   {}
func (l *EmptyLogger) Error(_ string, _ ...interface{})                     {}
func (l *EmptyLogger) ErrorWithOrder(_ string, _ string, _ ...interface{})  {}
func (l *EmptyLogger) Debug(_ string, _ ...interface{})                     {}
func (l *EmptyLogger) DebugWithOrder(_ string, _ string, _ ...interface{})  {}
func (l *EmptyLogger) Notice(_ string, _ ...interface{})                    {}
func (l *EmptyLogger) NoticeWithOrder(_ string, _ string, _ ...interface{}) {}

// StdLogger is a standard implementation of the Logger interface that logs messages to the console.
type StdLogger struct {
	enableColoring bool
	level          Level
	component      string
	out            *log.Logger
	mu             *sync.Mutex
}

var _ Logger = (*StdLogger)(nil)

func NewStdLogger(enableColoring bool, level Level) *StdLogger {
	return &StdLogger{
		enableColoring: enableColoring,
		level:          level,
		out:            log.Default(),
		mu:             &sync.Mutex{},
	}
}

// WithComponent returns a logger that tags every line with the component name.
// The returned logger shares output and locking with its parent.
func (l *StdLogger) WithComponent(component string) *StdLogger {
	return &StdLogger{
		enableColoring: l.enableColoring,
		level:          l.level,
		component:      component,
		out:            l.out,
		mu:             l.mu,
	}
}

// SetOutput redirects the logger, mostly for tests
func (l *StdLogger) SetOutput(out *log.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = out
}

// formatMessage formats the log message with the level, component and order prefixes, coloring if enabled.
func (l *StdLogger) formatMessage(level Level, orderID string, format string) string {
	var levelStr string
	switch level {
	case DebugLevel:
		levelStr = "[DEBUG]  "
	case InfoLevel:
		levelStr = "[INFO]   "
	case NoticeLevel:
		levelStr = "[NOTICE] "
	case ErrorLevel:
		levelStr = "[ERROR]  "
	}

	var componentStr string
	if l.component != "" {
		componentStr = "[" + l.component + "] "
	}

	var orderStr string
	if orderID != "" {
		orderStr = "[order " + orderID + "] "
	}

	if l.enableColoring {
		levelStr = color.New(levelColors[level]).Sprint(levelStr)
		if componentStr != "" {
			attr, ok := componentColors[l.component]
			if !ok {
				attr = color.FgWhite
			}
			componentStr = color.New(attr).Sprint(componentStr)
		}
	}

	return levelStr + componentStr + orderStr + format
}

func (l *StdLogger) logf(level Level, orderID string, format string, args ...interface{}) {
	if l.level > level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Printf(l.formatMessage(level, orderID, format), args...)
}

func (l *StdLogger) Info(format string, args ...interface{}) {
	l.logf(InfoLevel, "", format, args...)
}

func (l *StdLogger) InfoWithOrder(orderID string, format string, args ...interface{}) {
	l.logf(InfoLevel, orderID, format, args...)
}

func (l *StdLogger) Error(format string, args ...interface{}) {
	l.logf(ErrorLevel, "", format, args...)
}

func (l *StdLogger) ErrorWithOrder(orderID string, format string, args ...interface{}) {
	l.logf(ErrorLevel, orderID, format, args...)
}

func (l *StdLogger) Debug(format string, args ...interface{}) {
	l.logf(DebugLevel, "", format, args...)
}

func (l *StdLogger) DebugWithOrder(orderID string, format string, args ...interface{}) {
	l.logf(DebugLevel, orderID, format, args...)
}

func (l *StdLogger) Notice(format string, args ...interface{}) {
	l.logf(NoticeLevel, "", format, args...)
}

func (l *StdLogger) NoticeWithOrder(orderID string, format string, args ...interface{}) {
	l.logf(NoticeLevel, orderID, format, args...)
}
