package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{
	DEBUG: 0,
	INFO:  1,
	WARN:  2,
	ERROR: 3,
}

// ParseLogLevel converts a level name to a LogLevel, defaulting to INFO
func ParseLogLevel(name string) LogLevel {
	level := LogLevel(strings.ToUpper(strings.TrimSpace(name)))
	if _, ok := levelRank[level]; ok {
		return level
	}
	return INFO
}

// globalLevel overrides the per-logger minimum when set. Components create their loggers
// at construction time, before flags are parsed in some binaries.
var globalLevel atomic.Pointer[LogLevel]

// Logger provides structured logging capabilities
type Logger struct {
	logger    *log.Logger
	minLevel  LogLevel
	component string
}

// NewLogger creates a new logger instance
func NewLogger(component string, minLevel LogLevel) *Logger {
	return NewLoggerTo(os.Stdout, component, minLevel)
}

// NewLoggerTo creates a logger writing to w
func NewLoggerTo(w io.Writer, component string, minLevel LogLevel) *Logger {
	return &Logger{
		logger:    log.New(w, "", 0),
		minLevel:  minLevel,
		component: component,
	}
}

// shouldLog checks if a message at the given level should be logged
func (l *Logger) shouldLog(level LogLevel) bool {
	threshold := l.minLevel
	if g := globalLevel.Load(); g != nil {
		threshold = *g
	}
	return levelRank[level] >= levelRank[threshold]
}

// formatMessage formats a log message with timestamp, level, and component
func (l *Logger) formatMessage(level LogLevel, message string) string {
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	return fmt.Sprintf("[%s] [%s] [%s] %s", timestamp, level, l.component, message)
}

// Debug logs a debug message
func (l *Logger) Debug(message string, args ...interface{}) {
	if l.shouldLog(DEBUG) {
		l.logger.Println(l.formatMessage(DEBUG, fmt.Sprintf(message, args...)))
	}
}

// Info logs an info message
func (l *Logger) Info(message string, args ...interface{}) {
	if l.shouldLog(INFO) {
		l.logger.Println(l.formatMessage(INFO, fmt.Sprintf(message, args...)))
	}
}

// Warn logs a warning message
func (l *Logger) Warn(message string, args ...interface{}) {
	if l.shouldLog(WARN) {
		l.logger.Println(l.formatMessage(WARN, fmt.Sprintf(message, args...)))
	}
}

// Error logs an error message
func (l *Logger) Error(message string, args ...interface{}) {
	if l.shouldLog(ERROR) {
		l.logger.Println(l.formatMessage(ERROR, fmt.Sprintf(message, args...)))
	}
}

// Fatal logs an error message and exits the program
func (l *Logger) Fatal(message string, args ...interface{}) {
	l.logger.Fatalln(l.formatMessage(ERROR, fmt.Sprintf(message, args...)))
}

// WithComponent creates a new logger with a different component name
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		logger:    l.logger,
		minLevel:  l.minLevel,
		component: component,
	}
}

// Global logger instance for convenience
var defaultLogger = NewLogger("app", INFO)

// SetDefaultLogLevel sets the minimum level for every logger in the process
func SetDefaultLogLevel(level LogLevel) {
	globalLevel.Store(&level)
}

// Debug logs a debug message using the default logger
func Debug(message string, args ...interface{}) {
	defaultLogger.Debug(message, args...)
}

// Info logs an info message using the default logger
func Info(message string, args ...interface{}) {
	defaultLogger.Info(message, args...)
}

// Warn logs a warning message using the default logger
func Warn(message string, args ...interface{}) {
	defaultLogger.Warn(message, args...)
}

// Error logs an error message using the default logger
func Error(message string, args ...interface{}) {
	defaultLogger.Error(message, args...)
}

// Fatal logs an error message and exits using the default logger
func Fatal(message string, args ...interface{}) {
	defaultLogger.Fatal(message, args...)
}
