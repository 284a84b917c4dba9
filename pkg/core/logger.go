package core

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Logger provides leveled logging for queues, workers and their collaborators.
// This abstraction allows swapping logging implementations
type Logger interface {
	// Error logs an error message
	Error(args ...interface{})

	// Errorf logs a formatted error message
	Errorf(format string, args ...interface{})

	// Warn logs a warning message
	Warn(args ...interface{})

	// Warnf logs a formatted warning message
	Warnf(format string, args ...interface{})

	// Info logs an informational message
	Info(args ...interface{})

	// Infof logs a formatted informational message
	Infof(format string, args ...interface{})

	// Debug logs a verbose message, dropped unless the logger is verbose
	Debug(args ...interface{})

	// Debugf logs a formatted verbose message
	Debugf(format string, args ...interface{})
}

// defaultLogger implements Logger using Go's standard log package
type defaultLogger struct {
	errorLogger *log.Logger
	warnLogger  *log.Logger
	infoLogger  *log.Logger
	debugLogger *log.Logger
	verbose     bool
}

// NewDefaultLogger creates a logger writing errors and warnings to stderr and
// everything else to stdout. Debug output is emitted only when verbose is set;
// the flag is decided by the embedding code, never read from the environment.
func NewDefaultLogger(verbose bool) Logger {
	return NewWriterLogger(os.Stderr, os.Stdout, verbose)
}

// NewWriterLogger creates a default logger on explicit writers.
func NewWriterLogger(errOut, out io.Writer, verbose bool) Logger {
	return &defaultLogger{
		errorLogger: log.New(errOut, "[ERROR] ", log.LstdFlags|log.Lshortfile),
		warnLogger:  log.New(errOut, "[WARN] ", log.LstdFlags|log.Lshortfile),
		infoLogger:  log.New(out, "[INFO] ", log.LstdFlags|log.Lshortfile),
		debugLogger: log.New(out, "[DEBUG] ", log.LstdFlags|log.Lshortfile),
		verbose:     verbose,
	}
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger {
	return NewWriterLogger(io.Discard, io.Discard, false)
}

// Error logs an error message
func (l *defaultLogger) Error(args ...interface{}) {
	l.errorLogger.Output(3, fmt.Sprint(args...))
}

// Errorf logs a formatted error message
func (l *defaultLogger) Errorf(format string, args ...interface{}) {
	l.errorLogger.Output(3, fmt.Sprintf(format, args...))
}

// Warn logs a warning message
func (l *defaultLogger) Warn(args ...interface{}) {
	l.warnLogger.Output(3, fmt.Sprint(args...))
}

// Warnf logs a formatted warning message
func (l *defaultLogger) Warnf(format string, args ...interface{}) {
	l.warnLogger.Output(3, fmt.Sprintf(format, args...))
}

// Info logs an informational message
func (l *defaultLogger) Info(args ...interface{}) {
	l.infoLogger.Output(3, fmt.Sprint(args...))
}

// Infof logs a formatted informational message
func (l *defaultLogger) Infof(format string, args ...interface{}) {
	l.infoLogger.Output(3, fmt.Sprintf(format, args...))
}

// Debug logs a debug message
func (l *defaultLogger) Debug(args ...interface{}) {
	if !l.verbose {
		return
	}
	l.debugLogger.Output(3, fmt.Sprint(args...))
}

// Debugf logs a formatted debug message
func (l *defaultLogger) Debugf(format string, args ...interface{}) {
	if !l.verbose {
		return
	}
	l.debugLogger.Output(3, fmt.Sprintf(format, args...))
}
