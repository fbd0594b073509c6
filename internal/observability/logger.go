// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

var (
	loggerMu      sync.RWMutex
	defaultLogger Logger = noopLogger{}
)

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger adapts a stdlib *log.Logger to the Logger interface.
type StdLogger struct {
	out   *log.Logger
	debug bool
}

// NewStdLogger wraps out. Debug lines are emitted only when debug is true.
func NewStdLogger(out *log.Logger, debug bool) *StdLogger {
	return &StdLogger{out: out, debug: debug}
}

func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.write("DEBUG", msg, fields)
}

func (l *StdLogger) Info(msg string, fields ...Field) { l.write("INFO", msg, fields) }

func (l *StdLogger) Error(msg string, fields ...Field) { l.write("ERROR", msg, fields) }

func (l *StdLogger) write(level, msg string, fields []Field) {
	if l == nil || l.out == nil {
		return
	}
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		fmt.Fprint(&b, f.Value)
	}
	l.out.Print(b.String())
}
