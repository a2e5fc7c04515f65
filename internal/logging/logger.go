// Package logging provides the debug logger shared by conductor components.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Logger is the printf-style sink accepted by every component.
type Logger interface {
	Log(format string, args ...interface{})
}

// DebugLogger writes timestamped lines to a file.
// A DebugLogger without a file discards everything.
type DebugLogger struct {
	mu   sync.Mutex
	file *os.File
}

// NewDebugLogger creates a logger writing to the specified path.
// If the path is empty, returns a no-op logger.
// Creates parent directories if they don't exist.
func NewDebugLogger(logPath string) (*DebugLogger, error) {
	if logPath == "" {
		return &DebugLogger{}, nil
	}

	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := &DebugLogger{file: f}
	logger.Log("=== conductor debug log started at %s ===", time.Now().Format(time.RFC3339))
	return logger, nil
}

// ProjectLogPath returns the default debug log location for a project root.
func ProjectLogPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".conductor", "logs", "conductor-debug.log")
}

// Log writes a timestamped message to the debug log.
func (l *DebugLogger) Log(format string, args ...interface{}) {
	if l == nil || l.file == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Fprintf(l.file, "[%s] %s\n", timestamp, msg)
	l.file.Sync()
}

// Close closes the log file. Safe to call on a nil logger.
func (l *DebugLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

type nopLogger struct{}

func (nopLogger) Log(string, ...interface{}) {}

// Nop returns a logger that discards everything.
func Nop() Logger { return nopLogger{} }

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}
	if dl, ok := l.(*DebugLogger); ok && dl == nil {
		return Nop()
	}
	return l
}

type componentLogger struct {
	base   Logger
	prefix string
}

func (c componentLogger) Log(format string, args ...interface{}) {
	c.base.Log(c.prefix+format, args...)
}

// Component prefixes every message with "[name] ".
func Component(base Logger, name string) Logger {
	return componentLogger{base: OrNop(base), prefix: "[" + name + "] "}
}

type stdLogger struct{}

func (stdLogger) Log(format string, args ...interface{}) {
	log.Printf(format, args...)
}

// Std routes messages to the standard library logger.
func Std() Logger { return stdLogger{} }

type multiLogger []Logger

func (m multiLogger) Log(format string, args ...interface{}) {
	for _, l := range m {
		l.Log(format, args...)
	}
}

// Multi fans a message out to several loggers. Nil entries are skipped.
func Multi(loggers ...Logger) Logger {
	var out multiLogger
	for _, l := range loggers {
		if l != nil {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		return Nop()
	}
	return out
}

// Warn logs a user-visible warning through the standard library logger and
// mirrors it to l.
func Warn(l Logger, component, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[%s] WARNING: %s", component, msg)
	OrNop(l).Log("[%s] WARNING: %s", component, strings.TrimSpace(msg))
}
