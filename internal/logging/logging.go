// Package logging provides the leveled, component-prefixed logger shared by the
// locator tools. Output lines look like:
//
//	2024/05/01 12:00:00 [INFO] GPS: fix acquired
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel accepts debug, info, warn/warning and error in any case.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q (must be debug, info, warn or error)", s)
	}
}

// Logger writes leveled messages. Loggers derived with Component share output
// and level with their parent.
type Logger struct {
	std    *log.Logger
	level  Level
	prefix string
}

// New creates a logger writing to w at the given minimum level.
func New(w io.Writer, level Level) *Logger {
	return &Logger{std: log.New(w, "", log.LstdFlags), level: level}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(io.Discard, LevelError+1)
}

// Setup builds the process logger from the configured level and optional log
// file. Messages go to stderr and, when file is set, are appended to it.
// The returned closer releases the file.
func Setup(level, file string) (*Logger, io.Closer, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	if file == "" {
		return New(os.Stderr, lvl), io.NopCloser(nil), nil
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %s: %w", file, err)
	}
	return New(io.MultiWriter(os.Stderr, f), lvl), f, nil
}

// Component returns a logger whose messages are prefixed with "name: ".
func (l *Logger) Component(name string) *Logger {
	return &Logger{std: l.std, level: l.level, prefix: name + ": "}
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return level >= l.level
}

func (l *Logger) logf(level Level, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}
	l.std.Printf("[%s] %s%s", level, l.prefix, fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }
