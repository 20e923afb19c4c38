// Package logging is a small shim over the standard library's log.Logger.
// The teacher never reaches for a structured logging library anywhere in
// the pack's job-queue-shaped repos — every component calls log.Printf
// directly with a bracketed tag prefix (e.g. "[DEGRADED MODE] ..."). This
// package keeps that exact style but makes the logger an injected value
// instead of the global log package, so components are testable and a
// caller can silence or redirect output without touching package state.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Level gates which calls are written out.
type Level int

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

// Logger wraps a *log.Logger with a component tag and a minimum level.
type Logger struct {
	std   *log.Logger
	tag   string
	level Level
}

// New returns a Logger writing to w, tagged with component (rendered the
// same way the teacher brackets its own tags, e.g. "[DEGRADED MODE]").
func New(w io.Writer, component string, level Level) *Logger {
	return &Logger{
		std:   log.New(w, "", log.LstdFlags),
		tag:   component,
		level: level,
	}
}

// Default returns a Logger writing to stderr at LevelInfo.
func Default(component string) *Logger {
	return New(os.Stderr, component, LevelInfo)
}

// With returns a copy of l scoped to a sub-component tag, e.g.
// base.With("redisbroker") -> "[queuemanager.redisbroker]".
func (l *Logger) With(sub string) *Logger {
	return &Logger{std: l.std, tag: l.tag + "." + sub, level: l.level}
}

func (l *Logger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.std.Printf("[%s] %s: %s", l.tag, level, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, format, args...) }
