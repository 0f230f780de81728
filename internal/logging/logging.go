// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides a component-scoped structured logger used across
// the control plane.
package logging

import (
	"io"
	"os"
	"sync"

	charmlog "github.com/charmbracelet/log"
)

// Logger is a structured, component-scoped logger. All long-running
// components (group manager, link sampler, host tracker, routing engine,
// installer) take one at construction via WithComponent.
type Logger struct {
	inner *charmlog.Logger
}

var (
	defaultOnce   sync.Once
	defaultLogger *Logger
)

// Default returns the process-wide root logger, writing to stderr at info
// level. Tests should construct their own via New to avoid interleaving.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLogger = New(os.Stderr)
	})
	return defaultLogger
}

// New creates a root logger writing to w.
func New(w io.Writer) *Logger {
	l := charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
		Level:           charmlog.InfoLevel,
	})
	return &Logger{inner: l}
}

// WithComponent returns a child logger tagging every line with
// component=name, e.g. "groupmgr", "linkload", "install".
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{inner: l.inner.With("component", name)}
}

// With returns a child logger with additional structured key/value pairs
// attached to every subsequent line.
func (l *Logger) With(kvs ...any) *Logger {
	return &Logger{inner: l.inner.With(kvs...)}
}

// SetLevel adjusts the minimum level this logger (and its children created
// after the call) emit at.
func (l *Logger) SetLevel(level string) {
	lvl, err := charmlog.ParseLevel(level)
	if err != nil {
		return
	}
	l.inner.SetLevel(lvl)
}

func (l *Logger) Debug(msg string, kvs ...any) { l.inner.Debug(msg, kvs...) }
func (l *Logger) Info(msg string, kvs ...any)  { l.inner.Info(msg, kvs...) }
func (l *Logger) Warn(msg string, kvs ...any)  { l.inner.Warn(msg, kvs...) }
func (l *Logger) Error(msg string, kvs ...any) { l.inner.Error(msg, kvs...) }
