// Package logging provides a process-wide structured logger built on log/slog.
//
// Components never hold their own *slog.Logger; they call the package-level
// functions here, which read from an atomically-swappable singleton. This
// keeps construction (choosing JSON vs text, the level, the output stream)
// in one place — the entry point — while every other package just logs.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

// Configure replaces the singleton logger. w defaults to os.Stderr when nil.
func Configure(level slog.Level, w io.Writer, jsonFormat bool) {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	singleton.Store(slog.New(handler))
}

// Current returns the active logger, for callers that need to pass it through
// a context or a library that wants a *slog.Logger directly.
func Current() *slog.Logger {
	return singleton.Load()
}

// WithFields returns a logger with the given structured fields attached, for
// call sites that log more than once with the same context (e.g. a single
// request handler).
func WithFields(args ...any) *slog.Logger {
	return singleton.Load().With(args...)
}

func Debug(msg string)                   { singleton.Load().Log(context.Background(), slog.LevelDebug, msg) }
func Debugf(format string, args ...any)   { Debug(fmt.Sprintf(format, args...)) }
func Debugw(msg string, kv ...any)        { singleton.Load().Log(context.Background(), slog.LevelDebug, msg, kv...) }
func Info(msg string)                     { singleton.Load().Log(context.Background(), slog.LevelInfo, msg) }
func Infof(format string, args ...any)    { Info(fmt.Sprintf(format, args...)) }
func Infow(msg string, kv ...any)         { singleton.Load().Log(context.Background(), slog.LevelInfo, msg, kv...) }
func Warn(msg string)                     { singleton.Load().Log(context.Background(), slog.LevelWarn, msg) }
func Warnf(format string, args ...any)    { Warn(fmt.Sprintf(format, args...)) }
func Warnw(msg string, kv ...any)         { singleton.Load().Log(context.Background(), slog.LevelWarn, msg, kv...) }
func Error(msg string)                    { singleton.Load().Log(context.Background(), slog.LevelError, msg) }
func Errorf(format string, args ...any)   { Error(fmt.Sprintf(format, args...)) }
func Errorw(msg string, kv ...any)        { singleton.Load().Log(context.Background(), slog.LevelError, msg, kv...) }
