// Package logger provides a process-wide structured logger built on log/slog.
//
// It follows the same shape as a conventional sugared logger (Debug/Info/Warn/Error,
// each with an f-suffixed printf variant and a w-suffixed key/value variant) so call
// sites read the same regardless of which verb they need.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

// Configure replaces the package-level logger. json selects a JSON handler
// (suitable for production log shipping); otherwise a human-readable text
// handler is used.
func Configure(level slog.Level, json bool) {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	singleton.Store(slog.New(handler))
}

func get() *slog.Logger { return singleton.Load() }

func Debug(msg string)                             { get().Debug(msg) }
func Debugf(format string, args ...any)            { get().Debug(sprintf(format, args...)) }
func Debugw(msg string, kv ...any)                  { get().Debug(msg, kv...) }
func Info(msg string)                              { get().Info(msg) }
func Infof(format string, args ...any)              { get().Info(sprintf(format, args...)) }
func Infow(msg string, kv ...any)                   { get().Info(msg, kv...) }
func Warn(msg string)                              { get().Warn(msg) }
func Warnf(format string, args ...any)              { get().Warn(sprintf(format, args...)) }
func Warnw(msg string, kv ...any)                   { get().Warn(msg, kv...) }
func Error(msg string)                             { get().Error(msg) }
func Errorf(format string, args ...any)             { get().Error(sprintf(format, args...)) }
func Errorw(msg string, kv ...any)                  { get().Error(msg, kv...) }

// Preview returns the first and last 4 characters of a sensitive credential,
// joined by an ellipsis, suitable for log lines. Never log upstream tokens in full.
func Preview(secret string) string {
	const n = 4
	if len(secret) <= 2*n {
		return "***"
	}
	return secret[:n] + "..." + secret[len(secret)-n:]
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
