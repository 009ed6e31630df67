// Package debug provides env-gated debug tracing for the backplane internals.
//
// Output is off unless SSEBACKPLANE_DEBUG is set, and goes through slog at
// debug level tagged with the calling file.
package debug

import (
	"context"
	"log/slog"
	"os"
	"path"
	"runtime"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var out atomic.Pointer[slog.Logger]

func init() {
	enabled.Store(os.Getenv("SSEBACKPLANE_DEBUG") != "")
	out.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

// Enabled reports whether debug output is on.
func Enabled() bool { return enabled.Load() }

// SetEnabled toggles debug output at runtime.
func SetEnabled(on bool) { enabled.Store(on) }

// SetLogger replaces the destination logger. A nil logger is ignored.
func SetLogger(l *slog.Logger) {
	if l != nil {
		out.Store(l)
	}
}

// Debug logs msg with attrs when debug output is enabled.
func Debug(msg string, attrs ...slog.Attr) {
	if !enabled.Load() {
		return
	}
	attrs = append(attrs, slog.String("caller", caller()))
	out.Load().LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
}

func caller() string {
	_, filename, _, _ := runtime.Caller(2)
	return strings.Split(path.Base(filename), ".")[0]
}
