// Package logging wraps slog with the output policy shared by the fleet
// server and agent: stdout text or JSON, plus an optional rotating log file
// under the platform state directory.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps slog for structured logging.
type Logger struct {
	*slog.Logger
}

// New creates a Logger that outputs text or JSON depending on config.
func New(jsonMode bool) *Logger {
	return NewWithWriter(jsonMode, os.Stdout)
}

// NewWithWriter creates a Logger writing to w.
func NewWithWriter(jsonMode bool, w io.Writer) *Logger {
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	return &Logger{slog.New(handler)}
}

// NewRotating creates a Logger that writes to stdout and a rotating file in
// the component's log directory. Rotation is size-bounded with a 7-day
// retention window.
func NewRotating(jsonMode bool, component string) *Logger {
	dir := LogDir(component)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		// Fall back to stdout-only logging rather than failing startup.
		return New(jsonMode)
	}
	file := &lumberjack.Logger{
		Filename: filepath.Join(dir, component+".log"),
		MaxSize:  20, // MiB per file before rotation
		MaxAge:   7,  // days of retention
	}
	return NewWithWriter(jsonMode, io.MultiWriter(os.Stdout, file))
}

// LogDir returns the platform log directory for a component
// ("FleetServer" or "FleetAgent").
func LogDir(component string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Logs", component)
	}
	state := os.Getenv("XDG_STATE_HOME")
	if state == "" {
		state = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(state, "fleet", "logs")
}
