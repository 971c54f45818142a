// Package logger builds the structured logger shared by all components.
package logger

import (
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// New returns a slog.Logger backed by a charmbracelet handler. Debug mode
// lowers the level and reports caller locations.
func New(debug bool) *slog.Logger {
	opts := log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           log.InfoLevel,
	}
	if debug {
		opts.Level = log.DebugLevel
		opts.ReportCaller = true
	}
	return slog.New(log.NewWithOptions(os.Stderr, opts))
}
