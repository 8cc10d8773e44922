// Package logging provides the process-wide zerolog logger.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance used across the service.
var Log zerolog.Logger

func init() {
	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()

	if os.Getenv("NODE_ENV") != "production" {
		Log = Log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// GetLogger returns the global logger instance.
func GetLogger() zerolog.Logger {
	return Log
}
