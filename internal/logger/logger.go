// Package logger constructs the process-wide hclog root logger. Components
// derive named sub-loggers from it; there is no package-level logger state.
package logger

import (
	"os"

	"github.com/fotoark/fotoark/internal/config"
	"github.com/hashicorp/go-hclog"
)

// New creates the root logger from logging configuration.
func New(cfg config.LoggingConfig) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "fotoark",
		Level:      hclog.LevelFromString(cfg.Level),
		JSONFormat: cfg.JSONFormat,
		Output:     os.Stdout,
	})
}
