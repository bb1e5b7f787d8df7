package util

import (
	"log/slog"
	"os"
	"sync"
)

var (
	logger   *slog.Logger
	loggerMu sync.Mutex
)

// InitLogger initializes the global slog logger with appropriate level
func InitLogger(verbose bool) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if verbose {
		opts.Level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(os.Stdout, opts)

	loggerMu.Lock()
	logger = slog.New(handler)
	loggerMu.Unlock()
	slog.SetDefault(logger)
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	loggerMu.Lock()
	l := logger
	loggerMu.Unlock()
	if l == nil {
		// Fallback initialization with INFO level
		InitLogger(IsVerbose())
		return GetLogger()
	}
	return l
}

// IsVerbose reports whether --verbose was passed or CAMRELAY_VERBOSE is set
func IsVerbose() bool {
	if v := os.Getenv("CAMRELAY_VERBOSE"); v != "" && v != "0" && v != "false" {
		return true
	}
	for _, arg := range os.Args {
		if arg == "--verbose" {
			return true
		}
	}
	return false
}
