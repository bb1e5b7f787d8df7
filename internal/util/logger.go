package util

import (
	"log"
	"log/slog"
	"strings"
)

// SetupGlobalLogger routes the standard log package through slog so
// http access lines and lifecycle messages share one output.
func SetupGlobalLogger() {
	log.SetFlags(0)
	log.SetOutput(&logWriter{logger: GetLogger()})
}

type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
