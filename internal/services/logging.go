package services

import (
	"io"
	"log/slog"
)

// componentLogger tags logger with the component name. A nil logger discards.
func componentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return logger.With("component", component)
}
