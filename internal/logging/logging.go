package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Init sets up the default slog logger for a service. Output format comes
// from LOG_FORMAT ("text" or "json", default json) and level from
// LOG_LEVEL ("debug", "info", "warn", "error", default info).
func Init(service string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(os.Getenv("LOG_LEVEL"))}

	var handler slog.Handler
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler).With(slog.String("service", service))
	slog.SetDefault(logger)

	// Route stdlib log through slog so transitive log.Printf calls keep
	// structured output.
	log.SetFlags(0)
	log.SetOutput(&stdlibWriter{logger: logger})

	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type stdlibWriter struct {
	logger *slog.Logger
}

func (w *stdlibWriter) Write(p []byte) (int, error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"), slog.String("source", "stdlib"))
	return len(p), nil
}
