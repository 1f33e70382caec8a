package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Values for the log_type attribute. Lines tagged security or retention are
// routed to the compliance pipeline by the log shipper.
const (
	TypeAudit     = "audit"
	TypeSecurity  = "security"
	TypeRetention = "retention"
)

// New returns a structured JSON logger on stdout at the given level
// ("debug", "info", "warn", "error"; unknown values mean info).
func New(level string) *slog.Logger {
	return NewWithWriter(os.Stdout, level)
}

func NewWithWriter(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
