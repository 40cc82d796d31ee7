package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a minimal structured logger with secret redaction.
func New() *slog.Logger {
	return NewWithLevel("info")
}

// NewWithLevel returns a redacting stdout logger at the given level (debug, info, warn, error).
// Unknown levels fall back to info.
func NewWithLevel(level string) *slog.Logger {
	return NewWriter(os.Stdout, level)
}

// NewWriter is NewWithLevel writing to w.
func NewWriter(w io.Writer, level string) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: redact,
	})
	return slog.New(handler)
}

// ParseLevel maps a level name to a slog.Level.
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

func redact(groups []string, a slog.Attr) slog.Attr {
	if isSecretKey(a.Key) {
		a.Value = slog.StringValue("[redacted]")
	}
	return a
}

// isSecretKey matches attribute keys that may carry credentials, such as an operator
// private_key or a webhook token.
func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	for _, marker := range []string{"token", "secret", "key", "pass", "mnemonic"} {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}
