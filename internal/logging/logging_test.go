package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestRedactsSecretAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug")

	tests := []struct {
		key    string
		value  string
		secret bool
	}{
		{"operator_private_key", "0xdeadbeef", true},
		{"API_TOKEN", "tok123", true},
		{"password", "pass789", true},
		{"mnemonic", "word word word", true},
		{"binding", "say_hello", false},
		{"contract", "0xABCD", false},
		{"log_index", "3", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			buf.Reset()
			log.Info("event", tt.key, tt.value)
			out := buf.String()
			if got := strings.Contains(out, tt.value); got == tt.secret {
				t.Fatalf("value visible=%v for key %q: %s", got, tt.key, out)
			}
			if got := strings.Contains(out, "[redacted]"); got != tt.secret {
				t.Fatalf("redacted=%v for key %q: %s", got, tt.key, out)
			}
		})
	}
}

func TestRedactsInsideGroups(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, "info").Info("sink", slog.Group("webhook", "secret", "s3cr3t", "url", "https://hooks.example"))
	out := buf.String()
	if strings.Contains(out, "s3cr3t") || !strings.Contains(out, "hooks.example") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("job completed", "binding", "say_hello")
	log.Warn("decode failed, skipping log", "binding", "say_hello")

	out := buf.String()
	if strings.Contains(out, "job completed") {
		t.Fatalf("info should be filtered at warn: %s", out)
	}
	if !strings.Contains(out, "decode failed") {
		t.Fatalf("warn should be emitted: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" INFO ", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.level); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}
