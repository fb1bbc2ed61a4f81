package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("trace"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNewLogger_FiltersByLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger, closer, err := newLogger(&buf, Options{Level: "warn"})
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer closer.Close()

	logger.Info("dropped")
	logger.Warn("kept", "session_id", "s1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "kept" || entry["session_id"] != "s1" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestNewLogger_FileSink(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "server.log")
	var buf bytes.Buffer
	logger, closer, err := newLogger(&buf, Options{Level: "info", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	logger.Info("hello", "connection_id", "c1")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"connection_id":"c1"`) {
		t.Fatalf("file sink missing entry: %q", data)
	}
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Fatalf("stdout sink missing entry: %q", buf.String())
	}
}

func TestNew_RejectsBadLevel(t *testing.T) {
	t.Parallel()
	if _, _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatal("expected error")
	}
}
