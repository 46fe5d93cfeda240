package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseLevelString(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "warning", "error"} {
		if _, err := ParseLevelString(level); err != nil {
			t.Errorf("ParseLevelString(%q) error = %v", level, err)
		}
	}
	if _, err := ParseLevelString("loud"); err == nil {
		t.Error("ParseLevelString(loud) error = nil")
	}
}

func TestInitialize_FileLogging(t *testing.T) {
	path := filepath.Join(t.TempDir(), "omerows.log")

	if err := Initialize(Config{Level: "debug", File: FileConfig{Path: path}}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer Close()

	Get().Info("hello from test", "key", "value")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Errorf("log file does not contain the message: %q", data)
	}
}

func TestInitialize_Reinitialize(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	if err := Initialize(Config{File: FileConfig{Path: first}}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := Initialize(Config{File: FileConfig{Path: second}}); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
	defer Close()

	Get().Info("after reinit")

	data, _ := os.ReadFile(second)
	if !strings.Contains(string(data), "after reinit") {
		t.Errorf("second log file does not contain the message: %q", data)
	}
}

func TestWithComponent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "omerows.log")
	if err := Initialize(Config{JSON: true, File: FileConfig{Path: path}}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer Close()

	Session().Info("session event")

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `"component":"session"`) {
		t.Errorf("log line missing component attribute: %q", data)
	}
}

func TestWithServer(t *testing.T) {
	if got := WithServer(nil, "https://x"); got != nil {
		t.Error("WithServer(nil) != nil")
	}
	if got := WithServer(slog.Default(), "https://x"); got == nil {
		t.Error("WithServer() = nil for a real logger")
	}
}
