package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestFileName(t *testing.T) {
	got := FileName(time.Date(2024, 3, 9, 7, 5, 1, 0, time.Local))
	if got != "log_20240309_070501.txt" {
		t.Errorf("unexpected file name %q", got)
	}
}

func TestSetupWritesLogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "storage")
	logger, f, err := Setup(dir, slog.LevelDebug, false)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	logger.Debug("hello", slog.String("k", "v"))
	f.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one log file, got %d", len(entries))
	}
	if !regexp.MustCompile(`^log_\d{8}_\d{6}\.txt$`).MatchString(entries[0].Name()) {
		t.Errorf("unexpected log file name %q", entries[0].Name())
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "msg=hello k=v") {
		t.Errorf("log line missing, got %q", data)
	}
}

func TestSetupRespectsLevel(t *testing.T) {
	dir := t.TempDir()
	logger, f, err := Setup(dir, slog.LevelWarn, false)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	logger.Info("quiet")
	logger.Warn("loud")
	f.Close()

	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "quiet") || !strings.Contains(string(data), "loud") {
		t.Errorf("level not applied: %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
