package infra

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_WritesRotatedFile(t *testing.T) {
	cfg := &Config{}
	cfg.App.Name = "test"
	cfg.Logging.Dir = t.TempDir()
	cfg.Logging.Level = "debug"

	logger := NewLogger(cfg)
	logger.Info("hello", slog.String("k", "v"))

	data, err := os.ReadFile(filepath.Join(cfg.Logging.Dir, "test.log"))
	if err != nil {
		t.Fatalf("Expected log file: %v", err)
	}
	if len(data) == 0 {
		t.Error("Expected log output in file")
	}
}
