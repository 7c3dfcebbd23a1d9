package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestHandlerFormat tests the compact line format and level filtering.
func TestHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelInfo))

	log.Debug("hidden")
	log.Info("hello", "k", 1)

	out := buf.String()

	if strings.Contains(out, "hidden") {
		t.Error("debug record should be filtered")
	}

	if !strings.Contains(out, "[INF] hello k=1") {
		t.Errorf("unexpected output %q", out)
	}
}

// TestHandlerWithAttrs tests that attrs and groups carry over to records.
func TestHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelDebug)).With("component", "ledger").WithGroup("op")

	log.Warn("stale", "id", "abc")

	out := buf.String()

	if !strings.Contains(out, "[WRN] stale component=ledger op.id=abc") {
		t.Errorf("unexpected output %q", out)
	}
}

// TestParseLevel tests level names.
func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	}

	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

// TestSetupFile tests that Setup writes to the console and the rotating file.
func TestSetupFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	dir := t.TempDir()
	file := filepath.Join(dir, "logs", "pendingd.log")

	var console bytes.Buffer

	closer, err := Setup(Options{Level: "info", File: file, Out: &console})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	Info("written", "n", 2)

	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if !strings.Contains(console.String(), "written n=2") {
		t.Errorf("console missing record: %q", console.String())
	}

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}

	if !strings.Contains(string(data), "written n=2") {
		t.Errorf("file missing record: %q", data)
	}
}

// TestSetupJSON tests the JSON format.
func TestSetupJSON(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer

	if _, err := Setup(Options{Format: "json", Out: &buf}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	Warn("careful")

	if !strings.Contains(buf.String(), `"msg":"careful"`) {
		t.Errorf("unexpected output %q", buf.String())
	}

	if _, err := Setup(Options{Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
}
