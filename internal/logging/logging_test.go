package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atmx/vault-lending/internal/config"
)

func TestNew_Stdout(t *testing.T) {
	var buf bytes.Buffer
	log, closer := New(config.LogConfig{Level: "warn"}, &buf)
	defer closer.Close()

	log.Info("hidden")
	log.Warn("shown", "pool", "pool-a")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["msg"] != "shown" || rec["pool"] != "pool-a" {
		t.Errorf("record = %v", rec)
	}
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "vaultd.log")
	var buf bytes.Buffer
	log, closer := New(config.LogConfig{Level: "info", File: path, MaxSizeMB: 1}, &buf)

	log.Info("engine ready")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "engine ready") || !strings.Contains(buf.String(), "engine ready") {
		t.Errorf("file=%q stdout=%q", raw, buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
