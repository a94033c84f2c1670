package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		" error ": slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewWithWriterTagsServiceAndFilters(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "launchpad-api", "warn")
	log.Info("dropped")
	log.Warn("kept", "deployment_id", "dep-1")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected exactly one JSON entry, got %q: %v", buf.String(), err)
	}
	if entry["service"] != "launchpad-api" || entry["msg"] != "kept" || entry["deployment_id"] != "dep-1" {
		t.Fatalf("unexpected entry %v", entry)
	}
}
