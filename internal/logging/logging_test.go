package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":  slog.LevelDebug,
		" INFO ": slog.LevelInfo,
		"Warn":   slog.LevelWarn,
		"ERROR":  slog.LevelError,
	} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("chatty"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNew_LevelIsAdjustable(t *testing.T) {
	var buf bytes.Buffer
	log, lv := New("warn", &buf)
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", buf.String())
	}
	lv.Set(slog.LevelDebug)
	log.Debug("shown", "path", "/d/a.db")
	if !strings.Contains(buf.String(), "msg=shown") || !strings.Contains(buf.String(), "path=/d/a.db") {
		t.Fatalf("output: %q", buf.String())
	}
}
