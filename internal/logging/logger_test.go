package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// capture swaps the global logger for an observer at level.
func capture(t *testing.T, level zapcore.Level) *observer.ObservedLogs {
	t.Helper()
	prev := Global()
	core, logs := observer.New(level)
	SetGlobal(zap.New(core))
	t.Cleanup(func() { SetGlobal(prev) })
	return logs
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"info":  zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
		"":      zapcore.InfoLevel,
		"loud":  zapcore.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewWithOptionsEncodings(t *testing.T) {
	for _, opts := range []Options{
		{Level: "debug"},
		{Level: "warn", Encoding: "console", Output: "stderr"},
		{Encoding: "json", Output: "stdout"},
	} {
		l, err := NewWithOptions(opts)
		if err != nil || l == nil {
			t.Fatalf("NewWithOptions(%+v) = %v, %v", opts, l, err)
		}
	}
}

func TestNewWithOptionsFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.log")
	l, err := NewWithOptions(Options{
		Level:    "warn",
		Encoding: "json",
		Output:   path,
		Rotation: Rotation{MaxSize: 1, MaxBackups: 1},
	})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	l.Info("below level")
	l.Warn("upstream blocked", zap.String("host", "10.0.0.1"))
	l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "below level") {
		t.Error("info entry written at warn level")
	}
	for _, want := range []string{`"msg":"upstream blocked"`, `"host":"10.0.0.1"`, `"timestamp"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log file missing %s: %s", want, out)
		}
	}
}

func TestGlobalHelpers(t *testing.T) {
	logs := capture(t, zapcore.DebugLevel)

	Debug("cache miss")
	Info("store opened")
	Warn("redis unavailable")
	Error("flush failed")
	With(zap.String("channel", "apikey-invalidate")).Info("subscribed")

	entries := logs.All()
	if len(entries) != 5 {
		t.Fatalf("got %d entries, want 5", len(entries))
	}
	levels := []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel, zapcore.InfoLevel}
	for i, lvl := range levels {
		if entries[i].Level != lvl {
			t.Errorf("entry %d (%s) level = %v, want %v", i, entries[i].Message, entries[i].Level, lvl)
		}
	}
	if entries[4].ContextMap()["channel"] != "apikey-invalidate" {
		t.Errorf("With fields lost: %v", entries[4].ContextMap())
	}
}

func TestGlobalLevelFiltering(t *testing.T) {
	logs := capture(t, zapcore.WarnLevel)

	Debug("dropped")
	Info("dropped")
	Warn("kept")

	if logs.FilterMessage("dropped").Len() != 0 {
		t.Error("entries below warn were recorded")
	}
	if logs.FilterMessage("kept").Len() != 1 {
		t.Error("warn entry missing")
	}
}
