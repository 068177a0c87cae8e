package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"TRACE":    LevelTrace,
		"debug":    LevelDebug,
		"Info":     LevelInfo,
		"WARN":     LevelWarning,
		"warning":  LevelWarning,
		"error":    LevelError,
		"CRITICAL": LevelCritical,
		"fatal":    LevelCritical,
		"none":     LevelNone,
		"off":      LevelNone,
		"garbage":  LevelInfo,
		"":         LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestHostCallbackReceivesRecords(t *testing.T) {
	var lines []string
	log := New("test", Config{
		Level:        LevelDebug,
		HostCallback: func(line string) { lines = append(lines, line) },
	})

	log.Info("hello from the runtime")
	log.Debugf("value is %d", 42)

	if len(lines) != 2 {
		t.Fatalf("callback received %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], "hello from the runtime") {
		t.Fatalf("line = %q", lines[0])
	}
	if !strings.Contains(lines[1], "value is 42") {
		t.Fatalf("line = %q", lines[1])
	}
	if !strings.Contains(lines[0], "component=test") {
		t.Fatalf("component field missing from %q", lines[0])
	}
}

func TestLevelGating(t *testing.T) {
	var lines []string
	log := New("test", Config{
		Level:        LevelWarning,
		HostCallback: func(line string) { lines = append(lines, line) },
	})

	log.Trace("dropped")
	log.Debug("dropped")
	log.Info("dropped")
	log.Warn("kept")
	log.Error("kept")
	log.Critical("kept")

	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %v", len(lines), lines)
	}
}

func TestLevelNoneSilencesEverything(t *testing.T) {
	var lines []string
	log := New("test", Config{
		Level:        LevelNone,
		HostCallback: func(line string) { lines = append(lines, line) },
	})

	log.Critical("dropped")
	log.Errorf("dropped %d", 1)
	log.WithField("k", "v").Error("dropped")
	log.WithError(os.ErrClosed).Warn("dropped")

	if len(lines) != 0 {
		t.Fatalf("NONE leaked %d lines: %v", len(lines), lines)
	}
}

func TestSetLevelAtRuntime(t *testing.T) {
	var lines []string
	log := New("test", Config{
		Level:        LevelError,
		HostCallback: func(line string) { lines = append(lines, line) },
	})

	log.Info("dropped")
	log.SetLevel(LevelInfo)
	log.Info("kept")

	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if log.Level() != LevelInfo {
		t.Fatalf("Level = %v", log.Level())
	}
}

func TestComponentSharesSinks(t *testing.T) {
	var lines []string
	log := New("parent", Config{
		Level:        LevelInfo,
		HostCallback: func(line string) { lines = append(lines, line) },
	})

	child := log.Component("child")
	child.Info("from child")

	if len(lines) != 1 || !strings.Contains(lines[0], "component=child") {
		t.Fatalf("lines = %v", lines)
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.log")
	log := New("test", Config{
		Level: LevelInfo,
		Rotation: RotationConfig{
			Path:      path,
			MaxSizeMB: 1,
		},
	})

	log.Info("persisted record")
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "persisted record") {
		t.Fatalf("log file contents: %q", data)
	}
}

func TestCriticalCarriesSeverityField(t *testing.T) {
	var lines []string
	log := New("test", Config{
		Level:        LevelInfo,
		HostCallback: func(line string) { lines = append(lines, line) },
	})

	log.Critical("something is very wrong")
	if len(lines) != 1 || !strings.Contains(lines[0], "severity=critical") {
		t.Fatalf("lines = %v", lines)
	}
}
